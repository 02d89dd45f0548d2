package txkit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"maps"
	"strings"
	"testing"
)

// fakeDB is an in-memory Provider. Every physical operation is recorded as
// "<op>#<conn id>" so tests can assert exactly what reached the database.
type fakeDB struct {
	data   map[string]string
	ops    []string
	nextID int
	open   int

	failAcquire  error
	failBegin    error
	failCommit   error
	failRollback error
	noSavepoints bool
}

func newFakeDB() *fakeDB {
	return &fakeDB{data: make(map[string]string)}
}

func (db *fakeDB) record(op string, c *fakeConn) {
	db.ops = append(db.ops, fmt.Sprintf("%s#%d", op, c.id))
}

// count returns how many recorded operations are op, on any connection
func (db *fakeDB) count(op string) int {
	n := 0
	for _, o := range db.ops {
		if strings.HasPrefix(o, op+"#") {
			n++
		}
	}
	return n
}

func (db *fakeDB) Acquire(context.Context) (Conn, error) {
	if db.failAcquire != nil {
		return nil, db.failAcquire
	}
	db.nextID++
	db.open++
	c := &fakeConn{db: db, id: db.nextID}
	db.record("acquire", c)
	return c, nil
}

func (db *fakeDB) Release(_ context.Context, conn Conn) error {
	c := conn.(*fakeConn)
	if c.released {
		return errors.New("fake: connection released twice")
	}
	c.released = true
	db.open--
	db.record("release", c)
	return nil
}

type fakeConn struct {
	db       *fakeDB
	id       int
	released bool

	inTx       bool
	opts       sql.TxOptions
	pending    map[string]string
	savepoints map[string]map[string]string
}

func (c *fakeConn) Begin(_ context.Context, opts sql.TxOptions) error {
	if c.db.failBegin != nil {
		return c.db.failBegin
	}
	if c.inTx {
		return errors.New("fake: transaction already open")
	}
	c.db.record("begin", c)
	c.inTx = true
	c.opts = opts
	c.pending = maps.Clone(c.db.data)
	c.savepoints = make(map[string]map[string]string)
	return nil
}

func (c *fakeConn) Commit(context.Context) error {
	c.db.record("commit", c)
	if c.db.failCommit != nil {
		return c.db.failCommit
	}
	c.db.data = c.pending
	c.inTx = false
	return nil
}

func (c *fakeConn) Rollback(context.Context) error {
	c.db.record("rollback", c)
	c.inTx = false
	c.pending = nil
	return c.db.failRollback
}

func (c *fakeConn) CreateSavepoint(_ context.Context, name string) error {
	if !c.inTx {
		return errors.New("fake: savepoint outside transaction")
	}
	c.db.record("savepoint:"+name, c)
	c.savepoints[name] = maps.Clone(c.pending)
	return nil
}

func (c *fakeConn) RollbackToSavepoint(_ context.Context, name string) error {
	snap, ok := c.savepoints[name]
	if !ok {
		return fmt.Errorf("fake: no savepoint %s", name)
	}
	c.db.record("rollbackTo:"+name, c)
	c.pending = maps.Clone(snap)
	return nil
}

func (c *fakeConn) ReleaseSavepoint(_ context.Context, name string) error {
	if _, ok := c.savepoints[name]; !ok {
		return fmt.Errorf("fake: no savepoint %s", name)
	}
	c.db.record("releaseSavepoint:"+name, c)
	delete(c.savepoints, name)
	return nil
}

func (c *fakeConn) SupportsSavepoints(context.Context) (bool, error) {
	return !c.db.noSavepoints, nil
}

// put writes inside the open transaction, or straight to the data outside one
func (c *fakeConn) put(key, value string) {
	if c.inTx {
		c.pending[key] = value
		return
	}
	c.db.data[key] = value
}

func statusConn(t *testing.T, s *TransactionStatus) *fakeConn {
	t.Helper()
	c, ok := s.Conn().(*fakeConn)
	if !ok {
		t.Fatalf("expected a fake connection, got %T", s.Conn())
	}
	return c
}

func newTestManager(t *testing.T, db *fakeDB, configure ...func(*ManagerConfig)) (*Manager, context.Context) {
	t.Helper()
	cfg := DefaultManagerConfig()
	for _, fn := range configure {
		fn(&cfg)
	}
	m, err := NewManager(db, nil, cfg)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	return m, m.NewContext(context.Background())
}
