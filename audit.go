package txkit

import (
	"context"
	"encoding/json"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/fernandezvara/txkit/txsync"
)

// AuditAction represents the type of action being audited
type AuditAction string

const (
	AuditActionCreate AuditAction = "CREATE"
	AuditActionUpdate AuditAction = "UPDATE"
	AuditActionDelete AuditAction = "DELETE"
)

// AuditEntry is a single audit record
type AuditEntry struct {
	ID          string          `json:"id"`
	Action      AuditAction     `json:"action"`
	TableName   string          `json:"table_name"`
	RecordID    string          `json:"record_id"`
	Transaction string          `json:"transaction,omitempty"`
	OldData     json.RawMessage `json:"old_data,omitempty"`
	NewData     json.RawMessage `json:"new_data,omitempty"`
	UserID      string          `json:"user_id,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// AuditHandler stores audit entries
type AuditHandler func(ctx context.Context, entry *AuditEntry) error

// AuditConfig configures an Auditor
type AuditConfig struct {
	Handler AuditHandler // Where entries go (required)

	Tables        []string // Tables to audit; empty means all
	ExcludeTables []string // Tables never audited

	UserIDExtractor   func(ctx context.Context) string
	MetadataExtractor func(ctx context.Context) map[string]any
}

// Auditor records audit entries that share the fate of the surrounding
// transaction. Inside an active synchronization scope entries are buffered
// and handed to the handler just before commit, on the connection that
// commits; a rollback discards them. Outside a scope the handler is called
// immediately.
type Auditor struct {
	registry *txsync.Registry
	config   AuditConfig
	logger   *slog.Logger
	now      func() time.Time
}

// NewAuditor creates an auditor bound to registry
func NewAuditor(registry *txsync.Registry, config AuditConfig) (*Auditor, error) {
	if registry == nil {
		return nil, newError(CodeUsage, "NewAuditor", "registry is required")
	}
	if config.Handler == nil {
		return nil, newError(CodeUsage, "NewAuditor", "audit handler is required")
	}
	return &Auditor{registry: registry, config: config, logger: registry.Logger(), now: time.Now}, nil
}

func (a *Auditor) shouldAudit(table string) bool {
	if slices.Contains(a.config.ExcludeTables, table) {
		return false
	}
	return len(a.config.Tables) == 0 || slices.Contains(a.config.Tables, table)
}

// Create records an inserted row
func (a *Auditor) Create(ctx context.Context, table, recordID string, newData any) error {
	return a.Record(ctx, AuditActionCreate, table, recordID, nil, newData)
}

// Update records a modified row
func (a *Auditor) Update(ctx context.Context, table, recordID string, oldData, newData any) error {
	return a.Record(ctx, AuditActionUpdate, table, recordID, oldData, newData)
}

// Delete records a removed row
func (a *Auditor) Delete(ctx context.Context, table, recordID string, oldData any) error {
	return a.Record(ctx, AuditActionDelete, table, recordID, oldData, nil)
}

// Record builds an entry and either buffers it in the current scope or
// hands it to the handler
func (a *Auditor) Record(ctx context.Context, action AuditAction, table, recordID string, oldData, newData any) error {
	if !a.shouldAudit(table) {
		return nil
	}
	entry, err := a.newEntry(ctx, action, table, recordID, oldData, newData)
	if err != nil {
		return err
	}
	if !a.registry.IsSynchronizationActive(ctx) {
		return wrapError(a.config.Handler(ctx, entry), "Audit", "could not store audit entry")
	}
	buf, err := a.buffer(ctx)
	if err != nil {
		return err
	}
	buf.entries = append(buf.entries, entry)
	return nil
}

// Pending returns the entries buffered in the current scope
func (a *Auditor) Pending(ctx context.Context) []*AuditEntry {
	if v, ok := a.registry.GetResource(ctx, auditKey{a}); ok {
		return slices.Clone(v.(*auditBuffer).entries)
	}
	return nil
}

func (a *Auditor) newEntry(ctx context.Context, action AuditAction, table, recordID string, oldData, newData any) (*AuditEntry, error) {
	entry := &AuditEntry{
		ID:          uuid.NewString(),
		Action:      action,
		TableName:   table,
		RecordID:    recordID,
		Transaction: a.registry.CurrentTransactionName(ctx),
		CreatedAt:   a.now(),
	}
	if a.config.UserIDExtractor != nil {
		entry.UserID = a.config.UserIDExtractor(ctx)
	} else {
		entry.UserID = AuditUserID(ctx)
	}

	var err error
	if a.config.MetadataExtractor != nil {
		if md := a.config.MetadataExtractor(ctx); len(md) > 0 {
			if entry.Metadata, err = json.Marshal(md); err != nil {
				return nil, wrapError(err, "Audit", "could not encode audit metadata")
			}
		}
	}
	if oldData != nil {
		if entry.OldData, err = json.Marshal(oldData); err != nil {
			return nil, wrapError(err, "Audit", "could not encode old data")
		}
	}
	if newData != nil {
		if entry.NewData, err = json.Marshal(newData); err != nil {
			return nil, wrapError(err, "Audit", "could not encode new data")
		}
	}
	return entry, nil
}

// auditKey binds one auditor's buffer per scope
type auditKey struct{ a *Auditor }

func (a *Auditor) buffer(ctx context.Context) (*auditBuffer, error) {
	key := auditKey{a}
	if v, ok := a.registry.GetResource(ctx, key); ok {
		return v.(*auditBuffer), nil
	}
	buf := &auditBuffer{auditor: a, key: key, bound: true}
	if err := a.registry.BindResource(ctx, key, buf); err != nil {
		return nil, &Error{Code: CodeIllegalState, Op: "Audit", Message: "could not bind audit buffer", Cause: err}
	}
	if err := a.registry.RegisterSynchronization(ctx, buf); err != nil {
		a.registry.UnbindResourceIfPresent(ctx, key)
		return nil, &Error{Code: CodeIllegalState, Op: "Audit", Message: "could not register audit buffer", Cause: err}
	}
	return buf, nil
}

// auditBuffer holds the entries of one scope until it completes
type auditBuffer struct {
	txsync.SynchronizationAdapter
	auditor *Auditor
	key     auditKey
	entries []*AuditEntry
	bound   bool
}

func (b *auditBuffer) Suspend(ctx context.Context) error {
	if b.bound {
		b.auditor.registry.UnbindResourceIfPresent(ctx, b.key)
	}
	return nil
}

func (b *auditBuffer) Resume(ctx context.Context) error {
	if b.bound {
		return b.auditor.registry.BindResource(ctx, b.key, b)
	}
	return nil
}

func (b *auditBuffer) BeforeCommit(ctx context.Context, _ bool) error {
	for len(b.entries) > 0 {
		entry := b.entries[0]
		if err := b.auditor.config.Handler(ctx, entry); err != nil {
			return wrapError(err, "Audit", "could not store audit entry for "+entry.TableName)
		}
		b.entries = b.entries[1:]
	}
	return nil
}

func (b *auditBuffer) AfterCompletion(ctx context.Context, status txsync.CompletionStatus) error {
	if b.bound {
		b.auditor.registry.UnbindResourceIfPresent(ctx, b.key)
		b.bound = false
	}
	if n := len(b.entries); n > 0 {
		b.auditor.logger.LogAttrs(ctx, slog.LevelDebug, "discarded audit entries",
			slog.Int("entries", n),
			slog.String("status", status.String()))
	}
	b.entries = nil
	return nil
}

// AuditLog is the database model audit entries are stored as
type AuditLog struct {
	bun.BaseModel `bun:"table:txkit_audit_log,alias:al"`

	ID          string          `bun:"id,pk,type:uuid"`
	Action      AuditAction     `bun:"action,notnull"`
	TableName   string          `bun:"table_name,notnull"`
	RecordID    string          `bun:"record_id,notnull"`
	Transaction string          `bun:"transaction_name"`
	OldData     json.RawMessage `bun:"old_data,type:jsonb"`
	NewData     json.RawMessage `bun:"new_data,type:jsonb"`
	UserID      string          `bun:"user_id"`
	Metadata    json.RawMessage `bun:"metadata,type:jsonb"`
	CreatedAt   time.Time       `bun:"created_at,notnull,default:current_timestamp"`
}

// EnsureAuditTable creates the audit table if it does not exist
func (k *Kit) EnsureAuditTable(ctx context.Context) error {
	_, err := k.DB.NewCreateTable().Model((*AuditLog)(nil)).IfNotExists().Exec(ctx)
	return wrapError(err, "EnsureAuditTable", "could not create audit table")
}

// DatabaseAuditHandler stores entries through the handle bound to ctx, so
// buffered entries are written inside the committing transaction
func (k *Kit) DatabaseAuditHandler() AuditHandler {
	return func(ctx context.Context, entry *AuditEntry) error {
		row := &AuditLog{
			ID:          entry.ID,
			Action:      entry.Action,
			TableName:   entry.TableName,
			RecordID:    entry.RecordID,
			Transaction: entry.Transaction,
			OldData:     entry.OldData,
			NewData:     entry.NewData,
			UserID:      entry.UserID,
			Metadata:    entry.Metadata,
			CreatedAt:   entry.CreatedAt,
		}
		_, err := k.IDB(ctx).NewInsert().Model(row).Exec(ctx)
		return err
	}
}

// NewAuditor creates an auditor on the kit's registry, storing entries in
// the audit table unless config names another handler
func (k *Kit) NewAuditor(config AuditConfig) (*Auditor, error) {
	if config.Handler == nil {
		config.Handler = k.DatabaseAuditHandler()
	}
	return NewAuditor(k.registry, config)
}

type auditContextKey struct{}

// WithAuditUser attaches the acting user's ID to ctx
func WithAuditUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, auditContextKey{}, userID)
}

// AuditUserID returns the user ID attached by WithAuditUser
func AuditUserID(ctx context.Context) string {
	s, _ := ctx.Value(auditContextKey{}).(string)
	return s
}
