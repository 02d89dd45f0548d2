package txkit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/uptrace/bun"
)

// Migration is one schema change, identified by an ID that sorts in apply order
type Migration struct {
	ID          string
	Description string
	SQL         string
}

// MigrationResult reports what one Migrate call did
type MigrationResult struct {
	Applied   []AppliedMigration
	Skipped   []string // already applied
	TotalTime time.Duration
}

// AppliedMigration is a migration recorded in the tracking table
type AppliedMigration struct {
	ID          string
	Description string
	AppliedAt   time.Time
	Duration    time.Duration
	Checksum    string
}

// MigrationStatusEntry compares a known migration with the tracking table
type MigrationStatusEntry struct {
	ID            string
	Description   string
	Checksum      string
	Applied       bool
	ChecksumMatch bool // only meaningful when Applied
}

// migrationRecord is the tracking table row
type migrationRecord struct {
	bun.BaseModel `bun:"table:_txkit_migrations"`

	ID          string    `bun:"id,pk,type:varchar(255)"`
	Description string    `bun:"description"`
	Checksum    string    `bun:"checksum,notnull,type:varchar(64)"`
	AppliedAt   time.Time `bun:"applied_at,nullzero,notnull,type:timestamptz,default:current_timestamp"`
	DurationMs  int64     `bun:"duration_ms,notnull"`
}

func (r migrationRecord) applied() AppliedMigration {
	return AppliedMigration{
		ID:          r.ID,
		Description: r.Description,
		AppliedAt:   r.AppliedAt,
		Duration:    time.Duration(r.DurationMs) * time.Millisecond,
		Checksum:    r.Checksum,
	}
}

// Migrate applies pending migrations in order. Each one commits in its own
// transaction together with its tracking row, independent of any transaction
// bound to ctx; the first failure stops the run. An applied migration whose
// SQL changed fails the run with CodeMigration.
func (k *Kit) Migrate(ctx context.Context, migrations []Migration) (*MigrationResult, error) {
	start := time.Now()
	records, err := k.migrationRecords(ctx, "Migrate")
	if err != nil {
		return nil, err
	}
	checksums := make(map[string]string, len(records))
	for _, r := range records {
		checksums[r.ID] = r.Checksum
	}

	result := &MigrationResult{Applied: []AppliedMigration{}, Skipped: []string{}}
	for _, m := range migrations {
		sum := checksumSQL(m.SQL)
		if prev, ok := checksums[m.ID]; ok {
			if prev != sum {
				return nil, newError(CodeMigration, "Migrate",
					fmt.Sprintf("migration %s has changed (checksum mismatch: recorded %s, now %s)", m.ID, prev, sum))
			}
			result.Skipped = append(result.Skipped, m.ID)
			continue
		}

		rec, err := k.applyMigration(ctx, m, sum)
		if err != nil {
			return nil, err
		}
		k.registry.Logger().LogAttrs(ctx, slog.LevelInfo, "migration applied",
			slog.String("id", m.ID),
			slog.Duration("duration", time.Duration(rec.DurationMs)*time.Millisecond))
		result.Applied = append(result.Applied, rec.applied())
	}

	result.TotalTime = time.Since(start)
	return result, nil
}

// migrationRecords creates the tracking table if needed and reads it, both on
// the pool so an enclosing transaction never holds the bookkeeping
func (k *Kit) migrationRecords(ctx context.Context, op string) ([]migrationRecord, error) {
	if _, err := k.DB.NewCreateTable().Model((*migrationRecord)(nil)).IfNotExists().Exec(ctx); err != nil {
		return nil, &Error{Code: CodeMigration, Op: op, Message: "failed to create migrations table", Cause: err}
	}
	var records []migrationRecord
	if err := k.DB.NewSelect().Model(&records).Order("applied_at ASC", "id ASC").Scan(ctx); err != nil {
		return nil, wrapError(err, op, "could not read applied migrations")
	}
	return records, nil
}

func (k *Kit) applyMigration(ctx context.Context, m Migration, checksum string) (*migrationRecord, error) {
	started := time.Now()
	rec := &migrationRecord{ID: m.ID, Description: m.Description, Checksum: checksum}

	def := MustDefinition(WithPropagation(PropagationRequiresNew), WithName("migration "+m.ID))
	err := k.TransactionWithDefinition(ctx, def, func(ctx context.Context, tx *Tx) error {
		if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
			return &Error{
				Code:    CodeMigration,
				Op:      "Migrate.Apply",
				Message: fmt.Sprintf("migration %s failed (%s)", m.ID, truncateSQL(m.SQL, 200)),
				Cause:   err,
			}
		}
		rec.DurationMs = time.Since(started).Milliseconds()
		if _, err := tx.NewInsert().Model(rec).Returning("applied_at").Exec(ctx); err != nil {
			return wrapError(err, "Migrate.Record", "could not record migration "+m.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// MigrationStatus reports, for each known migration, whether it is applied
// and whether its SQL still matches
func (k *Kit) MigrationStatus(ctx context.Context, migrations []Migration) ([]MigrationStatusEntry, error) {
	records, err := k.migrationRecords(ctx, "MigrationStatus")
	if err != nil {
		return nil, err
	}
	recorded := make(map[string]string, len(records))
	for _, r := range records {
		recorded[r.ID] = r.Checksum
	}

	entries := make([]MigrationStatusEntry, 0, len(migrations))
	for _, m := range migrations {
		e := MigrationStatusEntry{ID: m.ID, Description: m.Description, Checksum: checksumSQL(m.SQL)}
		if sum, ok := recorded[m.ID]; ok {
			e.Applied = true
			e.ChecksumMatch = sum == e.Checksum
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// GetAppliedMigrations returns the tracking table in apply order
func (k *Kit) GetAppliedMigrations(ctx context.Context) ([]AppliedMigration, error) {
	records, err := k.migrationRecords(ctx, "GetAppliedMigrations")
	if err != nil {
		return nil, err
	}
	applied := make([]AppliedMigration, len(records))
	for i, r := range records {
		applied[i] = r.applied()
	}
	return applied, nil
}

func checksumSQL(sql string) string {
	sum := sha256.Sum256([]byte(sql))
	return hex.EncodeToString(sum[:])
}

func truncateSQL(sql string, maxLen int) string {
	if len(sql) > maxLen {
		return sql[:maxLen] + "..."
	}
	return sql
}
