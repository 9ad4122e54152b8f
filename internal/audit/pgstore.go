package audit

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/rfiflow/model"
)

// Table names for the two logs.
const (
	TrailTable    = "rfi_audit_entries"
	ActivityTable = "rfi_activity_entries"
)

// PgStore is a PostgreSQL-backed Store using pgx/v5. Each log lives in its
// own table with identical columns.
type PgStore struct {
	pool  *pgxpool.Pool
	table string
}

// NewPgStore creates a store over table, which must be TrailTable or
// ActivityTable.
func NewPgStore(pool *pgxpool.Pool, table string) (*PgStore, error) {
	if table != TrailTable && table != ActivityTable {
		return nil, fmt.Errorf("audit: unknown table %q", table)
	}
	return &PgStore{pool: pool, table: table}, nil
}

// Migrate creates the table and its index if they do not exist.
func (s *PgStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			id         TEXT PRIMARY KEY,
			rfi_id     TEXT NOT NULL,
			seq        INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL,
			actor_id   TEXT NOT NULL,
			action     TEXT NOT NULL,
			from_state TEXT NOT NULL DEFAULT '',
			to_state   TEXT NOT NULL DEFAULT '',
			detail     TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_%[1]s_rfi_seq ON %[1]s (rfi_id, seq, created_at);`,
		s.table,
	))
	if err != nil {
		return fmt.Errorf("migrate %s: %w", s.table, err)
	}
	return nil
}

// Insert appends an entry.
func (s *PgStore) Insert(ctx context.Context, e model.AuditEntry) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, rfi_id, seq, created_at, actor_id, action, from_state, to_state, detail)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`, s.table),
		e.ID, e.RFIID, e.Seq, e.Timestamp, e.ActorID, string(e.Action),
		e.FromState, e.ToState, e.Detail,
	)
	if err != nil {
		return fmt.Errorf("insert %s entry: %w", s.table, err)
	}
	return nil
}

// Query returns the entries for rfiID ordered by sequence and time.
func (s *PgStore) Query(ctx context.Context, rfiID string) ([]model.AuditEntry, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT id, rfi_id, seq, created_at, actor_id, action, from_state, to_state, detail
		FROM %s
		WHERE rfi_id = $1
		ORDER BY seq ASC, created_at ASC`, s.table),
		rfiID,
	)
	if err != nil {
		return nil, fmt.Errorf("query %s entries: %w", s.table, err)
	}
	defer rows.Close()

	var entries []model.AuditEntry
	for rows.Next() {
		var e model.AuditEntry
		var action string
		if err := rows.Scan(
			&e.ID, &e.RFIID, &e.Seq, &e.Timestamp, &e.ActorID, &action,
			&e.FromState, &e.ToState, &e.Detail,
		); err != nil {
			return nil, fmt.Errorf("scan %s entry: %w", s.table, err)
		}
		e.Action = model.AuditAction(action)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// DeleteFor removes the entries for rfiID.
func (s *PgStore) DeleteFor(ctx context.Context, rfiID string) (int, error) {
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE rfi_id = $1`, s.table), rfiID)
	if err != nil {
		return 0, fmt.Errorf("delete %s entries: %w", s.table, err)
	}
	return int(tag.RowsAffected()), nil
}

// DeleteAll removes every entry.
func (s *PgStore) DeleteAll(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s`, s.table))
	if err != nil {
		return 0, fmt.Errorf("delete %s entries: %w", s.table, err)
	}
	return int(tag.RowsAffected()), nil
}

// HealthCheck pings the pool.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
