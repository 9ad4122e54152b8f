package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/rfiflow/model"
)

// rfiColumns is the column list shared by every SELECT and RETURNING clause,
// in the order scanRFI expects.
const rfiColumns = `id, project_id, number, subject, question,
	status, stage,
	created_at, updated_at, date_activated, date_sent, date_responded, date_closed,
	due_date, assigned_to, rejection_type, rejection_reason, voided_reason, superseded_by,
	response, cost_impact, schedule_impact_days, created_by, version`

// PgRecordStore is a PostgreSQL-backed RecordStore using pgx/v5.
type PgRecordStore struct {
	pool *pgxpool.Pool
}

// NewPgRecordStore creates a new PostgreSQL record store.
func NewPgRecordStore(pool *pgxpool.Pool) *PgRecordStore {
	return &PgRecordStore{pool: pool}
}

// Migrate creates the rfis table and its indexes if they do not exist.
func (s *PgRecordStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS rfis (
			id                   TEXT PRIMARY KEY,
			project_id           TEXT NOT NULL,
			number               TEXT NOT NULL DEFAULT '',
			subject              TEXT NOT NULL,
			question             TEXT NOT NULL DEFAULT '',
			status               TEXT NOT NULL,
			stage                TEXT NOT NULL DEFAULT '',
			created_at           TIMESTAMPTZ NOT NULL,
			updated_at           TIMESTAMPTZ NOT NULL,
			date_activated       TIMESTAMPTZ,
			date_sent            TIMESTAMPTZ,
			date_responded       TIMESTAMPTZ,
			date_closed          TIMESTAMPTZ,
			due_date             TIMESTAMPTZ,
			assigned_to          TEXT NOT NULL DEFAULT '',
			rejection_type       TEXT NOT NULL DEFAULT '',
			rejection_reason     TEXT NOT NULL DEFAULT '',
			voided_reason        TEXT NOT NULL DEFAULT '',
			superseded_by        TEXT NOT NULL DEFAULT '',
			response             TEXT NOT NULL DEFAULT '',
			cost_impact          DOUBLE PRECISION NOT NULL DEFAULT 0,
			schedule_impact_days INTEGER NOT NULL DEFAULT 0,
			created_by           TEXT NOT NULL DEFAULT '',
			version              INTEGER NOT NULL DEFAULT 1
		);
		CREATE INDEX IF NOT EXISTS idx_rfis_status_due ON rfis (status, due_date);
		CREATE INDEX IF NOT EXISTS idx_rfis_project_created ON rfis (project_id, created_at DESC);`)
	if err != nil {
		return fmt.Errorf("migrate rfis: %w", err)
	}
	return nil
}

// Create inserts a new RFI.
func (s *PgRecordStore) Create(ctx context.Context, rfi model.RFI) error {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO rfis (`+rfiColumns+`) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7,
			$8, $9, $10, $11, $12, $13,
			$14, $15, $16, $17, $18, $19,
			$20, $21, $22, $23, $24
		) ON CONFLICT (id) DO NOTHING`,
		rfi.ID, rfi.ProjectID, rfi.Number, rfi.Subject, rfi.Question,
		string(rfi.Status), string(rfi.Stage),
		rfi.CreatedAt, rfi.UpdatedAt, rfi.DateActivated, rfi.DateSent, rfi.DateResponded, rfi.DateClosed,
		rfi.DueDate, rfi.AssignedTo, rfi.RejectionType, rfi.RejectionReason, rfi.VoidedReason, rfi.SupersededBy,
		rfi.Response, rfi.CostImpact, rfi.ScheduleImpactDays, rfi.CreatedBy, rfi.Version,
	)
	if err != nil {
		return fmt.Errorf("insert rfi: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewConflictError(fmt.Sprintf("rfi %q already exists", rfi.ID))
	}
	return nil
}

// Get retrieves an RFI by ID.
func (s *PgRecordStore) Get(ctx context.Context, id string) (model.RFI, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+rfiColumns+` FROM rfis WHERE id = $1`, id)
	rfi, err := scanRFI(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.RFI{}, notFound(id)
	}
	if err != nil {
		return model.RFI{}, fmt.Errorf("query rfi: %w", err)
	}
	return rfi, nil
}

// UpdateIfStatus writes the lifecycle columns while the stored status equals
// expected and the stored version equals rfi.Version.
func (s *PgRecordStore) UpdateIfStatus(ctx context.Context, rfi model.RFI, expected model.Status) (model.RFI, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE rfis SET
			status = $1,
			stage = $2,
			date_activated = $3,
			date_sent = $4,
			date_responded = $5,
			date_closed = $6,
			due_date = $7,
			assigned_to = $8,
			rejection_type = $9,
			rejection_reason = $10,
			voided_reason = $11,
			superseded_by = $12,
			updated_at = $13,
			version = version + 1
		WHERE id = $14 AND status = $15 AND version = $16
		RETURNING `+rfiColumns,
		string(rfi.Status), string(rfi.Stage),
		rfi.DateActivated, rfi.DateSent, rfi.DateResponded, rfi.DateClosed,
		rfi.DueDate, rfi.AssignedTo, rfi.RejectionType, rfi.RejectionReason,
		rfi.VoidedReason, rfi.SupersededBy,
		time.Now().UTC(),
		rfi.ID, string(expected), rfi.Version,
	)
	updated, err := scanRFI(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.RFI{}, s.missOrConflict(ctx, rfi.ID,
			fmt.Sprintf("rfi %q status conflict (expected %s at version %d)", rfi.ID, expected, rfi.Version))
	}
	if err != nil {
		return model.RFI{}, fmt.Errorf("update rfi status: %w", err)
	}
	return updated, nil
}

// UpdateIfVersion writes the editable columns while the stored version equals
// rfi.Version.
func (s *PgRecordStore) UpdateIfVersion(ctx context.Context, rfi model.RFI) (model.RFI, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE rfis SET
			subject = $1,
			question = $2,
			response = $3,
			cost_impact = $4,
			schedule_impact_days = $5,
			due_date = $6,
			assigned_to = $7,
			stage = $8,
			updated_at = $9,
			version = version + 1
		WHERE id = $10 AND version = $11
		RETURNING `+rfiColumns,
		rfi.Subject, rfi.Question, rfi.Response, rfi.CostImpact, rfi.ScheduleImpactDays,
		rfi.DueDate, rfi.AssignedTo, string(rfi.Stage),
		time.Now().UTC(),
		rfi.ID, rfi.Version,
	)
	updated, err := scanRFI(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.RFI{}, s.missOrConflict(ctx, rfi.ID,
			fmt.Sprintf("rfi %q version conflict (expected %d)", rfi.ID, rfi.Version))
	}
	if err != nil {
		return model.RFI{}, fmt.Errorf("update rfi: %w", err)
	}
	return updated, nil
}

// FindSentPastDue returns sent RFIs due before now.
func (s *PgRecordStore) FindSentPastDue(ctx context.Context, now time.Time) ([]model.RFI, error) {
	query := `SELECT ` + rfiColumns + `
	          FROM rfis
	          WHERE status = $1 AND due_date IS NOT NULL AND due_date < $2
	          ORDER BY due_date ASC`
	return s.queryRFIs(ctx, query, string(model.StatusSent), now)
}

// List returns RFIs matching filters, newest first.
func (s *PgRecordStore) List(ctx context.Context, filters model.RFIFilters) ([]model.RFI, error) {
	query := `SELECT ` + rfiColumns + ` FROM rfis WHERE TRUE`
	var args []any
	argIdx := 1

	if filters.ProjectID != "" {
		query += fmt.Sprintf(" AND project_id = $%d", argIdx)
		args = append(args, filters.ProjectID)
		argIdx++
	}
	if filters.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, string(filters.Status))
		argIdx++
	}

	query += " ORDER BY created_at DESC, id ASC"

	if filters.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filters.Limit)
		argIdx++
	}
	if filters.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, filters.Offset)
	}

	rfis, err := s.queryRFIs(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	if rfis == nil {
		rfis = []model.RFI{}
	}
	return rfis, nil
}

// Delete removes an RFI.
func (s *PgRecordStore) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM rfis WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete rfi: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return notFound(id)
	}
	return nil
}

// HealthCheck pings the pool.
func (s *PgRecordStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// missOrConflict distinguishes a conditional update that matched no row
// because the record is gone from one whose condition failed.
func (s *PgRecordStore) missOrConflict(ctx context.Context, id, conflictMsg string) error {
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM rfis WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check rfi exists: %w", err)
	}
	if !exists {
		return notFound(id)
	}
	return model.NewConflictError(conflictMsg)
}

// queryRFIs executes a query and returns RFIs.
func (s *PgRecordStore) queryRFIs(ctx context.Context, query string, args ...any) ([]model.RFI, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query rfis: %w", err)
	}
	defer rows.Close()

	var rfis []model.RFI
	for rows.Next() {
		rfi, err := scanRFI(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rfi: %w", err)
		}
		rfis = append(rfis, rfi)
	}
	return rfis, rows.Err()
}

func scanRFI(row pgx.Row) (model.RFI, error) {
	var (
		rfi           model.RFI
		status, stage string
	)
	err := row.Scan(
		&rfi.ID, &rfi.ProjectID, &rfi.Number, &rfi.Subject, &rfi.Question,
		&status, &stage,
		&rfi.CreatedAt, &rfi.UpdatedAt, &rfi.DateActivated, &rfi.DateSent, &rfi.DateResponded, &rfi.DateClosed,
		&rfi.DueDate, &rfi.AssignedTo, &rfi.RejectionType, &rfi.RejectionReason, &rfi.VoidedReason, &rfi.SupersededBy,
		&rfi.Response, &rfi.CostImpact, &rfi.ScheduleImpactDays, &rfi.CreatedBy, &rfi.Version,
	)
	if err != nil {
		return model.RFI{}, err
	}
	rfi.Status = model.Status(status)
	rfi.Stage = model.Stage(stage)
	return rfi, nil
}
