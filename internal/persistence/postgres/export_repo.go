package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/fintide/ledgerpilot/internal/domain"
	"github.com/fintide/ledgerpilot/internal/persistence"
)

type exportRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewExportRepo creates the PostgreSQL export ledger.
func NewExportRepo(db *sqlx.DB, timeout time.Duration) persistence.ExportRepo {
	return &exportRepo{db: db, timeout: timeout}
}

// Upsert is the conditional insert behind export idempotency: ON CONFLICT on
// the (tenant_id, target, external_id) unique key bumps the attempt counter
// instead of inserting. The returned flag distinguishes the two paths via
// xmax = 0, which is true only for freshly inserted rows.
func (r *exportRepo) Upsert(ctx context.Context, rec domain.ExportRecord) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var inserted bool
	err := r.db.QueryRowxContext(ctx, `
		INSERT INTO export_records
			(tenant_id, je_id, external_id, target, first_exported_at, last_attempt_at, attempts, status)
		VALUES ($1, $2, $3, $4, $5, $6, 1, $7)
		ON CONFLICT (tenant_id, target, external_id) DO UPDATE
			SET attempts = export_records.attempts + 1,
			    last_attempt_at = EXCLUDED.last_attempt_at,
			    status = $8
		RETURNING (xmax = 0)`,
		rec.TenantID, rec.JEID, rec.ExternalID, rec.Target,
		rec.FirstExportedAt, rec.LastAttemptAt, domain.ExportPosted,
		domain.ExportSkippedDuplicate).
		Scan(&inserted)
	if err != nil {
		return false, fmt.Errorf("%w: export upsert: %v", domain.ErrStorage, err)
	}
	return inserted, nil
}

// Get fetches one ledger row.
func (r *exportRepo) Get(ctx context.Context, tenantID, target, externalID string) (domain.ExportRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var rec domain.ExportRecord
	err := r.db.GetContext(ctx, &rec, `
		SELECT tenant_id, je_id, external_id, target, first_exported_at, last_attempt_at, attempts, status
		FROM export_records
		WHERE tenant_id = $1 AND target = $2 AND external_id = $3`,
		tenantID, target, externalID)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ExportRecord{}, fmt.Errorf("%w: export %s", domain.ErrNotFound, externalID)
	}
	if err != nil {
		return domain.ExportRecord{}, fmt.Errorf("%w: get export: %v", domain.ErrStorage, err)
	}
	return rec, nil
}
