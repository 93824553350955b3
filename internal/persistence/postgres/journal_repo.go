package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/fintide/ledgerpilot/internal/domain"
	"github.com/fintide/ledgerpilot/internal/persistence"
)

type journalRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewJournalRepo creates the PostgreSQL journal repository.
func NewJournalRepo(db *sqlx.DB, timeout time.Duration) persistence.JournalRepo {
	return &journalRepo{db: db, timeout: timeout}
}

// Insert writes the entry and its lines in one transaction; partial entries
// are never observable.
func (r *journalRepo) Insert(ctx context.Context, je domain.JournalEntry) error {
	if !je.Balanced() {
		return fmt.Errorf("%w: je %s does not balance", domain.ErrInvariant, je.JEID)
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin je insert: %v", domain.ErrStorage, err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO journal_entries
			(je_id, tenant_id, txn_id, posted_at, status, confidence, calibrated_p,
			 rationale, rule_version_id, model_version_id, reverses_je_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		je.JEID, je.TenantID, je.TxnID, je.PostedAt, je.Status, je.Confidence,
		je.CalibratedP, je.Rationale, je.RuleVersionID, je.ModelVersionID,
		je.ReversesJEID, je.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return fmt.Errorf("%w: je %s", domain.ErrDuplicate, je.JEID)
		}
		return fmt.Errorf("%w: insert je: %v", domain.ErrStorage, err)
	}

	for _, line := range je.Lines {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO journal_lines (je_id, line_no, account_code, debit_minor, credit_minor, memo)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			line.JEID, line.LineNo, line.AccountCode, line.DebitMinor, line.CreditMinor, line.Memo)
		if err != nil {
			return fmt.Errorf("%w: insert je line: %v", domain.ErrStorage, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit je insert: %v", domain.ErrStorage, err)
	}
	return nil
}

// Get fetches an entry with its lines.
func (r *journalRepo) Get(ctx context.Context, tenantID, jeID string) (domain.JournalEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var je domain.JournalEntry
	err := r.db.GetContext(ctx, &je, `
		SELECT je_id, tenant_id, txn_id, posted_at, status, confidence, calibrated_p,
		       rationale, rule_version_id, model_version_id, reverses_je_id, created_at
		FROM journal_entries
		WHERE tenant_id = $1 AND je_id = $2`,
		tenantID, jeID)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.JournalEntry{}, fmt.Errorf("%w: je %s", domain.ErrNotFound, jeID)
	}
	if err != nil {
		return domain.JournalEntry{}, fmt.Errorf("%w: get je: %v", domain.ErrStorage, err)
	}

	err = r.db.SelectContext(ctx, &je.Lines, `
		SELECT je_id, line_no, account_code, debit_minor, credit_minor, memo
		FROM journal_lines
		WHERE je_id = $1
		ORDER BY line_no`,
		jeID)
	if err != nil {
		return domain.JournalEntry{}, fmt.Errorf("%w: get je lines: %v", domain.ErrStorage, err)
	}
	return je, nil
}

// UpdateStatus is a compare-and-set transition; a zero-row update means the
// entry moved underneath the caller.
func (r *journalRepo) UpdateStatus(ctx context.Context, tenantID, jeID string, from, to domain.JEStatus) error {
	if !domain.CanTransition(from, to) {
		return fmt.Errorf("%w: je %s cannot move %s -> %s", domain.ErrInvariant, jeID, from, to)
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE journal_entries SET status = $1
		WHERE tenant_id = $2 AND je_id = $3 AND status = $4`,
		to, tenantID, jeID, from)
	if err != nil {
		return fmt.Errorf("%w: update je status: %v", domain.ErrStorage, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: update je status: %v", domain.ErrStorage, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: je %s was not in status %s", domain.ErrConcurrency, jeID, from)
	}
	return nil
}

// ListByStatus returns the tenant's entries in a status with their lines,
// ordered by (posted_at, je_id).
func (r *journalRepo) ListByStatus(ctx context.Context, tenantID string, status domain.JEStatus) ([]domain.JournalEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var jes []domain.JournalEntry
	err := r.db.SelectContext(ctx, &jes, `
		SELECT je_id, tenant_id, txn_id, posted_at, status, confidence, calibrated_p,
		       rationale, rule_version_id, model_version_id, reverses_je_id, created_at
		FROM journal_entries
		WHERE tenant_id = $1 AND status = $2
		ORDER BY posted_at, je_id`,
		tenantID, status)
	if err != nil {
		return nil, fmt.Errorf("%w: list jes: %v", domain.ErrStorage, err)
	}

	for i := range jes {
		err = r.db.SelectContext(ctx, &jes[i].Lines, `
			SELECT je_id, line_no, account_code, debit_minor, credit_minor, memo
			FROM journal_lines
			WHERE je_id = $1
			ORDER BY line_no`,
			jes[i].JEID)
		if err != nil {
			return nil, fmt.Errorf("%w: list je lines: %v", domain.ErrStorage, err)
		}
	}
	return jes, nil
}
