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

type txnRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewTxnRepo creates the PostgreSQL transaction repository.
func NewTxnRepo(db *sqlx.DB, timeout time.Duration) persistence.TxnRepo {
	return &txnRepo{db: db, timeout: timeout}
}

// Insert stores a transaction; the (tenant_id, txn_id) primary key turns a
// re-ingested row into ErrDuplicate.
func (r *txnRepo) Insert(ctx context.Context, txn domain.Transaction) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO transactions
			(txn_id, tenant_id, posted_at, amount_minor, currency, description_raw,
			 counterparty_raw, counterparty_norm, memo, mcc, source_file_id, source_row_ref, ingested_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	_, err := r.db.ExecContext(ctx, query,
		txn.TxnID, txn.TenantID, txn.PostedAt, txn.AmountMinor, txn.Currency,
		txn.DescriptionRaw, txn.CounterpartyRaw, txn.CounterpartyNorm,
		txn.Memo, txn.MCC, txn.SourceFileID, txn.SourceRowRef, txn.IngestedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return fmt.Errorf("%w: transaction %s", domain.ErrDuplicate, txn.TxnID)
		}
		return fmt.Errorf("%w: insert transaction: %v", domain.ErrStorage, err)
	}
	return nil
}

// Exists reports whether the tenant already holds the txn_id.
func (r *txnRepo) Exists(ctx context.Context, tenantID, txnID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var n int
	err := r.db.QueryRowxContext(ctx,
		`SELECT COUNT(1) FROM transactions WHERE tenant_id = $1 AND txn_id = $2`,
		tenantID, txnID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("%w: check transaction: %v", domain.ErrStorage, err)
	}
	return n > 0, nil
}

// Get fetches one transaction.
func (r *txnRepo) Get(ctx context.Context, tenantID, txnID string) (domain.Transaction, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var txn domain.Transaction
	err := r.db.GetContext(ctx, &txn, `
		SELECT txn_id, tenant_id, posted_at, amount_minor, currency, description_raw,
		       counterparty_raw, counterparty_norm, memo, mcc, source_file_id, source_row_ref, ingested_at
		FROM transactions
		WHERE tenant_id = $1 AND txn_id = $2`,
		tenantID, txnID)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Transaction{}, fmt.Errorf("%w: transaction %s", domain.ErrNotFound, txnID)
	}
	if err != nil {
		return domain.Transaction{}, fmt.Errorf("%w: get transaction: %v", domain.ErrStorage, err)
	}
	return txn, nil
}

// ListWindow returns the tenant's transactions in [from, to], ordered by
// (posted_at, txn_id) so downstream matching is deterministic.
func (r *txnRepo) ListWindow(ctx context.Context, tenantID string, from, to time.Time) ([]domain.Transaction, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var txns []domain.Transaction
	err := r.db.SelectContext(ctx, &txns, `
		SELECT txn_id, tenant_id, posted_at, amount_minor, currency, description_raw,
		       counterparty_raw, counterparty_norm, memo, mcc, source_file_id, source_row_ref, ingested_at
		FROM transactions
		WHERE tenant_id = $1 AND posted_at >= $2 AND posted_at <= $3
		ORDER BY posted_at, txn_id`,
		tenantID, from, to)
	if err != nil {
		return nil, fmt.Errorf("%w: list transactions: %v", domain.ErrStorage, err)
	}
	return txns, nil
}
