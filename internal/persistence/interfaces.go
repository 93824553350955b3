// Package persistence defines the storage collaborators the decision engine
// requires and provides the in-memory implementations used by tests and
// single-process deployments. The postgres subpackage carries the durable
// implementations.
package persistence

import (
	"context"
	"time"

	"github.com/fintide/ledgerpilot/internal/domain"
)

// TxnRepo stores normalized transactions. Insert enforces the txn_id
// uniqueness that makes re-ingestion idempotent.
type TxnRepo interface {
	Insert(ctx context.Context, txn domain.Transaction) error
	Exists(ctx context.Context, tenantID, txnID string) (bool, error)
	Get(ctx context.Context, tenantID, txnID string) (domain.Transaction, error)
	ListWindow(ctx context.Context, tenantID string, from, to time.Time) ([]domain.Transaction, error)
}

// JournalRepo stores journal entries with their lines.
type JournalRepo interface {
	Insert(ctx context.Context, je domain.JournalEntry) error
	Get(ctx context.Context, tenantID, jeID string) (domain.JournalEntry, error)
	UpdateStatus(ctx context.Context, tenantID, jeID string, from, to domain.JEStatus) error
	ListByStatus(ctx context.Context, tenantID string, status domain.JEStatus) ([]domain.JournalEntry, error)
}

// ExportRepo is the idempotency ledger. Upsert inserts when the
// (tenant, target, external_id) key is new and bumps attempts either way.
type ExportRepo interface {
	Upsert(ctx context.Context, rec domain.ExportRecord) (created bool, err error)
	Get(ctx context.Context, tenantID, target, externalID string) (domain.ExportRecord, error)
}

// TenantRepo stores per-tenant policy and the chart of accounts.
type TenantRepo interface {
	GetPolicy(ctx context.Context, tenantID string) (domain.TenantPolicy, error)
	PutPolicy(ctx context.Context, policy domain.TenantPolicy) error
	Account(tenantID, code string) (domain.Account, bool)
	PutAccount(ctx context.Context, acc domain.Account) error
}

// RetrainRepo records retrain attempts.
type RetrainRepo interface {
	Insert(ctx context.Context, ev domain.RetrainEvent) error
	List(ctx context.Context, tenantID string) ([]domain.RetrainEvent, error)
}

// BlobStore is content-addressed storage for model artifacts, rule-version
// serializations and drift baselines.
type BlobStore interface {
	Put(data []byte) (hash string, err error)
	Get(hash string) ([]byte, error)
}

// AuditSink receives append-only structured events with at-least-once
// delivery; consumers dedupe by event id.
type AuditSink interface {
	Append(ev domain.AuditEvent) error
}
