package persistence

import (
	"context"
	"time"

	"github.com/fintide/ledgerpilot/internal/domain"
)

// Repo views over MemoryStore. The store is one struct so tests wire a
// single object; these adapters expose it through the narrow interfaces the
// engine components accept.

// Txns exposes the transaction repo view.
func (s *MemoryStore) Txns() TxnRepo { return memTxns{s} }

// Journal exposes the journal repo view.
func (s *MemoryStore) Journal() JournalRepo { return memJournal{s} }

// Exports exposes the export ledger view.
func (s *MemoryStore) Exports() ExportRepo { return memExports{s} }

// Tenants exposes the tenant repo view.
func (s *MemoryStore) Tenants() TenantRepo { return s }

// Retrains exposes the retrain repo view.
func (s *MemoryStore) Retrains() RetrainRepo { return memRetrains{s} }

type memTxns struct{ s *MemoryStore }

func (m memTxns) Insert(ctx context.Context, txn domain.Transaction) error {
	return m.s.Insert(ctx, txn)
}

func (m memTxns) Exists(ctx context.Context, tenantID, txnID string) (bool, error) {
	return m.s.Exists(ctx, tenantID, txnID)
}

func (m memTxns) Get(ctx context.Context, tenantID, txnID string) (domain.Transaction, error) {
	return m.s.Get(ctx, tenantID, txnID)
}

func (m memTxns) ListWindow(ctx context.Context, tenantID string, from, to time.Time) ([]domain.Transaction, error) {
	return m.s.ListWindow(ctx, tenantID, from, to)
}

type memJournal struct{ s *MemoryStore }

func (m memJournal) Insert(ctx context.Context, je domain.JournalEntry) error {
	return m.s.InsertJE(ctx, je)
}

func (m memJournal) Get(ctx context.Context, tenantID, jeID string) (domain.JournalEntry, error) {
	return m.s.GetJE(ctx, tenantID, jeID)
}

func (m memJournal) UpdateStatus(ctx context.Context, tenantID, jeID string, from, to domain.JEStatus) error {
	return m.s.UpdateJEStatus(ctx, tenantID, jeID, from, to)
}

func (m memJournal) ListByStatus(ctx context.Context, tenantID string, status domain.JEStatus) ([]domain.JournalEntry, error) {
	return m.s.ListJEsByStatus(ctx, tenantID, status)
}

type memExports struct{ s *MemoryStore }

func (m memExports) Upsert(ctx context.Context, rec domain.ExportRecord) (bool, error) {
	return m.s.Upsert(ctx, rec)
}

func (m memExports) Get(ctx context.Context, tenantID, target, externalID string) (domain.ExportRecord, error) {
	return m.s.GetExport(ctx, tenantID, target, externalID)
}

type memRetrains struct{ s *MemoryStore }

func (m memRetrains) Insert(ctx context.Context, ev domain.RetrainEvent) error {
	return m.s.InsertRetrain(ctx, ev)
}

func (m memRetrains) List(ctx context.Context, tenantID string) ([]domain.RetrainEvent, error) {
	return m.s.ListRetrains(ctx, tenantID)
}

var (
	_ TxnRepo     = memTxns{}
	_ JournalRepo = memJournal{}
	_ ExportRepo  = memExports{}
	_ TenantRepo  = (*MemoryStore)(nil)
	_ RetrainRepo = memRetrains{}
	_ BlobStore   = (*MemoryBlobStore)(nil)
	_ AuditSink   = (*MemoryAuditSink)(nil)
)
