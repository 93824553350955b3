package persistence

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fintide/ledgerpilot/internal/domain"
)

// MemoryStore implements every repo interface in process. It backs tests and
// the single-node deployment mode.
type MemoryStore struct {
	mu       sync.RWMutex
	txns     map[string]domain.Transaction  // tenant|txn_id
	jes      map[string]domain.JournalEntry // tenant|je_id
	exports  map[string]*domain.ExportRecord
	policies map[string]domain.TenantPolicy
	accounts map[string]domain.Account // tenant|code
	retrains map[string][]domain.RetrainEvent
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		txns:     make(map[string]domain.Transaction),
		jes:      make(map[string]domain.JournalEntry),
		exports:  make(map[string]*domain.ExportRecord),
		policies: make(map[string]domain.TenantPolicy),
		accounts: make(map[string]domain.Account),
		retrains: make(map[string][]domain.RetrainEvent),
	}
}

func key2(a, b string) string { return a + "|" + b }

// Insert stores a transaction; a repeated txn_id is ErrDuplicate.
func (s *MemoryStore) Insert(_ context.Context, txn domain.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key2(txn.TenantID, txn.TxnID)
	if _, ok := s.txns[k]; ok {
		return fmt.Errorf("%w: transaction %s", domain.ErrDuplicate, txn.TxnID)
	}
	s.txns[k] = txn
	return nil
}

// Exists reports whether the tenant already holds the txn_id.
func (s *MemoryStore) Exists(_ context.Context, tenantID, txnID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.txns[key2(tenantID, txnID)]
	return ok, nil
}

// Get fetches one transaction.
func (s *MemoryStore) Get(_ context.Context, tenantID, txnID string) (domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	txn, ok := s.txns[key2(tenantID, txnID)]
	if !ok {
		return domain.Transaction{}, fmt.Errorf("%w: transaction %s", domain.ErrNotFound, txnID)
	}
	return txn, nil
}

// ListWindow returns the tenant's transactions within [from, to], sorted by
// (posted_at, txn_id).
func (s *MemoryStore) ListWindow(_ context.Context, tenantID string, from, to time.Time) ([]domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Transaction
	for _, txn := range s.txns {
		if txn.TenantID == tenantID && !txn.PostedAt.Before(from) && !txn.PostedAt.After(to) {
			out = append(out, txn)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].PostedAt.Equal(out[j].PostedAt) {
			return out[i].PostedAt.Before(out[j].PostedAt)
		}
		return out[i].TxnID < out[j].TxnID
	})
	return out, nil
}

// InsertJE stores a journal entry with its lines.
func (s *MemoryStore) InsertJE(_ context.Context, je domain.JournalEntry) error {
	if !je.Balanced() {
		return fmt.Errorf("%w: je %s does not balance", domain.ErrInvariant, je.JEID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key2(je.TenantID, je.JEID)
	if _, ok := s.jes[k]; ok {
		return fmt.Errorf("%w: je %s", domain.ErrDuplicate, je.JEID)
	}
	s.jes[k] = je
	return nil
}

// GetJE fetches one journal entry.
func (s *MemoryStore) GetJE(_ context.Context, tenantID, jeID string) (domain.JournalEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	je, ok := s.jes[key2(tenantID, jeID)]
	if !ok {
		return domain.JournalEntry{}, fmt.Errorf("%w: je %s", domain.ErrNotFound, jeID)
	}
	return je, nil
}

// UpdateJEStatus performs a compare-and-set transition.
func (s *MemoryStore) UpdateJEStatus(_ context.Context, tenantID, jeID string, from, to domain.JEStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key2(tenantID, jeID)
	je, ok := s.jes[k]
	if !ok {
		return fmt.Errorf("%w: je %s", domain.ErrNotFound, jeID)
	}
	if je.Status != from {
		return fmt.Errorf("%w: je %s is %s, expected %s", domain.ErrConcurrency, jeID, je.Status, from)
	}
	if !domain.CanTransition(from, to) {
		return fmt.Errorf("%w: je %s cannot move %s -> %s", domain.ErrInvariant, jeID, from, to)
	}
	je.Status = to
	s.jes[k] = je
	return nil
}

// ListJEsByStatus returns the tenant's entries in a status, sorted by
// (posted_at, je_id).
func (s *MemoryStore) ListJEsByStatus(_ context.Context, tenantID string, status domain.JEStatus) ([]domain.JournalEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.JournalEntry
	for _, je := range s.jes {
		if je.TenantID == tenantID && je.Status == status {
			out = append(out, je)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].PostedAt.Equal(out[j].PostedAt) {
			return out[i].PostedAt.Before(out[j].PostedAt)
		}
		return out[i].JEID < out[j].JEID
	})
	return out, nil
}

// Upsert implements the export idempotency ledger.
func (s *MemoryStore) Upsert(_ context.Context, rec domain.ExportRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := rec.TenantID + "|" + rec.Target + "|" + rec.ExternalID
	if existing, ok := s.exports[k]; ok {
		existing.Attempts++
		existing.LastAttemptAt = rec.LastAttemptAt
		existing.Status = domain.ExportSkippedDuplicate
		return false, nil
	}
	r := rec
	s.exports[k] = &r
	return true, nil
}

// GetExport fetches one export record.
func (s *MemoryStore) GetExport(_ context.Context, tenantID, target, externalID string) (domain.ExportRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.exports[tenantID+"|"+target+"|"+externalID]
	if !ok {
		return domain.ExportRecord{}, fmt.Errorf("%w: export %s", domain.ErrNotFound, externalID)
	}
	return *rec, nil
}

// GetPolicy returns the tenant policy.
func (s *MemoryStore) GetPolicy(_ context.Context, tenantID string) (domain.TenantPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.policies[tenantID]
	if !ok {
		return domain.TenantPolicy{}, fmt.Errorf("%w: tenant %s", domain.ErrNotFound, tenantID)
	}
	return p, nil
}

// PutPolicy stores the tenant policy.
func (s *MemoryStore) PutPolicy(_ context.Context, policy domain.TenantPolicy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies[policy.TenantID] = policy
	return nil
}

// Account resolves one chart-of-accounts entry.
func (s *MemoryStore) Account(tenantID, code string) (domain.Account, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acc, ok := s.accounts[key2(tenantID, code)]
	return acc, ok
}

// PutAccount stores a chart-of-accounts entry.
func (s *MemoryStore) PutAccount(_ context.Context, acc domain.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[key2(acc.TenantID, acc.Code)] = acc
	return nil
}

// InsertRetrain appends a retrain event.
func (s *MemoryStore) InsertRetrain(_ context.Context, ev domain.RetrainEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retrains[ev.TenantID] = append(s.retrains[ev.TenantID], ev)
	return nil
}

// ListRetrains returns the tenant's retrain events, oldest first.
func (s *MemoryStore) ListRetrains(_ context.Context, tenantID string) ([]domain.RetrainEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.RetrainEvent, len(s.retrains[tenantID]))
	copy(out, s.retrains[tenantID])
	return out, nil
}

// MemoryBlobStore is content-addressed in-memory blob storage.
type MemoryBlobStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemoryBlobStore creates an empty blob store.
func NewMemoryBlobStore() *MemoryBlobStore {
	return &MemoryBlobStore{blobs: make(map[string][]byte)}
}

// Put stores the payload under its sha256 hex.
func (s *MemoryBlobStore) Put(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	s.blobs[hash] = cp
	return hash, nil
}

// Get fetches a payload by hash.
func (s *MemoryBlobStore) Get(hash string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.blobs[hash]
	if !ok {
		return nil, fmt.Errorf("%w: blob %s", domain.ErrNotFound, hash)
	}
	return data, nil
}

// MemoryAuditSink collects events for inspection in tests.
type MemoryAuditSink struct {
	mu     sync.Mutex
	events []domain.AuditEvent
}

// NewMemoryAuditSink creates an empty sink.
func NewMemoryAuditSink() *MemoryAuditSink { return &MemoryAuditSink{} }

// Append records the event.
func (s *MemoryAuditSink) Append(ev domain.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

// Events returns a copy of everything appended so far.
func (s *MemoryAuditSink) Events() []domain.AuditEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.AuditEvent, len(s.events))
	copy(out, s.events)
	return out
}
