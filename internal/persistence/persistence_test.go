package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fintide/ledgerpilot/internal/domain"
)

func storedTxn(id string, day int) domain.Transaction {
	return domain.Transaction{
		TxnID:       id,
		TenantID:    "t1",
		PostedAt:    time.Date(2025, 10, day, 0, 0, 0, 0, time.UTC),
		AmountMinor: -450,
		Currency:    "USD",
	}
}

func TestMemoryStoreTxnDedupe(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.Txns().Insert(ctx, storedTxn("a", 1)))
	err := s.Txns().Insert(ctx, storedTxn("a", 1))
	assert.ErrorIs(t, err, domain.ErrDuplicate)

	ok, err := s.Txns().Exists(ctx, "t1", "a")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, _ = s.Txns().Exists(ctx, "t2", "a")
	assert.False(t, ok, "tenants are isolated")
}

func TestMemoryStoreListWindowSorted(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.Txns().Insert(ctx, storedTxn("b", 5)))
	require.NoError(t, s.Txns().Insert(ctx, storedTxn("a", 5)))
	require.NoError(t, s.Txns().Insert(ctx, storedTxn("c", 2)))
	require.NoError(t, s.Txns().Insert(ctx, storedTxn("d", 20)))

	out, err := s.Txns().ListWindow(ctx, "t1",
		time.Date(2025, 10, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2025, 10, 10, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	ids := make([]string, len(out))
	for i, txn := range out {
		ids[i] = txn.TxnID
	}
	assert.Equal(t, []string{"c", "a", "b"}, ids)
}

func TestMemoryStoreJournalLifecycle(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	je := domain.JournalEntry{
		JEID: "je1", TenantID: "t1", Status: domain.JEProposed,
		Lines: []domain.JELine{
			{JEID: "je1", LineNo: 1, AccountCode: "6400", DebitMinor: 450},
			{JEID: "je1", LineNo: 2, AccountCode: "1000", CreditMinor: 450},
		},
	}
	require.NoError(t, s.Journal().Insert(ctx, je))
	assert.ErrorIs(t, s.Journal().Insert(ctx, je), domain.ErrDuplicate)

	unbalanced := je
	unbalanced.JEID = "je2"
	unbalanced.Lines = []domain.JELine{{JEID: "je2", LineNo: 1, AccountCode: "6400", DebitMinor: 450}}
	assert.ErrorIs(t, s.Journal().Insert(ctx, unbalanced), domain.ErrInvariant)

	require.NoError(t, s.Journal().UpdateStatus(ctx, "t1", "je1", domain.JEProposed, domain.JEApproved))
	err := s.Journal().UpdateStatus(ctx, "t1", "je1", domain.JEProposed, domain.JEApproved)
	assert.ErrorIs(t, err, domain.ErrConcurrency, "stale expected status")

	approved, err := s.Journal().ListByStatus(ctx, "t1", domain.JEApproved)
	require.NoError(t, err)
	require.Len(t, approved, 1)
	assert.Equal(t, "je1", approved[0].JEID)
}

func TestMemoryStoreExportLedger(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	rec := domain.ExportRecord{TenantID: "t1", JEID: "je1", ExternalID: "abc", Target: "qb", Attempts: 1}

	created, err := s.Exports().Upsert(ctx, rec)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = s.Exports().Upsert(ctx, rec)
	require.NoError(t, err)
	assert.False(t, created)

	stored, err := s.Exports().Get(ctx, "t1", "qb", "abc")
	require.NoError(t, err)
	assert.Equal(t, 2, stored.Attempts)
}

func TestFSBlobStoreRoundTrip(t *testing.T) {
	store, err := NewFSBlobStore(t.TempDir())
	require.NoError(t, err)

	payload := []byte(`{"model":"nb"}`)
	hash, err := store.Put(payload)
	require.NoError(t, err)
	assert.Len(t, hash, 64)

	again, err := store.Put(payload)
	require.NoError(t, err)
	assert.Equal(t, hash, again, "content addressing is stable")

	got, err := store.Get(hash)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	_, err = store.Get("deadbeef" + hash[8:])
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestMemoryAuditSinkCollects(t *testing.T) {
	sink := NewMemoryAuditSink()
	require.NoError(t, sink.Append(domain.AuditEvent{ID: "e1", TenantID: "t1", Kind: "decision"}))
	require.NoError(t, sink.Append(domain.AuditEvent{ID: "e2", TenantID: "t1", Kind: "export"}))
	events := sink.Events()
	require.Len(t, events, 2)
	assert.Equal(t, "decision", events[0].Kind)
}
