package reconcile

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fintide/ledgerpilot/internal/domain"
)

func day(d int) time.Time {
	return time.Date(2025, 10, d, 0, 0, 0, 0, time.UTC)
}

func postedJE(id, txnID string, amount int64, at time.Time) domain.JournalEntry {
	return domain.JournalEntry{
		JEID: id, TenantID: "t1", TxnID: txnID, PostedAt: at, Status: domain.JEPosted,
		Lines: []domain.JELine{
			{JEID: id, LineNo: 1, AccountCode: "6400", DebitMinor: amount},
			{JEID: id, LineNo: 2, AccountCode: "1000", CreditMinor: amount},
		},
	}
}

func txn(id string, amount int64, at time.Time) domain.Transaction {
	return domain.Transaction{TxnID: id, TenantID: "t1", AmountMinor: amount, PostedAt: at}
}

func newReconciler() *Reconciler {
	clock := &domain.FixedClock{T: time.Date(2025, 11, 1, 0, 0, 0, 0, time.UTC)}
	return NewReconciler(0, clock, zerolog.Nop())
}

func TestReconcileExactMatch(t *testing.T) {
	r := newReconciler()
	rep := r.Reconcile("t1",
		[]domain.JournalEntry{postedJE("je1", "tx1", 450, day(20))},
		[]domain.Transaction{txn("tx1", -450, day(20))},
	)
	require.Len(t, rep.Matches, 1)
	assert.Equal(t, MatchExact, rep.Matches[0].Kind)
	assert.Equal(t, "tx1", rep.Matches[0].TxnID)
	assert.Equal(t, 1.0, rep.Matches[0].Score)
	assert.Empty(t, rep.OrphanJEs)
	assert.Empty(t, rep.UnmatchedTxns)
}

func TestReconcileHeuristicWithinTolerance(t *testing.T) {
	r := newReconciler()
	// txn id differs (re-imported feed) and settles two days later.
	rep := r.Reconcile("t1",
		[]domain.JournalEntry{postedJE("je1", "tx-old", 450, day(22))},
		[]domain.Transaction{txn("tx-new", -450, day(20))},
	)
	require.Len(t, rep.Matches, 1)
	assert.Equal(t, MatchHeuristic, rep.Matches[0].Kind)
	assert.Equal(t, "tx-new", rep.Matches[0].TxnID)
	assert.Greater(t, rep.Matches[0].Score, 0.5)
	assert.Less(t, rep.Matches[0].Score, 1.0)
}

func TestReconcileAmbiguousAmountLeftUnmatched(t *testing.T) {
	r := newReconciler()
	rep := r.Reconcile("t1",
		[]domain.JournalEntry{postedJE("je1", "tx-old", 450, day(21))},
		[]domain.Transaction{
			txn("tx-a", -450, day(20)),
			txn("tx-b", -450, day(22)),
		},
	)
	require.Len(t, rep.Matches, 1)
	assert.Equal(t, MatchNone, rep.Matches[0].Kind)
	assert.Equal(t, []string{"je1"}, rep.OrphanJEs)
	assert.ElementsMatch(t, []string{"tx-a", "tx-b"}, rep.UnmatchedTxns)
}

func TestReconcileOutsideToleranceIsOrphan(t *testing.T) {
	r := newReconciler()
	rep := r.Reconcile("t1",
		[]domain.JournalEntry{postedJE("je1", "tx-old", 450, day(28))},
		[]domain.Transaction{txn("tx-a", -450, day(20))},
	)
	assert.Equal(t, []string{"je1"}, rep.OrphanJEs)
	assert.Equal(t, []string{"tx-a"}, rep.UnmatchedTxns)
}

func TestReconcileTransactionClaimedOnce(t *testing.T) {
	r := newReconciler()
	rep := r.Reconcile("t1",
		[]domain.JournalEntry{
			postedJE("je1", "tx1", 450, day(20)),
			postedJE("je2", "tx-other", 450, day(20)),
		},
		[]domain.Transaction{txn("tx1", -450, day(20))},
	)
	require.Len(t, rep.Matches, 2)
	kinds := map[string]MatchKind{}
	for _, m := range rep.Matches {
		kinds[m.JEID] = m.Kind
	}
	assert.Equal(t, MatchExact, kinds["je1"])
	assert.Equal(t, MatchNone, kinds["je2"], "exact winner claims the transaction")
}

func TestReconcileDeterministicUnderInputOrder(t *testing.T) {
	r := newReconciler()
	jes := []domain.JournalEntry{
		postedJE("je2", "x2", 450, day(20)),
		postedJE("je1", "x1", 450, day(20)),
	}
	txns := []domain.Transaction{txn("tx-a", -450, day(20))}

	rep1 := r.Reconcile("t1", jes, txns)
	rep2 := r.Reconcile("t1", []domain.JournalEntry{jes[1], jes[0]}, txns)
	assert.Equal(t, rep1.Matches, rep2.Matches)
	assert.Equal(t, rep1.OrphanJEs, rep2.OrphanJEs)
}

func TestWriteCSVReport(t *testing.T) {
	r := newReconciler()
	rep := r.Reconcile("t1",
		[]domain.JournalEntry{postedJE("je1", "tx1", 450, day(20))},
		[]domain.Transaction{txn("tx1", -450, day(20)), txn("tx2", -999, day(21))},
	)

	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, rep))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "tenant_id,record_type,je_id,txn_id,match_kind,score,generated_at", lines[0])
	assert.Contains(t, lines[1], "je,je1,tx1,exact,1.0000")
	assert.Contains(t, lines[2], "unmatched_txn,,tx2,none")
}
