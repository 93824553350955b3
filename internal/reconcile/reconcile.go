// Package reconcile matches posted journal entries back to bank transactions
// and reports orphans on both sides.
package reconcile

import (
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/fintide/ledgerpilot/internal/domain"
)

// DefaultDateToleranceDays bounds the heuristic match window.
const DefaultDateToleranceDays = 3

// MatchKind classifies how a JE was matched to a transaction.
type MatchKind string

const (
	MatchExact     MatchKind = "exact"
	MatchHeuristic MatchKind = "heuristic"
	MatchNone      MatchKind = "none"
)

// Match is the reconciliation outcome for one journal entry.
type Match struct {
	JEID  string
	TxnID string
	Kind  MatchKind
	Score float64
}

// Report is one reconciliation run: per-JE outcomes plus the transactions no
// entry claimed.
type Report struct {
	TenantID      string
	Matches       []Match
	OrphanJEs     []string
	UnmatchedTxns []string
	GeneratedAt   time.Time
}

// Reconciler matches entries to transactions deterministically.
type Reconciler struct {
	toleranceDays int
	clock         domain.Clock
	log           zerolog.Logger
}

// NewReconciler creates a reconciler. toleranceDays <= 0 selects the default.
func NewReconciler(toleranceDays int, clock domain.Clock, log zerolog.Logger) *Reconciler {
	if toleranceDays <= 0 {
		toleranceDays = DefaultDateToleranceDays
	}
	return &Reconciler{
		toleranceDays: toleranceDays,
		clock:         clock,
		log:           log.With().Str("component", "reconciler").Logger(),
	}
}

// Reconcile matches posted JEs against transactions. Inputs are sorted
// canonically by (posted_at, id) first so ties resolve the same way on every
// run. Each transaction is claimed at most once.
func (r *Reconciler) Reconcile(tenantID string, jes []domain.JournalEntry, txns []domain.Transaction) Report {
	sortedJEs := make([]domain.JournalEntry, len(jes))
	copy(sortedJEs, jes)
	sort.Slice(sortedJEs, func(i, j int) bool {
		if !sortedJEs[i].PostedAt.Equal(sortedJEs[j].PostedAt) {
			return sortedJEs[i].PostedAt.Before(sortedJEs[j].PostedAt)
		}
		return sortedJEs[i].JEID < sortedJEs[j].JEID
	})
	sortedTxns := make([]domain.Transaction, len(txns))
	copy(sortedTxns, txns)
	sort.Slice(sortedTxns, func(i, j int) bool {
		if !sortedTxns[i].PostedAt.Equal(sortedTxns[j].PostedAt) {
			return sortedTxns[i].PostedAt.Before(sortedTxns[j].PostedAt)
		}
		return sortedTxns[i].TxnID < sortedTxns[j].TxnID
	})

	claimed := make(map[string]bool)
	report := Report{TenantID: tenantID, GeneratedAt: r.clock.Now().UTC()}

	// Pass 1: exact matches by txn_id + posted_at + |amount|.
	byTxnID := make(map[string]*domain.Transaction, len(sortedTxns))
	for i := range sortedTxns {
		byTxnID[sortedTxns[i].TxnID] = &sortedTxns[i]
	}
	pending := make([]*domain.JournalEntry, 0, len(sortedJEs))
	for i := range sortedJEs {
		je := &sortedJEs[i]
		if txn, ok := byTxnID[je.TxnID]; ok && !claimed[txn.TxnID] &&
			txn.PostedAt.Equal(je.PostedAt) && absAmount(txn.AmountMinor) == jeAmount(*je) {
			claimed[txn.TxnID] = true
			report.Matches = append(report.Matches, Match{JEID: je.JEID, TxnID: txn.TxnID, Kind: MatchExact, Score: 1})
			continue
		}
		pending = append(pending, je)
	}

	// Pass 2: heuristic matches by amount within the date window, but only
	// when the candidate is unique in that window.
	window := time.Duration(r.toleranceDays) * 24 * time.Hour
	for _, je := range pending {
		amount := jeAmount(*je)
		var candidates []*domain.Transaction
		for i := range sortedTxns {
			txn := &sortedTxns[i]
			if claimed[txn.TxnID] || absAmount(txn.AmountMinor) != amount {
				continue
			}
			diff := je.PostedAt.Sub(txn.PostedAt)
			if diff < 0 {
				diff = -diff
			}
			if diff <= window {
				candidates = append(candidates, txn)
			}
		}
		if len(candidates) != 1 {
			if len(candidates) > 1 {
				r.log.Debug().Str("je_id", je.JEID).Int("candidates", len(candidates)).
					Msg("ambiguous heuristic window, leaving unmatched")
			}
			report.Matches = append(report.Matches, Match{JEID: je.JEID, Kind: MatchNone})
			report.OrphanJEs = append(report.OrphanJEs, je.JEID)
			continue
		}
		txn := candidates[0]
		claimed[txn.TxnID] = true
		diff := je.PostedAt.Sub(txn.PostedAt)
		if diff < 0 {
			diff = -diff
		}
		score := 0.5 + 0.5*(1-float64(diff)/float64(window+1))
		report.Matches = append(report.Matches, Match{JEID: je.JEID, TxnID: txn.TxnID, Kind: MatchHeuristic, Score: score})
	}

	for i := range sortedTxns {
		if !claimed[sortedTxns[i].TxnID] {
			report.UnmatchedTxns = append(report.UnmatchedTxns, sortedTxns[i].TxnID)
		}
	}
	return report
}

// jeAmount is the entry's magnitude: total debits, which balance guarantees
// equals total credits.
func jeAmount(je domain.JournalEntry) int64 {
	var total int64
	for _, l := range je.Lines {
		total += l.DebitMinor
	}
	return total
}

func absAmount(a int64) int64 {
	if a < 0 {
		return -a
	}
	return a
}
