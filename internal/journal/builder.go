// Package journal builds and transitions double-entry journal entries. A
// built entry always balances; an entry that cannot be balanced is never
// produced, the builder errors instead.
package journal

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fintide/ledgerpilot/internal/domain"
)

// ChartLookup resolves an account code within a tenant's chart of accounts.
type ChartLookup interface {
	Account(tenantID, code string) (domain.Account, bool)
}

// Proposal carries the decided account and everything the trace records.
type Proposal struct {
	AccountCode    string
	BlendScore     float64
	CalibratedP    float64
	Rationale      string
	RuleVersionID  string
	ModelVersionID string
	Trace          *domain.DecisionTrace
}

// Builder turns a transaction plus a decided account into a balanced
// two-line journal entry.
type Builder struct {
	chart ChartLookup
	clock domain.Clock
	log   zerolog.Logger
}

// NewBuilder creates a builder over a tenant chart of accounts.
func NewBuilder(chart ChartLookup, clock domain.Clock, log zerolog.Logger) *Builder {
	return &Builder{chart: chart, clock: clock, log: log.With().Str("component", "je_builder").Logger()}
}

// Build produces a proposed JE with exactly two lines. The signed amount
// picks the sides: an outflow debits the decided account and credits cash,
// an inflow debits cash and credits the decided account. A failed chart
// lookup or a zero amount returns an error and no entry.
func (b *Builder) Build(tenant domain.TenantPolicy, txn domain.Transaction, p Proposal) (domain.JournalEntry, error) {
	if txn.AmountMinor == 0 {
		return domain.JournalEntry{}, fmt.Errorf("%w: zero amount cannot be journaled", domain.ErrInvariant)
	}
	decided, ok := b.chart.Account(tenant.TenantID, p.AccountCode)
	if !ok || !decided.Active {
		return domain.JournalEntry{}, fmt.Errorf("%w: account %s not in chart for tenant %s",
			domain.ErrNotFound, p.AccountCode, tenant.TenantID)
	}
	cashCode := tenant.CashAccountCode
	if _, ok := b.chart.Account(tenant.TenantID, cashCode); !ok {
		return domain.JournalEntry{}, fmt.Errorf("%w: cash account %s not in chart for tenant %s",
			domain.ErrNotFound, cashCode, tenant.TenantID)
	}

	amount := txn.AmountMinor
	if amount < 0 {
		amount = -amount
	}

	jeID := uuid.NewString()
	var lines []domain.JELine
	if txn.AmountMinor < 0 {
		// Outflow: expense side up, cash down.
		lines = []domain.JELine{
			{JEID: jeID, LineNo: 1, AccountCode: decided.Code, DebitMinor: amount, Memo: txn.DescriptionRaw},
			{JEID: jeID, LineNo: 2, AccountCode: cashCode, CreditMinor: amount},
		}
	} else {
		// Inflow: cash up, decided account credited.
		lines = []domain.JELine{
			{JEID: jeID, LineNo: 1, AccountCode: cashCode, DebitMinor: amount},
			{JEID: jeID, LineNo: 2, AccountCode: decided.Code, CreditMinor: amount, Memo: txn.DescriptionRaw},
		}
	}

	je := domain.JournalEntry{
		JEID:           jeID,
		TenantID:       tenant.TenantID,
		TxnID:          txn.TxnID,
		PostedAt:       txn.PostedAt,
		Status:         domain.JEProposed,
		Confidence:     p.BlendScore,
		CalibratedP:    p.CalibratedP,
		Rationale:      p.Rationale,
		RuleVersionID:  p.RuleVersionID,
		ModelVersionID: p.ModelVersionID,
		Trace:          p.Trace,
		Lines:          lines,
		CreatedAt:      b.clock.Now().UTC(),
	}
	if !je.Balanced() {
		// Unreachable by construction; kept as a hard stop.
		return domain.JournalEntry{}, fmt.Errorf("%w: built entry does not balance", domain.ErrInvariant)
	}
	return je, nil
}

// BuildAdjusting creates a manually-authored multi-line entry. Lines come
// from outside; the balance invariant is still enforced on write.
func (b *Builder) BuildAdjusting(tenant domain.TenantPolicy, lines []domain.JELine, rationale string) (domain.JournalEntry, error) {
	jeID := uuid.NewString()
	for i := range lines {
		lines[i].JEID = jeID
		lines[i].LineNo = i + 1
		if _, ok := b.chart.Account(tenant.TenantID, lines[i].AccountCode); !ok {
			return domain.JournalEntry{}, fmt.Errorf("%w: account %s not in chart for tenant %s",
				domain.ErrNotFound, lines[i].AccountCode, tenant.TenantID)
		}
	}
	je := domain.JournalEntry{
		JEID:      jeID,
		TenantID:  tenant.TenantID,
		PostedAt:  b.clock.Now().UTC(),
		Status:    domain.JEProposed,
		Rationale: rationale,
		Lines:     lines,
		CreatedAt: b.clock.Now().UTC(),
	}
	if !je.Balanced() {
		return domain.JournalEntry{}, fmt.Errorf("%w: adjusting entry does not balance", domain.ErrInvariant)
	}
	return je, nil
}
