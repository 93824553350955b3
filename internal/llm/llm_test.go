package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fintide/ledgerpilot/internal/domain"
)

type scriptedClient struct {
	resp  Response
	err   error
	delay time.Duration
	calls int
}

func (c *scriptedClient) Adjudicate(ctx context.Context, _ Request) (Response, error) {
	c.calls++
	if c.delay > 0 {
		select {
		case <-time.After(c.delay):
		case <-ctx.Done():
			return Response{}, ctx.Err()
		}
	}
	return c.resp, c.err
}

func testRequest() Request {
	return Request{
		TenantID:         "t1",
		TxnID:            "txn-1",
		DescriptionRaw:   "SQ *BLUE BOTTLE COFFEE",
		CounterpartyNorm: "blue bottle coffee",
		AmountMinor:      -450,
		Currency:         "USD",
		Candidates: []Candidate{
			{AccountCode: "6400", Name: "Meals"},
			{AccountCode: "6100", Name: "Office Supplies"},
		},
	}
}

func newTestAdjudicator(t *testing.T, client Client) *Adjudicator {
	t.Helper()
	clock := &domain.FixedClock{T: time.Date(2025, 11, 3, 9, 0, 0, 0, time.UTC)}
	return NewAdjudicator(DefaultConfig(), client, NewLocalBudgetLedger(clock), zerolog.Nop())
}

func TestInBandMatchesUncertainRange(t *testing.T) {
	a := newTestAdjudicator(t, &scriptedClient{})
	assert.False(t, a.InBand(0.59, 0.60, 0.85))
	assert.True(t, a.InBand(0.60, 0.60, 0.85))
	assert.True(t, a.InBand(0.84, 0.60, 0.85))
	assert.False(t, a.InBand(0.85, 0.60, 0.85), "upper bound is exclusive")
	assert.False(t, a.InBand(0.95, 0.60, 0.85))
}

func TestInBandTenantOverrideAndFallback(t *testing.T) {
	a := newTestAdjudicator(t, &scriptedClient{})

	// A narrowed band excludes scores the default band would adjudicate.
	assert.True(t, a.InBand(0.65, 0.60, 0.85))
	assert.False(t, a.InBand(0.65, 0.70, 0.80))
	assert.True(t, a.InBand(0.75, 0.70, 0.80))

	// Degenerate overrides fall back to the configured band.
	assert.True(t, a.InBand(0.65, 0, 0))
	assert.False(t, a.InBand(0.90, 0, 0))
	assert.True(t, a.InBand(0.65, 0.80, 0.80))
}

func TestAdjudicateSuccess(t *testing.T) {
	client := &scriptedClient{resp: Response{AccountCode: "6400", Score: 0.78, Rationale: "coffee shop"}}
	a := newTestAdjudicator(t, client)

	signal, trace := a.Adjudicate(context.Background(), testRequest(), 10)
	assert.Equal(t, domain.SignalLLM, signal.Source)
	assert.Equal(t, "6400", signal.AccountCode)
	assert.InDelta(t, 0.78, signal.Score, 1e-12)
	assert.False(t, signal.Degraded)
	assert.Equal(t, "coffee shop", trace.Rationale)
	assert.Equal(t, 1, client.calls)
}

func TestAdjudicateBudgetExhausted(t *testing.T) {
	client := &scriptedClient{resp: Response{AccountCode: "6400", Score: 0.7}}
	a := newTestAdjudicator(t, client)

	signal, _ := a.Adjudicate(context.Background(), testRequest(), 2)
	require.False(t, signal.Degraded)
	signal, _ = a.Adjudicate(context.Background(), testRequest(), 2)
	require.False(t, signal.Degraded)

	signal, trace := a.Adjudicate(context.Background(), testRequest(), 2)
	assert.True(t, signal.Degraded)
	assert.Equal(t, DegradedBudget, signal.Reason)
	assert.Equal(t, DegradedBudget, trace.Degraded)
	assert.Equal(t, 2, client.calls, "provider must not be called once the budget is spent")
}

func TestAdjudicateZeroBudgetNeverCalls(t *testing.T) {
	client := &scriptedClient{resp: Response{AccountCode: "6400", Score: 0.7}}
	a := newTestAdjudicator(t, client)

	signal, _ := a.Adjudicate(context.Background(), testRequest(), 0)
	assert.True(t, signal.Degraded)
	assert.Equal(t, DegradedBudget, signal.Reason)
	assert.Zero(t, client.calls)
}

func TestAdjudicateTimeout(t *testing.T) {
	client := &scriptedClient{resp: Response{AccountCode: "6400", Score: 0.7}, delay: 200 * time.Millisecond}
	cfg := DefaultConfig()
	cfg.Timeout = 10 * time.Millisecond
	clock := &domain.FixedClock{T: time.Date(2025, 11, 3, 9, 0, 0, 0, time.UTC)}
	a := NewAdjudicator(cfg, client, NewLocalBudgetLedger(clock), zerolog.Nop())

	signal, trace := a.Adjudicate(context.Background(), testRequest(), 10)
	assert.True(t, signal.Degraded)
	assert.Equal(t, DegradedTimeout, signal.Reason)
	assert.Equal(t, DegradedTimeout, trace.Degraded)
}

func TestAdjudicateBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	client := &scriptedClient{err: errors.New("upstream 503")}
	a := newTestAdjudicator(t, client)

	for i := 0; i < 3; i++ {
		signal, _ := a.Adjudicate(context.Background(), testRequest(), 100)
		assert.True(t, signal.Degraded)
	}
	callsBefore := client.calls

	signal, trace := a.Adjudicate(context.Background(), testRequest(), 100)
	assert.True(t, signal.Degraded)
	assert.Equal(t, DegradedBreakerOpen, signal.Reason)
	assert.Equal(t, DegradedBreakerOpen, trace.Degraded)
	assert.Equal(t, callsBefore, client.calls, "open breaker must short-circuit the provider")
}

func TestAdjudicateRejectsAccountOutsideCandidates(t *testing.T) {
	client := &scriptedClient{resp: Response{AccountCode: "9999", Score: 0.9}}
	a := newTestAdjudicator(t, client)

	signal, _ := a.Adjudicate(context.Background(), testRequest(), 10)
	assert.True(t, signal.Degraded)
	assert.Equal(t, DegradedBadResponse, signal.Reason)
}

func TestAdjudicateNeedsReviewCarriesNoWeight(t *testing.T) {
	client := &scriptedClient{resp: Response{AccountCode: "6400", Score: 0.7, NeedsReview: true}}
	a := newTestAdjudicator(t, client)

	signal, trace := a.Adjudicate(context.Background(), testRequest(), 10)
	assert.True(t, signal.Degraded)
	assert.Zero(t, signal.Score)
	assert.Equal(t, "6400", signal.AccountCode, "account hint survives for the trace")
	assert.True(t, trace.NeedsReview)
}

func TestLocalBudgetLedgerRollsOverAtMidnightUTC(t *testing.T) {
	clock := &domain.FixedClock{T: time.Date(2025, 11, 3, 23, 30, 0, 0, time.UTC)}
	ledger := NewLocalBudgetLedger(clock)
	ctx := context.Background()

	ok, err := ledger.DebitIfAvailable(ctx, "t1", 1)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, _ = ledger.DebitIfAvailable(ctx, "t1", 1)
	assert.False(t, ok)

	clock.Advance(time.Hour)
	ok, _ = ledger.DebitIfAvailable(ctx, "t1", 1)
	assert.True(t, ok, "new UTC day resets the budget")

	spent, err := ledger.Spent(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, spent)
}

func TestLocalBudgetLedgerIsolatesTenants(t *testing.T) {
	clock := &domain.FixedClock{T: time.Date(2025, 11, 3, 9, 0, 0, 0, time.UTC)}
	ledger := NewLocalBudgetLedger(clock)
	ctx := context.Background()

	ok, _ := ledger.DebitIfAvailable(ctx, "t1", 1)
	assert.True(t, ok)
	ok, _ = ledger.DebitIfAvailable(ctx, "t2", 1)
	assert.True(t, ok, "tenants spend independent budgets")
}
