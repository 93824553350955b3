package llm

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/fintide/ledgerpilot/internal/domain"
)

// Degradation reasons recorded on the LLM trace when no adjudication ran.
const (
	DegradedBudget      = "budget_fallback"
	DegradedTimeout     = "llm_timeout"
	DegradedBreakerOpen = "breaker_open"
	DegradedRateLimit   = "rate_limited"
	DegradedBadResponse = "invalid_response"
)

// Config bounds the adjudicator's provider usage.
type Config struct {
	Timeout       time.Duration `yaml:"timeout"`
	RPS           float64       `yaml:"rps"`
	Burst         int           `yaml:"burst"`
	UncertainLow  float64       `yaml:"uncertain_low"`
	UncertainHigh float64       `yaml:"uncertain_high"`
}

// DefaultConfig returns provider limits suitable for a hosted completion API.
func DefaultConfig() Config {
	return Config{
		Timeout:       8 * time.Second,
		RPS:           4,
		Burst:         8,
		UncertainLow:  0.60,
		UncertainHigh: 0.85,
	}
}

// Adjudicator wraps the provider client with a daily budget, a circuit
// breaker and a token-bucket limiter. It is only consulted inside the
// uncertain confidence band; a deterministic rule match always wins and the
// caller never invokes it for rule-matched transactions.
type Adjudicator struct {
	cfg     Config
	client  Client
	ledger  BudgetLedger
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	log     zerolog.Logger
}

// NewAdjudicator wires the adjudicator. The breaker trips after three
// consecutive provider failures, mirroring the posture used for other
// external calls.
func NewAdjudicator(cfg Config, client Client, ledger BudgetLedger, log zerolog.Logger) *Adjudicator {
	settings := gobreaker.Settings{
		Name:     "llm-adjudicator",
		Interval: 60 * time.Second,
		Timeout:  60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	}
	return &Adjudicator{
		cfg:     cfg,
		client:  client,
		ledger:  ledger,
		breaker: gobreaker.NewCircuitBreaker(settings),
		limiter: rate.NewLimiter(rate.Limit(cfg.RPS), cfg.Burst),
		log:     log.With().Str("component", "llm_adjudicator").Logger(),
	}
}

// InBand reports whether a blended confidence warrants adjudication. A
// tenant-level band overrides the configured one; a degenerate override
// (high <= low) falls back to the global band.
func (a *Adjudicator) InBand(blend, low, high float64) bool {
	if high <= low {
		low, high = a.cfg.UncertainLow, a.cfg.UncertainHigh
	}
	return blend >= low && blend < high
}

// Adjudicate runs one budgeted, breaker-guarded provider call and returns the
// signal plus its trace. Every failure mode degrades: the returned signal has
// Degraded set and the pipeline proceeds without the LLM tier.
func (a *Adjudicator) Adjudicate(ctx context.Context, req Request, dailyBudget int) (domain.SignalScore, domain.LLMTrace) {
	ok, err := a.ledger.DebitIfAvailable(ctx, req.TenantID, dailyBudget)
	if err != nil {
		a.log.Warn().Err(err).Str("tenant_id", req.TenantID).Msg("budget debit failed")
	}
	if !ok {
		a.log.Debug().Str("tenant_id", req.TenantID).Str("txn_id", req.TxnID).
			Int("daily_budget", dailyBudget).Msg(ErrBudgetExhausted.Error())
		return a.degraded(DegradedBudget)
	}

	if !a.limiter.Allow() {
		return a.degraded(DegradedRateLimit)
	}

	callCtx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	out, err := a.breaker.Execute(func() (any, error) {
		return a.client.Adjudicate(callCtx, req)
	})
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return a.degraded(DegradedBreakerOpen)
	case errors.Is(err, context.DeadlineExceeded):
		return a.degraded(DegradedTimeout)
	case err != nil:
		a.log.Warn().Err(err).Str("txn_id", req.TxnID).Msg("adjudication failed")
		return a.degraded(DegradedTimeout)
	}

	resp := out.(Response)
	if !hasCandidate(req, resp.AccountCode) {
		a.log.Warn().Str("txn_id", req.TxnID).Str("account_code", resp.AccountCode).
			Msg("adjudicator picked account outside candidate set")
		return a.degraded(DegradedBadResponse)
	}
	score := clampScore(resp.Score)

	trace := domain.LLMTrace{
		AccountCode: resp.AccountCode,
		Score:       score,
		Rationale:   resp.Rationale,
		NeedsReview: resp.NeedsReview,
	}
	signal := domain.SignalScore{
		Source:      domain.SignalLLM,
		AccountCode: resp.AccountCode,
		Score:       score,
	}
	if resp.NeedsReview {
		// The provider abstained; keep the account hint but carry no weight.
		signal.Score = 0
		signal.Degraded = true
		signal.Reason = "needs_review"
	}
	return signal, trace
}

func (a *Adjudicator) degraded(reason string) (domain.SignalScore, domain.LLMTrace) {
	return domain.SignalScore{Source: domain.SignalLLM, Degraded: true, Reason: reason},
		domain.LLMTrace{Degraded: reason}
}

func clampScore(s float64) float64 {
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}
