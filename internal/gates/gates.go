// Package gates decides whether a blended decision may auto-post or must go
// to review. Gating is total: every transaction receives a route, and every
// review route carries exactly one reason from the closed set.
package gates

import (
	"github.com/rs/zerolog"

	"github.com/fintide/ledgerpilot/internal/blend"
	"github.com/fintide/ledgerpilot/internal/domain"
)

// Input collects everything gating looks at. The policy reads it; it never
// mutates models, calibration or stored state.
type Input struct {
	RuleMatched bool
	RuleAccount string
	// RuleConflict is set when two rules at the same priority disagreed.
	RuleConflict bool

	Blend       blend.Result
	CalibratedP float64

	// LLMRequired is set when the blend fell in the uncertain band, and
	// LLMDegraded when the adjudicator could not run (budget, timeout,
	// open breaker).
	LLMRequired bool
	LLMDegraded bool

	BalanceOK bool
	Anomalous bool

	// RecentConfirmations holds the vendor's most recent confirmed account
	// labels, newest first.
	RecentConfirmations []string
}

// Decision is the gate outcome plus system trace entries explaining it.
type Decision struct {
	Route   domain.Route
	Reason  domain.ReviewReason
	Entries []domain.TraceEntry
}

// Policy routes decisions against one tenant's thresholds.
type Policy struct {
	log zerolog.Logger
}

// NewPolicy creates a gating policy.
func NewPolicy(log zerolog.Logger) *Policy {
	return &Policy{log: log.With().Str("component", "gating").Logger()}
}

// Evaluate applies the gates in order and returns the first blocking reason,
// or the auto-post route when every gate passes.
func (p *Policy) Evaluate(tenant domain.TenantPolicy, in Input) Decision {
	d := Decision{Route: domain.RouteAutoPost}

	review := func(reason domain.ReviewReason, note string) Decision {
		d.Route = domain.RouteReview
		d.Reason = reason
		d.Entries = append(d.Entries, systemEntry(note, reason))
		return d
	}

	// A clean rule match whose account won the blend is authoritative and
	// bypasses the calibrated threshold and cold-start gates.
	if in.RuleConflict {
		return review(domain.ReasonRuleConflict, "rules disagreed at equal priority")
	}
	bypass := in.RuleMatched && in.Blend.AccountCode == in.RuleAccount

	if !bypass {
		if in.CalibratedP < tenant.Threshold {
			return review(domain.ReasonBelowThreshold, "calibrated probability under tenant threshold")
		}
		if !consistentConfirmations(in.RecentConfirmations, in.Blend.AccountCode, tenant.ColdStartMin) {
			return review(domain.ReasonColdStart, "vendor lacks consistent confirmation history")
		}
	}

	if !in.BalanceOK {
		return review(domain.ReasonImbalance, "candidate journal entry failed balance check")
	}

	if in.LLMRequired && in.LLMDegraded && !in.RuleMatched {
		return review(domain.ReasonBudgetFallback, "adjudication required but unavailable")
	}

	if in.Anomalous {
		if tenant.AnomalyBlocksAutopost {
			return review(domain.ReasonAnomaly, "amount outside robust band for account")
		}
		// Informational only: annotate the trace without blocking.
		d.Entries = append(d.Entries, systemEntry("amount outside robust band for account", domain.ReasonNone))
	}

	return d
}

// consistentConfirmations reports whether the vendor's min most-recent
// confirmed labels all map to the decided account.
func consistentConfirmations(history []string, account string, min int) bool {
	if min <= 0 {
		return true
	}
	if len(history) < min || account == "" {
		return false
	}
	for _, a := range history[:min] {
		if a != account {
			return false
		}
	}
	return true
}

func systemEntry(note string, reason domain.ReviewReason) domain.TraceEntry {
	return domain.TraceEntry{
		Kind:   domain.TraceSystem,
		System: &domain.SystemTrace{Note: note, Reason: reason},
	}
}
