// Package llm adjudicates transactions whose blended confidence falls in the
// uncertain band. The adjudicator is advisory only: it can never override a
// deterministic rule match, and every degradation (budget, timeout, open
// breaker) collapses to a degraded signal rather than an error.
package llm

import (
	"context"
	"time"
)

// Request is the structured adjudication prompt. Candidates carry the account
// codes the tenant's chart allows; the provider must pick one of them.
type Request struct {
	TenantID          string             `json:"tenant_id"`
	TxnID             string             `json:"txn_id"`
	DescriptionRaw    string             `json:"description_raw"`
	CounterpartyNorm  string             `json:"counterparty_norm"`
	AmountMinor       int64              `json:"amount_minor"`
	Currency          string             `json:"currency"`
	PostedAt          time.Time          `json:"posted_at"`
	Candidates        []Candidate        `json:"candidates"`
	PriorDistribution map[string]float64 `json:"prior_distribution,omitempty"`
}

// Candidate is one allowed account with its display name for the prompt.
type Candidate struct {
	AccountCode string `json:"account_code"`
	Name        string `json:"name"`
}

// Response is the structured adjudication result.
type Response struct {
	AccountCode string  `json:"account_code"`
	Score       float64 `json:"score"`
	Rationale   string  `json:"rationale"`
	NeedsReview bool    `json:"needs_review"`
}

// Client completes an adjudication request against a language-model provider.
// Implementations must honor the context deadline.
type Client interface {
	Adjudicate(ctx context.Context, req Request) (Response, error)
}

// hasCandidate reports whether the response picked an allowed account.
func hasCandidate(req Request, code string) bool {
	for _, c := range req.Candidates {
		if c.AccountCode == code {
			return true
		}
	}
	return false
}
