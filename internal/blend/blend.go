// Package blend fuses the per-tier signals into one account decision.
package blend

import (
	"fmt"
	"sort"

	"github.com/fintide/ledgerpilot/internal/domain"
)

// Weights assigns the blend weight of each signal tier. They must sum to 1.
type Weights struct {
	Rules float64 `yaml:"rules"`
	ML    float64 `yaml:"ml"`
	LLM   float64 `yaml:"llm"`
}

// DefaultWeights favors deterministic rules over the learned tiers.
func DefaultWeights() Weights {
	return Weights{Rules: 0.5, ML: 0.35, LLM: 0.15}
}

// Validate checks each weight is in [0,1] and the three sum to 1.
func (w Weights) Validate() error {
	for name, v := range map[string]float64{"rules": w.Rules, "ml": w.ML, "llm": w.LLM} {
		if v < 0 || v > 1 {
			return fmt.Errorf("blend weight %s out of range: %v", name, v)
		}
	}
	sum := w.Rules + w.ML + w.LLM
	if sum < 1-1e-9 || sum > 1+1e-9 {
		return fmt.Errorf("blend weights must sum to 1, got %v", sum)
	}
	return nil
}

func (w Weights) of(src domain.SignalSource) float64 {
	switch src {
	case domain.SignalRules:
		return w.Rules
	case domain.SignalML:
		return w.ML
	case domain.SignalLLM:
		return w.LLM
	}
	return 0
}

// Result is the blended decision: the winning account, its blended score and
// the full per-account breakdown.
type Result struct {
	AccountCode string
	Score       float64
	PerAccount  map[string]float64
	Signals     []domain.SignalScore
}

// Blend computes the weighted vote over every account any signal suggested.
// Degraded signals contribute nothing but stay in the result for the trace.
// Ties go to the account backed by the highest-weight signal, then to the
// lexically lowest account code.
func Blend(w Weights, signals []domain.SignalScore) Result {
	per := make(map[string]float64)
	bestWeight := make(map[string]float64)
	for _, s := range signals {
		if s.Degraded || s.AccountCode == "" {
			continue
		}
		wt := w.of(s.Source)
		per[s.AccountCode] += wt * s.Score
		if wt > bestWeight[s.AccountCode] {
			bestWeight[s.AccountCode] = wt
		}
	}

	accounts := make([]string, 0, len(per))
	for a := range per {
		accounts = append(accounts, a)
	}
	sort.Strings(accounts)

	var winner string
	var winScore float64
	for _, a := range accounts {
		score := per[a]
		switch {
		case winner == "" || score > winScore:
			winner, winScore = a, score
		case score == winScore && bestWeight[a] > bestWeight[winner]:
			winner = a
		}
	}

	return Result{AccountCode: winner, Score: winScore, PerAccount: per, Signals: signals}
}
