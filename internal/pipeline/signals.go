package pipeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/fintide/ledgerpilot/internal/domain"
	"github.com/fintide/ledgerpilot/internal/memory"
	"github.com/fintide/ledgerpilot/internal/rules"
)

// signals collects the per-tier outputs for one transaction.
type signals struct {
	rules     domain.SignalScore
	ruleMatch *rules.Match

	memory memory.Retrieval

	ml             domain.SignalScore
	mlTrace        *domain.MLTrace
	modelVersionID string
	distribution   map[string]float64

	calibratedP       float64
	calibrationMethod domain.CalibrationMethod
	noCalibration     bool

	llm      domain.SignalScore
	llmTrace *domain.LLMTrace
}

func (s signals) ruleAccount() string {
	if s.ruleMatch == nil {
		return ""
	}
	return s.ruleMatch.AccountCode
}

func (s signals) ruleConflict() bool {
	return s.ruleMatch != nil && s.ruleMatch.Conflict
}

func (s signals) rationale() string {
	if s.llmTrace != nil && s.llmTrace.Rationale != "" {
		return s.llmTrace.Rationale
	}
	if s.ruleMatch != nil {
		return fmt.Sprintf("rule %s matched %s %q", s.ruleMatch.RuleID, s.ruleMatch.MatchType, s.ruleMatch.Pattern)
	}
	if s.mlTrace != nil {
		return fmt.Sprintf("classifier %s p=%.3f", s.mlTrace.ModelVersionID, s.mlTrace.CalibratedP)
	}
	return ""
}

// computeSignals evaluates rules, memory retrieval and the classifier
// concurrently with one join point. Each tier writes only its own fields, so
// no locking is needed beyond the WaitGroup.
func (e *Engine) computeSignals(ctx context.Context, tenant domain.TenantPolicy, version *domain.RuleVersion, txn domain.Transaction) signals {
	var sig signals
	sig.llm = domain.SignalScore{Source: domain.SignalLLM, Degraded: true, Reason: "not_required"}

	var wg sync.WaitGroup
	wg.Add(3)

	go func() {
		defer wg.Done()
		start := e.deps.Clock.Now()
		sig.ruleMatch = e.deps.Rules.Evaluate(txn, version)
		e.deps.Metrics.ObserveSignal(string(domain.SignalRules), e.deps.Clock.Since(start))
		if sig.ruleMatch != nil {
			sig.rules = domain.SignalScore{
				Source:      domain.SignalRules,
				AccountCode: sig.ruleMatch.AccountCode,
				Score:       1.0,
			}
		} else {
			sig.rules = domain.SignalScore{Source: domain.SignalRules}
		}
	}()

	go func() {
		defer wg.Done()
		if e.deps.Memory == nil {
			sig.memory = memory.Retrieval{Degraded: true, Reason: "memory_disabled"}
			return
		}
		start := e.deps.Clock.Now()
		sig.memory = e.deps.Memory.Retrieve(ctx, txn)
		e.deps.Metrics.ObserveSignal(string(domain.SignalEmbedding), e.deps.Clock.Since(start))
	}()

	go func() {
		defer wg.Done()
		e.classify(txn, &sig)
	}()

	wg.Wait()
	return sig
}

// classify runs the serving classifier and its calibration. A missing model
// or calibration binding degrades the tier; with no binding the calibrated
// probability stays zero, which keeps the threshold gate from auto-posting.
func (e *Engine) classify(txn domain.Transaction, sig *signals) {
	if e.deps.Models == nil {
		sig.ml = domain.SignalScore{Source: domain.SignalML, Degraded: true, Reason: "no_model"}
		return
	}
	artifact := e.deps.Models.Current()
	if artifact == nil || artifact.Model == nil {
		sig.ml = domain.SignalScore{Source: domain.SignalML, Degraded: true, Reason: "no_model"}
		return
	}

	start := e.deps.Clock.Now()
	pred := artifact.Model.Predict(txn)
	e.deps.Metrics.ObserveSignal(string(domain.SignalML), e.deps.Clock.Since(start))

	sig.modelVersionID = pred.ModelVersionID
	sig.distribution = pred.Distribution

	score := pred.P
	if e.deps.Calibration != nil {
		if bound, err := e.deps.Calibration.For(pred.ModelVersionID); err == nil {
			sig.calibratedP = bound.Calibrator.Calibrate(pred.P)
			sig.calibrationMethod = bound.Method
			score = sig.calibratedP
		} else {
			sig.noCalibration = true
		}
	} else {
		sig.noCalibration = true
	}

	sig.ml = domain.SignalScore{
		Source:      domain.SignalML,
		AccountCode: pred.AccountCode,
		Score:       score,
	}
	sig.mlTrace = &domain.MLTrace{
		ModelVersionID: pred.ModelVersionID,
		AccountCode:    pred.AccountCode,
		RawP:           pred.P,
		CalibratedP:    sig.calibratedP,
		TopFeatures:    pred.TopFeatures,
		Distribution:   pred.Distribution,
	}
}
