package domain

import "time"

// SignalSource identifies which tier produced a score.
type SignalSource string

const (
	SignalRules     SignalSource = "rules"
	SignalEmbedding SignalSource = "embedding"
	SignalML        SignalSource = "ml"
	SignalLLM       SignalSource = "llm"
)

// SignalScore is the per-tier output fed to the blender. A degraded signal
// carries score 0 and the degradation reason; it never aborts the pipeline.
type SignalScore struct {
	Source      SignalSource `json:"source"`
	AccountCode string       `json:"account_code,omitempty"`
	Score       float64      `json:"score"`
	Degraded    bool         `json:"degraded,omitempty"`
	Reason      string       `json:"reason,omitempty"`
}

// Route is where a decided transaction goes.
type Route string

const (
	RouteAutoPost Route = "auto_post"
	RouteReview   Route = "review"
)

// ReviewReason is the closed set of reasons a decision is not auto-posted.
type ReviewReason string

const (
	ReasonNone           ReviewReason = ""
	ReasonBelowThreshold ReviewReason = "below_threshold"
	ReasonColdStart      ReviewReason = "cold_start"
	ReasonImbalance      ReviewReason = "imbalance"
	ReasonBudgetFallback ReviewReason = "budget_fallback"
	ReasonAnomaly        ReviewReason = "anomaly"
	ReasonRuleConflict   ReviewReason = "rule_conflict"
)

// ValidReviewReason reports membership in the closed set.
func ValidReviewReason(r ReviewReason) bool {
	switch r {
	case ReasonBelowThreshold, ReasonColdStart, ReasonImbalance,
		ReasonBudgetFallback, ReasonAnomaly, ReasonRuleConflict:
		return true
	}
	return false
}

// TraceKind tags the variant carried by a trace entry.
type TraceKind string

const (
	TraceRule   TraceKind = "rule"
	TraceML     TraceKind = "ml"
	TraceLLM    TraceKind = "llm"
	TraceSystem TraceKind = "system"
)

// RuleTrace explains a deterministic rule hit.
type RuleTrace struct {
	RuleID      string    `json:"rule_id"`
	MatchType   MatchType `json:"match_type"`
	Pattern     string    `json:"pattern"`
	AccountCode string    `json:"account_code"`
	Priority    int       `json:"priority"`
}

// MLTrace explains a classifier prediction.
type MLTrace struct {
	ModelVersionID string             `json:"model_version_id"`
	AccountCode    string             `json:"account_code"`
	RawP           float64            `json:"raw_p"`
	CalibratedP    float64            `json:"calibrated_p"`
	TopFeatures    []string           `json:"top_features,omitempty"`
	Distribution   map[string]float64 `json:"distribution,omitempty"`
}

// LLMTrace explains an adjudicator response (or its degradation).
type LLMTrace struct {
	AccountCode string  `json:"account_code,omitempty"`
	Score       float64 `json:"score"`
	Rationale   string  `json:"rationale,omitempty"`
	NeedsReview bool    `json:"needs_review,omitempty"`
	Degraded    string  `json:"degraded,omitempty"` // budget_fallback | llm_timeout | breaker_open
}

// SystemTrace carries pipeline-level annotations (gate outcomes, fallbacks).
type SystemTrace struct {
	Note   string       `json:"note"`
	Reason ReviewReason `json:"reason,omitempty"`
}

// TraceEntry is the tagged variant used in decision traces. Exactly the field
// matching Kind is set; traces are never serialized free-form.
type TraceEntry struct {
	Kind   TraceKind    `json:"kind"`
	Rule   *RuleTrace   `json:"rule,omitempty"`
	ML     *MLTrace     `json:"ml,omitempty"`
	LLM    *LLMTrace    `json:"llm,omitempty"`
	System *SystemTrace `json:"system,omitempty"`
}

// DecisionTrace is the full structured explanation attached to a JE.
type DecisionTrace struct {
	TxnID             string        `json:"txn_id"`
	VendorNorm        string        `json:"vendor_norm"`
	RuleVersionID     string        `json:"rule_version_id"`
	ModelVersionID    string        `json:"model_version_id"`
	CalibrationMethod string        `json:"calibration_method,omitempty"`
	BlendScore        float64       `json:"blend_score"`
	CalibratedP       float64       `json:"calibrated_p"`
	Route             Route         `json:"route"`
	Reason            ReviewReason `json:"reason,omitempty"`
	Entries           []TraceEntry `json:"entries"`
	DecidedAt         time.Time    `json:"decided_at"`
}
