package drift

import (
	"math"

	"github.com/rs/zerolog"

	"github.com/fintide/ledgerpilot/internal/domain"
)

// Tier is the drift decision level.
type Tier string

const (
	TierNone   Tier = "none"
	TierLow    Tier = "low"
	TierMedium Tier = "medium"
	TierHigh   Tier = "high"
)

// Thresholds bound the tier decision. JSAlert is in nats (JS divergence is
// bounded by ln 2); zero disables the account-mix alert.
type Thresholds struct {
	PSIWarn       float64 `yaml:"psi_warn"`
	PSIAlert      float64 `yaml:"psi_alert"`
	JSAlert       float64 `yaml:"js_alert"`
	AccDropPct    float64 `yaml:"acc_drop_pct"`
	MinNewRecords int     `yaml:"min_new_records"`
	MinDays       int     `yaml:"min_days"`
}

// DefaultThresholds returns the standard drift bounds.
func DefaultThresholds() Thresholds {
	return Thresholds{PSIWarn: 0.10, PSIAlert: 0.25, JSAlert: 0.10, AccDropPct: 0.03, MinNewRecords: 1000, MinDays: 7}
}

// Signals are the computed drift statistics for one evaluation window.
type Signals struct {
	AmountPSI     float64 `json:"amount_psi"`
	TermPSI       float64 `json:"term_psi"`
	AccountJS     float64 `json:"account_js"`
	AccuracyDelta float64 `json:"accuracy_delta"` // baseline - current, positive means worse
	OCRConfMean   float64 `json:"ocr_conf_mean,omitempty"`
}

// Report is the drift verdict.
type Report struct {
	Signals        Signals  `json:"signals"`
	Tier           Tier     `json:"tier"`
	Reasons        []string `json:"reasons,omitempty"`
	NewRecords     int      `json:"new_records"`
	DaysSinceTrain int      `json:"days_since_train"`
}

// Window is the current observation period compared against the baseline.
type Window struct {
	Txns            []domain.Transaction
	Accounts        []string // decided account per txn, index-aligned
	RollingAccuracy float64
	OCRConfidences  []float64
	NewRecords      int
	DaysSinceTrain  int
}

// Monitor evaluates drift for one tenant at a time.
type Monitor struct {
	thresholds Thresholds
	log        zerolog.Logger
}

// NewMonitor creates a monitor.
func NewMonitor(t Thresholds, log zerolog.Logger) *Monitor {
	return &Monitor{thresholds: t, log: log.With().Str("component", "drift_monitor").Logger()}
}

// Evaluate computes the drift signals and the retrain tier. A medium verdict
// requires enough new data (record count or elapsed days); high means several
// signals tripped at once and retraining should not wait.
func (m *Monitor) Evaluate(baseline *Baseline, w Window) Report {
	amounts := make([]float64, len(w.Txns))
	docs := make([]string, len(w.Txns))
	for i, t := range w.Txns {
		amounts[i] = float64(t.AmountMinor)
		docs[i] = t.DescriptionRaw
	}

	sig := Signals{
		AmountPSI:     psi(baseline.AmountProps, binProportions(amounts, baseline.AmountEdges)),
		TermPSI:       termPSI(baseline.TermProps, docs),
		AccountJS:     jsDivergence(baseline.AccountProps, proportions(w.Accounts)),
		AccuracyDelta: baseline.Accuracy - w.RollingAccuracy,
		OCRConfMean:   mean(w.OCRConfidences),
	}

	rep := Report{Signals: sig, NewRecords: w.NewRecords, DaysSinceTrain: w.DaysSinceTrain}
	t := m.thresholds

	alerts := 0
	if sig.AmountPSI >= t.PSIAlert {
		alerts++
		rep.Reasons = append(rep.Reasons, "amount_psi_alert")
	}
	if sig.TermPSI >= t.PSIAlert {
		alerts++
		rep.Reasons = append(rep.Reasons, "term_psi_alert")
	}
	if t.JSAlert > 0 && sig.AccountJS >= t.JSAlert {
		alerts++
		rep.Reasons = append(rep.Reasons, "account_js_alert")
	}
	if sig.AccuracyDelta >= t.AccDropPct {
		alerts++
		rep.Reasons = append(rep.Reasons, "accuracy_drop")
	}

	enoughData := w.NewRecords >= t.MinNewRecords || w.DaysSinceTrain >= t.MinDays

	switch {
	case alerts >= 2:
		rep.Tier = TierHigh
	case alerts >= 1 && enoughData:
		rep.Tier = TierMedium
	case sig.AmountPSI >= t.PSIWarn || sig.TermPSI >= t.PSIWarn:
		rep.Tier = TierLow
		rep.Reasons = append(rep.Reasons, "psi_warn")
	default:
		rep.Tier = TierNone
	}

	m.log.Info().Str("tenant_id", baseline.TenantID).Str("tier", string(rep.Tier)).
		Float64("amount_psi", sig.AmountPSI).Float64("term_psi", sig.TermPSI).
		Float64("account_js", sig.AccountJS).Float64("accuracy_delta", sig.AccuracyDelta).
		Msg("drift evaluated")
	return rep
}

const epsilon = 1e-6

// psi is the population stability index between two aligned proportion
// vectors, with epsilon smoothing for empty bins.
func psi(base, cur []float64) float64 {
	var total float64
	for i := range base {
		b := math.Max(base[i], epsilon)
		c := epsilon
		if i < len(cur) {
			c = math.Max(cur[i], epsilon)
		}
		total += (c - b) * math.Log(c/b)
	}
	return total
}

// termPSI projects the current documents onto the baseline term set, with a
// residual bucket for mass outside it.
func termPSI(baseTerms map[string]float64, docs []string) float64 {
	counts := make(map[string]float64)
	var total float64
	for _, doc := range docs {
		for _, term := range terms(doc) {
			if _, tracked := baseTerms[term]; tracked {
				counts[term]++
			} else {
				counts["__other__"]++
			}
			total++
		}
	}
	if total == 0 {
		return 0
	}

	keys := make([]string, 0, len(baseTerms)+1)
	for term := range baseTerms {
		keys = append(keys, term)
	}
	keys = append(keys, "__other__")

	base := make([]float64, len(keys))
	cur := make([]float64, len(keys))
	for i, k := range keys {
		base[i] = baseTerms[k] // zero for __other__
		cur[i] = counts[k] / total
	}
	return psi(base, cur)
}

// jsDivergence is the Jensen-Shannon divergence between two categorical
// distributions, in nats.
func jsDivergence(p, q map[string]float64) float64 {
	keys := make(map[string]bool)
	for k := range p {
		keys[k] = true
	}
	for k := range q {
		keys[k] = true
	}
	var js float64
	for k := range keys {
		pk := math.Max(p[k], epsilon)
		qk := math.Max(q[k], epsilon)
		mk := (pk + qk) / 2
		js += 0.5*pk*math.Log(pk/mk) + 0.5*qk*math.Log(qk/mk)
	}
	return js
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}
