// Package pipeline orchestrates the tiered decision flow: deterministic
// rules, embedding memory and the classifier run concurrently per
// transaction, the blender fuses their signals, the adjudicator is consulted
// inside the uncertain band, and the gating policy routes the result. Signal
// failures degrade to zero-score signals; only storage failures abort a batch.
package pipeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fintide/ledgerpilot/internal/anomaly"
	"github.com/fintide/ledgerpilot/internal/blend"
	"github.com/fintide/ledgerpilot/internal/calibration"
	"github.com/fintide/ledgerpilot/internal/domain"
	"github.com/fintide/ledgerpilot/internal/gates"
	"github.com/fintide/ledgerpilot/internal/journal"
	"github.com/fintide/ledgerpilot/internal/llm"
	"github.com/fintide/ledgerpilot/internal/memory"
	"github.com/fintide/ledgerpilot/internal/metrics"
	"github.com/fintide/ledgerpilot/internal/persistence"
	"github.com/fintide/ledgerpilot/internal/promoter"
	"github.com/fintide/ledgerpilot/internal/retrain"
	"github.com/fintide/ledgerpilot/internal/rules"
)

// Config bounds batch processing.
type Config struct {
	// MaxFanOut caps concurrent per-transaction workers; the effective pool
	// is min(len(batch), MaxFanOut).
	MaxFanOut int `yaml:"max_fan_out"`
	// ConfirmationDepth is how many recent confirmed labels are retained per
	// vendor for the cold-start gate.
	ConfirmationDepth int `yaml:"confirmation_depth"`
}

// DefaultConfig returns the standard batch settings.
func DefaultConfig() Config {
	return Config{MaxFanOut: 16, ConfirmationDepth: 20}
}

// Deps wires the engine's collaborators. Versions, Journal and Tenants are
// required; the rest may be nil and the matching tier degrades.
type Deps struct {
	Rules       *rules.Engine
	Versions    *rules.VersionStore
	Memory      *memory.Memory
	Models      *retrain.Registry
	Calibration *calibration.Registry
	Adjudicator *llm.Adjudicator
	Gate        *gates.Policy
	Builder     *journal.Builder
	Anomalies   *anomaly.Estimator
	Promoter    *promoter.Promoter

	Txns    persistence.TxnRepo
	Journal persistence.JournalRepo
	Tenants persistence.TenantRepo
	Audit   persistence.AuditSink

	Metrics *metrics.Set
	Clock   domain.Clock
}

// Outcome is one routed decision.
type Outcome struct {
	TxnID  string
	Route  domain.Route
	Reason domain.ReviewReason
	JEID   string
	JE     domain.JournalEntry
	Trace  domain.DecisionTrace
}

// Engine runs decision batches for a tenant.
type Engine struct {
	cfg     Config
	weights blend.Weights
	deps    Deps
	history *confirmations
	log     zerolog.Logger
}

// New creates a pipeline engine.
func New(cfg Config, weights blend.Weights, deps Deps, log zerolog.Logger) (*Engine, error) {
	if err := weights.Validate(); err != nil {
		return nil, err
	}
	if cfg.MaxFanOut <= 0 {
		cfg = DefaultConfig()
	}
	if deps.Clock == nil {
		deps.Clock = domain.RealClock()
	}
	return &Engine{
		cfg:     cfg,
		weights: weights,
		deps:    deps,
		history: newConfirmations(cfg.ConfirmationDepth),
		log:     log.With().Str("component", "pipeline").Logger(),
	}, nil
}

// DecideBatch decides every transaction with bounded fan-out. Results come
// back in input order. A storage failure cancels the remaining work and
// surfaces; per-signal failures never do.
func (e *Engine) DecideBatch(ctx context.Context, tenantID string, txns []domain.Transaction) ([]Outcome, error) {
	if len(txns) == 0 {
		return nil, nil
	}
	tenant, err := e.deps.Tenants.GetPolicy(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("load tenant policy: %w", err)
	}
	tenant = withDefaults(tenant)
	version := e.deps.Versions.Current(tenantID)

	parent := ctx
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	workers := e.cfg.MaxFanOut
	if len(txns) < workers {
		workers = len(txns)
	}

	outcomes := make([]Outcome, len(txns))
	errs := make([]error, len(txns))
	jobs := make(chan int)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				out, err := e.decide(ctx, tenant, version, txns[i])
				outcomes[i], errs[i] = out, err
				if err != nil {
					cancel()
				}
			}
		}()
	}
	for i := range txns {
		select {
		case jobs <- i:
		case <-ctx.Done():
		}
	}
	close(jobs)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			return nil, fmt.Errorf("decide txn %s: %w", txns[i].TxnID, err)
		}
	}
	// External cancellation leaves undispatched slots zero-valued; never hand
	// those back as decisions.
	if err := parent.Err(); err != nil {
		return nil, err
	}
	return outcomes, nil
}

// decide runs one transaction through signals, blending, gating and storage.
func (e *Engine) decide(ctx context.Context, tenant domain.TenantPolicy, version *domain.RuleVersion, txn domain.Transaction) (Outcome, error) {
	sig := e.computeSignals(ctx, tenant, version, txn)

	// Preliminary blend over the deterministic and learned tiers decides
	// whether adjudication is warranted at all.
	prelim := blend.Blend(e.weights, []domain.SignalScore{sig.rules, sig.ml})

	llmRequired := e.adjudicationRequired(tenant, sig, prelim)
	if llmRequired && e.deps.Adjudicator != nil {
		start := e.deps.Clock.Now()
		signal, trace := e.deps.Adjudicator.Adjudicate(ctx, e.adjudicationRequest(tenant, txn, sig), int(tenant.LLMDailyBudget))
		e.deps.Metrics.ObserveSignal(string(domain.SignalLLM), e.deps.Clock.Since(start))
		if signal.Degraded {
			e.deps.Metrics.CountDegradation(tenant.TenantID, signal.Reason)
		}
		sig.llm = signal
		sig.llmTrace = &trace
	}

	final := blend.Blend(e.weights, []domain.SignalScore{sig.rules, sig.ml, sig.llm})

	// Build the candidate entry up front so the balance gate sees a real
	// outcome rather than a prediction.
	proposal := journal.Proposal{
		AccountCode:    final.AccountCode,
		BlendScore:     final.Score,
		CalibratedP:    sig.calibratedP,
		Rationale:      sig.rationale(),
		RuleVersionID:  versionID(version),
		ModelVersionID: sig.modelVersionID,
	}
	je, buildErr := e.deps.Builder.Build(tenant, txn, proposal)
	balanceOK := buildErr == nil

	anomalous := false
	if e.deps.Anomalies != nil && final.AccountCode != "" {
		anomalous = e.deps.Anomalies.IsAnomalous(tenant.TenantID, final.AccountCode, txn.AmountMinor)
	}

	decision := e.deps.Gate.Evaluate(tenant, gates.Input{
		RuleMatched:         sig.ruleMatch != nil && !sig.ruleConflict(),
		RuleAccount:         sig.ruleAccount(),
		RuleConflict:        sig.ruleConflict(),
		Blend:               final,
		CalibratedP:         sig.calibratedP,
		LLMRequired:         llmRequired,
		LLMDegraded:         sig.llm.Degraded,
		BalanceOK:           balanceOK,
		Anomalous:           anomalous,
		RecentConfirmations: e.history.recent(tenant.TenantID, txn.CounterpartyNorm),
	})

	trace := e.assembleTrace(txn, version, sig, final, decision)
	out := Outcome{TxnID: txn.TxnID, Route: decision.Route, Reason: decision.Reason, Trace: trace}
	e.deps.Metrics.CountDecision(tenant.TenantID, string(decision.Route), string(decision.Reason))

	if !balanceOK {
		// No entry could be built (unmapped account, zero amount). The
		// decision still routes to review; there is nothing to store.
		e.log.Warn().Err(buildErr).Str("txn_id", txn.TxnID).Msg("candidate entry could not be built")
		e.emitDecision(tenant.TenantID, out)
		return out, nil
	}

	je.Trace = &trace
	if err := e.deps.Journal.Insert(ctx, je); err != nil {
		return Outcome{}, fmt.Errorf("%w: store journal entry: %v", domain.ErrStorage, err)
	}
	out.JEID, out.JE = je.JEID, je

	if decision.Route == domain.RouteAutoPost && tenant.AutopostEnabled {
		if err := e.post(ctx, tenant, txn, je); err != nil {
			return Outcome{}, err
		}
		out.JE.Status = domain.JEPosted
	}
	e.emitDecision(tenant.TenantID, out)
	return out, nil
}

// post advances an auto-routed entry proposed -> approved -> posted and
// treats the posted decision as a confirmation for the learning tiers.
func (e *Engine) post(ctx context.Context, tenant domain.TenantPolicy, txn domain.Transaction, je domain.JournalEntry) error {
	for _, step := range []struct{ from, to domain.JEStatus }{
		{domain.JEProposed, domain.JEApproved},
		{domain.JEApproved, domain.JEPosted},
	} {
		if err := e.deps.Journal.UpdateStatus(ctx, tenant.TenantID, je.JEID, step.from, step.to); err != nil {
			return fmt.Errorf("auto-post %s: %w", je.JEID, err)
		}
	}
	account := decidedAccount(je, tenant.CashAccountCode)
	e.recordConfirmed(ctx, txn, account)
	return nil
}

// Confirm applies a human decision on a proposed entry: the account the
// reviewer chose becomes a confirmation for memory, anomaly history and the
// cold-start gate. A correction (reviewer disagreed with the pipeline)
// additionally feeds the rule promoter.
func (e *Engine) Confirm(ctx context.Context, tenantID, txnID, accountCode string, corrected bool) error {
	txn, err := e.deps.Txns.Get(ctx, tenantID, txnID)
	if err != nil {
		return err
	}
	e.recordConfirmed(ctx, txn, accountCode)
	if corrected && e.deps.Promoter != nil {
		e.deps.Promoter.Record(tenantID, domain.Evidence{
			VendorNorm:  txn.CounterpartyNorm,
			AccountCode: accountCode,
			Confidence:  1.0,
			Source:      domain.EvidenceUserOverride,
			TxnID:       txnID,
			SeenAt:      e.deps.Clock.Now(),
		})
	}
	return nil
}

func (e *Engine) recordConfirmed(ctx context.Context, txn domain.Transaction, accountCode string) {
	if accountCode == "" {
		return
	}
	e.history.add(txn.TenantID, txn.CounterpartyNorm, accountCode)
	if e.deps.Anomalies != nil {
		e.deps.Anomalies.Observe(txn.TenantID, accountCode, txn.AmountMinor)
	}
	if e.deps.Memory != nil {
		_ = e.deps.Memory.Confirm(ctx, txn, accountCode)
	}
}

func (e *Engine) emitDecision(tenantID string, out Outcome) {
	if e.deps.Audit == nil {
		return
	}
	_ = e.deps.Audit.Append(domain.AuditEvent{
		ID:       uuid.NewString(),
		TenantID: tenantID,
		Kind:     "decision",
		At:       e.deps.Clock.Now(),
		Payload:  out.Trace,
	})
}

// adjudicationRequired applies the tenant's uncertain-band check plus the
// disagreement trigger: a rule and the classifier naming different accounts
// is adjudicated even outside the band.
func (e *Engine) adjudicationRequired(tenant domain.TenantPolicy, sig signals, prelim blend.Result) bool {
	if e.deps.Adjudicator == nil {
		return false
	}
	if sig.ruleMatch != nil && sig.ml.AccountCode != "" && !sig.ml.Degraded &&
		sig.ruleMatch.AccountCode != sig.ml.AccountCode {
		return true
	}
	return e.deps.Adjudicator.InBand(prelim.Score, tenant.UncertainLow, tenant.UncertainHigh)
}

func (e *Engine) adjudicationRequest(tenant domain.TenantPolicy, txn domain.Transaction, sig signals) llm.Request {
	req := llm.Request{
		TenantID:         tenant.TenantID,
		TxnID:            txn.TxnID,
		DescriptionRaw:   txn.DescriptionRaw,
		CounterpartyNorm: txn.CounterpartyNorm,
		AmountMinor:      txn.AmountMinor,
		Currency:         txn.Currency,
		PostedAt:         txn.PostedAt,
	}
	seen := make(map[string]struct{})
	addCandidate := func(code string) {
		if code == "" {
			return
		}
		if _, ok := seen[code]; ok {
			return
		}
		seen[code] = struct{}{}
		name := code
		if acc, ok := e.deps.Tenants.Account(tenant.TenantID, code); ok {
			name = acc.Name
		}
		req.Candidates = append(req.Candidates, llm.Candidate{AccountCode: code, Name: name})
	}
	addCandidate(sig.ruleAccount())
	addCandidate(sig.ml.AccountCode)
	addCandidate(sig.memory.AccountCode)
	if sig.distribution != nil {
		req.PriorDistribution = sig.distribution
		for code := range sig.distribution {
			addCandidate(code)
		}
	}
	return req
}

func (e *Engine) assembleTrace(txn domain.Transaction, version *domain.RuleVersion, sig signals, final blend.Result, decision gates.Decision) domain.DecisionTrace {
	trace := domain.DecisionTrace{
		TxnID:             txn.TxnID,
		VendorNorm:        txn.CounterpartyNorm,
		RuleVersionID:     versionID(version),
		ModelVersionID:    sig.modelVersionID,
		CalibrationMethod: string(sig.calibrationMethod),
		BlendScore:        final.Score,
		CalibratedP:       sig.calibratedP,
		Route:             decision.Route,
		Reason:            decision.Reason,
		DecidedAt:         e.deps.Clock.Now().UTC(),
	}
	if sig.ruleMatch != nil {
		trace.Entries = append(trace.Entries, domain.TraceEntry{Kind: domain.TraceRule, Rule: &domain.RuleTrace{
			RuleID:      sig.ruleMatch.RuleID,
			MatchType:   sig.ruleMatch.MatchType,
			Pattern:     sig.ruleMatch.Pattern,
			AccountCode: sig.ruleMatch.AccountCode,
			Priority:    sig.ruleMatch.Priority,
		}})
	}
	if sig.memory.Reason != "" || sig.memory.AccountCode != "" {
		trace.Entries = append(trace.Entries, domain.TraceEntry{Kind: domain.TraceSystem, System: &domain.SystemTrace{
			Note: fmt.Sprintf("memory retrieval: account=%s score=%.3f top_sim=%.3f %s",
				sig.memory.AccountCode, sig.memory.Score, sig.memory.TopSim, sig.memory.Reason),
		}})
	}
	if sig.mlTrace != nil {
		trace.Entries = append(trace.Entries, domain.TraceEntry{Kind: domain.TraceML, ML: sig.mlTrace})
	}
	if sig.noCalibration && sig.modelVersionID != "" {
		trace.Entries = append(trace.Entries, domain.TraceEntry{Kind: domain.TraceSystem, System: &domain.SystemTrace{
			Note: "no calibration bound to serving model; calibrated probability held at zero",
		}})
	}
	if sig.llmTrace != nil {
		trace.Entries = append(trace.Entries, domain.TraceEntry{Kind: domain.TraceLLM, LLM: sig.llmTrace})
	}
	trace.Entries = append(trace.Entries, decision.Entries...)
	return trace
}

func versionID(v *domain.RuleVersion) string {
	if v == nil {
		return ""
	}
	return v.VersionID
}

// decidedAccount extracts the non-cash account from a two-line entry.
func decidedAccount(je domain.JournalEntry, cashCode string) string {
	for _, ln := range je.Lines {
		if ln.AccountCode != cashCode {
			return ln.AccountCode
		}
	}
	return ""
}

// withDefaults fills zero-valued policy knobs with engine defaults.
func withDefaults(p domain.TenantPolicy) domain.TenantPolicy {
	if p.Threshold == 0 {
		p.Threshold = 0.90
	}
	if p.ColdStartMin == 0 {
		p.ColdStartMin = 3
	}
	if p.UncertainLow == 0 {
		p.UncertainLow = 0.60
	}
	if p.UncertainHigh == 0 {
		p.UncertainHigh = 0.85
	}
	if p.LLMDailyBudget == 0 {
		p.LLMDailyBudget = 500
	}
	if p.CashAccountCode == "" {
		p.CashAccountCode = "1000"
	}
	return p
}

// confirmations tracks the recent confirmed account labels per vendor,
// newest first, for the cold-start gate.
type confirmations struct {
	mu    sync.RWMutex
	depth int
	byKey map[string][]string
}

func newConfirmations(depth int) *confirmations {
	if depth <= 0 {
		depth = 20
	}
	return &confirmations{depth: depth, byKey: make(map[string][]string)}
}

func (c *confirmations) key(tenantID, vendor string) string { return tenantID + "|" + vendor }

func (c *confirmations) add(tenantID, vendor, account string) {
	if vendor == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	k := c.key(tenantID, vendor)
	labels := append([]string{account}, c.byKey[k]...)
	if len(labels) > c.depth {
		labels = labels[:c.depth]
	}
	c.byKey[k] = labels
}

func (c *confirmations) recent(tenantID, vendor string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	labels := c.byKey[c.key(tenantID, vendor)]
	out := make([]string, len(labels))
	copy(out, labels)
	return out
}
