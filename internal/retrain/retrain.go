package retrain

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fintide/ledgerpilot/internal/calibration"
	"github.com/fintide/ledgerpilot/internal/classifier"
	"github.com/fintide/ledgerpilot/internal/domain"
)

// Config bounds one retrain run.
type Config struct {
	MinRecords    int           `yaml:"min_records"`     // guardrail, default 2000
	HoldoutDays   int           `yaml:"holdout_days"`    // default 30
	MaxRuntime    time.Duration `yaml:"max_runtime"`     // default 900s
	DryRun        bool          `yaml:"dry_run"`         // evaluate but never swap
	CalMinSamples int           `yaml:"cal_min_samples"` // isotonic fit floor
	AccTolerance  float64       `yaml:"acc_tolerance"`   // candidate may trail prod by this, default 0.01
	ECEAbsBound   float64       `yaml:"ece_abs_bound"`   // default 0.03
	MaxBinGap     float64       `yaml:"max_bin_gap"`     // default 0.05
	MinGroupAcc   float64       `yaml:"min_group_acc"`   // default 0.80
}

// DefaultConfig returns the standard retrain guardrails.
func DefaultConfig() Config {
	return Config{
		MinRecords:    2000,
		HoldoutDays:   30,
		MaxRuntime:    900 * time.Second,
		CalMinSamples: 50,
		AccTolerance:  0.01,
		ECEAbsBound:   0.03,
		MaxBinGap:     0.05,
		MinGroupAcc:   0.80,
	}
}

// LabeledTxn is one confirmed (transaction, account) pair.
type LabeledTxn struct {
	Txn     domain.Transaction
	Account string
}

// Retrainer runs the shadow-train / safe-promote cycle against a registry.
type Retrainer struct {
	cfg      Config
	registry *Registry
	calReg   *calibration.Registry
	blobs    BlobPutter
	clock    domain.Clock
	log      zerolog.Logger
}

// NewRetrainer wires a retrainer.
func NewRetrainer(cfg Config, registry *Registry, calReg *calibration.Registry, blobs BlobPutter, clock domain.Clock, log zerolog.Logger) *Retrainer {
	return &Retrainer{
		cfg:      cfg,
		registry: registry,
		calReg:   calReg,
		blobs:    blobs,
		clock:    clock,
		log:      log.With().Str("component", "retrainer").Logger(),
	}
}

// Run trains a candidate on a time-respecting, vendor-disjoint split and
// promotes it only when every promotion criterion holds. The returned event
// records the attempt either way; a failed candidate is discarded and the
// serving model keeps serving.
func (r *Retrainer) Run(ctx context.Context, tenantID string, records []LabeledTxn, reasons []string) (domain.RetrainEvent, error) {
	started := r.clock.Now().UTC()
	event := domain.RetrainEvent{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		StartedAt: started,
		Reasons:   reasons,
	}
	finish := func(notes string) domain.RetrainEvent {
		event.FinishedAt = r.clock.Now().UTC()
		event.Notes = notes
		return event
	}

	if len(records) < r.cfg.MinRecords {
		return finish(fmt.Sprintf("guardrail: %d records < %d minimum", len(records), r.cfg.MinRecords)), nil
	}
	deadline := started.Add(r.cfg.MaxRuntime)

	train, holdout := r.split(records)
	event.TrainN, event.ValidN = len(train), len(holdout)
	if overlap := vendorOverlap(train, holdout); len(overlap) > 0 {
		return event, fmt.Errorf("%w: %d vendors leak across the split", domain.ErrInvariant, len(overlap))
	}
	if len(holdout) < 2*r.cfg.CalMinSamples {
		return finish(fmt.Sprintf("guardrail: holdout too small (%d)", len(holdout))), nil
	}

	candidate, err := classifier.Train(toSamples(train), started)
	if err != nil {
		return event, fmt.Errorf("train candidate: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return event, err
	}
	if r.clock.Now().After(deadline) {
		return finish("guardrail: runtime cap exceeded"), nil
	}

	// The older half of the holdout fits calibration, the newer half scores
	// the calibrated model.
	calHalf, evalHalf := holdout[:len(holdout)/2], holdout[len(holdout)/2:]
	iso, err := calibration.FitIsotonic(predictSamples(candidate, calHalf), r.cfg.CalMinSamples, started)
	if err != nil {
		return event, fmt.Errorf("fit calibration: %w", err)
	}

	metrics, calReport := evaluate(candidate, iso, evalHalf)
	event.AccNew, event.F1New = metrics.Accuracy, metrics.MacroF1

	prod := r.registry.Current()
	if prod != nil {
		event.AccOld, event.F1Old = prod.Metrics.Accuracy, prod.Metrics.MacroF1
	}

	if verdict := r.checkPromotion(prod, metrics, calReport); verdict != "" {
		r.log.Info().Str("tenant_id", tenantID).Str("verdict", verdict).
			Float64("acc_new", metrics.Accuracy).Float64("f1_new", metrics.MacroF1).
			Msg("candidate rejected")
		return finish("rejected: " + verdict), nil
	}
	if r.cfg.DryRun {
		return finish("dry-run: candidate passed, not promoted"), nil
	}

	payload, _, err := candidate.Serialize()
	if err != nil {
		return event, fmt.Errorf("serialize candidate: %w", err)
	}
	blobHash, err := r.blobs.Put(payload)
	if err != nil {
		return event, fmt.Errorf("%w: store candidate artifact: %v", domain.ErrStorage, err)
	}

	artifact := &Artifact{
		Model:      candidate,
		Calibrator: iso,
		CalMethod:  domain.CalibrationIsotonic,
		CalReport:  calReport,
		Metrics:    metrics,
		BlobHash:   blobHash,
		PromotedAt: r.clock.Now().UTC(),
	}
	backupID := r.registry.Swap(artifact, artifact.PromotedAt)
	r.calReg.Bind(calibration.Bound{
		ModelVersionID: candidate.VersionID,
		Method:         domain.CalibrationIsotonic,
		Calibrator:     iso,
		Report:         calReport,
	})

	event.Promoted = true
	event.ArtifactID = blobHash
	r.log.Info().Str("tenant_id", tenantID).Str("model_version", candidate.VersionID).
		Str("backup_id", backupID).Float64("acc", metrics.Accuracy).Float64("ece", calReport.ECE).
		Msg("candidate promoted")
	return finish("promoted, prior saved as " + backupID), nil
}

// Rollback restores a backup artifact and emits a reversing event.
func (r *Retrainer) Rollback(tenantID, backupID string) (domain.RetrainEvent, error) {
	now := r.clock.Now().UTC()
	prior, err := r.registry.Rollback(backupID)
	if err != nil {
		return domain.RetrainEvent{}, err
	}
	r.calReg.Bind(calibration.Bound{
		ModelVersionID: prior.Model.VersionID,
		Method:         prior.CalMethod,
		Calibrator:     prior.Calibrator,
		Report:         prior.CalReport,
	})
	return domain.RetrainEvent{
		ID:         uuid.NewString(),
		TenantID:   tenantID,
		StartedAt:  now,
		FinishedAt: now,
		Reasons:    []string{"rollback"},
		Promoted:   true,
		ArtifactID: prior.BlobHash,
		Notes:      "restored " + backupID,
	}, nil
}

// checkPromotion returns an empty string when every criterion holds,
// otherwise the first failing criterion.
func (r *Retrainer) checkPromotion(prod *Artifact, m EvalMetrics, cal calibration.Report) string {
	if prod != nil {
		if m.Accuracy < prod.Metrics.Accuracy-r.cfg.AccTolerance {
			return fmt.Sprintf("accuracy %.4f trails prod %.4f beyond tolerance", m.Accuracy, prod.Metrics.Accuracy)
		}
		if m.MacroF1 < prod.Metrics.MacroF1 {
			return fmt.Sprintf("f1 %.4f below prod %.4f", m.MacroF1, prod.Metrics.MacroF1)
		}
		if cal.ECE > prod.Metrics.ECE && cal.ECE > r.cfg.ECEAbsBound {
			return fmt.Sprintf("ece %.4f worse than prod and above bound", cal.ECE)
		}
	} else if cal.ECE > r.cfg.ECEAbsBound {
		return fmt.Sprintf("ece %.4f above absolute bound", cal.ECE)
	}
	if cal.MaxGap > r.cfg.MaxBinGap {
		return fmt.Sprintf("calibration bin gap %.4f above %.2f", cal.MaxGap, r.cfg.MaxBinGap)
	}
	for group, acc := range m.GroupAcc {
		if acc < r.cfg.MinGroupAcc {
			return fmt.Sprintf("account group %s accuracy %.4f below %.2f", group, acc, r.cfg.MinGroupAcc)
		}
	}
	return ""
}

// split separates the newest HoldoutDays of records as holdout and removes
// every holdout vendor from the training side, so the vendor sets are
// disjoint by construction.
func (r *Retrainer) split(records []LabeledTxn) (train, holdout []LabeledTxn) {
	sorted := make([]LabeledTxn, len(records))
	copy(sorted, records)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Txn.PostedAt.Before(sorted[j].Txn.PostedAt) })

	cutoff := sorted[len(sorted)-1].Txn.PostedAt.AddDate(0, 0, -r.cfg.HoldoutDays)
	holdoutVendors := make(map[string]bool)
	for _, rec := range sorted {
		if rec.Txn.PostedAt.After(cutoff) {
			holdoutVendors[rec.Txn.CounterpartyNorm] = true
		}
	}
	for _, rec := range sorted {
		if rec.Txn.PostedAt.After(cutoff) {
			holdout = append(holdout, rec)
		} else if !holdoutVendors[rec.Txn.CounterpartyNorm] {
			train = append(train, rec)
		}
	}
	return train, holdout
}

func vendorOverlap(train, holdout []LabeledTxn) []string {
	inTrain := make(map[string]bool)
	for _, r := range train {
		inTrain[r.Txn.CounterpartyNorm] = true
	}
	var overlap []string
	seen := make(map[string]bool)
	for _, r := range holdout {
		v := r.Txn.CounterpartyNorm
		if inTrain[v] && !seen[v] {
			overlap = append(overlap, v)
			seen[v] = true
		}
	}
	return overlap
}

func toSamples(records []LabeledTxn) []classifier.Sample {
	samples := make([]classifier.Sample, len(records))
	for i, r := range records {
		samples[i] = classifier.Sample{Txn: r.Txn, Account: r.Account}
	}
	return samples
}

// predictSamples scores records with the raw model for calibration fitting.
func predictSamples(m *classifier.Model, records []LabeledTxn) []calibration.Sample {
	samples := make([]calibration.Sample, len(records))
	for i, r := range records {
		pred := m.Predict(r.Txn)
		samples[i] = calibration.Sample{P: pred.P, Correct: pred.AccountCode == r.Account}
	}
	return samples
}

// evaluate scores the calibrated candidate on the evaluation half.
func evaluate(m *classifier.Model, cal calibration.Calibrator, records []LabeledTxn) (EvalMetrics, calibration.Report) {
	type counts struct{ tp, fp, fn int }
	perClass := make(map[string]*counts)
	groupTotal := make(map[string]int)
	groupHit := make(map[string]int)
	calSamples := make([]calibration.Sample, len(records))

	correct := 0
	for i, r := range records {
		pred := m.Predict(r.Txn)
		hit := pred.AccountCode == r.Account
		if hit {
			correct++
		}
		if perClass[r.Account] == nil {
			perClass[r.Account] = &counts{}
		}
		if perClass[pred.AccountCode] == nil {
			perClass[pred.AccountCode] = &counts{}
		}
		if hit {
			perClass[r.Account].tp++
		} else {
			perClass[r.Account].fn++
			perClass[pred.AccountCode].fp++
		}
		group := accountGroup(r.Account)
		groupTotal[group]++
		if hit {
			groupHit[group]++
		}
		calSamples[i] = calibration.Sample{P: cal.Calibrate(pred.P), Correct: hit}
	}

	var f1Sum float64
	for _, c := range perClass {
		var precision, recall float64
		if c.tp+c.fp > 0 {
			precision = float64(c.tp) / float64(c.tp+c.fp)
		}
		if c.tp+c.fn > 0 {
			recall = float64(c.tp) / float64(c.tp+c.fn)
		}
		if precision+recall > 0 {
			f1Sum += 2 * precision * recall / (precision + recall)
		}
	}

	groupAcc := make(map[string]float64, len(groupTotal))
	for g, total := range groupTotal {
		groupAcc[g] = float64(groupHit[g]) / float64(total)
	}

	report := calibration.Evaluate(calSamples, 10)
	metrics := EvalMetrics{
		Accuracy: float64(correct) / float64(len(records)),
		MacroF1:  f1Sum / float64(len(perClass)),
		ECE:      report.ECE,
		MaxGap:   report.MaxGap,
		GroupAcc: groupAcc,
		EvalN:    len(records),
	}
	return metrics, report
}

// accountGroup buckets accounts by their leading digit (6xxx expenses, 4xxx
// revenue and so on).
func accountGroup(code string) string {
	if code == "" {
		return "?"
	}
	return code[:1]
}
