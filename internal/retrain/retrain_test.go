package retrain

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fintide/ledgerpilot/internal/calibration"
	"github.com/fintide/ledgerpilot/internal/domain"
)

type memBlobs struct {
	blobs map[string][]byte
}

func newMemBlobs() *memBlobs { return &memBlobs{blobs: make(map[string][]byte)} }

func (m *memBlobs) Put(payload []byte) (string, error) {
	sum := sha256.Sum256(payload)
	hash := hex.EncodeToString(sum[:])
	m.blobs[hash] = payload
	return hash, nil
}

// labeledSet builds cleanly separable records: each class has its own
// description vocabulary and a distinct vendor per record, spread over 120
// days so the holdout window has data.
func labeledSet(n int) []LabeledTxn {
	classes := []struct {
		account string
		vendor  string
		desc    string
		amount  int64
	}{
		{"6100", "saas", "software subscription renewal", -4900},
		{"6400", "cafe", "coffee shop lunch order", -850},
		{"4000", "client", "client payment invoice settlement", 250000},
	}
	start := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)
	records := make([]LabeledTxn, n)
	for i := range records {
		c := classes[i%len(classes)]
		records[i] = LabeledTxn{
			Txn: domain.Transaction{
				TxnID:            fmt.Sprintf("tx-%d", i),
				TenantID:         "t1",
				CounterpartyNorm: fmt.Sprintf("%s %d", c.vendor, i),
				DescriptionRaw:   fmt.Sprintf("%s %d", c.desc, i),
				AmountMinor:      c.amount,
				PostedAt:         start.AddDate(0, 0, i*120/n),
			},
			Account: c.account,
		}
	}
	return records
}

func newRetrainer(cfg Config) (*Retrainer, *Registry, *calibration.Registry, *memBlobs) {
	registry := NewRegistry()
	calReg := calibration.NewRegistry()
	blobs := newMemBlobs()
	clock := &domain.FixedClock{T: time.Date(2025, 11, 1, 0, 0, 0, 0, time.UTC)}
	return NewRetrainer(cfg, registry, calReg, blobs, clock, zerolog.Nop()), registry, calReg, blobs
}

func TestRunGuardrailMinRecords(t *testing.T) {
	r, registry, _, _ := newRetrainer(DefaultConfig())
	event, err := r.Run(context.Background(), "t1", labeledSet(100), []string{"drift"})
	require.NoError(t, err)
	assert.False(t, event.Promoted)
	assert.Contains(t, event.Notes, "guardrail")
	assert.Nil(t, registry.Current())
}

func TestSplitIsVendorDisjoint(t *testing.T) {
	r, _, _, _ := newRetrainer(DefaultConfig())
	train, holdout := r.split(labeledSet(3000))
	require.NotEmpty(t, train)
	require.NotEmpty(t, holdout)
	assert.Empty(t, vendorOverlap(train, holdout))

	// Holdout covers only the newest window.
	cutoff := time.Date(2025, 10, 1, 0, 0, 0, 0, time.UTC)
	for _, rec := range holdout {
		assert.True(t, rec.Txn.PostedAt.After(cutoff.AddDate(0, 0, -3)), "holdout record too old: %v", rec.Txn.PostedAt)
	}
}

func TestRunPromotesCleanCandidate(t *testing.T) {
	r, registry, calReg, blobs := newRetrainer(DefaultConfig())

	event, err := r.Run(context.Background(), "t1", labeledSet(3000), []string{"amount_psi_alert"})
	require.NoError(t, err)
	assert.True(t, event.Promoted, "notes: %s", event.Notes)
	assert.Greater(t, event.AccNew, 0.95)
	assert.NotEmpty(t, event.ArtifactID)

	current := registry.Current()
	require.NotNil(t, current)
	assert.Contains(t, blobs.blobs, current.BlobHash)

	// Calibration is bound to the new model version, so the pipeline's
	// auto-post guard is satisfied.
	bound, err := calReg.For(current.Model.VersionID)
	require.NoError(t, err)
	assert.Equal(t, domain.CalibrationIsotonic, bound.Method)
}

func TestRunDryRunNeverSwaps(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DryRun = true
	r, registry, _, _ := newRetrainer(cfg)

	event, err := r.Run(context.Background(), "t1", labeledSet(3000), nil)
	require.NoError(t, err)
	assert.False(t, event.Promoted)
	assert.Contains(t, event.Notes, "dry-run")
	assert.Nil(t, registry.Current())
}

func TestCheckPromotionCriteria(t *testing.T) {
	r, _, _, _ := newRetrainer(DefaultConfig())
	prod := &Artifact{Metrics: EvalMetrics{Accuracy: 0.90, MacroF1: 0.88, ECE: 0.02}}
	goodCal := calibration.Report{ECE: 0.015, MaxGap: 0.03}

	// Half a point under prod accuracy with better F1: promotes.
	ok := r.checkPromotion(prod, EvalMetrics{Accuracy: 0.895, MacroF1: 0.89, GroupAcc: map[string]float64{"6": 0.9}}, goodCal)
	assert.Empty(t, ok)

	// Two points under prod accuracy: rejected.
	verdict := r.checkPromotion(prod, EvalMetrics{Accuracy: 0.88, MacroF1: 0.89}, goodCal)
	assert.Contains(t, verdict, "accuracy")

	// F1 regression alone: rejected.
	verdict = r.checkPromotion(prod, EvalMetrics{Accuracy: 0.91, MacroF1: 0.87}, goodCal)
	assert.Contains(t, verdict, "f1")

	// ECE worse than prod and above the absolute bound: rejected.
	verdict = r.checkPromotion(prod, EvalMetrics{Accuracy: 0.91, MacroF1: 0.89},
		calibration.Report{ECE: 0.05, MaxGap: 0.03})
	assert.Contains(t, verdict, "ece")

	// A single account group under 80%: rejected.
	verdict = r.checkPromotion(prod, EvalMetrics{Accuracy: 0.91, MacroF1: 0.89,
		GroupAcc: map[string]float64{"6": 0.95, "4": 0.7}}, goodCal)
	assert.Contains(t, verdict, "account group")

	// Oversized calibration bin gap: rejected.
	verdict = r.checkPromotion(prod, EvalMetrics{Accuracy: 0.91, MacroF1: 0.89},
		calibration.Report{ECE: 0.015, MaxGap: 0.08})
	assert.Contains(t, verdict, "bin gap")
}

func TestSecondPromotionBacksUpAndRollbackRestores(t *testing.T) {
	r, registry, calReg, _ := newRetrainer(DefaultConfig())

	_, err := r.Run(context.Background(), "t1", labeledSet(3000), nil)
	require.NoError(t, err)
	first := registry.Current()
	require.NotNil(t, first)

	// A second successful run files the first artifact as a backup.
	event, err := r.Run(context.Background(), "t1", labeledSet(3600), nil)
	require.NoError(t, err)
	require.True(t, event.Promoted, "notes: %s", event.Notes)
	second := registry.Current()
	require.NotEqual(t, first.Model.VersionID, second.Model.VersionID)

	backups := registry.Backups()
	require.Len(t, backups, 1)

	rollback, err := r.Rollback("t1", backups[0])
	require.NoError(t, err)
	assert.Equal(t, first.BlobHash, rollback.ArtifactID)
	assert.Equal(t, first.Model.VersionID, registry.Current().Model.VersionID)

	// Rolled-back model's calibration is current again.
	_, err = calReg.For(first.Model.VersionID)
	assert.NoError(t, err)

	_, err = r.Rollback("t1", "model_backup_nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
