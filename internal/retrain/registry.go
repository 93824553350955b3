// Package retrain shadow-trains candidate classifiers and promotes them only
// when they beat the serving model on accuracy, F1 and calibration quality.
package retrain

import (
	"fmt"
	"sync"
	"time"

	"github.com/fintide/ledgerpilot/internal/calibration"
	"github.com/fintide/ledgerpilot/internal/classifier"
	"github.com/fintide/ledgerpilot/internal/domain"
)

// EvalMetrics summarizes one model evaluated on a holdout.
type EvalMetrics struct {
	Accuracy float64            `json:"accuracy"`
	MacroF1  float64            `json:"macro_f1"`
	ECE      float64            `json:"ece"`
	MaxGap   float64            `json:"max_gap"`
	GroupAcc map[string]float64 `json:"group_acc"` // by leading account digit
	EvalN    int                `json:"eval_n"`
}

// Artifact is one deployable model: classifier, its calibration and the
// metrics measured at promotion time.
type Artifact struct {
	Model      *classifier.Model
	Calibrator calibration.Calibrator
	CalMethod  domain.CalibrationMethod
	CalReport  calibration.Report
	Metrics    EvalMetrics
	BlobHash   string
	PromotedAt time.Time
}

// BlobPutter persists serialized model payloads by content hash.
type BlobPutter interface {
	Put(payload []byte) (hash string, err error)
}

// Registry holds the serving artifact behind an atomic pointer plus named
// backups of prior artifacts. Readers see either the old or new artifact,
// never a partial swap.
type Registry struct {
	mu      sync.RWMutex
	current *Artifact
	backups map[string]*Artifact
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{backups: make(map[string]*Artifact)}
}

// Current returns the serving artifact, or nil before the first promotion.
func (r *Registry) Current() *Artifact {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// Swap installs the candidate as current and files the prior artifact under
// model_backup_<ts>. It returns the backup id, empty when there was no prior.
func (r *Registry) Swap(candidate *Artifact, at time.Time) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	backupID := ""
	if r.current != nil {
		backupID = "model_backup_" + at.UTC().Format("20060102T150405")
		r.backups[backupID] = r.current
	}
	r.current = candidate
	return backupID
}

// Rollback restores a backup as the serving artifact.
func (r *Registry) Rollback(backupID string) (*Artifact, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prior, ok := r.backups[backupID]
	if !ok {
		return nil, fmt.Errorf("%w: backup %s", domain.ErrNotFound, backupID)
	}
	r.current = prior
	return prior, nil
}

// Backups lists the stored backup ids.
func (r *Registry) Backups() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.backups))
	for id := range r.backups {
		ids = append(ids, id)
	}
	return ids
}
