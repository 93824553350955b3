package calibration

import (
	"fmt"
	"sync"

	"github.com/fintide/ledgerpilot/internal/domain"
)

// Calibrator maps a raw probability to a calibrated one.
type Calibrator interface {
	Calibrate(p float64) float64
	Params() []byte
}

// Bound is a calibration bound to one classifier version.
type Bound struct {
	ModelVersionID string
	Method         domain.CalibrationMethod
	Calibrator     Calibrator
	Report         Report
}

// Registry resolves the calibration for a classifier version. The pipeline
// refuses to auto-post while the current version has no binding.
type Registry struct {
	mu      sync.RWMutex
	byModel map[string]Bound
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byModel: make(map[string]Bound)}
}

// Bind attaches a calibrator to a classifier version, replacing any prior
// binding for that version.
func (r *Registry) Bind(b Bound) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byModel[b.ModelVersionID] = b
}

// For returns the binding for a classifier version, or ErrCalibration.
func (r *Registry) For(modelVersionID string) (Bound, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.byModel[modelVersionID]
	if !ok {
		return Bound{}, fmt.Errorf("%w: no calibration for model %s", domain.ErrCalibration, modelVersionID)
	}
	return b, nil
}
