package calibration

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// Temperature is single-parameter logit scaling: an alternative to isotonic
// when validation sets are small.
type Temperature struct {
	T           float64   `json:"t"`
	FittedAt    time.Time `json:"fitted_at"`
	SampleCount int       `json:"sample_count"`
}

// FitTemperature grid-searches the temperature minimizing negative
// log-likelihood on the validation samples.
func FitTemperature(samples []Sample, fittedAt time.Time) (*Temperature, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("no calibration samples")
	}

	bestT, bestNLL := 1.0, math.Inf(1)
	for t := 0.25; t <= 4.0; t += 0.05 {
		nll := 0.0
		for _, s := range samples {
			p := scaleP(s.P, t)
			if s.Correct {
				nll -= math.Log(math.Max(p, 1e-12))
			} else {
				nll -= math.Log(math.Max(1-p, 1e-12))
			}
		}
		if nll < bestNLL {
			bestNLL, bestT = nll, t
		}
	}
	return &Temperature{T: bestT, FittedAt: fittedAt.UTC(), SampleCount: len(samples)}, nil
}

// Calibrate rescales a probability through the fitted temperature.
func (tc *Temperature) Calibrate(p float64) float64 {
	return scaleP(p, tc.T)
}

// Params serializes the parameter for persistence.
func (tc *Temperature) Params() []byte {
	b, _ := json.Marshal(tc)
	return b
}

// scaleP divides the logit by t and maps back through the sigmoid.
func scaleP(p, t float64) float64 {
	p = math.Max(1e-12, math.Min(1-1e-12, p))
	logit := math.Log(p / (1 - p))
	return 1 / (1 + math.Exp(-logit/t))
}
