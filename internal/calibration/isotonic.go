// Package calibration maps raw classifier probabilities to calibrated ones
// and measures calibration quality (ECE, Brier, per-bin gaps). A calibration
// is always bound to one classifier version; gating refuses to auto-post
// while the bound calibration is missing.
package calibration

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"
)

// Sample is one validation observation: predicted probability for the argmax
// class and whether that class was correct.
type Sample struct {
	P       float64 `json:"p"`
	Correct bool    `json:"correct"`
}

// Isotonic is a monotone probability-to-probability mapping fitted with the
// pool-adjacent-violators algorithm.
type Isotonic struct {
	Xs []float64 `json:"xs"` // monotone increasing raw probabilities
	Ys []float64 `json:"ys"` // corresponding calibrated probabilities

	FittedAt    time.Time `json:"fitted_at"`
	SampleCount int       `json:"sample_count"`
	MinSamples  int       `json:"min_samples"`
}

// FitIsotonic fits an isotonic calibration on validation samples.
func FitIsotonic(samples []Sample, minSamples int, fittedAt time.Time) (*Isotonic, error) {
	if minSamples <= 0 {
		minSamples = 50
	}
	if len(samples) < minSamples {
		return nil, fmt.Errorf("insufficient calibration samples: need %d, got %d", minSamples, len(samples))
	}

	sorted := make([]Sample, len(samples))
	copy(sorted, samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].P < sorted[j].P })

	bins := makeBins(sorted, optimalBinCount(len(sorted)))
	xs, ys := poolAdjacentViolators(bins)

	return &Isotonic{
		Xs:          xs,
		Ys:          ys,
		FittedAt:    fittedAt.UTC(),
		SampleCount: len(samples),
		MinSamples:  minSamples,
	}, nil
}

// Calibrate maps a raw probability through the fitted curve with linear
// interpolation between calibration points.
func (iso *Isotonic) Calibrate(p float64) float64 {
	if len(iso.Xs) == 0 {
		return clamp01(p)
	}
	if p <= iso.Xs[0] {
		return iso.Ys[0]
	}
	last := len(iso.Xs) - 1
	if p >= iso.Xs[last] {
		return iso.Ys[last]
	}
	for i := 1; i <= last; i++ {
		if p <= iso.Xs[i] {
			x0, x1 := iso.Xs[i-1], iso.Xs[i]
			y0, y1 := iso.Ys[i-1], iso.Ys[i]
			if x1 == x0 {
				return y1
			}
			w := (p - x0) / (x1 - x0)
			return y0 + w*(y1-y0)
		}
	}
	return iso.Ys[last]
}

// Params serializes the curve for persistence.
func (iso *Isotonic) Params() []byte {
	b, _ := json.Marshal(iso)
	return b
}

type fitBin struct {
	meanP  float64
	obs    float64
	weight float64
}

func makeBins(sorted []Sample, numBins int) []fitBin {
	binSize := len(sorted) / numBins
	if binSize < 1 {
		binSize = 1
	}
	var bins []fitBin
	for i := 0; i < len(sorted); i += binSize {
		end := i + binSize
		if end > len(sorted) {
			end = len(sorted)
		}
		chunk := sorted[i:end]
		var sumP, pos float64
		for _, s := range chunk {
			sumP += s.P
			if s.Correct {
				pos++
			}
		}
		bins = append(bins, fitBin{
			meanP:  sumP / float64(len(chunk)),
			obs:    pos / float64(len(chunk)),
			weight: float64(len(chunk)),
		})
	}
	return bins
}

// poolAdjacentViolators enforces monotone increasing calibrated values by
// pooling adjacent bins that violate the ordering.
func poolAdjacentViolators(bins []fitBin) ([]float64, []float64) {
	if len(bins) == 0 {
		return nil, nil
	}
	pooled := make([]fitBin, 0, len(bins))
	for _, b := range bins {
		pooled = append(pooled, b)
		for len(pooled) > 1 && pooled[len(pooled)-1].obs < pooled[len(pooled)-2].obs {
			a, b := pooled[len(pooled)-2], pooled[len(pooled)-1]
			w := a.weight + b.weight
			merged := fitBin{
				meanP:  (a.meanP*a.weight + b.meanP*b.weight) / w,
				obs:    (a.obs*a.weight + b.obs*b.weight) / w,
				weight: w,
			}
			pooled = pooled[:len(pooled)-2]
			pooled = append(pooled, merged)
		}
	}
	xs := make([]float64, len(pooled))
	ys := make([]float64, len(pooled))
	for i, b := range pooled {
		xs[i] = b.meanP
		ys[i] = b.obs
	}
	return xs, ys
}

// optimalBinCount applies Sturges' rule bounded for calibration use.
func optimalBinCount(n int) int {
	bins := int(math.Ceil(math.Log2(float64(n)))) + 1
	if bins < 5 {
		bins = 5
	}
	if bins > 50 {
		bins = 50
	}
	if bySample := n / 10; bins > bySample && bySample >= 5 {
		bins = bySample
	}
	return bins
}

func clamp01(p float64) float64 {
	return math.Max(0, math.Min(1, p))
}
