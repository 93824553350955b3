package calibration

import (
	"math"
)

// Bin is one reliability-diagram bin.
type Bin struct {
	Low      float64 `json:"low"`
	High     float64 `json:"high"`
	MeanPred float64 `json:"mean_pred"`
	ObsAcc   float64 `json:"obs_acc"`
	Count    int     `json:"count"`
	Gap      float64 `json:"gap"` // |mean_pred - obs_acc|
}

// Report holds calibration quality metrics over a validation set.
type Report struct {
	ECE      float64   `json:"ece"`
	Brier    float64   `json:"brier"`
	Bins     []Bin     `json:"bins"`
	BinEdges []float64 `json:"bin_edges"`
	MaxGap   float64   `json:"max_gap"`
}

// Evaluate computes ECE, Brier score and per-bin gaps over equal-width bins.
func Evaluate(samples []Sample, numBins int) Report {
	if numBins <= 0 {
		numBins = 10
	}
	edges := make([]float64, numBins+1)
	for i := range edges {
		edges[i] = float64(i) / float64(numBins)
	}

	bins := make([]Bin, numBins)
	for i := range bins {
		bins[i] = Bin{Low: edges[i], High: edges[i+1]}
	}

	sumP := make([]float64, numBins)
	sumObs := make([]float64, numBins)

	var brier float64
	for _, s := range samples {
		idx := int(s.P * float64(numBins))
		if idx >= numBins {
			idx = numBins - 1
		}
		if idx < 0 {
			idx = 0
		}
		bins[idx].Count++
		sumP[idx] += s.P
		obs := 0.0
		if s.Correct {
			obs = 1.0
		}
		sumObs[idx] += obs
		brier += (s.P - obs) * (s.P - obs)
	}

	var ece, maxGap float64
	n := float64(len(samples))
	for i := range bins {
		if bins[i].Count == 0 {
			continue
		}
		c := float64(bins[i].Count)
		bins[i].MeanPred = sumP[i] / c
		bins[i].ObsAcc = sumObs[i] / c
		bins[i].Gap = math.Abs(bins[i].MeanPred - bins[i].ObsAcc)
		ece += (c / n) * bins[i].Gap
		if bins[i].Gap > maxGap {
			maxGap = bins[i].Gap
		}
	}
	if n > 0 {
		brier /= n
	}
	return Report{ECE: ece, Brier: brier, Bins: bins, BinEdges: edges, MaxGap: maxGap}
}
