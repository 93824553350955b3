// Package anomaly flags transaction amounts that sit far outside the
// historical band for their (tenant, account) pair, using median absolute
// deviation so a single outlier cannot widen the band.
package anomaly

import (
	"sort"
	"sync"
)

// DefaultK is the MAD multiplier bounding the normal band.
const DefaultK = 6.0

// minObservations is how much history a pair needs before flagging anything.
const minObservations = 5

// Estimator tracks amount history per (tenant, account).
type Estimator struct {
	mu      sync.RWMutex
	k       float64
	history map[string][]int64
}

// NewEstimator creates an estimator with the given MAD multiplier. k <= 0
// selects the default.
func NewEstimator(k float64) *Estimator {
	if k <= 0 {
		k = DefaultK
	}
	return &Estimator{k: k, history: make(map[string][]int64)}
}

func key(tenantID, accountCode string) string { return tenantID + "|" + accountCode }

// Observe records a confirmed amount for the pair.
func (e *Estimator) Observe(tenantID, accountCode string, amountMinor int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	k := key(tenantID, accountCode)
	e.history[k] = append(e.history[k], amountMinor)
}

// IsAnomalous reports whether the amount falls outside median ± k·MAD for
// the pair. Pairs with thin history never flag.
func (e *Estimator) IsAnomalous(tenantID, accountCode string, amountMinor int64) bool {
	e.mu.RLock()
	amounts := e.history[key(tenantID, accountCode)]
	e.mu.RUnlock()
	if len(amounts) < minObservations {
		return false
	}

	med := median(amounts)
	devs := make([]int64, len(amounts))
	for i, a := range amounts {
		devs[i] = abs64(a - med)
	}
	mad := median(devs)
	if mad == 0 {
		// Degenerate history (identical amounts): any different amount
		// is outside the band.
		return amountMinor != med
	}
	return float64(abs64(amountMinor-med)) > e.k*float64(mad)
}

func median(xs []int64) int64 {
	sorted := make([]int64, len(xs))
	copy(sorted, xs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

func abs64(x int64) int64 {
	if x < 0 {
		return -x
	}
	return x
}
