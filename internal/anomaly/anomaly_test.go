package anomaly

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func seeded() *Estimator {
	e := NewEstimator(0)
	for _, a := range []int64{-400, -450, -500, -420, -480, -460, -440} {
		e.Observe("t1", "6400", a)
	}
	return e
}

func TestIsAnomalousOutsideBand(t *testing.T) {
	e := seeded()
	// Median -450, MAD 30: band is -450 ± 180.
	assert.False(t, e.IsAnomalous("t1", "6400", -450))
	assert.False(t, e.IsAnomalous("t1", "6400", -620))
	assert.True(t, e.IsAnomalous("t1", "6400", -200000), "500x the usual charge")
	assert.True(t, e.IsAnomalous("t1", "6400", 5000), "sign flip far outside band")
}

func TestThinHistoryNeverFlags(t *testing.T) {
	e := NewEstimator(0)
	e.Observe("t1", "6400", -450)
	e.Observe("t1", "6400", -460)
	assert.False(t, e.IsAnomalous("t1", "6400", -9000000))
}

func TestPairsAreIndependent(t *testing.T) {
	e := seeded()
	assert.False(t, e.IsAnomalous("t1", "4000", -200000), "different account has no history")
	assert.False(t, e.IsAnomalous("t2", "6400", -200000), "different tenant has no history")
}

func TestDegenerateHistoryFlagsAnyDeviation(t *testing.T) {
	e := NewEstimator(0)
	for i := 0; i < 6; i++ {
		e.Observe("t1", "6000", -9900) // fixed subscription
	}
	assert.False(t, e.IsAnomalous("t1", "6000", -9900))
	assert.True(t, e.IsAnomalous("t1", "6000", -9901))
}

func TestSingleOutlierDoesNotWidenBand(t *testing.T) {
	e := seeded()
	e.Observe("t1", "6400", -1000000) // one rogue observation
	assert.True(t, e.IsAnomalous("t1", "6400", -500000), "MAD resists the outlier")
}
