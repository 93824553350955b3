package calibration

import (
	"math/rand"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fintide/ledgerpilot/internal/domain"
)

// overconfidentSet simulates a classifier whose predicted probabilities
// overshoot its observed accuracy: p ~ 0.9 while only 60% are correct.
func overconfidentSet(n int, seed int64) []Sample {
	rng := rand.New(rand.NewSource(seed))
	samples := make([]Sample, n)
	for i := range samples {
		p := 0.85 + 0.1*rng.Float64()
		samples[i] = Sample{P: p, Correct: rng.Float64() < 0.6}
	}
	return samples
}

// wellCalibratedSet draws correctness Bernoulli(p) so predictions match
// observed accuracy on average.
func wellCalibratedSet(n int, seed int64) []Sample {
	rng := rand.New(rand.NewSource(seed))
	samples := make([]Sample, n)
	for i := range samples {
		p := rng.Float64()
		samples[i] = Sample{P: p, Correct: rng.Float64() < p}
	}
	return samples
}

func TestFitIsotonicRequiresMinSamples(t *testing.T) {
	_, err := FitIsotonic(wellCalibratedSet(20, 1), 50, time.Now())
	assert.Error(t, err)

	iso, err := FitIsotonic(wellCalibratedSet(200, 1), 50, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 200, iso.SampleCount)
}

func TestFitIsotonicCurveIsMonotone(t *testing.T) {
	iso, err := FitIsotonic(wellCalibratedSet(500, 7), 50, time.Now())
	require.NoError(t, err)
	require.NotEmpty(t, iso.Xs)

	assert.True(t, sort.Float64sAreSorted(iso.Xs), "xs must be increasing")
	assert.True(t, sort.Float64sAreSorted(iso.Ys), "ys must be increasing after PAV")

	// Calibrate preserves ordering of inputs.
	prev := -1.0
	for p := 0.0; p <= 1.0; p += 0.01 {
		c := iso.Calibrate(p)
		assert.GreaterOrEqual(t, c, prev)
		assert.GreaterOrEqual(t, c, 0.0)
		assert.LessOrEqual(t, c, 1.0)
		prev = c
	}
}

func TestIsotonicShrinksOverconfidence(t *testing.T) {
	iso, err := FitIsotonic(overconfidentSet(2000, 3), 50, time.Now())
	require.NoError(t, err)

	// Raw 0.9 predictions are only ~60% accurate; the calibrated value
	// should move toward the observed rate.
	c := iso.Calibrate(0.90)
	assert.Less(t, c, 0.75)
	assert.Greater(t, c, 0.45)
}

func TestIsotonicInterpolationAndClamping(t *testing.T) {
	iso := &Isotonic{Xs: []float64{0.2, 0.6, 0.9}, Ys: []float64{0.1, 0.5, 0.8}}

	assert.Equal(t, 0.1, iso.Calibrate(0.05), "below first point clamps to first y")
	assert.Equal(t, 0.8, iso.Calibrate(0.99), "above last point clamps to last y")
	assert.InDelta(t, 0.3, iso.Calibrate(0.4), 1e-12, "midpoint interpolates linearly")
	assert.InDelta(t, 0.5, iso.Calibrate(0.6), 1e-12)

	empty := &Isotonic{}
	assert.Equal(t, 0.42, empty.Calibrate(0.42))
}

func TestFitTemperatureReducesNLLForOverconfidentModel(t *testing.T) {
	samples := overconfidentSet(2000, 11)
	tc, err := FitTemperature(samples, time.Now())
	require.NoError(t, err)

	// Overconfident predictions need softening: t > 1.
	assert.Greater(t, tc.T, 1.0)
	assert.Less(t, tc.Calibrate(0.95), 0.95)

	_, err = FitTemperature(nil, time.Now())
	assert.Error(t, err)
}

func TestTemperatureIdentityAtOne(t *testing.T) {
	tc := &Temperature{T: 1.0}
	for _, p := range []float64{0.1, 0.5, 0.73, 0.99} {
		assert.InDelta(t, p, tc.Calibrate(p), 1e-9)
	}
}

func TestEvaluateOnHandComputedFixture(t *testing.T) {
	// Two occupied bins out of two: [0,0.5) holds {0.2 correct, 0.3 wrong},
	// [0.5,1] holds {0.8 correct, 0.9 correct}.
	samples := []Sample{
		{P: 0.2, Correct: true},
		{P: 0.3, Correct: false},
		{P: 0.8, Correct: true},
		{P: 0.9, Correct: true},
	}
	rep := Evaluate(samples, 2)

	// Bin 1: mean_pred 0.25, obs 0.5, gap 0.25. Bin 2: mean 0.85, obs 1, gap 0.15.
	require.Len(t, rep.Bins, 2)
	assert.InDelta(t, 0.25, rep.Bins[0].MeanPred, 1e-12)
	assert.InDelta(t, 0.5, rep.Bins[0].ObsAcc, 1e-12)
	assert.InDelta(t, 0.25, rep.Bins[0].Gap, 1e-12)
	assert.InDelta(t, 0.85, rep.Bins[1].MeanPred, 1e-12)
	assert.InDelta(t, 1.0, rep.Bins[1].ObsAcc, 1e-12)
	assert.InDelta(t, 0.15, rep.Bins[1].Gap, 1e-12)

	// ECE = 0.5*0.25 + 0.5*0.15 = 0.20
	assert.InDelta(t, 0.20, rep.ECE, 1e-12)
	assert.InDelta(t, 0.25, rep.MaxGap, 1e-12)

	// Brier = ((0.8)^2 + (0.3)^2 + (0.2)^2 + (0.1)^2) / 4
	assert.InDelta(t, (0.64+0.09+0.04+0.01)/4, rep.Brier, 1e-12)
}

func TestEvaluateCalibratedBeatsRaw(t *testing.T) {
	val := overconfidentSet(3000, 21)
	iso, err := FitIsotonic(val, 50, time.Now())
	require.NoError(t, err)

	holdout := overconfidentSet(3000, 22)
	rawECE := Evaluate(holdout, 10).ECE

	calibrated := make([]Sample, len(holdout))
	for i, s := range holdout {
		calibrated[i] = Sample{P: iso.Calibrate(s.P), Correct: s.Correct}
	}
	calECE := Evaluate(calibrated, 10).ECE

	assert.Less(t, calECE, rawECE, "isotonic should reduce ECE on an overconfident model")
}

func TestRegistryResolvesByModelVersion(t *testing.T) {
	reg := NewRegistry()

	_, err := reg.For("nb-deadbeef")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrCalibration)

	iso, err := FitIsotonic(wellCalibratedSet(200, 5), 50, time.Now())
	require.NoError(t, err)
	reg.Bind(Bound{
		ModelVersionID: "nb-deadbeef",
		Method:         domain.CalibrationIsotonic,
		Calibrator:     iso,
	})

	b, err := reg.For("nb-deadbeef")
	require.NoError(t, err)
	assert.Equal(t, domain.CalibrationIsotonic, b.Method)
	assert.NotNil(t, b.Calibrator)
}
