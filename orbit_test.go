package gortk

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSolveEccentricAnomalyConvergesForLowEccentricity(t *testing.T) {
	ek := solveEccentricAnomaly(0.3, 0.05)
	assert.InDelta(t, 0.3, ek-0.05*math.Sin(ek), 1e-9)
}

func TestSolveEccentricAnomalyStopsAtIterationCapForHighEccentricity(t *testing.T) {
	// At e=0.9 the fixed-point step is still larger than KeplerDeltaLimit
	// after 10 iterations, so the solver returns the 10th iterate.
	want := 1.2
	for i := 0; i < 10; i++ {
		want = 1.2 + 0.9*math.Sin(want)
	}
	ek := solveEccentricAnomaly(1.2, 0.9)
	assert.InDelta(t, want, ek, 1e-12)
}

func gpsTestEphemeris() *Ephe {
	return &Ephe{
		Sat:    "G05",
		Toe:    GTime{Week: 2200, Sec: 100000},
		Toc:    GTime{Week: 2200, Sec: 100000},
		SqrtA:  5153.7,
		Ecc:    0.01,
		M0:     0.5,
		Omega0: 1.0,
		Omega:  0.3,
		I0:     0.95,
		Af0:    1e-5,
		Af1:    1e-11,
	}
}

func TestPositionVelocityProducesNonZeroRange(t *testing.T) {
	e := gpsTestEphemeris()
	pos, vel := PositionVelocity(e, e.Toe, 0)
	r := math.Sqrt(pos.X*pos.X + pos.Y*pos.Y + pos.Z*pos.Z)
	assert.Greater(t, r, 2e7) // GPS orbital radius is roughly 26,600 km
	assert.NotEqual(t, Vec3{}, vel)
}

func TestClockErrorIncludesAf0Offset(t *testing.T) {
	e := gpsTestEphemeris()
	dt := ClockError(e, e.Toc, 0, 1.0)
	assert.InDelta(t, e.Af0, dt, 1e-6)
}

func TestClockErrorRateMatchesAf1NearEpoch(t *testing.T) {
	e := gpsTestEphemeris()
	rate := ClockErrorRate(e, e.Toc, 0)
	assert.InDelta(t, e.Af1, rate, 1e-6)
}
