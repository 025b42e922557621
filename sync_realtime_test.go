package gortk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"gonum.org/v1/gonum/mat"
)

func recordSteps(f *Filter, sync *RealTimeSynchronizer, n int, dt float64) {
	for i := 0; i < n; i++ {
		pre := CloneState(f.State)
		A, _ := f.State.AB()
		Phi, GQGt := f.Predict(dt)
		sync.RecordPredict(pre, A, Phi, GQGt, dt)
	}
}

func TestRealTimeSynchronizerRejectsFutureMeasurement(t *testing.T) {
	f := newTestFilter()
	sync := NewRealTimeSynchronizer(RTNormal)
	recordSteps(f, sync, 3, 1.0)

	_, ok := sync.SetupCorrect(0.5)
	assert.False(t, ok)
}

func TestRealTimeSynchronizerBracketsWithinHistory(t *testing.T) {
	f := newTestFilter()
	sync := NewRealTimeSynchronizer(RTNormal)
	recordSteps(f, sync, 5, 1.0)

	idx, ok := sync.SetupCorrect(-2.0)
	assert.True(t, ok)
	assert.GreaterOrEqual(t, idx, 0)
	assert.Less(t, idx, len(sync.snapshots))
}

func TestRealTimeSynchronizerKeepsOldestForStaleMeasurement(t *testing.T) {
	f := newTestFilter()
	sync := NewRealTimeSynchronizer(RTNormal)
	recordSteps(f, sync, 3, 1.0)

	idx, ok := sync.SetupCorrect(-1000.0)
	assert.True(t, ok)
	assert.Equal(t, 0, idx)
}

func TestRealTimeSynchronizerSetupCorrectErasesSnapshotsOlderThanTheMatch(t *testing.T) {
	f := newTestFilter()
	sync := NewRealTimeSynchronizer(RTNormal)
	recordSteps(f, sync, 5, 1.0)
	assert.Len(t, sync.snapshots, 5)

	_, ok := sync.SetupCorrect(-2.0)
	assert.True(t, ok)
	assert.Less(t, len(sync.snapshots), 5, "snapshots older than the matched bracket must be discarded in bulk, not retained forever")
}

// TestRealTimeSynchronizerNormalAndLightWeightMatchForSingleSnapshot checks
// the seed case of the n=1 snapshot bracket: with only one predict step in
// play, exactly chaining its Phi inverse (RTNormal) and folding it through
// the light-weight closed form (RTLightWeight) must land on the same H and
// R, since there's nothing left to approximate. A zero-clock state keeps A
// exactly zero so the comparison isn't muddied by the light-weight form's
// own first-order approximation of Phi's inverse for a nonzero A.
func TestRealTimeSynchronizerNormalAndLightWeightMatchForSingleSnapshot(t *testing.T) {
	base := &NavState{}
	base.SetPosition(PosXYZ{X: Re, Y: 0, Z: 0})
	state := NewClockAugmentedState(base, nil, 1.0, 1e-4, 1e4)
	q := identity(base.Dim())
	f := NewFilter(state, q)

	pre := CloneState(f.State)
	A, _ := f.State.AB()
	Phi, GQGt := f.Predict(1.0)
	var phiInv mat.Dense
	phiInv.Inverse(Phi)

	normal := &RealTimeSynchronizer{Mode: RTNormal, snapshots: []rtSnapshot{{
		state: CloneState(pre), a: A, phiInv: mat.DenseCopyOf(&phiInv), gqgt: GQGt, elapsedSinceUpdate: 1.0,
	}}}
	light := &RealTimeSynchronizer{Mode: RTLightWeight, snapshots: []rtSnapshot{{
		state: CloneState(pre), a: A, phiInv: mat.DenseCopyOf(&phiInv), gqgt: GQGt, elapsedSinceUpdate: 1.0,
	}}}

	n := state.Dim()
	H := mat.NewDense(1, n, nil)
	H.Set(0, 0, 1)
	R := mat.NewDense(1, 1, []float64{4})
	z := mat.NewVecDense(1, []float64{2})

	dxNormal := normal.correctNormal(0, H, R, z)
	dxLight := light.correctLightWeight(0, H, R, z)
	assert.InDeltaSlice(t, dxNormal.RawVector().Data, dxLight.RawVector().Data, 1e-9)
}

func TestRealTimeSynchronizerNormalAndLightWeightBothUpdate(t *testing.T) {
	for _, mode := range []RealTimeMode{RTNormal, RTLightWeight} {
		f := newTestFilter()
		sync := NewRealTimeSynchronizer(mode)
		recordSteps(f, sync, 4, 1.0)

		n := f.State.Dim()
		H := mat.NewDense(1, n, nil)
		H.Set(0, 0, 1)
		R := mat.NewDense(1, 1, []float64{1})
		z := mat.NewVecDense(1, []float64{2})

		idx, ok := sync.SetupCorrect(-1.5)
		assert.True(t, ok)
		dx := sync.Correct(idx, H, R, z)
		assert.NotNil(t, dx)
		for _, snap := range sync.snapshots {
			assert.Equal(t, 0.0, snap.elapsedSinceUpdate)
		}
	}
}
