package gortk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"gonum.org/v1/gonum/mat"
)

func newTestFilter() *Filter {
	return newTestFilterWithClocks([]ClockChannel{{System: 'G'}})
}

func newTestFilterWithClocks(clocks []ClockChannel) *Filter {
	base := &NavState{}
	base.SetPosition(PosXYZ{X: Re, Y: 0, Z: 0})
	state := NewClockAugmentedState(base, clocks, 1.0, 1e-4, 1e4)
	q := identity(7 + 2*len(clocks))
	return NewFilter(state, q)
}

func TestFilterPredictGrowsCovariance(t *testing.T) {
	f := newTestFilter()
	p0 := f.State.p.At(0, 0)
	f.Predict(1.0)
	assert.Greater(t, f.State.p.At(0, 0), p0)
}

func TestFilterPredictAdvancesClockAugmentedRows(t *testing.T) {
	f := newTestFilter()
	idx := f.State.ClockIndex(0)
	f.State.x.SetVec(idx, 10) // seed a nonzero clock error
	f.Predict(1.0)
	// with no rate term, -BetaCE*c should decay the clock error component.
	assert.Less(t, f.State.x.AtVec(idx), 10.0)
}

func TestFilterUpdateReducesResidualState(t *testing.T) {
	f := newTestFilter()
	n := f.State.Dim()
	H := mat.NewDense(1, n, nil)
	H.Set(0, 0, 1)
	R := mat.NewDense(1, 1, nil)
	R.Set(0, 0, 1)
	z := mat.NewVecDense(1, []float64{5})

	dx := f.Update(H, R, z)
	assert.Greater(t, dx.AtVec(0), 0.0)
	assert.Less(t, dx.AtVec(0), 5.0) // Kalman gain is < 1 for finite P, R
}

func TestMakeKAndUpdatePReduceUncertainty(t *testing.T) {
	P := mat.NewDense(1, 1, []float64{100})
	H := mat.NewDense(1, 1, []float64{1})
	R := mat.NewDense(1, 1, []float64{1})

	K := makeK(P, H, R)
	Pnew := updateP(K, H, P)
	assert.Less(t, Pnew.At(0, 0), P.At(0, 0))
}
