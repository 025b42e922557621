package gortk

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildRangeRowsPopulatesClockColumn(t *testing.T) {
	nav := &NavState{}
	nav.SetPosition(PosXYZ{X: Re, Y: 0, Z: 0})
	clocks := []ClockChannel{{System: 'G'}}
	state := NewClockAugmentedState(nav, clocks, 1.0, 1e-4, 1e4)

	meas := []Measurement{{
		System:     'G',
		ClockIdx:   0,
		Range:      20000000,
		SatPos:     PosXYZ{X: Re + 20000000, Y: 0, Z: 0},
		SigmaRange: 3.0,
	}}

	H, R, z := BuildRangeRows(state, meas)
	rows, cols := H.Dims()
	assert.Equal(t, 1, rows)
	assert.Equal(t, state.Dim(), cols)
	assert.Equal(t, 1.0, H.At(0, state.ClockIndex(0)))
	assert.InDelta(t, 9.0, R.At(0, 0), 1e-9)
	assert.InDelta(t, 0, z.AtVec(0), 1e-6)
}

func TestBuildRangeRowsUsesQuaternionJacobian(t *testing.T) {
	nav := &NavState{}
	nav.SetPosition(PosXYZ{X: Re, Y: 0, Z: 0})
	clocks := []ClockChannel{{System: 'G'}}
	state := NewClockAugmentedState(nav, clocks, 1.0, 1e-4, 1e4)

	meas := []Measurement{{
		System:     'G',
		ClockIdx:   0,
		Range:      20000000,
		SatPos:     PosXYZ{X: Re + 20000000, Y: 0, Z: 0},
		SigmaRange: 3.0,
	}}

	H, _, _ := BuildRangeRows(state, meas)
	var anyNonzero bool
	for j := 3; j < 7; j++ {
		if H.At(0, j) != 0 {
			anyNonzero = true
		}
	}
	assert.True(t, anyNonzero, "H_uh should populate at least one q_e2n column")
	for j := 0; j < 3; j++ {
		assert.Equal(t, 0.0, H.At(0, j), "range row should carry no velocity-column sensitivity")
	}
}

func TestDetectAndFixClockJumpFixesCorrelatedOffset(t *testing.T) {
	f := newTestFilter()
	meas := make([]Measurement, 4)
	for i := range meas {
		meas[i] = Measurement{
			System:     'G',
			ClockIdx:   0,
			Range:      20000000 + C*1e-3, // every satellite off by the same 1ms
			SatPos:     PosXYZ{X: Re + 20000000 + float64(i)*1000, Y: float64(i) * 500, Z: 0},
			SigmaRange: 3.0,
		}
	}
	fixed := DetectAndFixClockJump(nil, f, meas, nil)
	assert.True(t, fixed)
	assert.InDelta(t, C*1e-3, f.State.x.AtVec(f.State.ClockIndex(0)), 1.0)
}

func TestDetectAndFixClockJumpIsolatesPerClockChannel(t *testing.T) {
	f := newTestFilterWithClocks([]ClockChannel{{System: 'G'}, {System: 'R'}})
	meas := make([]Measurement, 0, 8)
	for i := 0; i < 4; i++ {
		meas = append(meas, Measurement{
			System:     'G',
			ClockIdx:   0,
			Range:      20000000 + C*1e-3, // GPS channel off by 1ms
			SatPos:     PosXYZ{X: Re + 20000000 + float64(i)*1000, Y: float64(i) * 500, Z: 0},
			SigmaRange: 3.0,
		})
		meas = append(meas, Measurement{
			System:     'R',
			ClockIdx:   1,
			Range:      20000000, // GLONASS channel is fine
			SatPos:     PosXYZ{X: Re + 20000000 + float64(i)*1000, Y: -float64(i) * 500, Z: 0},
			SigmaRange: 3.0,
		})
	}

	fixed := DetectAndFixClockJump(nil, f, meas, nil)
	assert.True(t, fixed)
	assert.InDelta(t, C*1e-3, f.State.x.AtVec(f.State.ClockIndex(0)), 1.0)
	assert.Equal(t, 0.0, f.State.x.AtVec(f.State.ClockIndex(1)), "an unaffected clock channel must not be shifted by another channel's jump")
}

func TestRangeResidualMeanMSExcludesRateRowsAndOtherClocks(t *testing.T) {
	f := newTestFilterWithClocks([]ClockChannel{{System: 'G'}, {System: 'R'}})
	meas := []Measurement{
		{
			System: 'G', ClockIdx: 0,
			Range: 20000000 + 300, SatPos: PosXYZ{X: Re + 20000000, Y: 0, Z: 0}, SigmaRange: 3.0,
			RangeRate: 0, HasRangeRate: true, SigmaRangeRate: 1.0,
		},
		{
			System: 'R', ClockIdx: 1,
			Range: 20000000 + 90000000, SatPos: PosXYZ{X: Re + 20000000, Y: 5000, Z: 0}, SigmaRange: 3.0,
		},
	}
	H, _, z := BuildRangeRows(f.State, meas)
	clockCol := f.State.ClockIndex(0)
	meanMS := RangeResidualMeanMS(H, z, clockCol)
	assert.InDelta(t, 300.0/C*1000, meanMS, 1e-6, "the GLONASS range row and the GPS rate row must not dilute the GPS range-only mean")
}

func TestDetectAndFixClockJumpSkipsSmallResidual(t *testing.T) {
	f := newTestFilter()
	meas := []Measurement{{
		System:     'G',
		ClockIdx:   0,
		Range:      20000000,
		SatPos:     PosXYZ{X: Re + 20000000, Y: 0, Z: 0},
		SigmaRange: 3.0,
	}}
	fixed := DetectAndFixClockJump(nil, f, meas, nil)
	assert.False(t, fixed)
}
