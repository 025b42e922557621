package gortk

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIonoCorrectionIsLargestNearHorizon(t *testing.T) {
	p := &IonoUTCParameters{
		Alpha: [4]float64{3.82e-8, 1.49e-8, -1.79e-7, 0},
		Beta:  [4]float64{1.23e5, 0, -1.31e5, 6.55e4},
	}
	usr := &PosLLH{Lat: 0.6, Lon: -2.1, Hei: 100}
	t0 := GTime{Week: 2200, Sec: 14400}

	low := &PosENU{E: 0.9, N: 0.1, U: 0.05}
	high := &PosENU{E: 0.1, N: 0.1, U: 5.0}

	cLow := IonoCorrection(p, usr, low, t0)
	cHigh := IonoCorrection(p, usr, high, t0)
	assert.Greater(t, math.Abs(cLow), math.Abs(cHigh))
}

func TestIonoCorrectionNilParametersIsZero(t *testing.T) {
	usr := &PosLLH{Lat: 0.6, Lon: -2.1, Hei: 100}
	rel := &PosENU{E: 0.1, N: 0.1, U: 5.0}
	assert.Equal(t, 0.0, IonoCorrection(nil, usr, rel, GTime{}))
}

func TestTropoCorrectionVanishesAboveModelCeiling(t *testing.T) {
	usr := &PosLLH{Lat: 0.6, Lon: -2.1, Hei: 1 / 2.3e-5 * 2}
	rel := &PosENU{E: 0.1, N: 0.1, U: 5.0}
	assert.Equal(t, 0.0, TropoCorrection(usr, rel))
}

func TestTropoCorrectionGrowsNearHorizon(t *testing.T) {
	usr := &PosLLH{Lat: 0.6, Lon: -2.1, Hei: 50}
	zenith := &PosENU{E: 0, N: 0, U: 1}
	low := &PosENU{E: 1, N: 0, U: 0.05}
	assert.Greater(t, math.Abs(TropoCorrection(usr, low)), math.Abs(TropoCorrection(usr, zenith)))
}
