// Copyright (c) 2025 hitoshi.mukai.b@gmail.com. All rights reserved.
// You are free to use this source code for any purpose. The copyright remains with the author.
// The author accepts no liability for any damages arising from the use of this source code.

package gortk

import "math"

// MinElevationForMeasurement is the same 5 degrees as calcspp.go's
// MIN_ELEVATION_FOR_WEIGHT, the elevation that the single-point solver's
// weighting clamps low satellites to (its selection mask, ElMask, defaults
// to 15 degrees). Here a satellite below it is dropped rather than weighted.
const MinElevationForMeasurement = 5.0 * math.Pi / 180.0

// ResidualGenerator turns raw per-satellite observations and the current
// ephemeris selection into the Measurement batch the Tightly-Coupled
// Corrector consumes: it resolves satellite geometry and clock state from
// the Ephemeris Store, applies the ionospheric and tropospheric range
// corrections, and weights each range the way calcspp.go's single-point
// solver weights its own observation equations.
type ResidualGenerator struct {
	Ephemerides *EphemerisStore
	WeightMode  int // passed through to getWeight; 1 selects the RTKLIB model
	FreqIndex   int // which of ObsS's NFREQ channels to read
}

func NewResidualGenerator(es *EphemerisStore) *ResidualGenerator {
	return &ResidualGenerator{Ephemerides: es, WeightMode: 1, FreqIndex: 0}
}

// ClockIndexFunc maps a satellite system to its index in a
// ClockAugmentedState's clock channels, or -1 if that system has none.
type ClockIndexFunc func(SysType) int

// Build produces one Measurement per satellite in obs that has a currently
// valid, selected ephemeris and is above MinElevationForMeasurement.
func (g *ResidualGenerator) Build(t GTime, rcvPos PosXYZ, obs *ObsE, clockIndex ClockIndexFunc) []Measurement {
	rcvLLH := rcvPos.ToLLH()
	iono := g.Ephemerides.IonoUTC()

	out := make([]Measurement, 0, len(obs.DatS))
	for sat, o := range obs.DatS {
		psr := o.Pr[g.FreqIndex]
		if psr == 0 {
			continue
		}
		eph, ok := g.Ephemerides.Current(sat)
		if !ok {
			continue
		}

		satPos, satVel := PositionVelocity(eph, t, psr)
		elv := rcvLLH.Elevation(satPos)
		if elv < MinElevationForMeasurement {
			continue
		}
		relENU := satPos.ToENU(rcvPos)

		clockBias := ClockError(eph, t, psr, 1.0) * C
		clockDrift := ClockErrorRate(eph, t, psr) * C

		ionoCorr := IonoCorrection(iono, &rcvLLH, &relENU, t)
		tropoCorr := TropoCorrection(&rcvLLH, &relENU)

		meas := Measurement{
			System:        sat.Sys(),
			ClockIdx:      -1,
			Range:         psr + ionoCorr + tropoCorr,
			SatPos:        satPos,
			SatVel:        satVel,
			SatClockBias:  clockBias,
			SatClockDrift: clockDrift,
		}
		if clockIndex != nil {
			meas.ClockIdx = clockIndex(meas.System)
		}

		wg := getWeight(g.WeightMode, sat, elv, eph)
		meas.SigmaRange = 1 / math.Sqrt(wg)

		if dop := o.Dp[g.FreqIndex]; dop != 0 {
			meas.HasRangeRate = true
			meas.RangeRate = -dop * C / L1
			meas.SigmaRangeRate = 0.2
		}

		out = append(out, meas)
	}
	return out
}
