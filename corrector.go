// Copyright (c) 2025 hitoshi.mukai.b@gmail.com. All rights reserved.
// You are free to use this source code for any purpose. The copyright remains with the author.
// The author accepts no liability for any damages arising from the use of this source code.

package gortk

import (
	"math"

	kitlog "github.com/go-kit/kit/log"
	"gonum.org/v1/gonum/mat"

	"github.com/westphae/quaternion"
)

// Measurement is one satellite's contribution to a tightly-coupled
// correction: an observed pseudorange (and, optionally, a Doppler-derived
// range rate) together with the satellite geometry and clock model needed
// to predict it.
type Measurement struct {
	System         SysType
	ClockIdx       int // index into ClockAugmentedState.Clocks, or -1 if unmapped
	Range          float64
	RangeRate      float64
	HasRangeRate   bool
	SatPos         PosXYZ
	SatVel         Vec3
	SatClockBias   float64 // meters (already multiplied by C), from EphemerisStore.ClockError
	SatClockDrift  float64 // meters/s, from EphemerisStore.ClockErrorRate * C
	SigmaRange     float64
	SigmaRangeRate float64
}

func lineOfSight(rcv, sat PosXYZ) (e [3]float64, r float64) {
	r = EucDist(&rcv, &sat)
	if r == 0 {
		return
	}
	e[0] = (sat.X - rcv.X) / r
	e[1] = (sat.Y - rcv.Y) / r
	e[2] = (sat.Z - rcv.Z) / r
	return
}

// positionQuatJacobian returns H_uh, the 3x4 Jacobian of ECEF position with
// respect to q_e2n's four components, ported verbatim from
// INS_GPS2_Tightly.h's assign_z_H_R (q_alpha/q_beta/q_gamma, the
// prime-vertical radius n, the slope factor sf and n_h = (n+h)*2).
func positionQuatJacobian(q quaternion.Quaternion, height float64) (huh [3][4]float64) {
	qAlpha, qBeta, qGamma := quatE2NComponents(q)
	e2 := Fe * (2 - Fe)
	denom := 1 - e2*qAlpha*qAlpha
	n := Re / math.Sqrt(denom)
	sf := -2 * n * e2 * qAlpha / denom
	nH := (n + height) * 2

	huh[0][0] = -qGamma * qBeta * sf
	huh[0][1] = -qGamma*qGamma*sf - nH*qAlpha
	huh[0][2] = -nH * qBeta
	huh[0][3] = -qGamma

	huh[1][0] = qBeta*qBeta*sf + nH*qAlpha
	huh[1][1] = qBeta * qGamma * sf
	huh[1][2] = -nH * qGamma
	huh[1][3] = qBeta

	sf2 := -sf * (1 - e2)
	nH2 := (n*(1-e2) + height) * 2
	huh[2][0] = qAlpha*qBeta*sf2 + nH2*qBeta
	huh[2][1] = qAlpha*qGamma*sf2 + nH2*qGamma
	huh[2][2] = 0
	huh[2][3] = -qAlpha
	return
}

// BuildRangeRows assembles the H/R/z triple for a batch of pseudorange (and,
// where available, range-rate) measurements against the live nav state,
// following INS_GPS2_Tightly.h's assign_z_H_R: each range row's q_e2n
// columns carry -los projected through H_uh and its tracked system's
// clock_error column carries +1 (H = d(predicted)/d(state), the sign
// Filter.Update's uniform x += K*z convention needs — see DESIGN.md for why
// this differs from the original's H=-1/subtract pairing); each range-rate
// row differences the line-of-sight-projected relative ECEF velocity
// (nav-frame velocity rotated through q_e2n's DCM) and additionally
// contributes a cross-product term to three of the four q_e2n columns, the
// sensitivity of that same rotation to a q_e2n perturbation.
func BuildRangeRows(state *ClockAugmentedState, meas []Measurement) (H, R *mat.Dense, z *mat.VecDense) {
	nav, ok := state.Base.(*NavState)
	if !ok {
		panic("BuildRangeRows requires a ClockAugmentedState built on *NavState")
	}

	rows := 0
	for _, m := range meas {
		rows++
		if m.HasRangeRate {
			rows++
		}
	}

	n := state.Dim()
	H = mat.NewDense(rows, n, nil)
	R = mat.NewDense(rows, rows, nil)
	z = mat.NewVecDense(rows, nil)

	navPos := nav.Position()
	huh := positionQuatJacobian(nav.QuatE2N, nav.Height)
	dcmNav2Ecef := quatDCM(nav.QuatE2N)

	row := 0
	for _, m := range meas {
		los, r := lineOfSight(navPos, m.SatPos)
		for j := 0; j < 4; j++ {
			proj := los[0]*huh[0][j] + los[1]*huh[1][j] + los[2]*huh[2][j]
			H.Set(row, 3+j, -proj)
		}
		clockErr := 0.0
		if m.ClockIdx >= 0 {
			H.Set(row, state.ClockIndex(m.ClockIdx), 1)
			clockErr = state.ClockError(m.ClockIdx)
		}
		predicted := r + clockErr - m.SatClockBias
		z.SetVec(row, m.Range-predicted)
		R.Set(row, row, m.SigmaRange*m.SigmaRange)
		row++

		if m.HasRangeRate {
			ecefVel := dcmApplyVec3(dcmNav2Ecef, nav.Velocity)
			relVel := [3]float64{
				ecefVel.X - m.SatVel.X,
				ecefVel.Y - m.SatVel.Y,
				ecefVel.Z - m.SatVel.Z,
			}
			for j := 0; j < 3; j++ {
				proj := los[0]*dcmNav2Ecef[0][j] + los[1]*dcmNav2Ecef[1][j] + los[2]*dcmNav2Ecef[2][j]
				H.Set(row, j, -proj)
			}
			vx, vy, vz := ecefVel.X, ecefVel.Y, ecefVel.Z
			H.Set(row, 3, -2*(los[1]*-vz+los[2]*vy))
			H.Set(row, 4, -2*(los[0]*vz+los[2]*-vx))
			H.Set(row, 5, -2*(los[0]*-vy+los[1]*vx))

			clockDrift := 0.0
			if m.ClockIdx >= 0 {
				H.Set(row, state.ClockIndex(m.ClockIdx)+1, 1)
				clockDrift = state.ClockErrorRate(m.ClockIdx)
			}
			predictedRate := los[0]*relVel[0] + los[1]*relVel[1] + los[2]*relVel[2] + clockDrift - m.SatClockDrift
			z.SetVec(row, m.RangeRate-predictedRate)
			R.Set(row, row, m.SigmaRangeRate*m.SigmaRangeRate)
			row++
		}
	}
	return
}

// Correct is the Tightly-Coupled Corrector's entry point: it builds H/R/z
// from meas and applies a single Kalman update to the filter, returning the
// applied state correction for diagnostics or for the temporal synchronizer
// to replay against an older snapshot.
func Correct(f *Filter, meas []Measurement) *mat.VecDense {
	H, R, z := BuildRangeRows(f.State, meas)
	return f.Update(H, R, z)
}

// RangeResidualMeanMS computes the mean, in milliseconds, of the z-rows that
// are this clock channel's own range rows -- mirroring range_residual_mean_ms's
// `H(i, P_SIZE_WITHOUT_CLOCK_ERROR + clock_index*2) > -0.5` filter, adapted to
// this package's H=+1 clock-column convention: a row belongs to clockCol when
// its clock_error column (not clock_error_rate, one column over) is exactly 1,
// which a range row carries and a rate row or another channel's row never
// does. Rows for any other clock channel, and rate rows (even this channel's
// own), are excluded so the millisecond statistic isn't diluted by unrelated
// measurements or by values expressed in the wrong units (m/s vs m).
func RangeResidualMeanMS(H *mat.Dense, z *mat.VecDense, clockCol int) float64 {
	rows, _ := H.Dims()
	sum := 0.0
	n := 0
	for i := 0; i < rows; i++ {
		if H.At(i, clockCol) != 1 {
			continue
		}
		sum += z.AtVec(i)
		n++
	}
	if n == 0 {
		return 0
	}
	meanMeters := sum / float64(n)
	return meanMeters / C * 1000
}

// distinctClockIndices returns the set of Measurement.ClockIdx values present
// in meas, excluding the unmapped sentinel (-1), in first-seen order.
func distinctClockIndices(meas []Measurement) []int {
	var out []int
	seen := make(map[int]bool)
	for _, m := range meas {
		if m.ClockIdx < 0 || seen[m.ClockIdx] {
			continue
		}
		seen[m.ClockIdx] = true
		out = append(out, m.ClockIdx)
	}
	return out
}

// DetectAndFixClockJump mirrors correct_with_clock_jump_check, run once per
// clock channel present in meas (the original is called per GPS bundle, each
// bundle tagged with exactly one clock_index): for each channel it computes
// that channel's own range-row mean millisecond residual, and if it is at
// least 0.9ms, shifts only that channel's clock_error state by the rounded
// millisecond amount converted back to meters, then re-derives the residual
// to confirm the fix actually reduced it before committing. On success it
// logs "fixed" and calls apply(clockIdx, shift); if the shift does not help,
// it logs "skipped" and leaves that channel untouched. Returns true if any
// channel was fixed.
func DetectAndFixClockJump(logger kitlog.Logger, f *Filter, meas []Measurement, apply func(clockIdx int, shiftMeters float64)) bool {
	fixed := false
	for _, idx := range distinctClockIndices(meas) {
		clockCol := f.State.ClockIndex(idx)

		H, _, z := BuildRangeRows(f.State, meas)
		meanMS := RangeResidualMeanMS(H, z, clockCol)
		if math.Abs(meanMS) < 0.9 {
			continue
		}

		shift := C * 1e-3 * math.Round(meanMS)
		f.State.x.SetVec(clockCol, f.State.x.AtVec(clockCol)+shift)

		Hafter, _, zAfter := BuildRangeRows(f.State, meas)
		meanAfterMS := RangeResidualMeanMS(Hafter, zAfter, clockCol)
		if math.Abs(meanAfterMS) >= math.Abs(meanMS) {
			f.State.x.SetVec(clockCol, f.State.x.AtVec(clockCol)-shift)
			if logger != nil {
				logger.Log("msg", "clock jump correction skipped", "clock_index", idx, "residual_ms", meanMS)
			}
			continue
		}

		if apply != nil {
			apply(idx, shift)
		}
		if logger != nil {
			logger.Log("msg", "clock jump correction fixed", "clock_index", idx, "residual_ms", meanMS, "shift_m", shift)
		}
		fixed = true
	}
	return fixed
}
