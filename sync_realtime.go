// Copyright (c) 2025 hitoshi.mukai.b@gmail.com. All rights reserved.
// You are free to use this source code for any purpose. The copyright remains with the author.
// The author accepts no liability for any damages arising from the use of this source code.

package gortk

import "gonum.org/v1/gonum/mat"

// RealTimeMode selects how RealTimeSynchronizer folds a bracketed
// measurement back through the snapshots newer than it.
type RealTimeMode int

const (
	RTNormal      RealTimeMode = iota // exact, chains Phi_inv/GQGt one snapshot at a time
	RTLightWeight                     // approximate, collapses the bracket into one mean-rate step
)

// rtSnapshot is one entry in a Real-Time synchronizer's history: the state
// as it stood immediately before a predict step, that step's A matrix and its
// Phi inverse, the process noise GQGt injected by the step, and that step's
// own dt (set to 0 by Correct).
type rtSnapshot struct {
	state              *ClockAugmentedState
	a, phiInv, gqgt    *mat.Dense
	elapsedSinceUpdate float64
}

// RealTimeSynchronizer keeps the predict-step snapshots recorded since its
// last SetupCorrect trim and, given a measurement's age, locates which
// snapshot it should be applied against. The snapshots newer than that
// point stay in the history, so live operation continues from the most
// recent snapshot while an aging measurement is still applied at its own
// time.
type RealTimeSynchronizer struct {
	Mode      RealTimeMode
	snapshots []rtSnapshot
}

func NewRealTimeSynchronizer(mode RealTimeMode) *RealTimeSynchronizer {
	return &RealTimeSynchronizer{Mode: mode}
}

// RecordPredict pushes a new snapshot after a Filter.Predict(dt) call.
// preState is the state immediately before that call; a is the A matrix
// Predict used to build phi. The snapshot's Phi inverse is obtained by
// inverting phi, and is the identity if phi is singular.
func (s *RealTimeSynchronizer) RecordPredict(preState *ClockAugmentedState, a, phi, gqgt *mat.Dense, dt float64) {
	var phiInv mat.Dense
	if err := phiInv.Inverse(phi); err != nil {
		n, _ := phi.Dims()
		phiInv = *identity(n)
	}
	s.snapshots = append(s.snapshots, rtSnapshot{
		state:              preState,
		a:                  a,
		phiInv:             mat.DenseCopyOf(&phiInv),
		gqgt:               gqgt,
		elapsedSinceUpdate: dt,
	})
}

// SetupCorrect locates which snapshot a measurement that arrived advanceT
// seconds before the live filter's current time should be applied against,
// and discards everything older than it in bulk -- the snapshot container is
// the synchronizer's only unbounded storage, and this is its bound. advanceT
// must not be positive -- a measurement timestamped in the future relative
// to the latest snapshot is rejected outright, leaving the history untouched.
// It walks the snapshot stack from newest to oldest accumulating elapsed
// time until that exceeds |advanceT| within a 5ms tolerance; the oldest
// snapshot is always an acceptable answer even if the true bracket is older
// still, so a message that arrives unusually late is corrected against (and
// every other snapshot erased down to) the oldest available prior rather
// than being dropped. The returned index is always 0, since the matched
// snapshot is now the new front of the (trimmed) history.
func (s *RealTimeSynchronizer) SetupCorrect(advanceT float64) (int, bool) {
	if advanceT > 0 || len(s.snapshots) == 0 {
		return 0, false
	}
	target := -advanceT
	var elapsed float64
	for i := len(s.snapshots) - 1; i >= 0; i-- {
		elapsed += s.snapshots[i].elapsedSinceUpdate
		if elapsed+5e-3 >= target || i == 0 {
			s.snapshots = s.snapshots[i:]
			return 0, true
		}
	}
	return 0, true
}

// Correct applies a measurement (valid at the live filter's current time)
// to the snapshot located by SetupCorrect (startIdx is always 0, since
// SetupCorrect already erased everything older), in the mode configured at
// construction, and resets every remaining snapshot's elapsedSinceUpdate to
// 0 (the correction is now current as of this call).
func (s *RealTimeSynchronizer) Correct(startIdx int, H, R *mat.Dense, z *mat.VecDense) *mat.VecDense {
	var dx *mat.VecDense
	if s.Mode == RTLightWeight {
		dx = s.correctLightWeight(startIdx, H, R, z)
	} else {
		dx = s.correctNormal(startIdx, H, R, z)
	}
	for i := range s.snapshots {
		s.snapshots[i].elapsedSinceUpdate = 0
	}
	return dx
}

func (s *RealTimeSynchronizer) correctNormal(startIdx int, H, R *mat.Dense, z *mat.VecDense) *mat.VecDense {
	Hp := mat.DenseCopyOf(H)
	Rp := mat.DenseCopyOf(R)
	for i := len(s.snapshots) - 1; i >= startIdx; i-- {
		snap := s.snapshots[i]
		var HPhi mat.Dense
		HPhi.Mul(Hp, snap.phiInv)
		Hp = mat.DenseCopyOf(&HPhi)

		var HG, HGHt, Rnext mat.Dense
		HG.Mul(Hp, snap.gqgt)
		HGHt.Mul(&HG, Hp.T())
		Rnext.Add(Rp, &HGHt)
		Rp = mat.DenseCopyOf(&Rnext)
	}
	f := &Filter{State: s.snapshots[startIdx].state}
	return f.Update(Hp, Rp, z)
}

// correctLightWeight folds every step from startIdx to the newest snapshot
// into one mean-rate step, per INS_GPS_Synchronization.h's
// correct_with_info (RT_LIGHT_WEIGHT case, Eq. 4.2.41/4.2.42): A and GQGt
// are summed across the bracket, bar_delteT is their mean elapsed time, and
// H/R are updated by the closed form H*(I - sum_A*bar_delteT) and
// R + H*(sum_GQGt - (sum_A*sum_GQGt + (sum_A*sum_GQGt)')*(bar_delteT*(n-1)/(2n)))*H'
// -- a direct linear formula with no matrix inversion at all, which is the
// entire point of calling this mode "light-weight".
func (s *RealTimeSynchronizer) correctLightWeight(startIdx int, H, R *mat.Dense, z *mat.VecDense) *mat.VecDense {
	dim, _ := s.snapshots[startIdx].a.Dims()
	sumA := mat.NewDense(dim, dim, nil)
	sumGQGt := mat.NewDense(dim, dim, nil)
	var sumElapsed float64
	n := 0
	for i := startIdx; i < len(s.snapshots); i++ {
		sumA.Add(sumA, s.snapshots[i].a)
		sumGQGt.Add(sumGQGt, s.snapshots[i].gqgt)
		sumElapsed += s.snapshots[i].elapsedSinceUpdate
		n++
	}
	barDeltaT := sumElapsed / float64(n)

	var sumAGQGt, sumAGQGtSym, scaled, gqgtAdj mat.Dense
	sumAGQGt.Mul(sumA, sumGQGt)
	sumAGQGtSym.Add(&sumAGQGt, sumAGQGt.T())
	scaled.Scale(barDeltaT*float64(n-1)/(2*float64(n)), &sumAGQGtSym)
	gqgtAdj.Sub(sumGQGt, &scaled)

	Hp := mat.DenseCopyOf(H)
	var HG, HGHt, Rp mat.Dense
	HG.Mul(Hp, &gqgtAdj)
	HGHt.Mul(&HG, Hp.T())
	Rp.Add(R, &HGHt)

	iMinusAdT := mat.NewDense(dim, dim, nil)
	iMinusAdT.Scale(barDeltaT, sumA)
	iMinusAdT.Sub(identity(dim), iMinusAdT)

	var Hnew mat.Dense
	Hnew.Mul(Hp, iMinusAdT)

	f := &Filter{State: s.snapshots[startIdx].state}
	return f.Update(&Hnew, &Rp, z)
}
