// Copyright (c) 2025 hitoshi.mukai.b@gmail.com. All rights reserved.
// You are free to use this source code for any purpose. The copyright remains with the author.
// The author accepts no liability for any damages arising from the use of this source code.

package gortk

import "gonum.org/v1/gonum/mat"

// CloneState deep-copies a filter state's vector and covariance, and its
// base model when that is a *NavState, so a caller can snapshot it before a
// Predict call mutates the original, which both temporal synchronizers
// require of their RecordPredict callers.
func CloneState(s *ClockAugmentedState) *ClockAugmentedState {
	return cloneState(s)
}

func cloneState(s *ClockAugmentedState) *ClockAugmentedState {
	base := s.Base
	if nav, ok := s.Base.(*NavState); ok {
		navCopy := *nav
		base = &navCopy
	}
	return &ClockAugmentedState{
		Base:   base,
		Clocks: s.Clocks,
		BetaCE: s.BetaCE,
		BetaCR: s.BetaCR,
		x:      mat.VecDenseCopyOf(s.x),
		p:      mat.DenseCopyOf(s.p),
	}
}

// backPropSnapshot is one entry in a Back-Propagate synchronizer's history:
// a deep copy of the filter state as it stood immediately before one
// Predict call, together with that call's Phi and GQGt, and the cumulative
// elapsed time since the synchronizer's last correction as of this
// snapshot's own predict step (i.e. this snapshot's own dt plus whatever the
// snapshot before it had accumulated -- set once at RecordPredict time, not
// touched again until Correct's depth walk below).
type backPropSnapshot struct {
	state                   *ClockAugmentedState
	phi, gqgt               *mat.Dense
	elapsedSinceLastCorrect float64
}

// BackPropagateSynchronizer holds the predict-step history since the last
// correction so a GPS measurement can be applied to the state as it stood
// at a past time, then re-propagated forward, rather than being
// (incorrectly) applied against the live filter's current state. Depth is
// a seconds threshold, not a snapshot count: zero (the default) means back-
// propagation never reaches past the single newest snapshot, matching
// INS_GPS_Back_Propagate_Property's own "zero means the last snapshot to be
// corrected" default.
type BackPropagateSynchronizer struct {
	Depth     float64
	snapshots []backPropSnapshot
}

func NewBackPropagateSynchronizer(depth float64) *BackPropagateSynchronizer {
	return &BackPropagateSynchronizer{Depth: depth}
}

// RecordPredict pushes a new snapshot after a Filter.Predict(dt) call.
// preState must be the state as it was immediately before that call (the
// caller is expected to clone it before calling Predict, since Predict
// mutates State in place). Mirrors before_update_INS: elapsedSinceLastCorrect
// is computed once, from this step's own dt plus the previous newest
// snapshot's own value -- existing snapshots are never revisited here, only
// in Correct's depth walk.
func (s *BackPropagateSynchronizer) RecordPredict(preState *ClockAugmentedState, phi, gqgt *mat.Dense, dt float64) {
	elapsed := dt
	if n := len(s.snapshots); n > 0 {
		elapsed += s.snapshots[n-1].elapsedSinceLastCorrect
	}
	s.snapshots = append(s.snapshots, backPropSnapshot{state: preState, phi: phi, gqgt: gqgt, elapsedSinceLastCorrect: elapsed})
}

// Correct applies a measurement described by H/R/z (valid at the live
// filter's current time), mirroring before_correct_INS exactly: first a
// depth walk from newest to oldest, subtracting the newest snapshot's own
// elapsedSinceLastCorrect from each one visited (turning it into "how much
// of this snapshot is still ahead of the depth boundary") until a snapshot
// whose elapsedSinceLastCorrect falls below Depth is found, at which point --
// provided at least 0.1s has actually elapsed since the last correction, so
// a no-op/near-zero-dt call can't evict the only available snapshot -- every
// snapshot at or behind that boundary is erased outright. Only then does it
// pop the (now-adjusted) newest snapshot, transform H/R through that single
// snapshot's own Phi/GQGt, correct it in place, and push it back as the new
// newest. Reports false if there is no history to correct against.
func (s *BackPropagateSynchronizer) Correct(H, R *mat.Dense, z *mat.VecDense) (*ClockAugmentedState, bool) {
	if len(s.snapshots) == 0 {
		return nil, false
	}

	modElapsed := s.snapshots[len(s.snapshots)-1].elapsedSinceLastCorrect
	if modElapsed > 0 {
		for i := len(s.snapshots) - 1; i >= 0; i-- {
			if s.snapshots[i].elapsedSinceLastCorrect < s.Depth {
				if modElapsed > 0.1 {
					s.snapshots = s.snapshots[i+1:]
					if len(s.snapshots) == 0 {
						return nil, false
					}
				}
				break
			}
			s.snapshots[i].elapsedSinceLastCorrect -= modElapsed
		}
	}

	last := len(s.snapshots) - 1
	newest := s.snapshots[last]
	s.snapshots = s.snapshots[:last]

	var Hp mat.Dense
	Hp.Mul(H, newest.phi)

	var HG, HGHt, Rp mat.Dense
	HG.Mul(&Hp, newest.gqgt)
	HGHt.Mul(&HG, Hp.T())
	Rp.Add(R, &HGHt)

	f := &Filter{State: newest.state}
	f.Update(&Hp, &Rp, z)

	s.snapshots = append(s.snapshots, newest)
	return newest.state, true
}
