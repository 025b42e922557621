// Copyright (c) 2025 hitoshi.mukai.b@gmail.com. All rights reserved.
// You are free to use this source code for any purpose. The copyright remains with the author.
// The author accepts no liability for any damages arising from the use of this source code.

package gortk

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/westphae/quaternion"
)

// ErrorStateModel is the method contract a linearized inertial error-state
// model must satisfy to be wrapped by ClockAugmentedState, the same way
// ahrs.AHRSProvider exposes Predict/Update/Compute as an explicit interface
// rather than forcing every caller to know a single concrete type.
type ErrorStateModel interface {
	Dim() int
	AB() (A, B *mat.Dense)
	// Absorb folds a Dim()-length correction back into the model's own
	// representation and is responsible for any renormalization the
	// representation needs (e.g. a quaternion). The caller zeroes the
	// corresponding rows of the filter's x afterward.
	Absorb(dx *mat.VecDense)
}

// NavState is the 7-element velocity/attitude error-state block of a
// tightly-coupled INS/GPS filter: three nav-frame velocity errors and the
// four components of the earth-to-nav attitude quaternion q_e2n, the same
// pairing INS_GPS2_Tightly.h's assign_z_H_R differentiates the range/rate
// measurement model against (H_uh is a 3x4 Jacobian of ECEF position with
// respect to exactly q_e2n's four components — not a 3-element position
// error). Height has no column here: H_uh never allocates one, so the
// vertical channel isn't observable through this correction and is held
// fixed at whatever SetPosition last seeded, same as the base INS's own
// vertical-channel instability is out of scope (no IMU mechanization).
type NavState struct {
	QuatE2N  quaternion.Quaternion
	Height   float64
	Velocity Vec3
}

const navStateDim = 7 // 3 velocity-error + 4 q_e2n-error components

func (n *NavState) Dim() int { return navStateDim }

// AB returns zero dynamics: velocity and attitude uncertainty grow from
// process noise alone. The coupling a full strapdown mechanization would
// add here (velocity driving position, Earth/transport rate driving
// attitude) lives in the base INS class this package doesn't reimplement —
// a documented Non-goal — so A stays zero and B injects noise into every
// row directly.
func (n *NavState) AB() (A, B *mat.Dense) {
	A = mat.NewDense(navStateDim, navStateDim, nil)
	B = identity(navStateDim)
	return
}

// Absorb folds a velocity/attitude correction into QuatE2N/Velocity and
// renormalizes the quaternion, mirroring correct_INS's in-place update of
// the INS's own state (as opposed to the clock pair, which stays a plain
// linear error-state column forever — see ClockAugmentedState.AbsorbBase).
func (n *NavState) Absorb(dx *mat.VecDense) {
	n.Velocity.X += dx.AtVec(0)
	n.Velocity.Y += dx.AtVec(1)
	n.Velocity.Z += dx.AtVec(2)
	n.QuatE2N.W += dx.AtVec(3)
	n.QuatE2N.X += dx.AtVec(4)
	n.QuatE2N.Y += dx.AtVec(5)
	n.QuatE2N.Z += dx.AtVec(6)
	n.QuatE2N = n.QuatE2N.Unit()
}

// Position reconstructs the receiver's ECEF position from QuatE2N and
// Height via the already-validated WGS84 LLH/XYZ conversion in pos.go.
// This is a separate, simpler nonlinear map than the one H_uh's formula is
// an exact derivative of: the original INS's own position(q_e2n, h)
// function lives in INS.h, which isn't in the pack, so H_uh is ported
// verbatim as the Jacobian this package's measurement model uses while
// Position() stays a self-consistent (lat, lon) round trip through
// QuatE2N rather than a byte-for-byte port of that missing function. See
// DESIGN.md's Open Question on this.
func (n *NavState) Position() PosXYZ {
	lat, lon := quatToLatLon(n.QuatE2N)
	llh := PosLLH{Lat: lat, Lon: lon, Hei: n.Height}
	return llh.ToXYZ()
}

// SetPosition seeds QuatE2N/Height from an ECEF fix, e.g. the single-point
// solution cmd/gortk-ins uses to initialize the filter before the first
// tightly-coupled correction has run.
func (n *NavState) SetPosition(pos PosXYZ) {
	llh := pos.ToLLH()
	n.Height = llh.Hei
	n.QuatE2N = quatFromLatLon(llh.Lat, llh.Lon)
}

// Seeded reports whether SetPosition has ever been called.
func (n *NavState) Seeded() bool {
	return n.QuatE2N != quaternion.Quaternion{}
}

// quatFromLatLon and quatToLatLon build/invert the earth-to-nav attitude
// quaternion q_e2n = Rz(lon/2) * Ry(-(lat+pi/2)/2): yaw to the meridian,
// then tip the nav frame's down axis onto the local vertical. They are
// exact inverses of each other (verified algebraically, not just assumed),
// which is what lets QuatE2N be corrected additively each update and still
// round-trip back to a usable (lat, lon) via Position().
func quatFromLatLon(lat, lon float64) quaternion.Quaternion {
	a := lon / 2
	b := -(lat + math.Pi/2) / 2
	sa, ca := math.Sincos(a)
	sb, cb := math.Sincos(b)
	qz := quaternion.Quaternion{W: ca, Z: sa}
	qy := quaternion.Quaternion{W: cb, Y: sb}
	return quaternion.Prod(qz, qy)
}

func quatToLatLon(q quaternion.Quaternion) (lat, lon float64) {
	a := math.Atan2(q.Z, q.W)
	sa, ca := math.Sin(a), math.Cos(a)
	sb := q.Y*ca - q.X*sa
	cb := q.W*ca + q.Z*sa
	b := math.Atan2(sb, cb)
	lon = 2 * a
	lat = -(2*b + math.Pi/2)
	return
}

// quatE2NComponents returns q_alpha, q_beta, q_gamma, the combinations of
// q_e2n's components INS_GPS2_Tightly.h's assign_z_H_R builds H_uh from
// (under quatFromLatLon's convention q_alpha equals -sin(latitude)).
func quatE2NComponents(q quaternion.Quaternion) (alpha, beta, gamma float64) {
	alpha = (q.W*q.W+q.Z*q.Z)*2 - 1
	beta = (q.W*q.X - q.Y*q.Z) * 2
	gamma = (q.W*q.Y + q.X*q.Z) * 2
	return
}

// quatDCM returns the rotation matrix a quaternion sandwich product
// v_ecef = q*v_nav*conj(q) is equivalent to, the standard closed-form
// quaternion-to-DCM conversion (universal quaternion algebra, not specific
// to any one package's API).
func quatDCM(q quaternion.Quaternion) [3][3]float64 {
	w, x, y, z := q.W, q.X, q.Y, q.Z
	return [3][3]float64{
		{1 - 2*(y*y+z*z), 2 * (x*y - w*z), 2 * (x*z + w*y)},
		{2 * (x*y + w*z), 1 - 2*(x*x+z*z), 2 * (y*z - w*x)},
		{2 * (x*z - w*y), 2 * (y*z + w*x), 1 - 2*(x*x+y*y)},
	}
}

func dcmApplyVec3(r [3][3]float64, v Vec3) Vec3 {
	return Vec3{
		X: r[0][0]*v.X + r[0][1]*v.Y + r[0][2]*v.Z,
		Y: r[1][0]*v.X + r[1][1]*v.Y + r[1][2]*v.Z,
		Z: r[2][0]*v.X + r[2][1]*v.Y + r[2][2]*v.Z,
	}
}

// ClockChannel names one constellation's receiver-clock error/rate pair in
// the augmented state vector, in the order they were registered with
// NewClockAugmentedState.
type ClockChannel struct {
	System SysType
}

// ClockAugmentedState is the full filter state: a base error-state model
// followed by NumClocks (clock_error, clock_error_rate) pairs, one per
// tracked satellite system, each evolving as a first-order Gauss-Markov
// process: cdot = c_rate - BetaCE*c, c_ratedot = -BetaCR*c_rate + w.
type ClockAugmentedState struct {
	Base    ErrorStateModel
	Clocks  []ClockChannel
	BetaCE  float64
	BetaCR  float64
	x       *mat.VecDense
	p       *mat.Dense
}

func NewClockAugmentedState(base ErrorStateModel, clocks []ClockChannel, betaCE, betaCR float64, initialVariance float64) *ClockAugmentedState {
	n := base.Dim() + 2*len(clocks)
	p := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		p.Set(i, i, initialVariance)
	}
	return &ClockAugmentedState{
		Base:   base,
		Clocks: clocks,
		BetaCE: betaCE,
		BetaCR: betaCR,
		x:      mat.NewVecDense(n, nil),
		p:      p,
	}
}

func (s *ClockAugmentedState) Dim() int { return s.x.Len() }

// ClockIndex returns the state-vector index of the clock_error component of
// the i-th clock channel; the clock_error_rate component is at index+1.
func (s *ClockAugmentedState) ClockIndex(i int) int {
	return s.Base.Dim() + 2*i
}

func (s *ClockAugmentedState) ClockError(i int) float64     { return s.x.AtVec(s.ClockIndex(i)) }
func (s *ClockAugmentedState) ClockErrorRate(i int) float64 { return s.x.AtVec(s.ClockIndex(i) + 1) }

// IndexForSystem finds the clock channel registered for sys, or -1.
func (s *ClockAugmentedState) IndexForSystem(sys SysType) int {
	for i, c := range s.Clocks {
		if c.System == sys {
			return i
		}
	}
	return -1
}

// AbsorbBase hands the base model's slice of a correction to Base.Absorb
// and zeros those rows of x: the base model (velocity/attitude) is a
// total-state representation kept in sync every update, the same way
// correct_INS writes the correction directly into the INS's own state
// rather than letting it accumulate in x forever. The clock pair is the
// opposite — a plain linear error state with no side representation to
// sync — so it keeps accumulating in x untouched.
func (s *ClockAugmentedState) AbsorbBase(dx *mat.VecDense) {
	bd := s.Base.Dim()
	baseDx := mat.NewVecDense(bd, nil)
	for i := 0; i < bd; i++ {
		baseDx.SetVec(i, dx.AtVec(i))
		s.x.SetVec(i, 0)
	}
	s.Base.Absorb(baseDx)
}

// AB assembles the full-state transition matrices by placing the base
// model's A/B in the upper-left block and appending the Gauss-Markov clock
// rows/columns described above; B routes two independent process-noise
// channels into each clock pair, one per row (clock_error and
// clock_error_rate), mirroring getAB's own per-clock B columns
// (INS_GPS2_Tightly.h:244-255) rather than driving clock_error's
// uncertainty growth indirectly through clock_error_rate alone.
func (s *ClockAugmentedState) AB() (A, B *mat.Dense) {
	baseA, baseB := s.Base.AB()
	bd := s.Base.Dim()
	_, bcols := baseB.Dims()
	n := s.Dim()
	qcols := bcols + 2*len(s.Clocks)

	A = mat.NewDense(n, n, nil)
	for i := 0; i < bd; i++ {
		for j := 0; j < bd; j++ {
			A.Set(i, j, baseA.At(i, j))
		}
	}
	B = mat.NewDense(n, qcols, nil)
	for i := 0; i < bd; i++ {
		for j := 0; j < bcols; j++ {
			B.Set(i, j, baseB.At(i, j))
		}
	}
	for i := range s.Clocks {
		k := bd + 2*i
		A.Set(k, k, -s.BetaCE)
		A.Set(k, k+1, 1)
		A.Set(k+1, k+1, -s.BetaCR)
		B.Set(k, bcols+2*i, 1)
		B.Set(k+1, bcols+2*i+1, 1)
	}
	return
}
