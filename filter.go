// Copyright (c) 2025 hitoshi.mukai.b@gmail.com. All rights reserved.
// You are free to use this source code for any purpose. The copyright remains with the author.
// The author accepts no liability for any damages arising from the use of this source code.

package gortk

import (
	"gonum.org/v1/gonum/mat"
)

// Filter is the clock-augmented tightly-coupled INS/GPS Kalman filter: the
// linear propagation and measurement-update primitives operating on a
// ClockAugmentedState. It follows the makeK/updateX/updateP sequence of the
// float RTK solution this module was adapted from (calcfloat.go, no longer
// part of the module), generalized to an arbitrary state dimension and
// measurement count.
type Filter struct {
	State *ClockAugmentedState
	Q     *mat.Dense // process-noise PSD, dims match ClockAugmentedState.AB's B columns
}

func NewFilter(state *ClockAugmentedState, q *mat.Dense) *Filter {
	return &Filter{State: state, Q: q}
}

func identity(n int) *mat.Dense {
	I := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		I.Set(i, i, 1)
	}
	return I
}

// Predict advances State by dt seconds using the first-order discretization
// Phi = I + A*dt and propagates the covariance as P <- Phi*P*Phi' + GQGt,
// where GQGt = dt*B*Q*B'. It returns Phi and GQGt because the temporal
// synchronizer (Back-Propagate and Real-Time modes) needs exactly these two
// matrices to replay or fold in a correction against a past snapshot.
func (f *Filter) Predict(dt float64) (Phi, GQGt *mat.Dense) {
	A, B := f.State.AB()
	n, _ := A.Dims()

	Phi = mat.NewDense(n, n, nil)
	Phi.Scale(dt, A)
	Phi.Add(Phi, identity(n))

	var BQ mat.Dense
	BQ.Mul(B, f.Q)
	GQGt = mat.NewDense(n, n, nil)
	GQGt.Mul(&BQ, B.T())
	GQGt.Scale(dt, GQGt)

	var xNew mat.VecDense
	xNew.MulVec(Phi, f.State.x)
	f.State.x = &xNew

	var PNew, PNew2 mat.Dense
	PNew.Mul(Phi, f.State.p)
	PNew2.Mul(&PNew, Phi.T())
	PNew2.Add(&PNew2, GQGt)
	f.State.p = &PNew2
	return
}

// makeK, updateX and updateP are the primitive measurement-update building
// blocks: K = P*H'*(H*P*H'+R)^-1, x <- x+K*z, P <- (I-K*H)*P. They are kept
// free-standing (taking H/R/P/x/z explicitly) because the temporal
// synchronizer needs to run them against adjusted H'/R' for a past snapshot,
// not just against the live filter's own state.

func makeK(P, H, R *mat.Dense) *mat.Dense {
	var A, B, C, D, K mat.Dense
	A.Mul(H, P)
	B.Mul(&A, H.T())
	C.Add(&B, R)
	if err := C.Inverse(&C); err != nil {
		return mat.NewDense(P.RawMatrix().Cols, H.RawMatrix().Rows, nil)
	}
	D.Mul(P, H.T())
	K.Mul(&D, &C)
	return &K
}

func updateX(x *mat.VecDense, K *mat.Dense, z *mat.VecDense) (*mat.VecDense, *mat.VecDense) {
	var A mat.Dense
	A.Mul(K, z)
	nx, _ := A.Dims()
	dx := mat.NewVecDense(nx, nil)
	for j := 0; j < nx; j++ {
		dx.SetVec(j, A.At(j, 0))
	}
	x2 := mat.NewVecDense(nx, nil)
	x2.AddVec(x, dx)
	return x2, dx
}

func updateP(K, H, P *mat.Dense) *mat.Dense {
	nx, _ := K.Dims()
	I := identity(nx)
	var A, B, C mat.Dense
	A.Mul(K, H)
	B.Sub(I, &A)
	C.Mul(&B, P)
	return &C
}

// Update applies a single measurement H*x=z with covariance R against the
// live state, returning the correction dx that was added. The base model's
// slice of dx is immediately folded into its own representation and
// zeroed out of x (AbsorbBase) so the next measurement's H, built from the
// base model's live fields, sees an up-to-date velocity/attitude; the
// clock pair has no such side representation and is left to accumulate in
// x normally.
func (f *Filter) Update(H, R *mat.Dense, z *mat.VecDense) *mat.VecDense {
	K := makeK(f.State.p, H, R)
	x2, dx := updateX(f.State.x, K, z)
	f.State.x = x2
	f.State.p = updateP(K, H, f.State.p)
	f.State.AbsorbBase(dx)
	return dx
}
