// Copyright (c) 2025 hitoshi.mukai.b@gmail.com. All rights reserved.
// You are free to use this source code for any purpose. The copyright remains with the author.
// The author accepts no liability for any damages arising from the use of this source code.

package gortk

import "math"

// Vec3 is a plain 3-vector used for satellite velocity, distinct from the
// coordinate-system-aware PosXYZ so callers cannot mistake one for a position.
type Vec3 struct {
	X float64
	Y float64
	Z float64
}

func keplerParams(e *Ephe) (dOMGe, Mue float64) {
	dOMGe, Mue = 7.2921151467e-5, 3.986005e14
	switch e.Sat.Sys() {
	case 'E':
		Mue = 3.986004418e14
	case 'C':
		dOMGe, Mue = 7.292115e-5, 3.986004418e14
	}
	return
}

// solveEccentricAnomaly iterates Kepler's equation E = M + e*sin(E), starting
// from E0 = M, for at most 10 steps, breaking as soon as successive estimates
// differ by less than KeplerDeltaLimit.
func solveEccentricAnomaly(m, ecc float64) float64 {
	ek := m
	for i := 0; i < 10; i++ {
		ekNext := m + ecc*math.Sin(ek)
		converged := math.Abs(ekNext-ek) < KeplerDeltaLimit
		ek = ekNext
		if converged {
			break
		}
	}
	return ek
}

// PositionVelocity computes the satellite's position and velocity in the
// ECEF frame at receiver reception time rcvt, correcting transit time with
// the given pseudorange. For GPS/QZSS/Galileo/BeiDou the Keplerian orbit
// model of IS-GPS-200 is differentiated analytically; for GLONASS/SBAS the
// already-integrated state vector is rotated for the Sagnac effect in place.
func PositionVelocity(e *Ephe, rcvt GTime, psr float64) (pos PosXYZ, vel Vec3) {
	switch e.Sat.Sys() {
	case 'G', 'J', 'E', 'C':
		dOMGe, Mue := keplerParams(e)
		tk0 := rcvt.Diff(e.Toe)
		tk := tk0 - psr/C

		a := e.SqrtA * e.SqrtA
		n0 := math.Sqrt(Mue) / (a * e.SqrtA)
		n := n0 + e.DeltaN
		mk := e.M0 + n*tk
		ek := solveEccentricAnomaly(mk, e.Ecc)
		ekDot := n / (1 - e.Ecc*math.Cos(ek))

		sinE, cosE := math.Sin(ek), math.Cos(ek)
		sq1me2 := math.Sqrt(1 - e.Ecc*e.Ecc)
		vk := math.Atan2(sq1me2*sinE, cosE-e.Ecc)
		vkDot := sq1me2 * ekDot / (1 - e.Ecc*cosE)

		pk := vk + e.Omega
		s2pk, c2pk := math.Sin(2*pk), math.Cos(2*pk)
		pkDot := vkDot

		duk := e.Cus*s2pk + e.Cuc*c2pk
		drk := e.Crs*s2pk + e.Crc*c2pk
		dik := e.Cis*s2pk + e.Cic*c2pk
		dukDot := 2 * pkDot * (e.Cus*c2pk - e.Cuc*s2pk)
		drkDot := 2 * pkDot * (e.Crs*c2pk - e.Crc*s2pk)
		dikDot := 2 * pkDot * (e.Cis*c2pk - e.Cic*s2pk)

		uk := pk + duk
		ukDot := pkDot + dukDot
		rk := a*(1-e.Ecc*cosE) + drk
		rkDot := a*e.Ecc*sinE*ekDot + drkDot
		ik := e.I0 + e.Idot*tk + dik
		ikDot := e.Idot + dikDot

		sinU, cosU := math.Sin(uk), math.Cos(uk)
		xk, yk := rk*cosU, rk*sinU
		xkDot := rkDot*cosU - rk*ukDot*sinU
		ykDot := rkDot*sinU + rk*ukDot*cosU

		t0e := e.Toe.Sec
		omk := e.Omega0 + (e.OmegaD-dOMGe)*tk0 - dOMGe*t0e
		if e.Sat.Sys() == 'C' {
			t0e -= 14
			omk = e.Omega0 + (e.OmegaD-dOMGe)*tk0 - dOMGe*t0e
		}
		omkDot := e.OmegaD - dOMGe

		sinI, cosI := math.Sin(ik), math.Cos(ik)
		sinO, cosO := math.Sin(omk), math.Cos(omk)

		pos.X = xk*cosO - yk*sinO*cosI
		pos.Y = xk*sinO + yk*cosO*cosI
		pos.Z = yk * sinI

		vel.X = xkDot*cosO - ykDot*sinO*cosI + ikDot*yk*sinO*sinI - omkDot*(xk*sinO+yk*cosO*cosI)
		vel.Y = xkDot*sinO + ykDot*cosO*cosI - ikDot*yk*cosO*sinI + omkDot*(xk*cosO-yk*sinO*cosI)
		vel.Z = ykDot*sinI + ikDot*yk*cosI

		if e.Sat.Sys() == 'C' && (e.Sat.Num() <= 5 || e.Sat.Num() >= 59) {
			// Geostationary BeiDou satellites take their position through
			// positionBeidouGEO's extra 5-degree inclined-frame rotation; their
			// velocity is returned as the zero vector.
			pos, vel = positionBeidouGEO(e, xk, yk, ik, tk0, dOMGe)
		}

	default: // 'R', 'S'
		tk0 := rcvt.Diff(e.Toe)
		tk := tk0 - psr/C
		var x [6]float64
		x[0], x[1], x[2] = e.PosX, e.PosY, e.PosZ
		x[3], x[4], x[5] = e.VecX, e.VecY, e.VecZ
		var acc [3]float64
		acc[0], acc[1], acc[2] = e.AccX, e.AccY, e.AccZ
		const TSTEP = 60.0
		tt := TSTEP
		if tk < 0 {
			tt = -TSTEP
		}
		for math.Abs(tk) > 1e-9 {
			if math.Abs(tk) < TSTEP {
				tt = tk
			}
			glorbit(tt, &x, acc)
			tk -= tt
		}
		dOMGeR := 7.292115e-5
		omk := dOMGeR * psr / C
		sino, coso := math.Sin(omk), math.Cos(omk)
		pos.X = x[0]*coso + x[1]*sino
		pos.Y = -x[0]*sino + x[1]*coso
		pos.Z = x[2]
		vel.X = x[3]*coso + x[4]*sino
		vel.Y = -x[3]*sino + x[4]*coso
		vel.Z = x[5]
	}
	return
}

func positionBeidouGEO(e *Ephe, xk, yk, ik, tk0, dOMGe float64) (PosXYZ, Vec3) {
	omk := e.Omega0 + e.OmegaD*tk0 - dOMGe*(e.Toe.Sec-14)
	xg := xk*math.Cos(omk) - yk*math.Sin(omk)*math.Cos(ik)
	yg := xk*math.Sin(omk) + yk*math.Cos(omk)*math.Cos(ik)
	zg := yk * math.Sin(ik)
	sino := math.Sin(dOMGe * tk0)
	coso := math.Cos(dOMGe * tk0)
	cos5 := math.Cos(-5 * math.Pi / 180.0)
	sin5 := math.Sin(-5 * math.Pi / 180.0)
	var pos PosXYZ
	pos.X = xg*coso + yg*sino*cos5 + zg*sino*sin5
	pos.Y = -xg*sino + yg*coso*cos5 + zg*coso*sin5
	pos.Z = -yg*sin5 + zg*cos5
	return pos, Vec3{}
}

// relativisticFactor is F = -2*sqrt(mu)/c^2 from IS-GPS-200 20.3.3.3.3.1,
// the coefficient of e*sqrt(A)*sin(Ek) in the relativistic clock correction.
func relativisticFactor(e *Ephe) float64 {
	_, mue := keplerParams(e)
	return -2 * math.Sqrt(mue) / (C * C)
}

// ClockError computes the satellite clock correction dt_sv(t) = af0 + af1*tk
// + af2*tk^2 + F*e*sqrt(A)*sin(Ek) - gammaGD*Tgd, where tk is measured from
// the time-of-clock epoch (not time-of-ephemeris, per IS-GPS-200). psr is
// used only to back out signal transit time; gammaGD selects which group
// delay is removed (1.0 for the primary frequency, the squared frequency
// ratio when forming an ionosphere-free combination).
func ClockError(e *Ephe, t GTime, psr float64, gammaGD float64) float64 {
	tk0 := t.Diff(e.Toc)
	tk := tk0 - psr/C

	a := e.SqrtA * e.SqrtA
	_, mue := keplerParams(e)
	n := math.Sqrt(mue)/(a*e.SqrtA) + e.DeltaN
	mk := e.M0 + n*tk
	ek := solveEccentricAnomaly(mk, e.Ecc)

	relTerm := relativisticFactor(e) * e.Ecc * e.SqrtA * math.Sin(ek)
	return e.Af0 + e.Af1*tk + e.Af2*tk*tk + relTerm - gammaGD*e.Tgd
}

// ClockErrorRate is the time derivative of ClockError, af1 + 2*af2*tk plus the
// derivative of the relativistic term, used by the filter's clock-rate model.
func ClockErrorRate(e *Ephe, t GTime, psr float64) float64 {
	tk0 := t.Diff(e.Toc)
	tk := tk0 - psr/C

	a := e.SqrtA * e.SqrtA
	_, mue := keplerParams(e)
	n := math.Sqrt(mue)/(a*e.SqrtA) + e.DeltaN
	mk := e.M0 + n*tk
	ek := solveEccentricAnomaly(mk, e.Ecc)
	ekDot := n / (1 - e.Ecc*math.Cos(ek))

	relTermDot := relativisticFactor(e) * e.Ecc * e.SqrtA * math.Cos(ek) * ekDot
	return e.Af1 + 2*e.Af2*tk + relTermDot
}
