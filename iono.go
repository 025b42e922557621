// Copyright (c) 2025 hitoshi.mukai.b@gmail.com. All rights reserved.
// You are free to use this source code for any purpose. The copyright remains with the author.
// The author accepts no liability for any damages arising from the use of this source code.

package gortk

import "math"

// IonoUTCParameters is the Klobuchar ionospheric model parameters broadcast
// in GPS/QZSS subframe 4/5, IS-GPS-200 20.3.3.5.2.5. The UTC offset
// parameters broadcast alongside them are not carried.
type IonoUTCParameters struct {
	Alpha [4]float64 // Amplitude coefficients of the vertical delay cosine
	Beta  [4]float64 // Period coefficients of the vertical delay cosine
}

func rad2sc(rad float64) float64 { return rad / math.Pi }
func sc2rad(sc float64) float64  { return sc * math.Pi }

func clampF(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// IonoCorrection returns the Klobuchar slant ionospheric delay, in meters,
// for a signal arriving at usrllh from the satellite at relPos (azimuth and
// elevation relative to the receiver) at time t. The returned value is a
// negative range correction: it should be added to a pseudorange measurement
// the way the raw model is defined, i.e. T_iono is a delay and the
// correction itself is -T_iono*c.
func IonoCorrection(p *IonoUTCParameters, usrllh *PosLLH, relPos *PosENU, t GTime) float64 {
	if p == nil {
		return 0
	}
	el, az := relPos.Elevation(), relPos.Azimuth()
	scEl, _ := rad2sc(el), rad2sc(az)

	psi := 0.0137/(scEl+0.11) - 0.022
	phiI := clampF(rad2sc(usrllh.Lat)+psi*math.Cos(az), -0.416, 0.416)
	lambdaI := rad2sc(usrllh.Lon) + psi*math.Sin(az)/math.Cos(sc2rad(phiI))
	phiM := phiI + 0.064*math.Cos(sc2rad(lambdaI-1.617))

	lt := 4.32e4*lambdaI + t.Sec
	lt = math.Mod(lt, 86400)
	if lt < 0 {
		lt += 86400
	}

	amp := 0.0
	per := 0.0
	pow := 1.0
	for i := 0; i < 4; i++ {
		amp += p.Alpha[i] * pow
		per += p.Beta[i] * pow
		pow *= phiM
	}
	if amp < 0 {
		amp = 0
	}
	if per < 72000 {
		per = 72000
	}

	f := 1.0 + 16.0*math.Pow(0.53-scEl, 3)
	x := 2 * math.Pi * (lt - 50400) / per

	tIono := 5e-9
	if math.Abs(x) < 1.57 {
		tIono += amp * (1 - x*x*(0.5-x*x/24))
	}
	tIono *= f

	return -tIono * C
}

// TropoCorrection is the simple elevation/height model of IS-GPS-200's
// reference tropospheric delay, used as the primary troposphere correction.
// NiellMappingFunction (TropMapf) and the zenith Saastamoinen model
// (TropModel) are kept as finer-grained helpers for callers that track
// separate hydrostatic/wet components and a mapping function.
func TropoCorrection(usrllh *PosLLH, relPos *PosENU) float64 {
	el := relPos.Elevation()
	h := usrllh.Hei

	f := 1.0
	switch {
	case h > 1/2.3e-5:
		f = 0
	case h > 0:
		f -= h * 2.3e-5
	}
	return -2.47 * math.Pow(f, 5) / (math.Sin(el) + 0.0121)
}
