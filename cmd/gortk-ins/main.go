// Copyright (c) 2025 hitoshi.mukai.b@gmail.com. All rights reserved.
// You are free to use this source code for any purpose. The copyright remains with the author.
// The author accepts no liability for any damages arising from the use of this source code.

package main

import (
	"flag"
	"fmt"
	"os"

	kitlevel "github.com/go-kit/kit/log/level"
	"gonum.org/v1/gonum/mat"

	m "github.com/mkhts/gortk"
)

func identityScaled(n int, v float64) *mat.Dense {
	d := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		d.Set(i, i, v)
	}
	return d
}

func main() {
	obsFn := flag.String("obs", "", "RINEX observation file")
	navFn := flag.String("nav", "", "RINEX navigation file")
	cfgFn := flag.String("config", "", "filter config file (YAML/JSON/TOML), optional")
	logLevel := flag.String("log-level", "info", "debug|info|warn|error")
	var sys m.SysVar
	flag.Var(&sys, "sys", "comma-separated satellite systems to process, e.g. G,E")
	flag.Parse()

	if *obsFn == "" || *navFn == "" {
		flag.Usage()
		os.Exit(1)
	}

	if err := run(*obsFn, *navFn, *cfgFn, *logLevel, sys); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(obsFn, navFn, cfgFn, logLevel string, sys m.SysVar) error {
	logger := m.NewLogger(logLevel)

	cfg := m.DefaultConfig()
	if cfgFn != "" {
		loaded, err := m.LoadConfig(cfgFn)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		cfg = loaded
	}

	obs, err := readObs(obsFn)
	if err != nil {
		return fmt.Errorf("reading observation file: %w", err)
	}
	nav, err := readNav(navFn)
	if err != nil {
		return fmt.Errorf("reading navigation file: %w", err)
	}
	restrictSystems(obs, sys)

	store := buildEphemerisStore(nav)

	navState := &m.NavState{}
	state := m.NewClockAugmentedState(navState, cfg.ClockChannels(), cfg.BetaClockError, cfg.BetaClockErrorRate, 1e6)
	qdim := 7 + 2*len(cfg.ClockChannels())
	q := identityScaled(qdim, 1e-2)
	filter := m.NewFilter(state, q)

	var backProp *m.BackPropagateSynchronizer
	var realTime *m.RealTimeSynchronizer
	if cfg.Synchronization == "real_time" {
		realTime = m.NewRealTimeSynchronizer(cfg.RealTimeModeValue())
	} else {
		backProp = m.NewBackPropagateSynchronizer(cfg.BackPropagateDepth)
	}

	rg := m.NewResidualGenerator(store)
	rg.WeightMode = cfg.WeightMode

	sppOpt := m.NewSppOpt()
	var lastT *m.GTime
	for _, epoch := range obs.DatE {
		for _, sat := range epoch.Sats() {
			eph, err := nav.GetEphe(sat, epoch.Time)
			if err != nil {
				continue
			}
			store.RegisterEphemeris(sat, eph, 1)
			store.SelectEphemeris(sat, epoch.Time)
		}

		dt := 1.0
		if lastT != nil {
			dt = epoch.Time.Diff(*lastT)
		}
		pre := m.CloneState(state)
		A, _ := state.AB()
		Phi, GQGt := filter.Predict(dt)
		if backProp != nil {
			backProp.RecordPredict(pre, Phi, GQGt, dt)
		}
		if realTime != nil {
			realTime.RecordPredict(pre, A, Phi, GQGt, dt)
		}

		if !navState.Seeded() {
			if sppSol, err := m.CalcSpp(epoch, nav, sppOpt); err == nil {
				navState.SetPosition(sppSol.Pos)
			}
		}

		meas := rg.Build(epoch.Time, navState.Position(), epoch, state.IndexForSystem)
		if len(meas) > 0 {
			m.DetectAndFixClockJump(logger, filter, meas, nil)

			// Replay the same measurement through the active temporal
			// synchronizer so a caller that timestamps a reception delay can
			// see how much the synchronized correction would have differed
			// from applying it directly against the live state below.
			H, R, z := m.BuildRangeRows(state, meas)
			switch {
			case backProp != nil:
				if corrected, ok := backProp.Correct(H, R, z); ok && len(corrected.Clocks) > 0 {
					kitlevel.Info(logger).Log("msg", "synchronized_correction", "time", epoch.Time.Sec, "clock_error", corrected.ClockError(0))
				}
			case realTime != nil:
				if idx, ok := realTime.SetupCorrect(0); ok {
					dxSync := realTime.Correct(idx, H, R, z)
					kitlevel.Info(logger).Log("msg", "synchronized_correction", "time", epoch.Time.Sec, "dx_norm", mat.Norm(dxSync, 2))
				}
			}

			dx := m.Correct(filter, meas)
			kitlevel.Info(logger).Log("msg", "corrected", "time", epoch.Time.Sec, "n_sat", len(meas), "dx_norm", mat.Norm(dx, 2))
		}

		tCopy := epoch.Time
		lastT = &tCopy
	}

	kitlevel.Info(logger).Log("msg", "done", "epochs", len(obs.DatE))
	return nil
}

// restrictSystems drops satellites outside the requested systems from every
// epoch so no measurement is built for a constellation the operator didn't
// ask to track; clock channels come from the config, not from sys. When the
// -sys flag is not passed, sys already holds G,J,E,R,C (flag.Var calls
// SysVar.String, which fills it in), so only satellites of other systems,
// such as SBAS, are dropped. An empty sys leaves every system in.
func restrictSystems(obs *m.Obs, sys m.SysVar) {
	if len(sys) == 0 {
		return
	}
	for _, epoch := range obs.DatE {
		for sat := range epoch.DatS {
			if !sys.Contains(sat.Sys()) {
				delete(epoch.DatS, sat)
			}
		}
	}
}

func buildEphemerisStore(nav *m.Nav) *m.EphemerisStore {
	store := m.NewEphemerisStore()
	for sat, list := range *nav {
		for _, eph := range list {
			store.RegisterEphemeris(sat, eph, 1)
		}
	}
	return store
}

func readObs(fn string) (*m.Obs, error) {
	f, err := os.Open(fn)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return m.ReadObs(f)
}

func readNav(fn string) (*m.Nav, error) {
	f, err := os.Open(fn)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return m.ReadNav(f)
}
