// Copyright (c) 2025 hitoshi.mukai.b@gmail.com. All rights reserved.
// You are free to use this source code for any purpose. The copyright remains with the author.
// The author accepts no liability for any damages arising from the use of this source code.

package gortk

import (
	"fmt"

	"github.com/spf13/viper"
)

// Config holds the tuning parameters of the tightly-coupled filter and its
// temporal synchronizer that do not belong in a broadcast ephemeris or in a
// single epoch's observations: the clock Gauss-Markov rates, which GNSS
// systems get their own clock channel, and how the synchronizer reconciles
// a late-arriving correction against the filter's own propagation history.
type Config struct {
	BetaClockError     float64  `mapstructure:"beta_clock_error"`
	BetaClockErrorRate float64  `mapstructure:"beta_clock_error_rate"`
	ClockSystems       []string `mapstructure:"clock_systems"`
	KeplerDeltaLimit   float64  `mapstructure:"kepler_delta_limit"`
	Synchronization    string   `mapstructure:"synchronization"` // "back_propagate" or "real_time"
	// BackPropagateDepth is a seconds-of-elapsed-time threshold, not a
	// snapshot count. Correct always applies a measurement to the newest
	// snapshot only; the depth decides which older snapshots its walk
	// erases, and a larger value erases them sooner. Zero is the default.
	BackPropagateDepth float64  `mapstructure:"back_propagate_depth"`
	RealTimeMode       string   `mapstructure:"real_time_mode"` // "normal" or "light_weight"
	MinElevationDeg    float64  `mapstructure:"min_elevation_deg"`
	WeightMode         int      `mapstructure:"weight_mode"`
}

// DefaultConfig mirrors the values this package's constants already use
// elsewhere (KeplerDeltaLimit, MinElevationForMeasurement), so that loading
// no config file at all reproduces the same behavior as calling the
// lower-level types directly.
func DefaultConfig() *Config {
	return &Config{
		BetaClockError:     1.0,
		BetaClockErrorRate: 1e-4,
		ClockSystems:       []string{"G"},
		KeplerDeltaLimit:   KeplerDeltaLimit,
		Synchronization:    "back_propagate",
		BackPropagateDepth: 0,
		RealTimeMode:       "normal",
		MinElevationDeg:    5.0,
		WeightMode:         1,
	}
}

// LoadConfig reads path (any format viper supports: YAML, JSON, TOML) over
// DefaultConfig's values, so a config file only needs to specify the
// settings it wants to override.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config %q: %w", path, err)
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %q: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) ClockChannels() []ClockChannel {
	channels := make([]ClockChannel, 0, len(c.ClockSystems))
	for _, s := range c.ClockSystems {
		if len(s) == 0 {
			continue
		}
		channels = append(channels, ClockChannel{System: SysType(s[0])})
	}
	return channels
}

func (c *Config) RealTimeModeValue() RealTimeMode {
	if c.RealTimeMode == "light_weight" {
		return RTLightWeight
	}
	return RTNormal
}
