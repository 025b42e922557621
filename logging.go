// Copyright (c) 2025 hitoshi.mukai.b@gmail.com. All rights reserved.
// You are free to use this source code for any purpose. The copyright remains with the author.
// The author accepts no liability for any damages arising from the use of this source code.

package gortk

import (
	"os"

	kitlog "github.com/go-kit/kit/log"
	kitlevel "github.com/go-kit/kit/log/level"
)

// NewLogger builds the logger every component in this package accepts
// instead of reaching for the legacy DBG_/Print* globals misc.go uses for
// the SPP/RTK command-line tools: structured, leveled, and safe to pass
// into code that runs per-epoch without flooding stdout by default.
func NewLogger(minLevel string) kitlog.Logger {
	base := kitlog.NewLogfmtLogger(kitlog.NewSyncWriter(os.Stderr))
	base = kitlog.With(base, "ts", kitlog.DefaultTimestampUTC)

	var filter kitlevel.Option
	switch minLevel {
	case "debug":
		filter = kitlevel.AllowDebug()
	case "warn":
		filter = kitlevel.AllowWarn()
	case "error":
		filter = kitlevel.AllowError()
	default:
		filter = kitlevel.AllowInfo()
	}
	return kitlevel.NewFilter(base, filter)
}
