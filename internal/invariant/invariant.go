// Package invariant guards internal consistency of the reactor-owned state
// machines. Violations are defects in this module, not caller errors: builds
// tagged hioload_debug panic, release builds log and carry on.
//
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
package invariant

import (
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog"
)

var (
	logger     atomic.Pointer[zerolog.Logger]
	violations atomic.Uint64
)

// SetLogger sets the logger used for violations in release builds.
func SetLogger(l zerolog.Logger) {
	logger.Store(&l)
}

// Violations returns the number of violations observed so far.
func Violations() uint64 {
	return violations.Load()
}

// Check reports a violation when cond is false.
func Check(cond bool, format string, args ...any) {
	if cond {
		return
	}
	violations.Add(1)
	msg := fmt.Sprintf(format, args...)
	if enabled {
		panic("invariant violation: " + msg)
	}
	if l := logger.Load(); l != nil {
		l.Error().Str("invariant", msg).Msg("invariant violation")
	}
}
