// File: api/control.go
// Package api defines Control interface.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package api

// Control exposes the effective configuration, runtime counters and debug
// probes of a running node.
type Control interface {
	// GetConfig returns a snapshot of the effective configuration.
	GetConfig() map[string]any
	// SetConfig applies runtime-tunable keys; unknown keys are rejected.
	SetConfig(cfg map[string]any) error
	// Stats merges metric values and probe output.
	Stats() map[string]any
	// OnReload registers a hook run after SetConfig succeeds.
	OnReload(fn func())
	// RegisterDebugProbe adds a named state probe.
	RegisterDebugProbe(name string, fn func() any)
}
