// Package adapters
// Author: momentics <momentics@gmail.com>
//
// Control adapter implementing api.Control over the control package.

package adapters

import (
	"github.com/momentics/hioload-mq/api"
	"github.com/momentics/hioload-mq/control"
)

type ControlAdapter struct {
	config  *control.ConfigStore
	metrics *control.Metrics
	debug   *control.DebugProbes
}

var _ api.Control = (*ControlAdapter)(nil)

// NewControlAdapter wires a store, metrics (may be nil) and probes. Runtime
// probes are registered on debug.
func NewControlAdapter(store *control.ConfigStore, metrics *control.Metrics, debug *control.DebugProbes) *ControlAdapter {
	if debug == nil {
		debug = control.NewDebugProbes()
	}
	control.RegisterRuntimeProbes(debug)
	return &ControlAdapter{
		config:  store,
		metrics: metrics,
		debug:   debug,
	}
}

func (c *ControlAdapter) GetConfig() map[string]any {
	return c.config.GetSnapshot()
}

func (c *ControlAdapter) SetConfig(cfg map[string]any) error {
	return c.config.Apply(cfg)
}

func (c *ControlAdapter) Stats() map[string]any {
	combined := c.metrics.Snapshot()
	for k, v := range c.debug.DumpState() {
		combined["debug."+k] = v
	}
	return combined
}

func (c *ControlAdapter) OnReload(fn func()) {
	c.config.OnReload(fn)
}

func (c *ControlAdapter) RegisterDebugProbe(name string, fn func() any) {
	c.debug.RegisterProbe(name, fn)
}
