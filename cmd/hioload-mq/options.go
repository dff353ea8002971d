// File: cmd/hioload-mq/options.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package main

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"

	"github.com/momentics/hioload-mq/api"
	"github.com/momentics/hioload-mq/control"
)

// Options is the command line of the daemon. File values are loaded first;
// flags set explicitly on the command line win.
type Options struct {
	ConfigFile string
	Mode       string // bind | connect
	Echo       bool
	Broadcast  time.Duration

	// Config overrides.
	Endpoint            string
	MaxNodes            int
	QueueCapacity       int
	MaxPendingWrites    int
	ShutdownTimeout     time.Duration
	WriteTimeout        time.Duration
	FlushBeforeShutdown bool
	ReusePort           bool
	LoopCPU             int
	LogLevel            string
	LogFormat           string
	MetricsEnabled      bool
	MetricsListen       string

	fs *pflag.FlagSet
}

// NewOptions returns options carrying the stock defaults.
func NewOptions() *Options {
	d := control.DefaultConfig()
	return &Options{
		Mode:             "bind",
		Echo:             true,
		Endpoint:         d.Endpoint,
		MaxNodes:         d.MaxNodes,
		QueueCapacity:    d.QueueCapacity,
		MaxPendingWrites: d.MaxPendingWrites,
		ShutdownTimeout:  d.ShutdownTimeout.Duration,
		LogLevel:         d.Log.Level,
		LogFormat:        d.Log.Format,
		MetricsListen:    d.Metrics.Listen,
		LoopCPU:          d.LoopCPU,
	}
}

// AddFlags binds the options to fs.
func (o *Options) AddFlags(fs *pflag.FlagSet) {
	o.fs = fs
	fs.StringVarP(&o.ConfigFile, "config", "c", o.ConfigFile, "TOML configuration file")
	fs.StringVarP(&o.Mode, "mode", "m", o.Mode, "bind (serve peers) or connect (dial one peer)")
	fs.BoolVar(&o.Echo, "echo", o.Echo, "bind mode: send every message back to its sender")
	fs.DurationVar(&o.Broadcast, "broadcast", o.Broadcast, "bind mode: broadcast a tick at this interval (0 disables)")

	fs.StringVarP(&o.Endpoint, "endpoint", "e", o.Endpoint, "tcp://host:port or pipe:///path")
	fs.IntVar(&o.MaxNodes, "max-nodes", o.MaxNodes, "maximum concurrent connections")
	fs.IntVar(&o.QueueCapacity, "queue-capacity", o.QueueCapacity, "send queue slots (rounded up to a power of two)")
	fs.IntVar(&o.MaxPendingWrites, "max-pending-writes", o.MaxPendingWrites, "pending writes per connection before Busy")
	fs.DurationVar(&o.ShutdownTimeout, "shutdown-timeout", o.ShutdownTimeout, "force close after a graceful shutdown stalls")
	fs.DurationVar(&o.WriteTimeout, "write-timeout", o.WriteTimeout, "force close after a write stalls (0 disables)")
	fs.BoolVar(&o.FlushBeforeShutdown, "flush-before-shutdown", o.FlushBeforeShutdown, "let shutdown wait for pending writes")
	fs.BoolVar(&o.ReusePort, "reuse-port", o.ReusePort, "set SO_REUSEPORT on the listener")
	fs.IntVar(&o.LoopCPU, "loop-cpu", o.LoopCPU, "pin the node loop to this CPU (-1 disables)")
	fs.StringVar(&o.LogLevel, "log-level", o.LogLevel, "trace, debug, info, warn or error")
	fs.StringVar(&o.LogFormat, "log-format", o.LogFormat, "json or console")
	fs.BoolVar(&o.MetricsEnabled, "metrics", o.MetricsEnabled, "serve Prometheus metrics")
	fs.StringVar(&o.MetricsListen, "metrics-listen", o.MetricsListen, "metrics listen address")
}

// Complete loads the configuration file, applies explicit flags and
// validates the result.
func (o *Options) Complete() (control.Config, error) {
	if o.Mode != "bind" && o.Mode != "connect" {
		return control.Config{}, fmt.Errorf("--mode %q: %w", o.Mode, api.ErrInvalidArgument)
	}
	cfg := control.DefaultConfig()
	if o.ConfigFile != "" {
		var err error
		if cfg, err = control.LoadConfig(o.ConfigFile); err != nil {
			return control.Config{}, err
		}
	}
	o.override(&cfg)
	return cfg, cfg.Validate()
}

func (o *Options) override(cfg *control.Config) {
	set := func(name string) bool { return o.fs != nil && o.fs.Changed(name) }
	if set("endpoint") {
		cfg.Endpoint = o.Endpoint
	}
	if set("max-nodes") {
		cfg.MaxNodes = o.MaxNodes
	}
	if set("queue-capacity") {
		cfg.QueueCapacity = o.QueueCapacity
	}
	if set("max-pending-writes") {
		cfg.MaxPendingWrites = o.MaxPendingWrites
	}
	if set("shutdown-timeout") {
		cfg.ShutdownTimeout.Duration = o.ShutdownTimeout
	}
	if set("write-timeout") {
		cfg.WriteTimeout.Duration = o.WriteTimeout
	}
	if set("flush-before-shutdown") {
		cfg.FlushBeforeShutdown = o.FlushBeforeShutdown
	}
	if set("reuse-port") {
		cfg.ReusePort = o.ReusePort
	}
	if set("loop-cpu") {
		cfg.LoopCPU = o.LoopCPU
	}
	if set("log-level") {
		cfg.Log.Level = o.LogLevel
	}
	if set("log-format") {
		cfg.Log.Format = o.LogFormat
	}
	if set("metrics") {
		cfg.Metrics.Enabled = o.MetricsEnabled
	}
	if set("metrics-listen") {
		cfg.Metrics.Listen = o.MetricsListen
	}
}

// reloadable extracts the runtime-tunable keys of cfg.
func reloadable(cfg control.Config) map[string]any {
	all := cfg.ToMap()
	out := make(map[string]any, len(control.Tunables))
	for _, k := range control.Tunables {
		if v, ok := all[k]; ok {
			out[k] = v
		}
	}
	return out
}
