// control/config.go
// Author: momentics <momentics@gmail.com>
//
// Node configuration: defaults, TOML loading and validation.

package control

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog"

	"github.com/momentics/hioload-mq/api"
)

// Duration is a time.Duration read from and written to TOML as text ("5s").
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// LogConfig selects logger output.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig controls the Prometheus endpoint of the daemon.
type MetricsConfig struct {
	Enabled   bool   `toml:"enabled"`
	Listen    string `toml:"listen"`
	Path      string `toml:"path"`
	Namespace string `toml:"namespace"`
}

// Config holds every tunable of a message-queue node.
type Config struct {
	Endpoint            string   `toml:"endpoint"`
	MaxNodes            int      `toml:"max_nodes"`
	QueueCapacity       int      `toml:"queue_capacity"`
	SlotSize            int      `toml:"slot_size"`
	RecvQueueCapacity   int      `toml:"recv_queue_capacity"`
	MaxPendingWrites    int      `toml:"max_pending_writes"`
	ShutdownTimeout     Duration `toml:"shutdown_timeout"`
	WriteTimeout        Duration `toml:"write_timeout"`
	MaxWriteFailures    int      `toml:"max_write_failures"`
	FlushBeforeShutdown bool     `toml:"flush_before_shutdown"`
	ReadBufferSize      int      `toml:"read_buffer_size"`
	ReusePort           bool     `toml:"reuse_port"`
	LoopCPU             int      `toml:"loop_cpu"`

	Log     LogConfig     `toml:"log"`
	Metrics MetricsConfig `toml:"metrics"`
}

// DefaultConfig returns the stock configuration.
func DefaultConfig() Config {
	return Config{
		Endpoint:          "tcp://127.0.0.1:7070",
		MaxNodes:          10000,
		QueueCapacity:     1024,
		SlotSize:          1024,
		RecvQueueCapacity: 1024,
		MaxPendingWrites:  256,
		ShutdownTimeout:   Duration{5 * time.Second},
		MaxWriteFailures:  8,
		ReadBufferSize:    64 * 1024,
		LoopCPU:           -1,
		Log:               LogConfig{Level: "info", Format: "json"},
		Metrics: MetricsConfig{
			Listen:    "127.0.0.1:9090",
			Path:      "/metrics",
			Namespace: "hioload_mq",
		},
	}
}

// LoadConfig reads a TOML file over the defaults. Unknown keys are errors.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	if err := checkUndecoded(md); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// ParseConfig decodes TOML text over the defaults.
func ParseConfig(text string) (Config, error) {
	cfg := DefaultConfig()
	md, err := toml.Decode(text, &cfg)
	if err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	if err := checkUndecoded(md); err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	return cfg, cfg.Validate()
}

func checkUndecoded(md toml.MetaData) error {
	keys := md.Undecoded()
	if len(keys) == 0 {
		return nil
	}
	names := make([]string, len(keys))
	for i, k := range keys {
		names[i] = k.String()
	}
	return fmt.Errorf("%w: unknown keys %s", api.ErrInvalidArgument, strings.Join(names, ", "))
}

// Encode renders the configuration as TOML.
func (c Config) Encode() (string, error) {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(c); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// Validate checks value ranges.
func (c Config) Validate() error {
	bad := func(key string, v any) error {
		return fmt.Errorf("%s = %v: %w", key, v, api.ErrInvalidArgument)
	}
	switch {
	case c.Endpoint == "":
		return bad("endpoint", `""`)
	case c.MaxNodes <= 0:
		return bad("max_nodes", c.MaxNodes)
	case c.QueueCapacity <= 0:
		return bad("queue_capacity", c.QueueCapacity)
	case c.SlotSize < 0:
		return bad("slot_size", c.SlotSize)
	case c.RecvQueueCapacity <= 0:
		return bad("recv_queue_capacity", c.RecvQueueCapacity)
	case c.MaxPendingWrites < 0:
		return bad("max_pending_writes", c.MaxPendingWrites)
	case c.ShutdownTimeout.Duration < 0:
		return bad("shutdown_timeout", c.ShutdownTimeout)
	case c.WriteTimeout.Duration < 0:
		return bad("write_timeout", c.WriteTimeout)
	case c.MaxWriteFailures < 0:
		return bad("max_write_failures", c.MaxWriteFailures)
	case c.ReadBufferSize < 0:
		return bad("read_buffer_size", c.ReadBufferSize)
	case c.LoopCPU < -1:
		return bad("loop_cpu", c.LoopCPU)
	}
	if c.Log.Level != "" {
		if _, err := zerolog.ParseLevel(strings.ToLower(c.Log.Level)); err != nil {
			return bad("log.level", c.Log.Level)
		}
	}
	return nil
}

// ToMap flattens the configuration for api.Control.GetConfig.
func (c Config) ToMap() map[string]any {
	return map[string]any{
		"endpoint":              c.Endpoint,
		"max_nodes":             c.MaxNodes,
		"queue_capacity":        c.QueueCapacity,
		"slot_size":             c.SlotSize,
		"recv_queue_capacity":   c.RecvQueueCapacity,
		"max_pending_writes":    c.MaxPendingWrites,
		"shutdown_timeout":      c.ShutdownTimeout.String(),
		"write_timeout":         c.WriteTimeout.String(),
		"max_write_failures":    c.MaxWriteFailures,
		"flush_before_shutdown": c.FlushBeforeShutdown,
		"read_buffer_size":      c.ReadBufferSize,
		"reuse_port":            c.ReusePort,
		"loop_cpu":              c.LoopCPU,
		"log.level":             c.Log.Level,
		"log.format":            c.Log.Format,
		"metrics.enabled":       c.Metrics.Enabled,
		"metrics.listen":        c.Metrics.Listen,
	}
}
