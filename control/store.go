// control/store.go
// Author: momentics <momentics@gmail.com>
//
// Thread-safe configuration store with runtime updates and reload listeners.

package control

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/momentics/hioload-mq/api"
)

// ConfigStore holds the effective Config. Only keys in Tunables may change
// at runtime; they take effect for connections opened afterwards.
type ConfigStore struct {
	mu        sync.RWMutex
	config    Config
	listeners []func()
}

// Tunables lists the keys accepted by Apply.
var Tunables = []string{
	"max_pending_writes",
	"shutdown_timeout",
	"write_timeout",
	"max_write_failures",
	"flush_before_shutdown",
	"log.level",
}

// NewConfigStore initializes a store with cfg.
func NewConfigStore(cfg Config) *ConfigStore {
	return &ConfigStore{config: cfg}
}

// Get returns the current configuration.
func (cs *ConfigStore) Get() Config {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.config
}

// GetSnapshot returns the flattened configuration.
func (cs *ConfigStore) GetSnapshot() map[string]any {
	return cs.Get().ToMap()
}

// Apply validates and merges runtime-tunable values, then runs the reload
// listeners synchronously. Nothing changes if any key is rejected.
func (cs *ConfigStore) Apply(values map[string]any) error {
	cs.mu.Lock()
	next := cs.config
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := applyKey(&next, k, values[k]); err != nil {
			cs.mu.Unlock()
			return err
		}
	}
	if err := next.Validate(); err != nil {
		cs.mu.Unlock()
		return err
	}
	cs.config = next
	listeners := append([]func(){}, cs.listeners...)
	cs.mu.Unlock()

	for _, fn := range listeners {
		fn()
	}
	return nil
}

// OnReload registers a listener called after a successful Apply.
func (cs *ConfigStore) OnReload(fn func()) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.listeners = append(cs.listeners, fn)
}

func applyKey(c *Config, key string, v any) error {
	var err error
	switch key {
	case "max_pending_writes":
		c.MaxPendingWrites, err = asInt(v)
	case "max_write_failures":
		c.MaxWriteFailures, err = asInt(v)
	case "shutdown_timeout":
		c.ShutdownTimeout.Duration, err = asDuration(v)
	case "write_timeout":
		c.WriteTimeout.Duration, err = asDuration(v)
	case "flush_before_shutdown":
		b, ok := v.(bool)
		if !ok {
			err = fmt.Errorf("want bool, got %T", v)
		}
		c.FlushBeforeShutdown = b
	case "log.level":
		s, ok := v.(string)
		if !ok {
			err = fmt.Errorf("want string, got %T", v)
		}
		c.Log.Level = strings.ToLower(s)
	default:
		return fmt.Errorf("config key %q: %w: not runtime tunable", key, api.ErrNotSupported)
	}
	if err != nil {
		return fmt.Errorf("config key %q: %w: %v", key, api.ErrInvalidArgument, err)
	}
	return nil
}

func asInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		if n != float64(int(n)) {
			return 0, fmt.Errorf("%v is not an integer", n)
		}
		return int(n), nil
	default:
		return 0, fmt.Errorf("want integer, got %T", v)
	}
}

func asDuration(v any) (time.Duration, error) {
	switch d := v.(type) {
	case time.Duration:
		return d, nil
	case string:
		return time.ParseDuration(d)
	default:
		return 0, fmt.Errorf("want duration, got %T", v)
	}
}
