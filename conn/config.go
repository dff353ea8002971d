// File: conn/config.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package conn

import (
	"fmt"
	"time"

	"github.com/momentics/hioload-mq/api"
)

// Defaults for Config.
const (
	DefaultMaxPending       = 256
	DefaultShutdownTimeout  = 5 * time.Second
	DefaultMaxWriteFailures = 8
)

// Config tunes a Writer.
type Config struct {
	// MaxPending bounds the pending FIFO behind the in-flight write.
	MaxPending int
	// ShutdownTimeout forces close when the peer does not finish a graceful
	// shutdown in time. Zero disables the timer.
	ShutdownTimeout time.Duration
	// WriteTimeout forces close when a single write does not complete in
	// time. Zero disables the timer.
	WriteTimeout time.Duration
	// MaxWriteFailures closes the connection after that many consecutive
	// failed writes. Zero disables the limit.
	MaxWriteFailures int
	// FlushBeforeShutdown lets RequestShutdown during a write wait for the
	// pending FIFO to drain instead of failing with ErrIllegalState.
	FlushBeforeShutdown bool
}

// DefaultConfig returns the stock writer configuration.
func DefaultConfig() Config {
	return Config{
		MaxPending:       DefaultMaxPending,
		ShutdownTimeout:  DefaultShutdownTimeout,
		MaxWriteFailures: DefaultMaxWriteFailures,
	}
}

// Validate checks value ranges.
func (c Config) Validate() error {
	switch {
	case c.MaxPending < 0:
		return fmt.Errorf("max_pending_writes %d: %w", c.MaxPending, api.ErrInvalidArgument)
	case c.ShutdownTimeout < 0:
		return fmt.Errorf("shutdown_timeout %s: %w", c.ShutdownTimeout, api.ErrInvalidArgument)
	case c.WriteTimeout < 0:
		return fmt.Errorf("write_timeout %s: %w", c.WriteTimeout, api.ErrInvalidArgument)
	case c.MaxWriteFailures < 0:
		return fmt.Errorf("max_write_failures %d: %w", c.MaxWriteFailures, api.ErrInvalidArgument)
	}
	return nil
}
