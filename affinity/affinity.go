// File: affinity/affinity.go
// Author: momentics <momentics@gmail.com>
//
// CPU pinning for reactor goroutines. The caller must hold the OS thread
// (runtime.LockOSThread) for the pin to stay attached to its goroutine.

package affinity

import (
	"fmt"

	"github.com/momentics/hioload-mq/api"
)

// Pin binds the calling OS thread to logical CPU cpu.
func Pin(cpu int) error {
	if cpu < 0 {
		return fmt.Errorf("affinity: cpu %d: %w", cpu, api.ErrInvalidArgument)
	}
	return pin(cpu)
}
