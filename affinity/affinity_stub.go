//go:build !linux && !windows

// File: affinity/affinity_stub.go
// Author: momentics <momentics@gmail.com>

package affinity

import (
	"fmt"

	"github.com/momentics/hioload-mq/api"
)

func pin(cpu int) error {
	return fmt.Errorf("affinity: %w on this platform", api.ErrNotSupported)
}
