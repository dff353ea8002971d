//go:build windows

// File: affinity/affinity_windows.go
// Author: momentics <momentics@gmail.com>

package affinity

import (
	"fmt"

	"golang.org/x/sys/windows"

	"github.com/momentics/hioload-mq/api"
)

var procSetThreadAffinityMask = windows.NewLazySystemDLL("kernel32.dll").NewProc("SetThreadAffinityMask")

func pin(cpu int) error {
	if cpu >= 64 {
		return fmt.Errorf("affinity: cpu %d outside the default processor group: %w", cpu, api.ErrNotSupported)
	}
	ret, _, err := procSetThreadAffinityMask.Call(uintptr(windows.CurrentThread()), uintptr(1)<<cpu)
	if ret == 0 {
		return fmt.Errorf("affinity: SetThreadAffinityMask cpu %d: %w", cpu, err)
	}
	return nil
}
