//go:build windows
// +build windows

// File: transport/sockopt_windows.go
// Author: momentics <momentics@gmail.com>

package transport

import (
	"golang.org/x/sys/windows"
)

// ReusePort has no Windows equivalent and is ignored.
func applySocketOptions(fd uintptr, _ string, o SocketOptions) error {
	h := windows.Handle(fd)
	if o.RecvBuffer > 0 {
		if err := windows.SetsockoptInt(h, windows.SOL_SOCKET, windows.SO_RCVBUF, o.RecvBuffer); err != nil {
			return err
		}
	}
	if o.SendBuffer > 0 {
		if err := windows.SetsockoptInt(h, windows.SOL_SOCKET, windows.SO_SNDBUF, o.SendBuffer); err != nil {
			return err
		}
	}
	return nil
}
