//go:build !linux && !darwin && !freebsd && !windows
// +build !linux,!darwin,!freebsd,!windows

// File: transport/sockopt_other.go
// Author: momentics <momentics@gmail.com>

package transport

func applySocketOptions(uintptr, string, SocketOptions) error {
	return nil
}
