//go:build linux || darwin || freebsd
// +build linux darwin freebsd

// File: transport/sockopt_unix.go
// Author: momentics <momentics@gmail.com>

package transport

import (
	"strings"

	"golang.org/x/sys/unix"
)

func applySocketOptions(fd uintptr, network string, o SocketOptions) error {
	if o.ReusePort && (strings.HasPrefix(network, "tcp") || strings.HasPrefix(network, "udp")) {
		if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
			return err
		}
	}
	if o.RecvBuffer > 0 {
		if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, o.RecvBuffer); err != nil {
			return err
		}
	}
	if o.SendBuffer > 0 {
		if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF, o.SendBuffer); err != nil {
			return err
		}
	}
	return nil
}
