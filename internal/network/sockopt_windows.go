//go:build windows

package network

import (
	"errors"
	"syscall"
)

// reuseAddrControl sets SO_REUSEADDR before binding so a fixed local port
// can be rebound immediately after a restart.
func reuseAddrControl(network, address string, c syscall.RawConn) error {
	return c.Control(func(fd uintptr) {
		syscall.SetsockoptInt(syscall.Handle(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
	})
}

// isUnreachable reports an ICMP port-unreachable. Windows surfaces it as
// WSAECONNRESET on the next read of a UDP socket.
func isUnreachable(err error) bool {
	return errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED)
}
