//go:build linux

package network

import (
	"errors"
	"syscall"
)

// reuseAddrControl sets SO_REUSEADDR before binding so a fixed local port
// can be rebound immediately after a restart.
func reuseAddrControl(network, address string, c syscall.RawConn) error {
	var opErr error
	err := c.Control(func(fd uintptr) {
		opErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return opErr
}

// isUnreachable reports an ICMP port-unreachable surfaced on a connected
// UDP socket. The peer may come back, so it is not a transport failure.
func isUnreachable(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED)
}
