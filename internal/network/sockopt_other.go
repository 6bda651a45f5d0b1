//go:build !linux && !windows

package network

import (
	"errors"
	"syscall"
)

func reuseAddrControl(network, address string, c syscall.RawConn) error {
	return nil
}

func isUnreachable(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED)
}
