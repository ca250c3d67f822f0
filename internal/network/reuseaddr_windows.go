//go:build windows

package network

import (
	"net"
	"syscall"
)

func ReuseAddrListenConfig() net.ListenConfig {
	return net.ListenConfig{
		Control: func(_, _ string, rc syscall.RawConn) error {
			var sockErr error
			if err := rc.Control(func(fd uintptr) {
				sockErr = syscall.SetsockoptInt(syscall.Handle(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			}); err != nil {
				return err
			}
			return sockErr
		},
	}
}
