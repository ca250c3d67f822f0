//go:build !linux && !windows

package network

import "net"

func ReuseAddrListenConfig() net.ListenConfig {
	return net.ListenConfig{}
}
