//go:build !linux && !windows

package network

import "net"

// ReuseAddrListenConfig returns a default net.ListenConfig on platforms
// without a dedicated implementation.
func ReuseAddrListenConfig() net.ListenConfig {
	return net.ListenConfig{}
}
