// Package netutil has small networking helpers for tests.
package netutil

import (
	"fmt"
	"net"
)

// EphemeralTCPPort asks the kernel for a free TCP port on localhost. The
// port is released before returning, so a fast taker could still race for
// it; acceptable for tests.
func EphemeralTCPPort() (int, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("listening to acquire port: %w", err)
	}
	defer listener.Close()
	return listener.Addr().(*net.TCPAddr).Port, nil
}
