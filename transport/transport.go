// Package transport establishes the duplex byte streams that farcall
// connections run over. The protocol itself never changes with the
// transport; these constructors only select how the stream is obtained:
// a spawned subprocess, a remote-shell command, a TCP endpoint, a WebSocket
// session, a Docker container's stdio, or caller-supplied raw primitives.
package transport

import "io"

// Transport is an established duplex byte stream.
type Transport interface {
	io.ReadWriteCloser
}

// WriteCloser is implemented by transports that can close their write side
// independently, which the far end observes as end-of-stream.
type WriteCloser interface {
	CloseWrite() error
}

// Waiter is implemented by transports backed by a process that should be
// reaped on teardown.
type Waiter interface {
	Wait() error
}
