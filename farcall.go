// Package farcall drives code execution inside a remote interpreter
// reachable only through a duplex byte stream: a spawned subprocess, a
// remote-shell session, a socket, or anything else that can carry bytes
// both ways.
//
// The far side needs nothing preinstalled beyond the farcalld agent, which
// embeds the interpreter. A connection bootstraps the agent's dispatch loop
// once, then issues eval/store/call requests over a compact binary-safe
// framing; see the wire, executor, and client packages for the protocol
// core and the transport package for ways to obtain the byte stream.
//
//	c, err := farcall.ConnectCommand(ctx, "farcalld", "stdio")
//	defer c.Close()
//	sum, err := c.Eval1("local a, b = ...\nreturn a + b", "40", "2")
package farcall

import (
	"context"
	"io"

	"github.com/farcall/farcall/client"
	"github.com/farcall/farcall/transport"
)

// Connect starts a session over an already-established byte stream.
func Connect(conn io.ReadWriteCloser, opts ...client.Option) (*client.Client, error) {
	return client.New(conn, opts...)
}

// ConnectCommand spawns the command vector and starts a session over its
// stdio. The command is expected to run the agent, typically
// "farcalld stdio". Closing the client reaps the process.
func ConnectCommand(ctx context.Context, name string, args ...string) (*client.Client, error) {
	p, err := transport.Exec(ctx, name, args...)
	if err != nil {
		return nil, err
	}
	return client.New(p)
}

// ConnectShell opens a remote-shell session to host, runs the agent on the
// far side, and starts a session over it.
func ConnectShell(ctx context.Context, host string, opts ...transport.ShellOption) (*client.Client, error) {
	p, err := transport.Shell(ctx, host, opts...)
	if err != nil {
		return nil, err
	}
	return client.New(p)
}

// ConnectEndpoint dials a raw socket with a listening agent on the far
// side and starts a session over it.
func ConnectEndpoint(ctx context.Context, network, addr string) (*client.Client, error) {
	c, err := transport.Dial(ctx, network, addr)
	if err != nil {
		return nil, err
	}
	return client.New(c)
}
