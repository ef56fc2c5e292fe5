// Package client implements the local side of a farcall connection. It
// bootstraps the remote executor over an established transport, issues
// EVAL/STORE/STOREPKG/CALL requests one at a time, and mirrors which
// procedure names and namespaces the remote side already knows so redundant
// round trips fail fast locally.
package client

import (
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/farcall/farcall/library"
	"github.com/farcall/farcall/wire"
	"go.uber.org/zap"
)

// bootstrapChunk is the source text sent once at connection start. The
// remote host executes it with a `serve` builtin installed; calling serve
// starts the dispatch loop on the same stream.
const bootstrapChunk = "serve()\n"

// ErrProtocol reports a fatal protocol violation: a malformed frame or an
// unrecognized response opcode. The connection is unusable afterwards.
var ErrProtocol = errors.New("protocol violation")

// RemoteError is a DIED response: the remote side failed to compile or run
// something, but the connection remains fully usable.
type RemoteError struct {
	Diag string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote died: %s", e.Diag)
}

// Client drives one remote executor. It is synchronous: one request is in
// flight at a time, and every method blocks until the response has been
// decoded. A Client is not goroutine-safe.
type Client struct {
	log  *zap.SugaredLogger
	conn io.ReadWriteCloser
	r    *wire.Reader

	resolver library.Resolver

	// stored maps registered procedure names to the namespace they came
	// from ("" for the default namespace). It is updated only after a
	// remote OK, never before.
	stored map[string]string
	loaded map[string]bool

	// fatal is sticky: once the connection has desynchronized, every
	// subsequent request fails with it.
	fatal error
}

type Option func(c *Client)

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		c.log = l.Named("client").Sugar()
	}
}

// WithResolver sets the library resolver used by UseLibrary. The default
// resolves only the built-in bundles.
func WithResolver(r library.Resolver) Option {
	return func(c *Client) {
		c.resolver = r
	}
}

// New writes the bootstrap payload to the transport and returns a client
// ready to issue requests. The bootstrap write is fire-and-forget; no
// acknowledgement is expected.
func New(conn io.ReadWriteCloser, opts ...Option) (*Client, error) {
	c := &Client{
		log:      zap.NewNop().Sugar(),
		conn:     conn,
		r:        wire.NewReader(conn),
		resolver: library.Builtin(),
		stored:   map[string]string{},
		loaded:   map[string]bool{},
	}
	for _, o := range opts {
		o(c)
	}

	boot := fmt.Sprintf("%d\n%s", len(bootstrapChunk), bootstrapChunk)
	if _, err := io.WriteString(conn, boot); err != nil {
		return nil, fmt.Errorf("writing bootstrap payload: %w", err)
	}
	c.log.Debugw("sent bootstrap payload", "Bytes", len(boot))
	return c, nil
}

// roundTrip sends one request and blocks for its response message.
func (c *Client) roundTrip(op wire.Opcode, args [][]byte) (wire.Message, error) {
	if c.fatal != nil {
		return wire.Message{}, c.fatal
	}
	if err := wire.WriteMessage(c.conn, op, args); err != nil {
		c.fatal = fmt.Errorf("writing %s request: %w", op, err)
		return wire.Message{}, c.fatal
	}
	resp, err := c.r.ReadMessage()
	if err != nil {
		c.fatal = fmt.Errorf("reading %s response: %w", op, err)
		return wire.Message{}, c.fatal
	}
	return resp, nil
}

// returned interprets a response that should be RETURNED.
func (c *Client) returned(resp wire.Message) ([]string, error) {
	switch resp.Op {
	case wire.OpReturned:
		results := make([]string, len(resp.Args))
		for i, a := range resp.Args {
			results[i] = string(a)
		}
		return results, nil
	case wire.OpDied:
		return nil, &RemoteError{Diag: diag(resp)}
	default:
		c.fatal = fmt.Errorf("%w: unexpected response opcode %s", ErrProtocol, resp.Op)
		return nil, c.fatal
	}
}

// acked interprets a response that should be OK.
func (c *Client) acked(resp wire.Message) error {
	switch resp.Op {
	case wire.OpOK:
		return nil
	case wire.OpDied:
		return &RemoteError{Diag: diag(resp)}
	default:
		c.fatal = fmt.Errorf("%w: unexpected response opcode %s", ErrProtocol, resp.Op)
		return c.fatal
	}
}

func diag(resp wire.Message) string {
	if len(resp.Args) == 0 {
		return "(no diagnostic)"
	}
	return string(resp.Args[0])
}

// Eval compiles and runs code on the remote side, passing args as the
// chunk's varargs, and returns all results.
func (c *Client) Eval(code string, args ...string) ([]string, error) {
	resp, err := c.roundTrip(wire.OpEval, byteArgs(code, args))
	if err != nil {
		return nil, err
	}
	return c.returned(resp)
}

// Eval1 is Eval for callers that want a single value; extra results are
// discarded.
func (c *Client) Eval1(code string, args ...string) (string, error) {
	results, err := c.Eval(code, args...)
	if err != nil {
		return "", err
	}
	if len(results) == 0 {
		return "", nil
	}
	return results[0], nil
}

// Store registers one named procedure on the remote side. Storing a name
// twice on one connection fails locally, before any bytes are written.
func (c *Client) Store(name, code string) error {
	return c.StoreAll(map[string]string{name: code})
}

// StoreAll registers a batch of named procedures in one round trip. The
// batch is atomic: either every name registers or none does.
func (c *Client) StoreAll(funcs map[string]string) error {
	names := make([]string, 0, len(funcs))
	for name := range funcs {
		if _, ok := c.stored[name]; ok {
			return fmt.Errorf("duplicate stored function %q", name)
		}
		names = append(names, name)
	}
	sort.Strings(names)

	args := make([][]byte, 0, 2*len(names))
	for _, name := range names {
		args = append(args, []byte(name), []byte(funcs[name]))
	}

	resp, err := c.roundTrip(wire.OpStore, args)
	if err != nil {
		return err
	}
	if err := c.acked(resp); err != nil {
		return err
	}
	for _, name := range names {
		c.stored[name] = ""
	}
	return nil
}

// Call invokes a stored procedure. Calling a name this connection never
// registered fails locally, before any bytes are written.
func (c *Client) Call(name string, args ...string) ([]string, error) {
	if _, ok := c.stored[name]; !ok {
		return nil, fmt.Errorf("no stored function %q", name)
	}
	resp, err := c.roundTrip(wire.OpCall, byteArgs(name, args))
	if err != nil {
		return nil, err
	}
	return c.returned(resp)
}

// Call1 is Call for callers that want a single value.
func (c *Client) Call1(name string, args ...string) (string, error) {
	results, err := c.Call(name, args...)
	if err != nil {
		return "", err
	}
	if len(results) == 0 {
		return "", nil
	}
	return results[0], nil
}

// Bound is a local callable that forwards its arguments to a remote stored
// procedure.
type Bound func(args ...string) ([]string, error)

// Bind stores code under name and returns a local callable forwarding to
// it. This is a capability handed back to the caller, not a name injected
// anywhere.
func (c *Client) Bind(name, code string) (Bound, error) {
	if err := c.Store(name, code); err != nil {
		return nil, err
	}
	return func(args ...string) ([]string, error) {
		return c.Call(name, args...)
	}, nil
}

// UseLibrary resolves a bundle and registers its functions remotely under
// the bundle's namespace. With no names every function in the bundle is
// registered; otherwise only the requested subset. Reloading a bundle on
// the same connection never re-sends the initializer.
func (c *Client) UseLibrary(name string, funcs ...string) error {
	bundle, err := c.resolver.Resolve(name)
	if err != nil {
		return fmt.Errorf("resolving library %q: %w", name, err)
	}
	bundle, err = library.Select(bundle, funcs...)
	if err != nil {
		return err
	}

	fnNames := bundle.FuncNames()
	args := make([][]byte, 0, 2+2*len(fnNames))
	args = append(args, []byte(bundle.Name))
	if bundle.Init != "" && !c.loaded[bundle.Name] {
		args = append(args, []byte("_init"), []byte(bundle.Init))
	}
	for _, fnName := range fnNames {
		args = append(args, []byte(fnName), []byte(bundle.Funcs[fnName]))
	}

	resp, err := c.roundTrip(wire.OpStorePkg, args)
	if err != nil {
		return err
	}
	if err := c.acked(resp); err != nil {
		return err
	}

	c.loaded[bundle.Name] = true
	for _, fnName := range fnNames {
		c.stored[fnName] = bundle.Name
	}
	c.log.Debugw("loaded library", "Library", bundle.Name, "Functions", len(fnNames))
	return nil
}

// Close tears the connection down: a best-effort QUIT, then the write side
// if the transport can half-close, then a wait for any underlying process
// so nothing is left orphaned, then the transport itself.
func (c *Client) Close() error {
	if c.fatal == nil {
		if err := wire.WriteMessage(c.conn, wire.OpQuit, nil); err != nil {
			c.log.Debugf("error sending QUIT: %s", err)
		}
	}
	if cw, ok := c.conn.(interface{ CloseWrite() error }); ok {
		if err := cw.CloseWrite(); err != nil {
			c.log.Debugf("error closing write side: %s", err)
		}
	}
	if w, ok := c.conn.(interface{ Wait() error }); ok {
		if err := w.Wait(); err != nil {
			c.log.Debugf("error waiting for transport: %s", err)
		}
	}
	return c.conn.Close()
}

func byteArgs(first string, rest []string) [][]byte {
	args := make([][]byte, 0, 1+len(rest))
	args = append(args, []byte(first))
	for _, a := range rest {
		args = append(args, []byte(a))
	}
	return args
}
