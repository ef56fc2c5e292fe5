// Package executor implements the remote side of a farcall connection: a
// single-threaded dispatch loop that turns an embedded Lua interpreter into
// an RPC server over a duplex byte stream.
//
// The executor owns all of its state. Stored procedures and namespace
// environments live in one Lua state that is private to the executor, so
// multiple executors can coexist in one process without interfering.
package executor

import (
	"errors"
	"fmt"
	"io"

	"github.com/farcall/farcall/wire"
	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
)

// initName is the reserved pair name that carries a namespace initializer
// inside a STOREPKG batch. It is never registered as a procedure.
const initName = "_init"

// Executor runs the dispatch loop. Create one per connection with New and
// release it with Close.
type Executor struct {
	log   *zap.SugaredLogger
	state *lua.LState

	procs      map[string]*lua.LFunction
	namespaces map[string]*namespace
}

// namespace is the compilation scope for one STOREPKG package: an
// environment table whose reads fall through to the globals, plus a flag
// recording that its initializer has already run.
type namespace struct {
	env     *lua.LTable
	initRan bool
}

type Option func(e *Executor)

func WithLogger(l *zap.Logger) Option {
	return func(e *Executor) {
		e.log = l.Named("executor").Sugar()
	}
}

// New creates an executor with a fresh Lua state.
func New(opts ...Option) *Executor {
	e := &Executor{
		log:        zap.NewNop().Sugar(),
		state:      lua.NewState(),
		procs:      map[string]*lua.LFunction{},
		namespaces: map[string]*namespace{},
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Close releases the Lua state. The executor must not be used afterwards.
func (e *Executor) Close() {
	e.state.Close()
}

// Boot consumes the client's bootstrap payload from rw and executes it with
// a `serve` builtin installed. The payload is a length-prefixed Lua chunk;
// when it calls serve(), the dispatch loop runs on the same stream. Boot
// returns once the loop has terminated.
func (e *Executor) Boot(rw io.ReadWriter) error {
	src, err := readBootstrap(rw)
	if err != nil {
		return fmt.Errorf("reading bootstrap chunk: %w", err)
	}

	var serveErr error
	e.state.SetGlobal("serve", e.state.NewFunction(func(L *lua.LState) int {
		serveErr = e.Serve(rw)
		return 0
	}))

	e.log.Debugw("running bootstrap chunk", "Bytes", len(src))
	if err := e.state.DoString(src); err != nil {
		return fmt.Errorf("running bootstrap chunk: %w", err)
	}
	return serveErr
}

// readBootstrap reads `<decimal length>\n<length raw bytes>` from r. It
// reads byte-at-a-time so no frame bytes are consumed ahead of the loop.
func readBootstrap(r io.Reader) (string, error) {
	var length int
	var b [1]byte
	for {
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return "", err
		}
		if b[0] == '\n' {
			break
		}
		if b[0] < '0' || b[0] > '9' {
			return "", fmt.Errorf("bad length byte %q", b[0])
		}
		length = length*10 + int(b[0]-'0')
		if length > 1<<24 {
			return "", errors.New("bootstrap chunk too large")
		}
	}
	src := make([]byte, length)
	if _, err := io.ReadFull(r, src); err != nil {
		return "", err
	}
	return string(src), nil
}

// Serve runs the dispatch loop until a QUIT message arrives or the stream
// ends. End-of-stream is treated exactly like an explicit QUIT. Framing
// errors are fatal and returned; protocol-level failures are reported to
// the peer as DIED and the loop continues.
func (e *Executor) Serve(rw io.ReadWriter) error {
	r := wire.NewReader(rw)
	for {
		msg, err := r.ReadMessage()
		if err != nil {
			if err == io.EOF {
				e.log.Debug("stream closed, treating as QUIT")
				return nil
			}
			return fmt.Errorf("reading message: %w", err)
		}

		if msg.Op == wire.OpQuit {
			e.log.Debug("got QUIT")
			return nil
		}

		op, args := e.dispatch(msg)
		if err := wire.WriteMessage(rw, op, args); err != nil {
			return fmt.Errorf("writing %s response: %w", op, err)
		}
	}
}

// dispatch handles one request and produces exactly one response.
func (e *Executor) dispatch(msg wire.Message) (wire.Opcode, [][]byte) {
	switch msg.Op {
	case wire.OpEval:
		return e.evalOp(msg.Args)
	case wire.OpStore:
		return e.storeOp(msg.Args)
	case wire.OpStorePkg:
		return e.storePkgOp(msg.Args)
	case wire.OpCall:
		return e.callOp(msg.Args)
	default:
		e.log.Debugw("unknown opcode", "Opcode", msg.Op)
		return died("unknown message %s", msg.Op)
	}
}

func died(format string, args ...interface{}) (wire.Opcode, [][]byte) {
	return wire.OpDied, [][]byte{[]byte(fmt.Sprintf(format, args...))}
}

func (e *Executor) evalOp(args [][]byte) (wire.Opcode, [][]byte) {
	if len(args) < 1 {
		return died("EVAL needs code")
	}
	fn, err := e.state.LoadString(string(args[0]))
	if err != nil {
		return died("while compiling: %s", err)
	}
	results, err := e.invoke(fn, args[1:])
	if err != nil {
		return died("while running: %s", err)
	}
	return wire.OpReturned, results
}

func (e *Executor) storeOp(args [][]byte) (wire.Opcode, [][]byte) {
	return e.storeBatch(nil, args)
}

func (e *Executor) storePkgOp(args [][]byte) (wire.Opcode, [][]byte) {
	if len(args) < 1 {
		return died("STOREPKG needs a namespace")
	}
	ns := e.ensureNamespace(string(args[0]))
	return e.storeBatch(ns, args[1:])
}

// storeBatch compiles every pair before committing any of them, so a
// failing batch leaves no partial registration behind. The namespace is nil
// for plain STORE.
func (e *Executor) storeBatch(ns *namespace, args [][]byte) (wire.Opcode, [][]byte) {
	if len(args)%2 != 0 {
		return died("expected name/code pairs, got %d arguments", len(args))
	}

	type pending struct {
		name string
		fn   *lua.LFunction
	}
	var funcs []pending
	var init *lua.LFunction

	for i := 0; i < len(args); i += 2 {
		name := string(args[i])
		fn, err := e.state.LoadString(string(args[i+1]))
		if err != nil {
			return died("while compiling %s: %s", name, err)
		}
		if ns != nil {
			e.state.SetFEnv(fn, ns.env)
		}
		if ns != nil && name == initName {
			init = fn
			continue
		}
		funcs = append(funcs, pending{name: name, fn: fn})
	}

	// The initializer runs once per namespace for the lifetime of the
	// executor, even if later batches carry it again.
	if init != nil && !ns.initRan {
		if _, err := e.invoke(init, nil); err != nil {
			return died("while running %s: %s", initName, err)
		}
		ns.initRan = true
	}

	for _, p := range funcs {
		e.procs[p.name] = p.fn
	}
	e.log.Debugw("stored procedures", "Count", len(funcs))
	return wire.OpOK, nil
}

func (e *Executor) callOp(args [][]byte) (wire.Opcode, [][]byte) {
	if len(args) < 1 {
		return died("CALL needs a name")
	}
	name := string(args[0])
	fn, ok := e.procs[name]
	if !ok {
		return died("no such stored procedure %s", name)
	}
	results, err := e.invoke(fn, args[1:])
	if err != nil {
		return died("while running: %s", err)
	}
	return wire.OpReturned, results
}

// ensureNamespace lazily creates the environment for a namespace. Reads of
// unknown names fall through to the globals; writes stay in the namespace.
func (e *Executor) ensureNamespace(name string) *namespace {
	if ns, ok := e.namespaces[name]; ok {
		return ns
	}
	env := e.state.NewTable()
	mt := e.state.NewTable()
	e.state.SetField(mt, "__index", e.state.G.Global)
	e.state.SetMetatable(env, mt)
	ns := &namespace{env: env}
	e.namespaces[name] = ns
	e.log.Debugw("created namespace", "Namespace", name)
	return ns
}

// invoke calls a compiled chunk with the given params bound to its varargs
// and returns all results rendered as byte strings.
func (e *Executor) invoke(fn *lua.LFunction, params [][]byte) ([][]byte, error) {
	L := e.state
	base := L.GetTop()

	lparams := make([]lua.LValue, len(params))
	for i, p := range params {
		lparams[i] = lua.LString(p)
	}

	err := L.CallByParam(lua.P{Fn: fn, NRet: lua.MultRet, Protect: true}, lparams...)
	if err != nil {
		L.SetTop(base)
		return nil, err
	}

	top := L.GetTop()
	results := make([][]byte, 0, top-base)
	for i := base + 1; i <= top; i++ {
		results = append(results, renderValue(L.Get(i)))
	}
	L.SetTop(base)
	return results, nil
}

// renderValue flattens a Lua value to the opaque byte string that crosses
// the wire. nil renders as the empty string.
func renderValue(v lua.LValue) []byte {
	switch v := v.(type) {
	case lua.LString:
		return []byte(v)
	default:
		if v == lua.LNil {
			return []byte{}
		}
		return []byte(v.String())
	}
}
