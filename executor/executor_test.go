package executor

import (
	"fmt"
	"io"
	"testing"

	"github.com/farcall/farcall/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type duplex struct {
	io.Reader
	io.Writer
}

// harness drives a serving executor over in-memory pipes, one request and
// one response at a time, the way a real connection would.
type harness struct {
	t       *testing.T
	w       *io.PipeWriter
	r       *wire.Reader
	serveCh chan error
}

func startExecutor(t *testing.T) *harness {
	clientR, serverW := io.Pipe()
	serverR, clientW := io.Pipe()

	ex := New()
	t.Cleanup(ex.Close)

	serveCh := make(chan error, 1)
	go func() {
		serveCh <- ex.Serve(duplex{Reader: serverR, Writer: serverW})
	}()

	return &harness{
		t:       t,
		w:       clientW,
		r:       wire.NewReader(clientR),
		serveCh: serveCh,
	}
}

func (h *harness) roundTrip(op wire.Opcode, args ...string) wire.Message {
	h.t.Helper()
	h.send(op, args...)
	resp, err := h.r.ReadMessage()
	require.NoError(h.t, err)
	return resp
}

func (h *harness) send(op wire.Opcode, args ...string) {
	h.t.Helper()
	byteArgs := make([][]byte, len(args))
	for i, a := range args {
		byteArgs[i] = []byte(a)
	}
	_, err := h.w.Write(wire.Encode(op, byteArgs))
	require.NoError(h.t, err)
}

func (h *harness) serveResult() error {
	return <-h.serveCh
}

func results(msg wire.Message) []string {
	out := make([]string, len(msg.Args))
	for i, a := range msg.Args {
		out[i] = string(a)
	}
	return out
}

func TestEval(t *testing.T) {
	h := startExecutor(t)

	resp := h.roundTrip(wire.OpEval, "return 1 + 1")
	assert.Equal(t, wire.OpReturned, resp.Op)
	assert.Equal(t, []string{"2"}, results(resp))
}

func TestEvalParamsAndMultipleResults(t *testing.T) {
	h := startExecutor(t)

	resp := h.roundTrip(wire.OpEval, "local a, b = ...\nreturn b, a", "first", "second")
	assert.Equal(t, wire.OpReturned, resp.Op)
	assert.Equal(t, []string{"second", "first"}, results(resp))

	resp = h.roundTrip(wire.OpEval, "return")
	assert.Equal(t, wire.OpReturned, resp.Op)
	assert.Empty(t, resp.Args)
}

func TestEvalCompileFailureIsRecoverable(t *testing.T) {
	h := startExecutor(t)

	resp := h.roundTrip(wire.OpEval, "return ((")
	assert.Equal(t, wire.OpDied, resp.Op)
	assert.Contains(t, results(resp)[0], "while compiling:")

	// the connection stays fully usable
	resp = h.roundTrip(wire.OpEval, "return 1 + 1")
	assert.Equal(t, wire.OpReturned, resp.Op)
	assert.Equal(t, []string{"2"}, results(resp))
}

func TestEvalRuntimeFailure(t *testing.T) {
	h := startExecutor(t)

	resp := h.roundTrip(wire.OpEval, `error("boom")`)
	assert.Equal(t, wire.OpDied, resp.Op)
	assert.Contains(t, results(resp)[0], "while running:")
	assert.Contains(t, results(resp)[0], "boom")
}

func TestStoreAndCall(t *testing.T) {
	h := startExecutor(t)

	resp := h.roundTrip(wire.OpStore, "double", "local x = ...\nreturn x * 2")
	assert.Equal(t, wire.OpOK, resp.Op)

	resp = h.roundTrip(wire.OpCall, "double", "21")
	assert.Equal(t, wire.OpReturned, resp.Op)
	assert.Equal(t, []string{"42"}, results(resp))

	resp = h.roundTrip(wire.OpCall, "triple", "7")
	assert.Equal(t, wire.OpDied, resp.Op)
	assert.Contains(t, results(resp)[0], "no such stored procedure triple")
}

func TestStoreBatchIsAtomic(t *testing.T) {
	h := startExecutor(t)

	resp := h.roundTrip(wire.OpStore, "keeper", "return 1")
	require.Equal(t, wire.OpOK, resp.Op)

	resp = h.roundTrip(wire.OpStore,
		"fine", "return 2",
		"broken", "return ((",
	)
	assert.Equal(t, wire.OpDied, resp.Op)
	assert.Contains(t, results(resp)[0], "broken")

	// nothing from the failing batch was committed
	resp = h.roundTrip(wire.OpCall, "fine")
	assert.Equal(t, wire.OpDied, resp.Op)

	// registrations from the earlier batch are unaffected
	resp = h.roundTrip(wire.OpCall, "keeper")
	assert.Equal(t, wire.OpReturned, resp.Op)
	assert.Equal(t, []string{"1"}, results(resp))
}

func TestStoreOddArgs(t *testing.T) {
	h := startExecutor(t)
	resp := h.roundTrip(wire.OpStore, "lonely")
	assert.Equal(t, wire.OpDied, resp.Op)
	assert.Contains(t, results(resp)[0], "pairs")
}

func TestStoreReregisterIsSilent(t *testing.T) {
	h := startExecutor(t)

	resp := h.roundTrip(wire.OpStore, "f", "return 1")
	require.Equal(t, wire.OpOK, resp.Op)
	resp = h.roundTrip(wire.OpStore, "f", "return 2")
	require.Equal(t, wire.OpOK, resp.Op)

	resp = h.roundTrip(wire.OpCall, "f")
	assert.Equal(t, []string{"2"}, results(resp))
}

func TestStorePkgInitializerRunsOnce(t *testing.T) {
	h := startExecutor(t)

	for i := 0; i < 2; i++ {
		resp := h.roundTrip(wire.OpStorePkg, "N",
			"_init", "counter = (counter or 0) + 1",
			"getcounter", "return counter",
		)
		require.Equal(t, wire.OpOK, resp.Op, "registration %d", i)
	}

	resp := h.roundTrip(wire.OpCall, "getcounter")
	assert.Equal(t, wire.OpReturned, resp.Op)
	assert.Equal(t, []string{"1"}, results(resp))
}

func TestStorePkgNamespaceScoping(t *testing.T) {
	h := startExecutor(t)

	resp := h.roundTrip(wire.OpStorePkg, "scoped",
		"_init", `secret = "hidden"`,
		"reveal", "return secret",
	)
	require.Equal(t, wire.OpOK, resp.Op)

	// namespace writes are invisible to the default execution context
	resp = h.roundTrip(wire.OpEval, "return secret")
	assert.Equal(t, wire.OpReturned, resp.Op)
	assert.Equal(t, []string{""}, results(resp))

	// but the namespace's own functions see them
	resp = h.roundTrip(wire.OpCall, "reveal")
	assert.Equal(t, []string{"hidden"}, results(resp))

	// and namespace reads fall through to globals
	resp = h.roundTrip(wire.OpEval, `shared = "everyone"`)
	require.Equal(t, wire.OpReturned, resp.Op)
	resp = h.roundTrip(wire.OpStorePkg, "scoped", "peek", "return shared")
	require.Equal(t, wire.OpOK, resp.Op)
	resp = h.roundTrip(wire.OpCall, "peek")
	assert.Equal(t, []string{"everyone"}, results(resp))
}

func TestStatePersistsAcrossEvals(t *testing.T) {
	h := startExecutor(t)

	resp := h.roundTrip(wire.OpEval, "stash = 41")
	require.Equal(t, wire.OpReturned, resp.Op)

	resp = h.roundTrip(wire.OpEval, "return stash + 1")
	assert.Equal(t, []string{"42"}, results(resp))
}

func TestUnknownOpcode(t *testing.T) {
	h := startExecutor(t)

	resp := h.roundTrip(wire.Opcode("FROB"), "x")
	assert.Equal(t, wire.OpDied, resp.Op)
	assert.Contains(t, results(resp)[0], "unknown message FROB")

	// the loop keeps going
	resp = h.roundTrip(wire.OpEval, "return 1 + 1")
	assert.Equal(t, wire.OpReturned, resp.Op)
}

func TestQuitTerminates(t *testing.T) {
	h := startExecutor(t)
	h.send(wire.OpQuit)
	assert.NoError(t, h.serveResult())
}

func TestEOFTerminates(t *testing.T) {
	h := startExecutor(t)
	require.NoError(t, h.w.Close())
	assert.NoError(t, h.serveResult())
}

func TestFramingErrorIsFatal(t *testing.T) {
	h := startExecutor(t)
	_, err := io.WriteString(h.w, "EVAL\nxyz\n")
	require.NoError(t, err)
	assert.Error(t, h.serveResult())
}

func TestBinaryArgsSurvive(t *testing.T) {
	h := startExecutor(t)

	arg := string([]byte{0, 1, '\n', 255, '\n', 0})
	resp := h.roundTrip(wire.OpEval, "local x = ...\nreturn x, #x", arg)
	require.Equal(t, wire.OpReturned, resp.Op)
	res := results(resp)
	assert.Equal(t, arg, res[0])
	assert.Equal(t, fmt.Sprintf("%d", len(arg)), res[1])
}

func TestBootRunsBootstrapThenServes(t *testing.T) {
	clientR, serverW := io.Pipe()
	serverR, clientW := io.Pipe()

	ex := New()
	t.Cleanup(ex.Close)

	bootCh := make(chan error, 1)
	go func() {
		bootCh <- ex.Boot(duplex{Reader: serverR, Writer: serverW})
	}()

	chunk := "serve()\n"
	_, err := fmt.Fprintf(clientW, "%d\n%s", len(chunk), chunk)
	require.NoError(t, err)

	r := wire.NewReader(clientR)
	_, err = clientW.Write(wire.Encode(wire.OpEval, [][]byte{[]byte("return 1 + 1")}))
	require.NoError(t, err)
	resp, err := r.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, wire.OpReturned, resp.Op)

	_, err = clientW.Write(wire.Encode(wire.OpQuit, nil))
	require.NoError(t, err)
	assert.NoError(t, <-bootCh)
}
