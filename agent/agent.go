// Package agent hosts the remote executor. It serves a single connection's
// stdio (the stdio and remote-shell cases) or listens over HTTP and runs
// one executor per WebSocket session (the socket case).
package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"

	"github.com/farcall/farcall/executor"
	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// Agent hosts executors for incoming connections.
type Agent struct {
	log     *zap.Logger
	slog    *zap.SugaredLogger
	addr    string
	server  *http.Server
	started chan struct{}
}

type Option func(a *Agent)

func WithLogger(l *zap.Logger) Option {
	return func(a *Agent) {
		a.log = l
		a.slog = l.Named("agent").Sugar()
	}
}

// WithListenAddr sets the address Run listens on.
func WithListenAddr(addr string) Option {
	return func(a *Agent) {
		a.addr = addr
	}
}

// New constructs an agent. The default logger writes to stderr, which
// matters in stdio mode where stdout carries protocol frames.
func New(opts ...Option) (*Agent, error) {
	logger, err := zap.NewProduction()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	a := &Agent{
		log:     logger,
		slog:    logger.Named("agent").Sugar(),
		addr:    "0.0.0.0:7667",
		started: make(chan struct{}),
	}
	for _, o := range opts {
		o(a)
	}
	return a, nil
}

// ServeConn runs one executor over rw: it consumes the client's bootstrap
// payload and serves the dispatch loop until QUIT or end-of-stream.
func (a *Agent) ServeConn(rw io.ReadWriter) error {
	ex := executor.New(executor.WithLogger(a.log))
	defer ex.Close()
	return ex.Boot(rw)
}

// Run listens for WebSocket sessions until Stop is called.
func (a *Agent) Run() error {
	listener, err := net.Listen("tcp", a.addr)
	if err != nil {
		return fmt.Errorf("listening on %q: %w", a.addr, err)
	}

	router := httprouter.New()
	router.GET("/session", a.session)
	router.GET("/healthz", a.healthz)

	server := &http.Server{Handler: router}
	a.server = server
	close(a.started)

	a.slog.Infof("listening on %s", listener.Addr())
	err = server.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Addr returns the listen address, useful when it was chosen with port 0.
func (a *Agent) Addr() string {
	return a.addr
}

func (a *Agent) Stop() error {
	<-a.started
	return a.server.Close()
}

// session runs one executor over an accepted WebSocket connection.
func (a *Agent) session(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		a.slog.Debugf("error accepting WebSocket conn: %s", err)
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	wsConn.SetReadLimit(1 << 20)

	id := uuid.NewString()
	log := a.slog.With("Session", id)
	log.Debug("session started")

	conn := websocket.NetConn(r.Context(), wsConn, websocket.MessageBinary)
	defer conn.Close()

	if err := a.ServeConn(conn); err != nil {
		log.Debugf("session ended with error: %s", err)
		wsConn.Close(websocket.StatusInternalError, "executor failed")
		return
	}
	log.Debug("session ended")
	wsConn.Close(websocket.StatusNormalClosure, "")
}

func (a *Agent) healthz(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	b, err := json.Marshal(struct {
		Status string
	}{Status: "ok"})
	if err != nil {
		a.slog.Debugf("error marshaling healthz response: %s", err)
	}
	w.Header().Add("Content-Type", "application/json")
	w.Write(b)
}
