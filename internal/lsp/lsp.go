// Package lsp implements a language server for CEL (Common Expression Language).
//
// The main entry-point is the Serve() function, which creates a new LSP server
// communicating over stdin/stdout.
package lsp

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/keel-lsp/keel/internal/analysis"
	"github.com/keel-lsp/keel/internal/cellang"
	"github.com/keel-lsp/keel/internal/document"
	"github.com/keel-lsp/keel/internal/jsonrpc2"
)

const serverName = "keel"

// ErrExitWithoutShutdown is returned by Serve when the client sends exit
// without a preceding shutdown request. The process should exit non-zero.
var ErrExitWithoutShutdown = errors.New("exit received without shutdown")

// waitTimeout bounds how long a query handler waits for analysis of the
// latest document version before answering from whatever artifact exists.
const defaultWaitTimeout = 2 * time.Second

// Lifecycle phases, in order. Requests other than initialize are rejected
// until the handshake completes with the initialized notification, and
// everything but exit is rejected after shutdown.
type lifecycle int

const (
	uninitialized lifecycle = iota
	initializing  // initialize answered, awaiting initialized
	ready
	shuttingDown
)

// Serve starts the LSP server, communicating over stdin/stdout.
// It blocks until the connection is closed.
func Serve(logger *zap.Logger, opts ...Option) error {
	return ServeStream(context.Background(), stdinout{}, logger, opts...)
}

// stdinout wraps stdin/stdout into a ReadWriteCloser.
type stdinout struct{}

func (stdinout) Read(p []byte) (int, error)  { return os.Stdin.Read(p) }
func (stdinout) Write(p []byte) (int, error) { return os.Stdout.Write(p) }
func (stdinout) Close() error {
	return multierr.Append(os.Stdin.Close(), os.Stdout.Close())
}

// Option configures a server.
type Option func(*server)

// WithDebounce sets the analysis debounce interval. Exposed for testing.
func WithDebounce(d time.Duration) Option {
	return func(s *server) { s.engineOpts = append(s.engineOpts, analysis.WithDebounce(d)) }
}

// WithWaitTimeout bounds how long query handlers wait for fresh analysis.
func WithWaitTimeout(d time.Duration) Option {
	return func(s *server) { s.waitTimeout = d }
}

// WithMaxConcurrentAnalyses bounds how many documents are analyzed at once.
func WithMaxConcurrentAnalyses(n int64) Option {
	return func(s *server) { s.engineOpts = append(s.engineOpts, analysis.WithMaxConcurrent(n)) }
}

// ServeStream starts the LSP server over the given stream. It blocks until
// the connection is closed, returning nil after an orderly shutdown/exit
// pair, ErrExitWithoutShutdown when exit arrived alone, or the transport
// error that broke the connection.
func ServeStream(ctx context.Context, rwc io.ReadWriteCloser, logger *zap.Logger, opts ...Option) error {
	s, err := newServer(logger, opts...)
	if err != nil {
		return err
	}

	conn := jsonrpc2.NewConn(ctx, rwc, jsonrpc2.HandlerFunc(s.handle),
		jsonrpc2.WithLogger(logger),
		jsonrpc2.WithGate(s.gate),
	)
	s.setConn(conn)

	<-conn.DisconnectNotify()

	if err := conn.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sawExit && s.state != shuttingDown {
		return ErrExitWithoutShutdown
	}
	return nil
}

// server holds the LSP server's state: the document store, the analysis
// engine, and the lifecycle phase.
type server struct {
	logger      *zap.Logger
	store       *document.Store
	engine      *analysis.Engine
	engineOpts  []analysis.Option
	waitTimeout time.Duration

	mu      sync.Mutex
	conn    *jsonrpc2.Conn
	state   lifecycle
	sawExit bool
}

func newServer(logger *zap.Logger, opts ...Option) (*server, error) {
	analyzer, err := cellang.New()
	if err != nil {
		return nil, err
	}

	s := &server{
		logger:      logger,
		store:       document.NewStore(),
		waitTimeout: defaultWaitTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.engine = analysis.NewEngine(s.store, analyzer, s.publishDiagnostics, logger, s.engineOpts...)
	return s, nil
}

// setConn wires the connection the engine publishes through. The engine is
// created before the connection, so publication targets it lazily.
func (s *server) setConn(conn *jsonrpc2.Conn) {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
}

// gate enforces the lifecycle. Until the initialized notification arrives,
// only the handshake methods and exit pass; after shutdown, only exit passes.
// Rejected requests get the error as their response; rejected notifications
// are dropped.
func (s *server) gate(req *jsonrpc2.Request) *jsonrpc2.Error {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()

	switch state {
	case uninitialized, initializing:
		switch req.Method {
		case "initialize", "initialized", "exit":
			return nil
		}
		return &jsonrpc2.Error{
			Code:    jsonrpc2.CodeServerNotInitialized,
			Message: "server not initialized",
		}
	case shuttingDown:
		switch req.Method {
		case "shutdown", "exit":
			return nil
		}
		return &jsonrpc2.Error{
			Code:    jsonrpc2.CodeInvalidRequest,
			Message: "server is shutting down",
		}
	}
	return nil
}
