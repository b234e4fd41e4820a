package jsonrpc2

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Handler handles incoming JSON-RPC requests and notifications. The returned
// result and error are ignored for notifications; for requests the Conn sends
// exactly one response built from them.
type Handler interface {
	Handle(ctx context.Context, conn *Conn, req *Request) (any, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, conn *Conn, req *Request) (any, error)

func (f HandlerFunc) Handle(ctx context.Context, conn *Conn, req *Request) (any, error) {
	return f(ctx, conn, req)
}

// GateFunc screens incoming traffic before it reaches the handler. A non-nil
// return rejects the message: requests get the error as their response,
// notifications are dropped.
type GateFunc func(req *Request) *Error

// Option configures a Conn.
type Option func(*Conn)

// WithLogger sets the connection logger. The default is a no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Conn) { c.logger = logger }
}

// WithGate installs a gate consulted for every incoming request and
// notification except $/cancelRequest.
func WithGate(gate GateFunc) Option {
	return func(c *Conn) { c.gate = gate }
}

// WithConcurrency bounds the number of request handlers running at once.
// Excess requests queue; they are not dropped.
func WithConcurrency(n int64) Option {
	return func(c *Conn) { c.handlerSem = semaphore.NewWeighted(n) }
}

const defaultConcurrency = 8

// notifQueueSize bounds buffered, not-yet-dispatched notifications. The read
// loop blocks once it fills, which backpressures the peer instead of growing
// without bound.
const notifQueueSize = 256

// Conn is a bidirectional JSON-RPC 2.0 connection.
//
// The read loop is single-threaded: frames are decoded in wire order.
// Notifications are executed in that order on a dedicated queue goroutine;
// requests run concurrently on a bounded pool, but each one waits for the
// notifications that preceded it on the wire before its handler starts.
type Conn struct {
	r      *bufio.Reader
	wc     io.WriteCloser
	h      Handler
	gate   GateFunc
	logger *zap.Logger

	handlerSem *semaphore.Weighted
	notifq     chan notifItem

	wmu sync.Mutex // serializes frame writes

	mu       sync.Mutex
	seq      uint64
	pend     map[uint64]*pending          // outgoing calls awaiting responses
	inflight map[string]*inboundRequest   // incoming requests being serviced

	done    chan struct{}
	once    sync.Once
	readErr atomic.Value // *FramingError, set before done closes
}

type pending struct {
	ch chan *incomingResponse
}

// notifItem is one entry of the ordered notification queue: either a
// notification to execute, or a barrier marking a request's wire position.
// Closing the barrier tells the request it may run.
type notifItem struct {
	req     *Request
	barrier chan struct{}
}

// inboundRequest tracks one client-initiated request until its single
// response is sent.
type inboundRequest struct {
	id      ID
	cancel  context.CancelFunc
	replied atomic.Bool
}

// NewConn creates a new JSON-RPC connection over the given stream and
// immediately starts its read loop. The handler is called for each incoming
// request and notification.
func NewConn(ctx context.Context, rwc io.ReadWriteCloser, h Handler, opts ...Option) *Conn {
	c := &Conn{
		r:        bufio.NewReaderSize(rwc, 4096),
		wc:       rwc,
		h:        h,
		logger:   zap.NewNop(),
		notifq:   make(chan notifItem, notifQueueSize),
		pend:     make(map[uint64]*pending),
		inflight: make(map[string]*inboundRequest),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.handlerSem == nil {
		c.handlerSem = semaphore.NewWeighted(defaultConcurrency)
	}
	go c.notifyLoop(ctx)
	go c.readLoop(ctx)
	return c
}

// Close closes the connection.
func (c *Conn) Close() error {
	c.once.Do(func() { close(c.done) })
	return c.wc.Close()
}

// DisconnectNotify returns a channel that is closed when the connection is
// closed (either by Close or by the remote end).
func (c *Conn) DisconnectNotify() <-chan struct{} {
	return c.done
}

// Err reports the fatal framing error that terminated the read loop, if any.
// It is meaningful only after DisconnectNotify fires.
func (c *Conn) Err() error {
	if err, ok := c.readErr.Load().(*FramingError); ok {
		return err
	}
	return nil
}

// Call sends a request and waits for the response. result should be a pointer.
func (c *Conn) Call(ctx context.Context, method string, params, result any) error {
	c.mu.Lock()
	id := c.seq
	c.seq++
	p := &pending{ch: make(chan *incomingResponse, 1)}
	c.pend[id] = p
	c.mu.Unlock()

	unregister := func() {
		c.mu.Lock()
		delete(c.pend, id)
		c.mu.Unlock()
	}

	raw, err := json.Marshal(params)
	if err != nil {
		unregister()
		return err
	}
	rm := json.RawMessage(raw)
	reqID := ID{Num: id}

	if err := c.writeMessage(&wireRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  &rm,
		ID:      &reqID,
	}); err != nil {
		unregister()
		return err
	}

	select {
	case <-ctx.Done():
		unregister()
		// Best effort: tell the peer the call is abandoned.
		_ = c.Notify(context.Background(), MethodCancelRequest, cancelParams{ID: reqID})
		return ctx.Err()
	case <-c.done:
		unregister()
		return ErrClosed
	case resp := <-p.ch:
		if resp == nil {
			return ErrClosed
		}
		if resp.Error != nil {
			return resp.Error
		}
		if result != nil && resp.Result != nil {
			return json.Unmarshal(*resp.Result, result)
		}
		return nil
	}
}

// Notify sends a notification (no response expected).
func (c *Conn) Notify(_ context.Context, method string, params any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return err
	}
	rm := json.RawMessage(raw)
	return c.writeMessage(&wireRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  &rm,
		// no ID means notification
	})
}

// ---------------------------------------------------------------------------
// Internal
// ---------------------------------------------------------------------------

func (c *Conn) writeMessage(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	header := fmt.Sprintf("Content-Length: %d\r\n\r\n", len(data))
	if _, err := io.WriteString(c.wc, header); err != nil {
		return err
	}
	_, err = c.wc.Write(data)
	return err
}

// respond sends the single response for an inbound request. Later calls for
// the same request are no-ops.
func (c *Conn) respond(in *inboundRequest, result any, rpcErr *Error) {
	if in.replied.Swap(true) {
		return
	}
	c.mu.Lock()
	delete(c.inflight, in.id.String())
	c.mu.Unlock()
	in.cancel()

	resp := &response{JSONRPC: "2.0", ID: in.id}
	if rpcErr != nil {
		resp.Error = rpcErr
	} else {
		raw, err := json.Marshal(result)
		if err != nil {
			resp.Error = &Error{Code: CodeInternalError, Message: err.Error()}
		} else {
			rm := json.RawMessage(raw)
			resp.Result = &rm
		}
	}
	if err := c.writeMessage(resp); err != nil {
		c.logger.Warn("write response failed", zap.String("id", in.id.String()), zap.Error(err))
	}
}

// cancelRequest implements $/cancelRequest: advisory cancellation of an
// in-flight request. If no response has been sent yet, the one and only
// response becomes a RequestCancelled error; the handler's eventual return
// value is discarded.
func (c *Conn) cancelRequest(id ID) {
	c.mu.Lock()
	in := c.inflight[id.String()]
	c.mu.Unlock()
	if in == nil {
		return // already answered, or never seen
	}
	in.cancel()
	c.respond(in, nil, &Error{Code: CodeRequestCancelled, Message: "request cancelled"})
}

func (c *Conn) dispatchRequest(ctx context.Context, req *Request, barrier <-chan struct{}) {
	hctx, cancel := context.WithCancel(ctx)
	in := &inboundRequest{id: req.ID, cancel: cancel}
	c.mu.Lock()
	c.inflight[req.ID.String()] = in
	c.mu.Unlock()

	go func() {
		// Wait out the notifications that arrived before this request, so a
		// query cannot observe a document state older than its wire position.
		select {
		case <-barrier:
		case <-hctx.Done():
			// Cancelled while ordered; cancelRequest already replied.
			return
		case <-c.done:
			return
		}
		if c.gate != nil {
			if rpcErr := c.gate(req); rpcErr != nil {
				c.respond(in, nil, rpcErr)
				return
			}
		}
		if err := c.handlerSem.Acquire(hctx, 1); err != nil {
			// Cancelled while queued; cancelRequest already replied.
			return
		}
		defer c.handlerSem.Release(1)
		if in.replied.Load() {
			return
		}
		result, err := c.runHandler(hctx, req)
		switch {
		case err == nil:
			c.respond(in, result, nil)
		case errors.Is(err, context.Canceled):
			c.respond(in, nil, &Error{Code: CodeRequestCancelled, Message: "request cancelled"})
		default:
			var rpcErr *Error
			if !errors.As(err, &rpcErr) {
				rpcErr = &Error{Code: CodeInternalError, Message: err.Error()}
			}
			c.respond(in, nil, rpcErr)
		}
	}()
}

// runHandler invokes the handler, converting panics into internal errors so a
// misbehaving handler cannot take down the dispatcher.
func (c *Conn) runHandler(ctx context.Context, req *Request) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("handler panic", zap.String("method", req.Method), zap.Any("panic", r))
			err = &Error{Code: CodeInternalError, Message: fmt.Sprintf("%s: internal error", req.Method)}
		}
	}()
	return c.h.Handle(ctx, c, req)
}

// notifyLoop executes notifications one at a time, in wire order, and
// releases request barriers when their queue position is reached. The gate is
// consulted here rather than in the read loop so its decisions see every
// earlier notification already applied.
func (c *Conn) notifyLoop(ctx context.Context) {
	for {
		select {
		case <-c.done:
			return
		case item := <-c.notifq:
			if item.barrier != nil {
				close(item.barrier)
				continue
			}
			req := item.req
			if c.gate != nil {
				if rpcErr := c.gate(req); rpcErr != nil {
					c.logger.Debug("notification rejected",
						zap.String("method", req.Method), zap.Int64("code", rpcErr.Code))
					continue
				}
			}
			if _, err := c.runHandler(ctx, req); err != nil {
				c.logger.Warn("notification handler failed",
					zap.String("method", req.Method), zap.Error(err))
			}
		}
	}
}

func (c *Conn) readLoop(ctx context.Context) {
	defer func() {
		c.once.Do(func() { close(c.done) })
		// Wake all pending calls.
		c.mu.Lock()
		for id, p := range c.pend {
			close(p.ch)
			delete(c.pend, id)
		}
		c.mu.Unlock()
	}()

	for {
		data, err := readFrame(c.r)
		if err != nil {
			var fe *FramingError
			if errors.As(err, &fe) {
				select {
				case <-c.done:
					// Closed locally; the read error is a side effect.
				default:
					c.readErr.Store(fe)
					c.logger.Error("fatal framing error", zap.Error(fe))
				}
			}
			return
		}

		// Determine if this is a request or response by checking for "method".
		var peek struct {
			Method *string          `json:"method"`
			ID     *json.RawMessage `json:"id"`
		}
		if err := json.Unmarshal(data, &peek); err != nil {
			c.logger.Warn("undecodable message", zap.Error(err))
			continue
		}

		if peek.Method == nil {
			// It's a response to one of our calls.
			var resp incomingResponse
			if err := json.Unmarshal(data, &resp); err != nil {
				continue
			}
			c.mu.Lock()
			p := c.pend[resp.ID.Num]
			delete(c.pend, resp.ID.Num)
			c.mu.Unlock()
			if p != nil {
				p.ch <- &resp
			}
			continue
		}

		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			c.logger.Warn("undecodable request", zap.Error(err))
			continue
		}

		// Cancellation is a dispatcher concern, handled inline.
		if req.Notif && req.Method == MethodCancelRequest {
			var params cancelParams
			if req.Params != nil && json.Unmarshal(*req.Params, &params) == nil {
				c.cancelRequest(params.ID)
			}
			continue
		}

		if req.Notif {
			// Preserve wire order; block (backpressure) if the queue fills.
			select {
			case c.notifq <- notifItem{req: &req}:
			case <-c.done:
				return
			}
			continue
		}

		// Mark the request's position in the notification stream.
		barrier := make(chan struct{})
		select {
		case c.notifq <- notifItem{barrier: barrier}:
		case <-c.done:
			return
		}
		c.dispatchRequest(ctx, &req, barrier)
	}
}
