package jsonrpc2_test

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nalgeon/be"

	"github.com/keel-lsp/keel/internal/jsonrpc2"
)

// rawClient speaks the framed protocol directly, without a Conn, so tests
// can observe exactly what the server puts on the wire.
type rawClient struct {
	t *testing.T
	c net.Conn
	r *bufio.Reader
}

func newRawClient(t *testing.T, c net.Conn) *rawClient {
	t.Helper()
	return &rawClient{t: t, c: c, r: bufio.NewReader(c)}
}

func (rc *rawClient) send(body string) {
	rc.t.Helper()
	_, err := fmt.Fprintf(rc.c, "Content-Length: %d\r\n\r\n%s", len(body), body)
	be.Err(rc.t, err, nil)
}

// recv reads one framed message and decodes it into a generic envelope.
func (rc *rawClient) recv() map[string]json.RawMessage {
	rc.t.Helper()
	contentLength := -1
	for {
		line, err := rc.r.ReadString('\n')
		be.Err(rc.t, err, nil)
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		name, value, ok := strings.Cut(line, ":")
		be.True(rc.t, ok)
		if strings.EqualFold(strings.TrimSpace(name), "Content-Length") {
			contentLength, err = strconv.Atoi(strings.TrimSpace(value))
			be.Err(rc.t, err, nil)
		}
	}
	be.True(rc.t, contentLength >= 0)
	body := make([]byte, contentLength)
	_, err := io.ReadFull(rc.r, body)
	be.Err(rc.t, err, nil)

	var msg map[string]json.RawMessage
	be.Err(rc.t, json.Unmarshal(body, &msg), nil)
	return msg
}

func (rc *rawClient) recvID(msg map[string]json.RawMessage) uint64 {
	rc.t.Helper()
	var id uint64
	be.Err(rc.t, json.Unmarshal(msg["id"], &id), nil)
	return id
}

func (rc *rawClient) recvErrorCode(msg map[string]json.RawMessage) int64 {
	rc.t.Helper()
	var rpcErr struct {
		Code int64 `json:"code"`
	}
	be.Err(rc.t, json.Unmarshal(msg["error"], &rpcErr), nil)
	return rpcErr.Code
}

func pipeConn(t *testing.T, h jsonrpc2.Handler, opts ...jsonrpc2.Option) *rawClient {
	t.Helper()
	serverSide, clientSide := net.Pipe()
	conn := jsonrpc2.NewConn(t.Context(), serverSide, h, opts...)
	t.Cleanup(func() {
		_ = conn.Close()
		_ = clientSide.Close()
	})
	return newRawClient(t, clientSide)
}

func TestConnCall(t *testing.T) {
	echo := jsonrpc2.HandlerFunc(func(_ context.Context, _ *jsonrpc2.Conn, req *jsonrpc2.Request) (any, error) {
		var params string
		if req.Params != nil {
			if err := json.Unmarshal(*req.Params, &params); err != nil {
				return nil, err
			}
		}
		return params, nil
	})

	serverSide, clientSide := net.Pipe()
	server := jsonrpc2.NewConn(t.Context(), serverSide, echo)
	noop := jsonrpc2.HandlerFunc(func(_ context.Context, _ *jsonrpc2.Conn, _ *jsonrpc2.Request) (any, error) {
		return nil, nil
	})
	client := jsonrpc2.NewConn(t.Context(), clientSide, noop)
	t.Cleanup(func() {
		_ = server.Close()
		_ = client.Close()
	})

	var result string
	err := client.Call(t.Context(), "echo", "hello", &result)
	be.Err(t, err, nil)
	be.Equal(t, result, "hello")
}

func TestConnCallError(t *testing.T) {
	h := jsonrpc2.HandlerFunc(func(_ context.Context, _ *jsonrpc2.Conn, _ *jsonrpc2.Request) (any, error) {
		return nil, &jsonrpc2.Error{Code: jsonrpc2.CodeMethodNotFound, Message: "nope"}
	})

	serverSide, clientSide := net.Pipe()
	server := jsonrpc2.NewConn(t.Context(), serverSide, h)
	noop := jsonrpc2.HandlerFunc(func(_ context.Context, _ *jsonrpc2.Conn, _ *jsonrpc2.Request) (any, error) {
		return nil, nil
	})
	client := jsonrpc2.NewConn(t.Context(), clientSide, noop)
	t.Cleanup(func() {
		_ = server.Close()
		_ = client.Close()
	})

	err := client.Call(t.Context(), "anything", nil, nil)
	var rpcErr *jsonrpc2.Error
	be.True(t, err != nil)
	be.True(t, errors.As(err, &rpcErr))
	be.Equal(t, rpcErr.Code, int64(jsonrpc2.CodeMethodNotFound))
}

func TestConnNotificationOrder(t *testing.T) {
	var mu sync.Mutex
	var got []string
	h := jsonrpc2.HandlerFunc(func(_ context.Context, _ *jsonrpc2.Conn, req *jsonrpc2.Request) (any, error) {
		if req.Notif {
			var params string
			if req.Params != nil {
				_ = json.Unmarshal(*req.Params, &params)
			}
			mu.Lock()
			got = append(got, params)
			mu.Unlock()
		}
		return nil, nil
	})

	rc := pipeConn(t, h)

	const n = 50
	for i := range n {
		rc.send(fmt.Sprintf(`{"jsonrpc":"2.0","method":"note","params":"n%d"}`, i))
	}

	// Notifications are handled on a single ordered queue; poll until all
	// have landed, then verify order.
	deadline := time.Now().Add(5 * time.Second)
	for {
		mu.Lock()
		done := len(got) == n
		mu.Unlock()
		if done {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for notifications")
		}
		time.Sleep(time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	for i := range n {
		be.Equal(t, got[i], fmt.Sprintf("n%d", i))
	}
}

func TestConnRequestWaitsForNotifications(t *testing.T) {
	var mu sync.Mutex
	var notes int
	h := jsonrpc2.HandlerFunc(func(_ context.Context, _ *jsonrpc2.Conn, req *jsonrpc2.Request) (any, error) {
		if req.Notif {
			// Slow consumer: without ordering, a request overtakes the queue.
			time.Sleep(time.Millisecond)
			mu.Lock()
			notes++
			mu.Unlock()
			return nil, nil
		}
		mu.Lock()
		defer mu.Unlock()
		return notes, nil
	})

	rc := pipeConn(t, h)

	// A request must observe every notification that preceded it on the
	// wire, even though notifications are consumed asynchronously.
	const n = 20
	for range n {
		rc.send(`{"jsonrpc":"2.0","method":"note"}`)
	}
	rc.send(`{"jsonrpc":"2.0","id":1,"method":"count"}`)

	msg := rc.recv()
	be.Equal(t, rc.recvID(msg), uint64(1))
	var count int
	be.Err(t, json.Unmarshal(msg["result"], &count), nil)
	be.Equal(t, count, n)
}

func TestConnCancelRequest(t *testing.T) {
	started := make(chan struct{})
	h := jsonrpc2.HandlerFunc(func(ctx context.Context, _ *jsonrpc2.Conn, req *jsonrpc2.Request) (any, error) {
		if req.Method == "block" {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return "pong", nil
	})

	rc := pipeConn(t, h)

	rc.send(`{"jsonrpc":"2.0","id":1,"method":"block"}`)
	<-started
	rc.send(`{"jsonrpc":"2.0","method":"$/cancelRequest","params":{"id":1}}`)

	msg := rc.recv()
	be.Equal(t, rc.recvID(msg), uint64(1))
	be.Equal(t, rc.recvErrorCode(msg), int64(jsonrpc2.CodeRequestCancelled))

	// The cancelled handler's eventual return must not produce a second
	// response: the next frame on the wire answers the next request.
	rc.send(`{"jsonrpc":"2.0","id":2,"method":"ping"}`)
	msg = rc.recv()
	be.Equal(t, rc.recvID(msg), uint64(2))
	var result string
	be.Err(t, json.Unmarshal(msg["result"], &result), nil)
	be.Equal(t, result, "pong")
}

func TestConnCancelUnknownID(t *testing.T) {
	h := jsonrpc2.HandlerFunc(func(_ context.Context, _ *jsonrpc2.Conn, _ *jsonrpc2.Request) (any, error) {
		return "ok", nil
	})

	rc := pipeConn(t, h)

	// Cancelling a request that was never sent is a no-op.
	rc.send(`{"jsonrpc":"2.0","method":"$/cancelRequest","params":{"id":99}}`)
	rc.send(`{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	msg := rc.recv()
	be.Equal(t, rc.recvID(msg), uint64(1))
}

func TestConnGate(t *testing.T) {
	var handled sync.Map
	h := jsonrpc2.HandlerFunc(func(_ context.Context, _ *jsonrpc2.Conn, req *jsonrpc2.Request) (any, error) {
		handled.Store(req.Method, true)
		return "ok", nil
	})
	gate := func(req *jsonrpc2.Request) *jsonrpc2.Error {
		if req.Method == "allowed" {
			return nil
		}
		return &jsonrpc2.Error{Code: jsonrpc2.CodeServerNotInitialized, Message: "not ready"}
	}

	rc := pipeConn(t, h, jsonrpc2.WithGate(gate))

	// Rejected request: error response, handler never runs. Rejected
	// notification: dropped silently. Allowed request passes through.
	rc.send(`{"jsonrpc":"2.0","id":1,"method":"forbidden"}`)
	rc.send(`{"jsonrpc":"2.0","method":"forbiddenNote"}`)
	rc.send(`{"jsonrpc":"2.0","id":2,"method":"allowed"}`)

	// The two responses may arrive in either order.
	byID := make(map[uint64]map[string]json.RawMessage, 2)
	for range 2 {
		msg := rc.recv()
		byID[rc.recvID(msg)] = msg
	}
	be.Equal(t, rc.recvErrorCode(byID[1]), int64(jsonrpc2.CodeServerNotInitialized))
	_, hasErr := byID[2]["error"]
	be.True(t, !hasErr)

	_, ok := handled.Load("forbidden")
	be.True(t, !ok)
	_, ok = handled.Load("forbiddenNote")
	be.True(t, !ok)
	_, ok = handled.Load("allowed")
	be.True(t, ok)
}

func TestConnFramingError(t *testing.T) {
	h := jsonrpc2.HandlerFunc(func(_ context.Context, _ *jsonrpc2.Conn, _ *jsonrpc2.Request) (any, error) {
		return nil, nil
	})

	serverSide, clientSide := net.Pipe()
	conn := jsonrpc2.NewConn(t.Context(), serverSide, h)
	t.Cleanup(func() {
		_ = conn.Close()
		_ = clientSide.Close()
	})

	_, err := io.WriteString(clientSide, "this is not a header\r\n\r\n")
	be.Err(t, err, nil)

	select {
	case <-conn.DisconnectNotify():
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for disconnect")
	}

	var fe *jsonrpc2.FramingError
	be.True(t, errors.As(conn.Err(), &fe))
}

func TestConnLocalCloseReportsNoError(t *testing.T) {
	h := jsonrpc2.HandlerFunc(func(_ context.Context, _ *jsonrpc2.Conn, _ *jsonrpc2.Request) (any, error) {
		return nil, nil
	})

	serverSide, clientSide := net.Pipe()
	conn := jsonrpc2.NewConn(t.Context(), serverSide, h)
	t.Cleanup(func() { _ = clientSide.Close() })

	be.Err(t, conn.Close(), nil)
	<-conn.DisconnectNotify()
	be.Err(t, conn.Err(), nil)
}
