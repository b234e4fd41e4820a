// Package jsonrpc2 implements a JSON-RPC 2.0 server/client connection over an
// LSP (Content-Length framed) byte stream.
//
// It is a minimal replacement for github.com/sourcegraph/jsonrpc2, tailored
// for language-server use: only the Content-Length framing ("VS Code codec")
// is supported. On top of the framed codec, Conn provides the dispatch
// semantics a language server needs: a bounded pool for concurrent request
// handlers, an ordered queue for notifications, per-request cancellation via
// $/cancelRequest, and an at-most-one-response guarantee per request id.
package jsonrpc2

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// ---------------------------------------------------------------------------
// Error codes defined by JSON-RPC 2.0 and the LSP base protocol.
// ---------------------------------------------------------------------------

const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	CodeServerNotInitialized = -32002
	CodeRequestCancelled     = -32800
)

// Error is a JSON-RPC 2.0 response error.
type Error struct {
	Code    int64            `json:"code"`
	Message string           `json:"message"`
	Data    *json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc2: code %d message: %s", e.Code, e.Message)
}

// ErrClosed indicates that the connection is closed.
var ErrClosed = errors.New("jsonrpc2: connection is closed")

// FramingError is a fatal transport error: the byte alignment with the peer
// is lost and the connection cannot continue.
type FramingError struct {
	msg string
	err error
}

func (e *FramingError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("jsonrpc2: framing: %s: %v", e.msg, e.err)
	}
	return "jsonrpc2: framing: " + e.msg
}

func (e *FramingError) Unwrap() error { return e.err }

// ---------------------------------------------------------------------------
// Wire types
// ---------------------------------------------------------------------------

// ID is a JSON-RPC 2.0 request ID (number or string).
type ID struct {
	Num      uint64
	Str      string
	IsString bool
}

func (id ID) String() string {
	if id.IsString {
		return strconv.Quote(id.Str)
	}
	return strconv.FormatUint(id.Num, 10)
}

func (id ID) MarshalJSON() ([]byte, error) {
	if id.IsString {
		return json.Marshal(id.Str)
	}
	return json.Marshal(id.Num)
}

func (id *ID) UnmarshalJSON(data []byte) error {
	var n uint64
	if err := json.Unmarshal(data, &n); err == nil {
		*id = ID{Num: n}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*id = ID{Str: s, IsString: true}
	return nil
}

// Request is an incoming JSON-RPC 2.0 request or notification.
type Request struct {
	Method string           `json:"method"`
	Params *json.RawMessage `json:"params,omitempty"`
	ID     ID               `json:"id"`
	Notif  bool             `json:"-"` // true if this is a notification (no id)
}

// wireRequest is used for JSON marshaling (adds jsonrpc field).
type wireRequest struct {
	JSONRPC string           `json:"jsonrpc"`
	Method  string           `json:"method"`
	Params  *json.RawMessage `json:"params,omitempty"`
	ID      *ID              `json:"id,omitempty"`
}

func (r *Request) UnmarshalJSON(data []byte) error {
	// Use a map to detect presence/absence of "id".
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if m, ok := raw["method"]; ok {
		if err := json.Unmarshal(m, &r.Method); err != nil {
			return err
		}
	}
	if p, ok := raw["params"]; ok {
		r.Params = &p
	}
	if idRaw, ok := raw["id"]; ok {
		if err := json.Unmarshal(idRaw, &r.ID); err != nil {
			return err
		}
		r.Notif = false
	} else {
		r.Notif = true
	}
	return nil
}

// response is an outgoing JSON-RPC 2.0 response.
type response struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      ID               `json:"id"`
	Result  *json.RawMessage `json:"result,omitempty"`
	Error   *Error           `json:"error,omitempty"`
}

// incomingResponse is the wire format for a response we receive.
type incomingResponse struct {
	ID     ID               `json:"id"`
	Result *json.RawMessage `json:"result,omitempty"`
	Error  *Error           `json:"error,omitempty"`
}

// cancelParams is the payload of a $/cancelRequest notification.
type cancelParams struct {
	ID ID `json:"id"`
}

// MethodCancelRequest is the cancellation notification method name.
const MethodCancelRequest = "$/cancelRequest"

// ---------------------------------------------------------------------------
// Framing
// ---------------------------------------------------------------------------

// readFrame reads one Content-Length framed message from r. Header field
// names are matched case-insensitively. A stream that ends cleanly at a
// frame boundary returns io.EOF; any other malformation or truncation
// returns a *FramingError.
func readFrame(r *bufio.Reader) ([]byte, error) {
	contentLength := -1
	first := true
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			if err == io.EOF && first && line == "" {
				return nil, io.EOF // clean end of stream
			}
			return nil, &FramingError{msg: "reading header", err: err}
		}
		first = false
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break // end of headers
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, &FramingError{msg: fmt.Sprintf("malformed header line %q", line)}
		}
		if strings.EqualFold(strings.TrimSpace(name), "Content-Length") {
			n, err := strconv.Atoi(strings.TrimSpace(value))
			if err != nil {
				return nil, &FramingError{msg: "bad Content-Length", err: err}
			}
			contentLength = n
		}
		// ignore other headers (Content-Type, etc.)
	}
	if contentLength < 0 {
		return nil, &FramingError{msg: "missing Content-Length header"}
	}
	body := make([]byte, contentLength)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, &FramingError{msg: "truncated body", err: err}
	}
	return body, nil
}
