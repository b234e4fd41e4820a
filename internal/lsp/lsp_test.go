package lsp_test

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/nalgeon/be"
	"go.uber.org/zap"

	"github.com/keel-lsp/keel/internal/jsonrpc2"
	"github.com/keel-lsp/keel/internal/lsp"
	"github.com/keel-lsp/keel/internal/lsp/protocol"
)

const testURI = protocol.DocumentURI("file:///test.cel")

// diagCollector is the client-side handler: it captures publishDiagnostics
// notifications from the server.
type diagCollector struct {
	ch chan protocol.PublishDiagnosticsParams
}

func (c *diagCollector) Handle(_ context.Context, _ *jsonrpc2.Conn, req *jsonrpc2.Request) (any, error) {
	if req.Method == "textDocument/publishDiagnostics" && req.Params != nil {
		var params protocol.PublishDiagnosticsParams
		if json.Unmarshal(*req.Params, &params) == nil {
			c.ch <- params
		}
	}
	return nil, nil
}

// next returns the next publishDiagnostics notification for uri.
func (c *diagCollector) next(t *testing.T, uri protocol.DocumentURI) protocol.PublishDiagnosticsParams {
	t.Helper()
	for {
		select {
		case params := <-c.ch:
			if params.URI == uri {
				return params
			}
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for publishDiagnostics")
		}
	}
}

type testClient struct {
	conn     *jsonrpc2.Conn
	diags    *diagCollector
	serveErr chan error
}

// startServer runs the server on one end of a pipe and returns a client
// connection on the other, without performing the initialize handshake.
func startServer(t *testing.T) *testClient {
	t.Helper()
	serverSide, clientSide := net.Pipe()
	t.Cleanup(func() {
		_ = serverSide.Close()
		_ = clientSide.Close()
	})

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- lsp.ServeStream(t.Context(), serverSide, zap.NewNop(),
			lsp.WithDebounce(5*time.Millisecond))
	}()

	diags := &diagCollector{ch: make(chan protocol.PublishDiagnosticsParams, 64)}
	conn := jsonrpc2.NewConn(t.Context(), clientSide, diags)
	t.Cleanup(func() { _ = conn.Close() })

	return &testClient{conn: conn, diags: diags, serveErr: serveErr}
}

// initClient performs the initialize handshake and returns the result.
func initClient(t *testing.T, tc *testClient) protocol.InitializeResult {
	t.Helper()
	var result protocol.InitializeResult
	err := tc.conn.Call(t.Context(), "initialize", protocol.InitializeParams{}, &result)
	be.Err(t, err, nil)
	err = tc.conn.Notify(t.Context(), "initialized", protocol.InitializedParams{})
	be.Err(t, err, nil)
	return result
}

func openDoc(t *testing.T, tc *testClient, text string) {
	t.Helper()
	err := tc.conn.Notify(t.Context(), "textDocument/didOpen", protocol.DidOpenTextDocumentParams{
		TextDocument: protocol.TextDocumentItem{
			URI:        testURI,
			LanguageID: "cel",
			Version:    1,
			Text:       text,
		},
	})
	be.Err(t, err, nil)
}

func posParams(line, char uint32) protocol.TextDocumentPositionParams {
	return protocol.TextDocumentPositionParams{
		TextDocument: protocol.TextDocumentIdentifier{URI: testURI},
		Position:     protocol.Position{Line: line, Character: char},
	}
}

func TestInitialize(t *testing.T) {
	tc := startServer(t)
	result := initClient(t, tc)

	be.Equal(t, result.ServerInfo.Name, "keel")
	be.Equal(t, result.Capabilities.TextDocumentSync.Change, protocol.SyncIncremental)
	be.True(t, result.Capabilities.TextDocumentSync.OpenClose)
	be.True(t, result.Capabilities.HoverProvider)
	be.Equal(t, result.Capabilities.CompletionProvider.TriggerCharacters, []string{"."})
	be.True(t, result.Capabilities.DefinitionProvider)
	be.True(t, result.Capabilities.ReferencesProvider)
	be.True(t, result.Capabilities.DocumentSymbolProvider)
}

func TestInitializeTwice(t *testing.T) {
	tc := startServer(t)
	initClient(t, tc)

	err := tc.conn.Call(t.Context(), "initialize", protocol.InitializeParams{}, nil)
	var rpcErr *jsonrpc2.Error
	be.True(t, errors.As(err, &rpcErr))
	be.Equal(t, rpcErr.Code, int64(jsonrpc2.CodeInvalidRequest))
}

func TestRequestBeforeInitialize(t *testing.T) {
	tc := startServer(t)

	err := tc.conn.Call(t.Context(), "textDocument/hover", protocol.HoverParams{
		TextDocumentPositionParams: posParams(0, 0),
	}, nil)
	var rpcErr *jsonrpc2.Error
	be.True(t, errors.As(err, &rpcErr))
	be.Equal(t, rpcErr.Code, int64(jsonrpc2.CodeServerNotInitialized))
}

func TestRequestBeforeInitialized(t *testing.T) {
	tc := startServer(t)

	// The initialize response alone does not open the gate; regular traffic
	// is rejected until the client's initialized notification arrives.
	err := tc.conn.Call(t.Context(), "initialize", protocol.InitializeParams{}, nil)
	be.Err(t, err, nil)

	err = tc.conn.Call(t.Context(), "shutdown", nil, nil)
	var rpcErr *jsonrpc2.Error
	be.True(t, errors.As(err, &rpcErr))
	be.Equal(t, rpcErr.Code, int64(jsonrpc2.CodeServerNotInitialized))

	err = tc.conn.Notify(t.Context(), "initialized", protocol.InitializedParams{})
	be.Err(t, err, nil)
	err = tc.conn.Call(t.Context(), "shutdown", nil, nil)
	be.Err(t, err, nil)
}

func TestDiagnosticsOnOpenAndChange(t *testing.T) {
	tc := startServer(t)
	initClient(t, tc)

	openDoc(t, tc, "1 +")
	params := tc.diags.next(t, testURI)
	be.Equal(t, params.Version, int32(1))
	be.True(t, len(params.Diagnostics) > 0)
	be.Equal(t, params.Diagnostics[0].Severity, protocol.SeverityError)

	// Fixing the expression clears the diagnostics.
	err := tc.conn.Notify(t.Context(), "textDocument/didChange", protocol.DidChangeTextDocumentParams{
		TextDocument: protocol.VersionedTextDocumentIdentifier{
			TextDocumentIdentifier: protocol.TextDocumentIdentifier{URI: testURI},
			Version:                2,
		},
		ContentChanges: []protocol.TextDocumentContentChangeEvent{
			{Text: "1 + 2"},
		},
	})
	be.Err(t, err, nil)

	params = tc.diags.next(t, testURI)
	be.Equal(t, params.Version, int32(2))
	be.Equal(t, len(params.Diagnostics), 0)
}

func TestIncrementalChange(t *testing.T) {
	tc := startServer(t)
	initClient(t, tc)

	openDoc(t, tc, "1 + 2")
	tc.diags.next(t, testURI)

	// Replace "2" with "oops", introducing an undeclared reference.
	err := tc.conn.Notify(t.Context(), "textDocument/didChange", protocol.DidChangeTextDocumentParams{
		TextDocument: protocol.VersionedTextDocumentIdentifier{
			TextDocumentIdentifier: protocol.TextDocumentIdentifier{URI: testURI},
			Version:                2,
		},
		ContentChanges: []protocol.TextDocumentContentChangeEvent{
			{
				Range: &protocol.Range{
					Start: protocol.Position{Line: 0, Character: 4},
					End:   protocol.Position{Line: 0, Character: 5},
				},
				Text: "oops",
			},
		},
	})
	be.Err(t, err, nil)

	params := tc.diags.next(t, testURI)
	be.Equal(t, params.Version, int32(2))
	be.True(t, len(params.Diagnostics) > 0)
	be.True(t, strings.Contains(params.Diagnostics[0].Message, "oops"))
}

func TestDidCloseClearsDiagnostics(t *testing.T) {
	tc := startServer(t)
	initClient(t, tc)

	openDoc(t, tc, "1 +")
	params := tc.diags.next(t, testURI)
	be.True(t, len(params.Diagnostics) > 0)

	err := tc.conn.Notify(t.Context(), "textDocument/didClose", protocol.DidCloseTextDocumentParams{
		TextDocument: protocol.TextDocumentIdentifier{URI: testURI},
	})
	be.Err(t, err, nil)

	params = tc.diags.next(t, testURI)
	be.Equal(t, len(params.Diagnostics), 0)
}

func TestHover(t *testing.T) {
	tc := startServer(t)
	initClient(t, tc)
	openDoc(t, tc, "1 + 2")

	var result *protocol.Hover
	err := tc.conn.Call(t.Context(), "textDocument/hover", protocol.HoverParams{
		TextDocumentPositionParams: posParams(0, 2),
	}, &result)
	be.Err(t, err, nil)
	be.True(t, result != nil)
	be.Equal(t, result.Contents.Kind, protocol.Markdown)
	be.True(t, strings.Contains(result.Contents.Value, "**Operator**: `+`"))
}

func TestHoverOnUnopenedDocument(t *testing.T) {
	tc := startServer(t)
	initClient(t, tc)

	err := tc.conn.Call(t.Context(), "textDocument/hover", protocol.HoverParams{
		TextDocumentPositionParams: posParams(0, 0),
	}, nil)
	var rpcErr *jsonrpc2.Error
	be.True(t, errors.As(err, &rpcErr))
	be.Equal(t, rpcErr.Code, int64(jsonrpc2.CodeInvalidParams))
}

func TestCompletionPrefixFilter(t *testing.T) {
	tc := startServer(t)
	initClient(t, tc)
	openDoc(t, tc, "my_var + mystery")

	// Cursor after the "my" of "mystery": only "my"-prefixed items remain.
	var result protocol.CompletionList
	err := tc.conn.Call(t.Context(), "textDocument/completion", protocol.CompletionParams{
		TextDocumentPositionParams: posParams(0, 11),
	}, &result)
	be.Err(t, err, nil)

	labels := make(map[string]bool, len(result.Items))
	for _, item := range result.Items {
		be.True(t, strings.HasPrefix(item.Label, "my"))
		labels[item.Label] = true
	}
	be.True(t, labels["my_var"])
	be.True(t, labels["mystery"])
}

func TestCompletionNoPrefix(t *testing.T) {
	tc := startServer(t)
	initClient(t, tc)
	openDoc(t, tc, "size([1]) ")

	// Cursor after a space: the whole candidate set is offered.
	var result protocol.CompletionList
	err := tc.conn.Call(t.Context(), "textDocument/completion", protocol.CompletionParams{
		TextDocumentPositionParams: posParams(0, 10),
	}, &result)
	be.Err(t, err, nil)

	labels := make(map[string]bool, len(result.Items))
	for _, item := range result.Items {
		labels[item.Label] = true
	}
	be.True(t, labels["size"])
	be.True(t, labels["true"])
}

func TestDefinitionAndReferences(t *testing.T) {
	tc := startServer(t)
	initClient(t, tc)
	openDoc(t, tc, "foo + bar + foo")

	// Definition of the second "foo" is the first occurrence.
	var loc protocol.Location
	err := tc.conn.Call(t.Context(), "textDocument/definition", protocol.DefinitionParams{
		TextDocumentPositionParams: posParams(0, 13),
	}, &loc)
	be.Err(t, err, nil)
	be.Equal(t, loc.URI, testURI)
	be.Equal(t, loc.Range.Start, protocol.Position{Line: 0, Character: 0})
	be.Equal(t, loc.Range.End, protocol.Position{Line: 0, Character: 3})

	var refs []protocol.Location
	err = tc.conn.Call(t.Context(), "textDocument/references", protocol.ReferenceParams{
		TextDocumentPositionParams: posParams(0, 0),
		Context:                    protocol.ReferenceContext{IncludeDeclaration: true},
	}, &refs)
	be.Err(t, err, nil)
	be.Equal(t, len(refs), 2)

	// Without the declaration only the second occurrence remains.
	err = tc.conn.Call(t.Context(), "textDocument/references", protocol.ReferenceParams{
		TextDocumentPositionParams: posParams(0, 0),
		Context:                    protocol.ReferenceContext{IncludeDeclaration: false},
	}, &refs)
	be.Err(t, err, nil)
	be.Equal(t, len(refs), 1)
	be.Equal(t, refs[0].Range.Start.Character, uint32(12))
}

func TestDocumentSymbol(t *testing.T) {
	tc := startServer(t)
	initClient(t, tc)
	openDoc(t, tc, "foo + bar + foo")

	var symbols []protocol.DocumentSymbol
	err := tc.conn.Call(t.Context(), "textDocument/documentSymbol", protocol.DocumentSymbolParams{
		TextDocument: protocol.TextDocumentIdentifier{URI: testURI},
	}, &symbols)
	be.Err(t, err, nil)
	be.Equal(t, len(symbols), 2)
	be.Equal(t, symbols[0].Name, "foo")
	be.Equal(t, symbols[1].Name, "bar")
	be.Equal(t, symbols[0].Kind, protocol.VariableSymbol)
}

func TestShutdownAndExit(t *testing.T) {
	tc := startServer(t)
	initClient(t, tc)

	err := tc.conn.Call(t.Context(), "shutdown", nil, nil)
	be.Err(t, err, nil)

	// After shutdown, everything but exit is rejected.
	err = tc.conn.Call(t.Context(), "textDocument/hover", protocol.HoverParams{
		TextDocumentPositionParams: posParams(0, 0),
	}, nil)
	var rpcErr *jsonrpc2.Error
	be.True(t, errors.As(err, &rpcErr))
	be.Equal(t, rpcErr.Code, int64(jsonrpc2.CodeInvalidRequest))

	err = tc.conn.Notify(t.Context(), "exit", nil)
	be.Err(t, err, nil)

	select {
	case err := <-tc.serveErr:
		be.Err(t, err, nil)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for server exit")
	}
}

func TestExitWithoutShutdown(t *testing.T) {
	tc := startServer(t)
	initClient(t, tc)

	err := tc.conn.Notify(t.Context(), "exit", nil)
	be.Err(t, err, nil)

	select {
	case err := <-tc.serveErr:
		be.Err(t, err, lsp.ErrExitWithoutShutdown)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for server exit")
	}
}
