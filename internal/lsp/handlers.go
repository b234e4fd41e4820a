package lsp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/keel-lsp/keel/internal/analysis"
	"github.com/keel-lsp/keel/internal/document"
	"github.com/keel-lsp/keel/internal/jsonrpc2"
	"github.com/keel-lsp/keel/internal/lsp/protocol"
)

func (s *server) handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) (any, error) {
	switch req.Method {
	case "initialize":
		return s.initialize(req)
	case "initialized":
		return nil, s.initialized()
	case "shutdown":
		return s.shutdown()
	case "exit":
		return nil, s.exit(conn)
	case "textDocument/didOpen":
		return nil, s.didOpen(req)
	case "textDocument/didChange":
		return nil, s.didChange(req)
	case "textDocument/didClose":
		return nil, s.didClose(ctx, req)
	case "textDocument/hover":
		return s.hover(ctx, req)
	case "textDocument/completion":
		return s.completion(ctx, req)
	case "textDocument/definition":
		return s.definition(ctx, req)
	case "textDocument/references":
		return s.references(ctx, req)
	case "textDocument/documentSymbol":
		return s.documentSymbol(ctx, req)
	default:
		return nil, &jsonrpc2.Error{
			Code:    jsonrpc2.CodeMethodNotFound,
			Message: fmt.Sprintf("method not supported: %s", req.Method),
		}
	}
}

func (s *server) initialize(req *jsonrpc2.Request) (any, error) {
	var params protocol.InitializeParams
	if req.Params != nil {
		if err := json.Unmarshal(*req.Params, &params); err != nil {
			return nil, &jsonrpc2.Error{Code: jsonrpc2.CodeInvalidParams, Message: err.Error()}
		}
	}

	s.mu.Lock()
	if s.state != uninitialized {
		s.mu.Unlock()
		return nil, &jsonrpc2.Error{
			Code:    jsonrpc2.CodeInvalidRequest,
			Message: "initialize may only be sent once",
		}
	}
	s.state = initializing
	s.mu.Unlock()

	if params.ClientInfo != nil {
		s.logger.Info("initialize",
			zap.String("client", params.ClientInfo.Name),
			zap.String("clientVersion", params.ClientInfo.Version))
	}

	return protocol.InitializeResult{
		Capabilities: protocol.ServerCapabilities{
			TextDocumentSync: &protocol.TextDocumentSyncOptions{
				OpenClose: true,
				Change:    protocol.SyncIncremental,
			},
			HoverProvider: true,
			CompletionProvider: &protocol.CompletionOptions{
				TriggerCharacters: []string{"."},
			},
			DefinitionProvider:     true,
			ReferencesProvider:     true,
			DocumentSymbolProvider: true,
		},
		ServerInfo: &protocol.ServerInfo{
			Name: serverName,
		},
	}, nil
}

// initialized completes the handshake; regular traffic is accepted from here.
func (s *server) initialized() error {
	s.mu.Lock()
	if s.state == initializing {
		s.state = ready
	}
	s.mu.Unlock()
	return nil
}

func (s *server) shutdown() (any, error) {
	s.mu.Lock()
	s.state = shuttingDown
	s.mu.Unlock()
	return nil, nil
}

func (s *server) exit(conn *jsonrpc2.Conn) error {
	s.mu.Lock()
	s.sawExit = true
	s.mu.Unlock()
	return conn.Close()
}

func (s *server) didOpen(req *jsonrpc2.Request) error {
	var params protocol.DidOpenTextDocumentParams
	if err := json.Unmarshal(*req.Params, &params); err != nil {
		return err
	}

	doc := params.TextDocument
	if _, err := s.store.Open(doc.URI, doc.LanguageID, doc.Version, doc.Text); err != nil {
		s.logger.Warn("didOpen rejected", zap.String("uri", string(doc.URI)), zap.Error(err))
		return nil
	}

	// An open document has no diagnostics yet; analyze without debounce.
	s.engine.ScheduleNow(doc.URI)
	return nil
}

func (s *server) didChange(req *jsonrpc2.Request) error {
	var params protocol.DidChangeTextDocumentParams
	if err := json.Unmarshal(*req.Params, &params); err != nil {
		return err
	}

	uri := params.TextDocument.URI
	if _, err := s.store.Change(uri, params.TextDocument.Version, params.ContentChanges); err != nil {
		// Stale or unknown versions are dropped, not applied out of order.
		s.logger.Warn("didChange rejected", zap.String("uri", string(uri)), zap.Error(err))
		return nil
	}

	s.engine.Schedule(uri)
	return nil
}

func (s *server) didClose(ctx context.Context, req *jsonrpc2.Request) error {
	var params protocol.DidCloseTextDocumentParams
	if err := json.Unmarshal(*req.Params, &params); err != nil {
		return err
	}

	uri := params.TextDocument.URI
	snap, err := s.store.Snapshot(uri)
	if err != nil {
		s.logger.Warn("didClose for unopened document", zap.String("uri", string(uri)))
		return nil
	}

	s.engine.Drop(uri)
	if err := s.store.Close(uri); err != nil {
		return nil
	}

	// Clear the client's diagnostics for the closed document.
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		return conn.Notify(ctx, "textDocument/publishDiagnostics", protocol.PublishDiagnosticsParams{
			URI:         uri,
			Version:     snap.Version,
			Diagnostics: []protocol.Diagnostic{},
		})
	}
	return nil
}

// queryState is the document snapshot and artifact backing one query. When
// analysis of the latest version did not finish within the wait window,
// stale is set and the artifact reflects an older version (or is nil).
type queryState struct {
	snap  document.Snapshot
	art   *analysis.Artifact
	stale bool
}

// artifactFor resolves the snapshot and best-available artifact for a query,
// waiting up to waitTimeout for analysis of the snapshot's version.
func (s *server) artifactFor(ctx context.Context, uri protocol.DocumentURI) (queryState, error) {
	snap, err := s.store.Snapshot(uri)
	if err != nil {
		if errors.Is(err, document.ErrNotOpen) {
			return queryState{}, &jsonrpc2.Error{
				Code:    jsonrpc2.CodeInvalidParams,
				Message: fmt.Sprintf("document not open: %s", uri),
			}
		}
		return queryState{}, err
	}

	waitCtx, cancel := context.WithTimeout(ctx, s.waitTimeout)
	defer cancel()
	art := s.engine.Wait(waitCtx, uri, snap.Version)
	if err := ctx.Err(); err != nil {
		return queryState{}, err
	}

	return queryState{
		snap:  snap,
		art:   art,
		stale: art == nil || art.Version < snap.Version,
	}, nil
}

func (s *server) hover(ctx context.Context, req *jsonrpc2.Request) (any, error) {
	var params protocol.HoverParams
	if err := json.Unmarshal(*req.Params, &params); err != nil {
		return nil, &jsonrpc2.Error{Code: jsonrpc2.CodeInvalidParams, Message: err.Error()}
	}

	q, err := s.artifactFor(ctx, params.TextDocument.URI)
	if err != nil {
		return nil, err
	}
	if q.art == nil {
		return nil, nil
	}

	h := q.art.HoverAt(q.snap.ByteOffset(params.Position))
	if h == nil {
		return nil, nil
	}

	r := h.Range
	return &protocol.Hover{
		Contents: protocol.MarkupContent{
			Kind:  protocol.Markdown,
			Value: h.Markdown,
		},
		Range: &r,
	}, nil
}

func (s *server) completion(ctx context.Context, req *jsonrpc2.Request) (any, error) {
	var params protocol.CompletionParams
	if err := json.Unmarshal(*req.Params, &params); err != nil {
		return nil, &jsonrpc2.Error{Code: jsonrpc2.CodeInvalidParams, Message: err.Error()}
	}

	q, err := s.artifactFor(ctx, params.TextDocument.URI)
	if err != nil {
		return nil, err
	}
	if q.art == nil {
		return &protocol.CompletionList{IsIncomplete: true, Items: []protocol.CompletionItem{}}, nil
	}

	prefix := identifierPrefix(q.snap.Text, q.snap.ByteOffset(params.Position))
	items := make([]protocol.CompletionItem, 0, len(q.art.Completions))
	for _, item := range q.art.Completions {
		if prefix == "" || strings.HasPrefix(item.Label, prefix) {
			items = append(items, item)
		}
	}

	// A stale artifact may be missing identifiers from the latest edits.
	return &protocol.CompletionList{IsIncomplete: q.stale, Items: items}, nil
}

// identifierPrefix returns the partial identifier ending at the byte offset,
// or "" when the cursor does not follow identifier characters.
func identifierPrefix(text string, offset int) string {
	if offset < 0 {
		return ""
	}
	if offset > len(text) {
		offset = len(text)
	}
	start := offset
	for start > 0 && isIdentByte(text[start-1]) {
		start--
	}
	// A leading digit means the token is a number, not an identifier.
	if start < offset && text[start] >= '0' && text[start] <= '9' {
		return ""
	}
	return text[start:offset]
}

func isIdentByte(b byte) bool {
	return b == '_' ||
		(b >= 'a' && b <= 'z') ||
		(b >= 'A' && b <= 'Z') ||
		(b >= '0' && b <= '9')
}

func (s *server) definition(ctx context.Context, req *jsonrpc2.Request) (any, error) {
	var params protocol.DefinitionParams
	if err := json.Unmarshal(*req.Params, &params); err != nil {
		return nil, &jsonrpc2.Error{Code: jsonrpc2.CodeInvalidParams, Message: err.Error()}
	}

	q, err := s.artifactFor(ctx, params.TextDocument.URI)
	if err != nil {
		return nil, err
	}
	if q.art == nil {
		return nil, nil
	}

	sym := q.art.SymbolAt(q.snap.ByteOffset(params.Position))
	if sym == nil {
		return nil, nil
	}

	return protocol.Location{
		URI:   params.TextDocument.URI,
		Range: sym.Definition,
	}, nil
}

func (s *server) references(ctx context.Context, req *jsonrpc2.Request) (any, error) {
	var params protocol.ReferenceParams
	if err := json.Unmarshal(*req.Params, &params); err != nil {
		return nil, &jsonrpc2.Error{Code: jsonrpc2.CodeInvalidParams, Message: err.Error()}
	}

	q, err := s.artifactFor(ctx, params.TextDocument.URI)
	if err != nil {
		return nil, err
	}
	if q.art == nil {
		return nil, nil
	}

	sym := q.art.SymbolAt(q.snap.ByteOffset(params.Position))
	if sym == nil {
		return nil, nil
	}

	var locations []protocol.Location
	for _, candidate := range q.art.Symbols {
		if candidate.Name != sym.Name {
			continue
		}
		if !params.Context.IncludeDeclaration && candidate.Range == candidate.Definition {
			continue
		}
		locations = append(locations, protocol.Location{
			URI:   params.TextDocument.URI,
			Range: candidate.Range,
		})
	}
	return locations, nil
}

func (s *server) documentSymbol(ctx context.Context, req *jsonrpc2.Request) (any, error) {
	var params protocol.DocumentSymbolParams
	if err := json.Unmarshal(*req.Params, &params); err != nil {
		return nil, &jsonrpc2.Error{Code: jsonrpc2.CodeInvalidParams, Message: err.Error()}
	}

	q, err := s.artifactFor(ctx, params.TextDocument.URI)
	if err != nil {
		return nil, err
	}
	if q.art == nil {
		return []protocol.DocumentSymbol{}, nil
	}

	// One entry per distinct name, at its defining occurrence.
	seen := make(map[string]bool, len(q.art.Symbols))
	symbols := make([]protocol.DocumentSymbol, 0, len(q.art.Symbols))
	for _, sym := range q.art.Symbols {
		if seen[sym.Name] {
			continue
		}
		seen[sym.Name] = true
		symbols = append(symbols, protocol.DocumentSymbol{
			Name:           sym.Name,
			Kind:           sym.Kind,
			Range:          sym.Definition,
			SelectionRange: sym.Definition,
		})
	}
	return symbols, nil
}
