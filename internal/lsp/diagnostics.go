package lsp

import (
	"context"

	"go.uber.org/zap"

	"github.com/keel-lsp/keel/internal/lsp/protocol"
)

// publishDiagnostics is the engine's publish hook. The engine guarantees
// per-document version ordering; this just puts the notification on the wire.
func (s *server) publishDiagnostics(uri protocol.DocumentURI, version int32, diagnostics []protocol.Diagnostic) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return
	}

	if diagnostics == nil {
		diagnostics = []protocol.Diagnostic{}
	}
	err := conn.Notify(context.Background(), "textDocument/publishDiagnostics", protocol.PublishDiagnosticsParams{
		URI:         uri,
		Version:     version,
		Diagnostics: diagnostics,
	})
	if err != nil {
		s.logger.Warn("publishDiagnostics failed", zap.String("uri", string(uri)), zap.Error(err))
	}
}
