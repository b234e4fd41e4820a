package cellang

import (
	"regexp"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/operators"

	"github.com/keel-lsp/keel/internal/document"
	"github.com/keel-lsp/keel/internal/lsp/protocol"
)

// issuesToDiagnostics converts cel.Issues to LSP diagnostics.
func issuesToDiagnostics(snap document.Snapshot, issues *cel.Issues, severity protocol.DiagnosticSeverity) []protocol.Diagnostic {
	errs := issues.Errors()
	diagnostics := make([]protocol.Diagnostic, 0, len(errs))
	for _, e := range errs {
		loc := e.Location
		// cel-go uses 1-based line, 0-based column. LSP uses 0-based for both.
		line := loc.Line() - 1
		col := loc.Column()
		if line < 0 {
			line = 0
		}
		if col < 0 {
			col = 0
		}
		startPos := protocol.Position{Line: uint32(line), Character: uint32(col)}
		// cel-go errors don't include an end position, so we use the end of
		// the line.
		endPos := endOfLine(snap.Index(), line)

		diagnostics = append(diagnostics, protocol.Diagnostic{
			Range: protocol.Range{
				Start: startPos,
				End:   endPos,
			},
			Severity: severity,
			Source:   Source,
			Message:  cleanMessage(e.Message),
		})
	}
	return diagnostics
}

// operatorNameRe matches quoted cel-go internal operator names like '_+_',
// '-_', '!_', '@in'.
var operatorNameRe = regexp.MustCompile(`'([^']+)'`)

// cleanMessage rewrites cel-go internal operator names to user-friendly forms
// using operators.FindReverse.
func cleanMessage(msg string) string {
	return operatorNameRe.ReplaceAllStringFunc(msg, func(match string) string {
		// Strip surrounding quotes.
		symbol := match[1 : len(match)-1]
		if display, ok := operators.FindReverse(symbol); ok && display != "" {
			return "'" + display + "'"
		}
		return match
	})
}

// endOfLine returns the position just past the last character of the given
// 0-based line.
func endOfLine(ix *document.Index, line int) protocol.Position {
	if line >= ix.LineCount() {
		line = ix.LineCount() - 1
	}
	text := ix.LineText(line)
	return protocol.Position{Line: uint32(line), Character: document.UTF16Len(text)}
}
