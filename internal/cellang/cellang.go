// Package cellang is the CEL (Common Expression Language) analyzer plugged
// into the analysis engine. One Analyze pass parses and type-checks a
// snapshot with cel-go and derives the artifact tables: diagnostics, symbol
// occurrences, hover documentation, and completion items.
package cellang

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/cel-go/cel"
	celast "github.com/google/cel-go/common/ast"

	"github.com/keel-lsp/keel/internal/analysis"
	"github.com/keel-lsp/keel/internal/document"
	"github.com/keel-lsp/keel/internal/lsp/protocol"
)

// Source tags the diagnostics this analyzer produces.
const Source = "keel"

// Analyzer implements analysis.Analyzer for CEL.
type Analyzer struct {
	env *cel.Env
}

// New creates a CEL analyzer with macro call tracking enabled (needed to
// attach hovers and symbols to macro expansions).
func New() (*Analyzer, error) {
	env, err := cel.NewEnv(cel.EnableMacroCallTracking())
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &Analyzer{env: env}, nil
}

// Analyze derives an artifact from the snapshot. CEL parse and check issues
// become diagnostics; only analyzer-internal failures return an error. The
// context is polled between phases and per AST node.
func (a *Analyzer) Analyze(ctx context.Context, snap document.Snapshot) (*analysis.Artifact, error) {
	art := &analysis.Artifact{
		URI:         snap.URI,
		Version:     snap.Version,
		Diagnostics: []protocol.Diagnostic{},
	}

	if strings.TrimSpace(snap.Text) == "" {
		art.Completions = completionItems(a.env, nil)
		return art, nil
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	parsed, issues := a.env.Parse(snap.Text)
	if issues.Err() != nil {
		art.Diagnostics = issuesToDiagnostics(snap, issues, protocol.SeverityError)
		art.Completions = completionItems(a.env, nil)
		return art, nil
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, checkIssues := a.env.Check(parsed); checkIssues.Err() != nil {
		art.Diagnostics = issuesToDiagnostics(snap, checkIssues, protocol.SeverityWarning)
	}

	native := parsed.NativeRep()
	symbols, err := collectSymbols(ctx, native, snap)
	if err != nil {
		return nil, err
	}
	hovers, err := collectHovers(ctx, native, snap, a.env)
	if err != nil {
		return nil, err
	}
	art.Symbols = symbols
	art.Hovers = hovers
	art.Completions = completionItems(a.env, symbolNames(symbols))
	return art, nil
}

// runeToByteOffset converts a CEL source position (rune offset) to a UTF-8
// byte offset within the expression string.
func runeToByteOffset(s string, runeOffset int32) int {
	byteIdx := 0
	for runeIdx := int32(0); runeIdx < runeOffset && byteIdx < len(s); runeIdx++ {
		_, size := utf8.DecodeRuneInString(s[byteIdx:])
		byteIdx += size
	}
	return byteIdx
}

// offsetRangeToByteRange converts a CEL ast.OffsetRange (rune offsets) to
// byte offsets.
func offsetRangeToByteRange(s string, r celast.OffsetRange) (byteStart, byteStop int) {
	byteStart = runeToByteOffset(s, r.Start)
	byteStop = runeToByteOffset(s, r.Stop)
	return
}
