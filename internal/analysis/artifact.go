// Package analysis derives versioned artifacts (diagnostics, symbols, hover
// and completion tables) from document snapshots. The engine is generic over
// an Analyzer; the language-specific work lives behind that interface.
package analysis

import (
	"context"

	"github.com/keel-lsp/keel/internal/document"
	"github.com/keel-lsp/keel/internal/lsp/protocol"
)

// Analyzer is the pluggable parse+analyze capability. Analyze must poll ctx
// at bounded intervals (per parse phase, per top-level construct) and return
// ctx.Err() promptly once cancelled, discarding partial output. Language
// errors are diagnostics inside the artifact, not Go errors; a returned
// error means the analyzer itself failed.
type Analyzer interface {
	Analyze(ctx context.Context, snap document.Snapshot) (*Artifact, error)
}

// Artifact is the immutable output of analyzing one document version. It is
// superseded by a newer artifact, never mutated.
type Artifact struct {
	URI     protocol.DocumentURI
	Version int32

	Diagnostics []protocol.Diagnostic
	Symbols     []Symbol
	Hovers      []HoverInfo
	Completions []protocol.CompletionItem

	// Degraded marks an artifact produced after an analyzer failure; its
	// diagnostics are carried over from the previous artifact (or empty).
	Degraded bool
}

// Symbol is one identifier occurrence, with the range of its defining
// occurrence for definition lookups.
type Symbol struct {
	Name       string
	Kind       protocol.SymbolKind
	Range      protocol.Range
	ByteStart  int
	ByteEnd    int
	Definition protocol.Range
}

// HoverInfo is hover documentation attached to a byte range of the source.
// Byte offsets are kept alongside the range so the narrowest enclosing hover
// can be selected cheaply.
type HoverInfo struct {
	Range      protocol.Range
	ByteStart  int
	ByteEnd    int
	Markdown   string
}

// SymbolAt returns the symbol whose range contains the byte offset, or nil.
func (a *Artifact) SymbolAt(offset int) *Symbol {
	for i := range a.Symbols {
		s := &a.Symbols[i]
		if offset >= s.ByteStart && offset < s.ByteEnd {
			return s
		}
	}
	return nil
}

// HoverAt returns the narrowest hover whose range contains the byte offset,
// or nil.
func (a *Artifact) HoverAt(offset int) *HoverInfo {
	var best *HoverInfo
	for i := range a.Hovers {
		h := &a.Hovers[i]
		if offset < h.ByteStart || offset >= h.ByteEnd {
			continue
		}
		if best == nil || (h.ByteEnd-h.ByteStart) < (best.ByteEnd-best.ByteStart) {
			best = h
		}
	}
	return best
}
