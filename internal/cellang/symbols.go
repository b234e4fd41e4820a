package cellang

import (
	"context"
	"slices"
	"strings"

	"github.com/google/cel-go/common/ast"

	"github.com/keel-lsp/keel/internal/analysis"
	"github.com/keel-lsp/keel/internal/document"
	"github.com/keel-lsp/keel/internal/lsp/protocol"
)

// collectSymbols walks the parsed AST and records every identifier
// occurrence. CEL has no declaration syntax, so a symbol's defining
// occurrence is its first occurrence in source order (comprehension
// variables included: the macro's iteration variable appears first inside
// the expanded loop range).
func collectSymbols(ctx context.Context, native *ast.AST, snap document.Snapshot) ([]analysis.Symbol, error) {
	info := native.SourceInfo()
	var occurrences []analysis.Symbol

	var walk func(expr ast.Expr) error
	walk = func(expr ast.Expr) error {
		if expr == nil || expr.Kind() == ast.UnspecifiedExprKind {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		switch expr.Kind() {
		case ast.IdentKind:
			name := expr.AsIdent()
			if isInternalName(name) || isKeyword(name) {
				return nil
			}
			offsetRange, ok := info.GetOffsetRange(expr.ID())
			if !ok {
				return nil // synthesized by macro expansion, no source range
			}
			start, end := offsetRangeToByteRange(snap.Text, offsetRange)
			if start < 0 || end <= start || end > len(snap.Text) {
				return nil
			}
			occurrences = append(occurrences, analysis.Symbol{
				Name:      name,
				Kind:      protocol.VariableSymbol,
				Range:     snap.Index().Range(start, end),
				ByteStart: start,
				ByteEnd:   end,
			})

		case ast.SelectKind:
			return walk(expr.AsSelect().Operand())

		case ast.CallKind:
			call := expr.AsCall()
			if call.IsMemberFunction() {
				if err := walk(call.Target()); err != nil {
					return err
				}
			}
			for _, arg := range call.Args() {
				if err := walk(arg); err != nil {
					return err
				}
			}

		case ast.ListKind:
			for _, elem := range expr.AsList().Elements() {
				if err := walk(elem); err != nil {
					return err
				}
			}

		case ast.MapKind:
			for _, entry := range expr.AsMap().Entries() {
				mapEntry := entry.AsMapEntry()
				if err := walk(mapEntry.Key()); err != nil {
					return err
				}
				if err := walk(mapEntry.Value()); err != nil {
					return err
				}
			}

		case ast.StructKind:
			for _, field := range expr.AsStruct().Fields() {
				if err := walk(field.AsStructField().Value()); err != nil {
					return err
				}
			}

		case ast.ComprehensionKind:
			comp := expr.AsComprehension()
			for _, sub := range []ast.Expr{
				comp.IterRange(), comp.AccuInit(),
				comp.LoopCondition(), comp.LoopStep(), comp.Result(),
			} {
				if err := walk(sub); err != nil {
					return err
				}
			}
		}
		return nil
	}

	if err := walk(native.Expr()); err != nil {
		return nil, err
	}

	slices.SortFunc(occurrences, func(a, b analysis.Symbol) int {
		return a.ByteStart - b.ByteStart
	})

	// First occurrence of each name defines it.
	defs := make(map[string]protocol.Range, len(occurrences))
	for i := range occurrences {
		if _, ok := defs[occurrences[i].Name]; !ok {
			defs[occurrences[i].Name] = occurrences[i].Range
		}
		occurrences[i].Definition = defs[occurrences[i].Name]
	}
	return occurrences, nil
}

// symbolNames returns the distinct identifier names, in first-seen order.
func symbolNames(symbols []analysis.Symbol) []string {
	seen := make(map[string]bool, len(symbols))
	var names []string
	for _, s := range symbols {
		if !seen[s.Name] {
			seen[s.Name] = true
			names = append(names, s.Name)
		}
	}
	return names
}

// isInternalName reports cel-go synthesized identifiers (macro accumulators
// and friends).
func isInternalName(name string) bool {
	return strings.HasPrefix(name, "__") || strings.HasPrefix(name, "@")
}

// isKeyword reports CEL literal keywords, which parse as idents in some
// positions but are not symbols.
func isKeyword(name string) bool {
	switch name {
	case "true", "false", "null":
		return true
	}
	return false
}
