package cellang

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common"
	celast "github.com/google/cel-go/common/ast"
	"github.com/google/cel-go/common/operators"
	"github.com/google/cel-go/common/overloads"
	"github.com/google/cel-go/common/types"

	"github.com/keel-lsp/keel/internal/analysis"
	"github.com/keel-lsp/keel/internal/document"
)

// collectHovers gathers documentation for every hoverable element: literal
// keywords, operators, functions, and macro names. Ranges are byte offsets
// into the snapshot text so the narrowest-match lookup can happen later
// without re-parsing.
func collectHovers(ctx context.Context, native *celast.AST, snap document.Snapshot, env *cel.Env) ([]analysis.HoverInfo, error) {
	info := native.SourceInfo()
	text := snap.Text
	var hovers []analysis.HoverInfo

	add := func(byteStart, byteEnd int, markdown string) {
		if byteStart < 0 || byteEnd <= byteStart || byteEnd > len(text) || markdown == "" {
			return
		}
		hovers = append(hovers, analysis.HoverInfo{
			Range:     snap.Index().Range(byteStart, byteEnd),
			ByteStart: byteStart,
			ByteEnd:   byteEnd,
			Markdown:  markdown,
		})
	}

	var walk func(expr celast.Expr) error
	walk = func(expr celast.Expr) error {
		if expr == nil || expr.Kind() == celast.UnspecifiedExprKind {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		offsetRange, hasOffset := info.GetOffsetRange(expr.ID())
		startLoc := info.GetStartLocation(expr.ID())

		switch expr.Kind() {
		case celast.IdentKind:
			name := expr.AsIdent()
			if hasOffset && isKeyword(name) {
				start, end := offsetRangeToByteRange(text, offsetRange)
				add(start, end, keywordHover(name))
			}

		case celast.SelectKind:
			return walk(expr.AsSelect().Operand())

		case celast.CallKind:
			call := expr.AsCall()
			if call.IsMemberFunction() {
				if err := walk(call.Target()); err != nil {
					return err
				}
			}

			funcName := call.FunctionName()
			if _, isOperator := operatorSymbol(funcName); isOperator {
				if hasOffset {
					start, end := offsetRangeToByteRange(text, offsetRange)
					add(start, end, functionHover(funcName, env))
				}
			} else if !isMacroFunction(funcName) {
				if call.IsMemberFunction() {
					targetStart := info.GetStartLocation(call.Target().ID())
					if targetStart.Line() > 0 {
						targetOffset := runeToByteOffset(text, int32(targetStart.Column())+info.ComputeOffset(int32(targetStart.Line()), 0))
						start, end := methodNameAfterDot(targetOffset, funcName, text)
						add(start, end, functionHover(funcName, env))
					}
				} else if startLoc.Line() > 0 {
					// The start location points just past the function
					// name, at the opening paren.
					nameEnd := runeToByteOffset(text, int32(startLoc.Column())+info.ComputeOffset(int32(startLoc.Line()), 0))
					nameStart := nameEnd - len(funcName)
					if nameStart >= 0 && nameEnd <= len(text) && text[nameStart:nameEnd] == funcName {
						add(nameStart, nameEnd, functionHover(funcName, env))
					}
				}
			}

			for _, arg := range call.Args() {
				if err := walk(arg); err != nil {
					return err
				}
			}

		case celast.LiteralKind:
			if !hasOffset {
				return nil
			}
			start, end := offsetRangeToByteRange(text, offsetRange)
			if start < 0 || end > len(text) {
				return nil
			}
			switch expr.AsLiteral().(type) {
			case types.Bool:
				add(start, end, keywordHover(text[start:end]))
			case types.Null:
				add(start, end, keywordHover("null"))
			}

		case celast.ListKind:
			for _, elem := range expr.AsList().Elements() {
				if err := walk(elem); err != nil {
					return err
				}
			}

		case celast.MapKind:
			for _, entry := range expr.AsMap().Entries() {
				mapEntry := entry.AsMapEntry()
				if err := walk(mapEntry.Key()); err != nil {
					return err
				}
				if err := walk(mapEntry.Value()); err != nil {
					return err
				}
			}

		case celast.StructKind:
			for _, field := range expr.AsStruct().Fields() {
				if err := walk(field.AsStructField().Value()); err != nil {
					return err
				}
			}

		case celast.ComprehensionKind:
			comp := expr.AsComprehension()
			for _, sub := range []celast.Expr{
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
	if err := collectMacroHovers(ctx, info, text, env, add); err != nil {
		return nil, err
	}
	return hovers, nil
}

// collectMacroHovers records hover info for macro call sites, which only
// survive in SourceInfo after expansion.
func collectMacroHovers(
	ctx context.Context,
	info *celast.SourceInfo,
	text string,
	env *cel.Env,
	add func(byteStart, byteEnd int, markdown string),
) error {
	for macroID, macroExpr := range info.MacroCalls() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if macroExpr.Kind() != celast.CallKind {
			continue
		}
		call := macroExpr.AsCall()
		funcName := call.FunctionName()
		if !isMacroFunction(funcName) {
			continue
		}

		doc := macroHover(funcName, env)
		if doc == "" {
			continue
		}

		startLoc := info.GetStartLocation(macroID)
		if startLoc.Line() <= 0 {
			continue
		}

		if call.IsMemberFunction() {
			targetStart := info.GetStartLocation(call.Target().ID())
			if targetStart.Line() > 0 {
				targetOffset := runeToByteOffset(text, int32(targetStart.Column())+info.ComputeOffset(int32(targetStart.Line()), 0))
				start, end := methodNameAfterDot(targetOffset, funcName, text)
				add(start, end, doc)
			}
		} else {
			nameEnd := runeToByteOffset(text, int32(startLoc.Column())+info.ComputeOffset(int32(startLoc.Line()), 0))
			nameStart := nameEnd - len(funcName)
			if nameStart >= 0 && nameEnd <= len(text) && text[nameStart:nameEnd] == funcName {
				add(nameStart, nameEnd, doc)
			}
		}
	}
	return nil
}

// isMacroFunction reports whether the function name is a standard CEL macro.
func isMacroFunction(funcName string) bool {
	return funcName == operators.Has ||
		funcName == operators.All ||
		funcName == operators.Exists ||
		funcName == operators.ExistsOne ||
		funcName == operators.Map ||
		funcName == operators.Filter
}

// operatorSymbol maps CEL operator function names to their display symbols.
func operatorSymbol(funcName string) (string, bool) {
	if symbol, found := operators.FindReverse(funcName); found && symbol != "" {
		return symbol, true
	}
	if funcName == operators.Conditional {
		return "?", true
	}
	return "", false
}

// methodNameAfterDot locates ".methodName" after targetOffset and returns
// the byte range of the name, or (-1, -1) when absent.
func methodNameAfterDot(targetOffset int, methodName string, text string) (start, end int) {
	if targetOffset < 0 || targetOffset > len(text) {
		return -1, -1
	}
	if idx := strings.Index(text[targetOffset:], "."+methodName); idx >= 0 {
		start = targetOffset + idx + 1
		return start, start + len(methodName)
	}
	return -1, -1
}

func keywordHover(name string) string {
	switch name {
	case "true":
		return "`true` — boolean **true** literal"
	case "false":
		return "`false` — boolean **false** literal"
	case "null":
		return "`null` — **null** value\n\nRepresents the absence of a value. Type: `null_type`."
	default:
		return ""
	}
}

// functionHover renders markdown for a function, operator, or type
// conversion by consulting the environment's declarations.
func functionHover(funcName string, env *cel.Env) string {
	funcDecl, ok := env.Functions()[funcName]
	if !ok {
		return ""
	}
	if doc := funcDecl.Documentation(); doc != nil {
		if symbol, isOp := operatorSymbol(funcName); isOp {
			return formatDoc(doc, "**Operator**: ", symbol)
		}
		if overloads.IsTypeConversionFunction(funcName) {
			return formatDoc(doc, "**Type**: ", "")
		}
		return formatDoc(doc, "", "")
	}
	if desc := funcDecl.Description(); desc != "" {
		return fmt.Sprintf("`%s` — %s", funcName, desc)
	}
	return fmt.Sprintf("`%s()` — function", funcName)
}

func macroHover(macroName string, env *cel.Env) string {
	for _, m := range env.Macros() {
		if m.Function() != macroName {
			continue
		}
		if doc, ok := m.(common.Documentor); ok {
			if documentation := doc.Documentation(); documentation != nil {
				return formatDoc(documentation, "**Macro**: ", "")
			}
		}
		break
	}
	return fmt.Sprintf("`%s` — macro", macroName)
}

// formatDoc renders a common.Doc as markdown. headerPrefix precedes the
// name; nameOverride replaces doc.Name when non-empty.
func formatDoc(doc *common.Doc, headerPrefix, nameOverride string) string {
	if doc == nil {
		return ""
	}

	var b strings.Builder

	name := doc.Name
	if nameOverride != "" {
		name = nameOverride
	}
	if doc.Signature != "" {
		name = doc.Signature
	}

	if name != "" {
		if headerPrefix != "" {
			fmt.Fprintf(&b, "%s`%s`", headerPrefix, name)
		} else {
			fmt.Fprintf(&b, "`%s`", name)
		}
	}

	if doc.Description != "" {
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(doc.Description)
	}

	if len(doc.Children) > 0 {
		hasSignatures := false
		for _, child := range doc.Children {
			if child.Signature != "" {
				hasSignatures = true
				break
			}
		}

		if hasSignatures {
			b.WriteString("\n\n**Overloads**:")
			for _, child := range doc.Children {
				if child.Signature != "" {
					fmt.Fprintf(&b, "\n- `%s`", child.Signature)
				}
			}
		} else {
			b.WriteString("\n\n**Examples**:")
			for _, child := range doc.Children {
				if child.Description != "" {
					fmt.Fprintf(&b, "\n```cel\n%s\n```", child.Description)
				}
			}
		}
	}

	return b.String()
}
