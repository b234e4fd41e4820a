package cellang

import (
	"cmp"
	"fmt"
	"slices"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/decls"
	"github.com/google/cel-go/common/operators"

	"github.com/keel-lsp/keel/internal/lsp/protocol"
)

// keywords are the literal keywords in CEL. These are language-level
// constants that aren't discoverable through cel-go's function or macro APIs.
var keywords = []string{"true", "false", "null"}

// completionItems builds the full candidate set for a document: global
// functions and type conversions from the environment, macros, literal
// keywords, and the document's own identifiers. The server filters this
// set by the prefix under the cursor at request time.
func completionItems(env *cel.Env, identifiers []string) []protocol.CompletionItem {
	items := functionCompletionItems(env)
	items = append(items, macroCompletionItems(env)...)
	items = append(items, keywordCompletionItems()...)
	items = append(items, identifierCompletionItems(identifiers)...)
	return items
}

// functionCompletionItems returns items for global functions and type
// conversions declared in the environment.
func functionCompletionItems(env *cel.Env) []protocol.CompletionItem {
	var items []protocol.CompletionItem
	for name, fn := range env.Functions() {
		if isOperatorOrInternal(name) {
			continue
		}

		hasGlobal := false
		for _, o := range fn.OverloadDecls() {
			if !o.IsMemberFunction() {
				hasGlobal = true
				break
			}
		}
		if !hasGlobal {
			continue
		}

		items = append(items, protocol.CompletionItem{
			Label:         name,
			Kind:          protocol.FunctionCompletion,
			Detail:        globalFunctionDetail(fn),
			Documentation: docMarkup(fn.Description()),
			InsertText:    name + "()",
		})
	}
	slices.SortFunc(items, func(a, b protocol.CompletionItem) int {
		return cmp.Compare(a.Label, b.Label)
	})
	return items
}

// macroCompletionItems returns items for CEL macros, derived from
// env.Macros(). Macros don't carry return type information in cel-go.
func macroCompletionItems(env *cel.Env) []protocol.CompletionItem {
	seen := make(map[string]bool)
	var items []protocol.CompletionItem
	for _, m := range env.Macros() {
		name := m.Function()
		if seen[name] {
			continue
		}
		seen[name] = true

		items = append(items, protocol.CompletionItem{
			Label:      name,
			Kind:       protocol.FunctionCompletion,
			Detail:     "macro",
			InsertText: name + "()",
		})
	}
	slices.SortFunc(items, func(a, b protocol.CompletionItem) int {
		return cmp.Compare(a.Label, b.Label)
	})
	return items
}

func keywordCompletionItems() []protocol.CompletionItem {
	items := make([]protocol.CompletionItem, 0, len(keywords))
	for _, kw := range keywords {
		items = append(items, protocol.CompletionItem{
			Label: kw,
			Kind:  protocol.KeywordCompletion,
		})
	}
	return items
}

// identifierCompletionItems returns items for identifiers appearing in the
// document itself.
func identifierCompletionItems(identifiers []string) []protocol.CompletionItem {
	items := make([]protocol.CompletionItem, 0, len(identifiers))
	for _, name := range identifiers {
		items = append(items, protocol.CompletionItem{
			Label:  name,
			Kind:   protocol.VariableCompletion,
			Detail: "identifier",
		})
	}
	slices.SortFunc(items, func(a, b protocol.CompletionItem) int {
		return cmp.Compare(a.Label, b.Label)
	})
	return items
}

// isOperatorOrInternal reports functions that should not appear as
// completion items.
func isOperatorOrInternal(name string) bool {
	if _, ok := operators.FindReverse(name); ok {
		return true
	}
	return strings.HasPrefix(name, "@") || strings.HasPrefix(name, "_")
}

// globalFunctionDetail produces a short detail string from the first
// global overload.
func globalFunctionDetail(fn *decls.FunctionDecl) string {
	for _, o := range fn.OverloadDecls() {
		if o.IsMemberFunction() {
			continue
		}
		return formatOverloadSignature(fn.Name(), o)
	}
	return ""
}

// formatOverloadSignature formats an overload as "name(arg1, arg2) -> result"
// or "receiver.name(arg1) -> result" for member functions.
func formatOverloadSignature(name string, o *decls.OverloadDecl) string {
	args := o.ArgTypes()
	var parts []string
	start := 0
	prefix := ""
	if o.IsMemberFunction() && len(args) > 0 {
		prefix = args[0].String() + "."
		start = 1
	}
	for _, a := range args[start:] {
		parts = append(parts, a.String())
	}
	return fmt.Sprintf("%s%s(%s) -> %s", prefix, name, strings.Join(parts, ", "), o.ResultType().String())
}

func docMarkup(s string) *protocol.MarkupContent {
	if s == "" {
		return nil
	}
	return &protocol.MarkupContent{
		Kind:  protocol.Markdown,
		Value: s,
	}
}
