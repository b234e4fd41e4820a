package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pressly/cli"

	"github.com/keel-lsp/keel/internal/cellang"
	"github.com/keel-lsp/keel/internal/document"
	"github.com/keel-lsp/keel/internal/lsp/protocol"
)

// checkCommand analyzes CEL files without a client attached and prints any
// diagnostics in file:line:col form, one per line.
var checkCommand = &cli.Command{
	Name:      "check",
	Usage:     "keel check <file>...",
	ShortHelp: "Analyze CEL files and print their diagnostics",
	Exec: func(ctx context.Context, s *cli.State) error {
		if len(s.Args) == 0 {
			return fmt.Errorf("check: no files given")
		}
		clean := true
		for _, path := range s.Args {
			lines, err := checkFile(ctx, path)
			if err != nil {
				return err
			}
			for _, line := range lines {
				fmt.Fprintln(s.Stdout, line)
				clean = false
			}
		}
		if !clean {
			return fmt.Errorf("check: diagnostics reported")
		}
		return nil
	},
}

// checkFile runs a single analysis pass over the file at path and renders
// its diagnostics.
func checkFile(ctx context.Context, path string) ([]string, error) {
	text, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	analyzer, err := cellang.New()
	if err != nil {
		return nil, err
	}

	uri := protocol.URIFromPath(abs)
	store := document.NewStore()
	snap, err := store.Open(uri, "cel", 1, string(text))
	if err != nil {
		return nil, err
	}

	art, err := analyzer.Analyze(ctx, snap)
	if err != nil {
		return nil, err
	}

	lines := make([]string, 0, len(art.Diagnostics))
	for _, d := range art.Diagnostics {
		lines = append(lines, fmt.Sprintf("%s:%d:%d: %s",
			uri.Path(), d.Range.Start.Line+1, d.Range.Start.Character+1, d.Message))
	}
	return lines, nil
}
