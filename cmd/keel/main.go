package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/pressly/cli"
	"go.uber.org/zap"

	"github.com/keel-lsp/keel/internal/lsp"
)

func main() {
	root := &cli.Command{
		Name:      "keel",
		ShortHelp: "A language server for CEL (Common Expression Language)",
		SubCommands: []*cli.Command{
			{
				Name:      "serve",
				ShortHelp: "Start the CEL language server (communicates over stdin/stdout)",
				Flags: cli.FlagsFunc(func(f *flag.FlagSet) {
					f.Duration("debounce", 200*time.Millisecond, "quiet period before re-analyzing an edited document")
					f.Duration("wait-timeout", 2*time.Second, "how long query handlers wait for fresh analysis")
					f.Int64("max-analyses", 4, "maximum number of documents analyzed concurrently")
				}),
				Exec: func(ctx context.Context, s *cli.State) error {
					logger, err := newLogger()
					if err != nil {
						return err
					}
					defer func() { _ = logger.Sync() }()
					return lsp.Serve(logger,
						lsp.WithDebounce(cli.GetFlag[time.Duration](s, "debounce")),
						lsp.WithWaitTimeout(cli.GetFlag[time.Duration](s, "wait-timeout")),
						lsp.WithMaxConcurrentAnalyses(cli.GetFlag[int64](s, "max-analyses")),
					)
				},
			},
			checkCommand,
		},
	}
	if err := cli.ParseAndRun(context.Background(), root, os.Args[1:], nil); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// newLogger builds a production logger writing to stderr. Stdout carries the
// LSP wire protocol and must stay clean.
func newLogger() (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	return cfg.Build()
}
