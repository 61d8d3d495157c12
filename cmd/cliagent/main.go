// Command cliagent is an example CLI that drives the cliagent-sdk one-shot
// query path from outside the library, with structured logging and
// colorized stderr relay wired in through cobra flags.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	claude "github.com/flowbridge/cliagent-sdk"
)

var (
	model                  string
	maxTurns               int
	permissionMode         string
	systemPrompt           string
	verbose                bool
	maxConcurrentCallbacks int
)

func main() {
	root := &cobra.Command{
		Use:   "cliagent [prompt]",
		Short: "Run a one-shot query against the Claude Code CLI",
		Args:  cobra.ExactArgs(1),
		RunE:  runQuery,
	}

	root.Flags().StringVar(&model, "model", "claude-sonnet-4-5", "model to use")
	root.Flags().IntVar(&maxTurns, "max-turns", 1, "maximum number of agent turns")
	root.Flags().StringVar(&permissionMode, "permission-mode", string(claude.PermissionDefault),
		"permission mode: default, acceptEdits, plan, bypassPermissions")
	root.Flags().StringVar(&systemPrompt, "system-prompt", "", "override the system prompt")
	root.Flags().BoolVarP(&verbose, "verbose", "v", false, "emit structured debug logs to stderr")
	root.Flags().IntVar(&maxConcurrentCallbacks, "max-concurrent-callbacks", 0,
		"bound how many inbound control-request callbacks run concurrently (0 = unbounded)")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("error: %v", err))
		os.Exit(1)
	}
}

func runQuery(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logLevel := zerolog.WarnLevel
	if verbose {
		logLevel = zerolog.DebugLevel
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(logLevel).
		With().Timestamp().Logger()

	stderrRelay := color.New(color.FgYellow)

	opts := []claude.Option{
		claude.WithModel(model),
		claude.WithMaxTurns(maxTurns),
		claude.WithPermissionMode(claude.PermissionMode(permissionMode)),
		claude.WithLogger(logger),
		claude.WithStderr(func(line string) {
			stderrRelay.Fprintln(os.Stderr, line)
		}),
	}
	if systemPrompt != "" {
		opts = append(opts, claude.WithSystemPrompt(systemPrompt))
	}
	if maxConcurrentCallbacks > 0 {
		opts = append(opts, claude.WithMaxConcurrentCallbacks(maxConcurrentCallbacks))
	}

	msgs, errs := claude.Query(ctx, args[0], opts...)

	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan)

	for msg := range msgs {
		switch m := msg.(type) {
		case *claude.AssistantMessage:
			for _, block := range m.Content {
				if tb, ok := block.(*claude.TextBlock); ok {
					green.Println(tb.Text)
				}
			}
		case *claude.ResultMessage:
			if m.TotalCostUSD != nil {
				cyan.Fprintf(os.Stderr, "cost: $%.4f\n", *m.TotalCostUSD)
			}
			cyan.Fprintf(os.Stderr, "duration: %dms\n", m.DurationMS)
		}
	}

	if err := <-errs; err != nil {
		return err
	}
	return nil
}
