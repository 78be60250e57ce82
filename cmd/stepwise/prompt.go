package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/stepwise/internal/inference"
	"github.com/samcharles93/stepwise/internal/logger"
)

// outputOptions are shared by the commands that print generated text.
type outputOptions struct {
	streamMode string
	escape     bool
	noProgress bool
}

func (o *outputOptions) flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "stream-mode",
			Usage:       "output mode (instant, quiet)",
			Value:       string(StreamInstant),
			Destination: &o.streamMode,
		},
		&cli.BoolFlag{
			Name:        "escape",
			Usage:       "print control characters as escapes",
			Destination: &o.escape,
		},
		&cli.BoolFlag{
			Name:        "no-progress",
			Usage:       "hide the prefill progress bar",
			Destination: &o.noProgress,
		},
	}
}

func promptCmd() *cli.Command {
	var (
		prompt string
		system string
		raw    bool
		out    outputOptions
	)

	return &cli.Command{
		Name:      "prompt",
		Usage:     "Generate a reply to a single prompt",
		ArgsUsage: "[prompt]",
		Before:    prepare,
		Flags: append([]cli.Flag{
			&cli.StringFlag{
				Name:        "prompt",
				Aliases:     []string{"p"},
				Usage:       "prompt text (default: arguments, then stdin)",
				Destination: &prompt,
			},
			&cli.StringFlag{
				Name:        "system",
				Aliases:     []string{"sys"},
				Usage:       "system prompt for this request",
				Destination: &system,
			},
			&cli.BoolFlag{
				Name:        "raw",
				Usage:       "send the prompt without chat markup",
				Destination: &raw,
			},
		}, out.flags()...),
		Action: func(ctx context.Context, c *cli.Command) error {
			text, err := resolvePromptText(prompt, c.Args().Slice(), os.Stdin)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			req := &inference.Request{Prompt: text, System: system, Raw: raw}
			return generateToStdout(ctx, req, out)
		},
	}
}

// resolvePromptText picks the prompt from the flag, then positional arguments,
// then a piped stdin.
func resolvePromptText(flag string, args []string, stdin *os.File) (string, error) {
	if strings.TrimSpace(flag) != "" {
		return flag, nil
	}
	if len(args) > 0 {
		return strings.Join(args, " "), nil
	}
	if stdin != nil && !isTerminal(stdin) {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		if s := strings.TrimSpace(string(data)); s != "" {
			return s, nil
		}
	}
	return "", fmt.Errorf("a prompt is required (--prompt, an argument or stdin)")
}

// generateToStdout runs one generation, streaming text to stdout and
// progress to stderr.
func generateToStdout(ctx context.Context, req *inference.Request, out outputOptions) error {
	log := logger.FromContext(ctx)
	mode, err := parseStreamMode(out.streamMode)
	if err != nil {
		return cli.Exit(fmt.Sprintf("error: %v", err), 1)
	}

	engine, err := newEngine(opts)
	if err != nil {
		return cli.Exit(fmt.Sprintf("error: %v", err), 1)
	}
	defer func() { _ = engine.Close() }()

	if !out.noProgress && isTerminal(os.Stderr) {
		bar := newPrefillBar(os.Stderr)
		defer bar.Close()
		req.Progress = bar.Report()
	}

	w := NewStreamWriter(os.Stdout, mode, out.escape)
	res, genErr := engine.Generate(ctx, req, w.Write)
	if text := w.Flush(); text != "" {
		fmt.Println()
	}
	if res != nil {
		logStats(log, res.Stats)
	}
	if genErr != nil {
		return cli.Exit(fmt.Sprintf("error: generate: %v", genErr), 1)
	}
	return nil
}

func logStats(log logger.Logger, s inference.Stats) {
	log.Info("generation finished",
		"prompt_tokens", s.PromptTokens,
		"prefill_rounds", s.PrefillRounds,
		"decode_steps", s.DecodeSteps,
		"forward_calls", s.ForwardCalls,
		"end_of_sequence", s.EndOfSequence,
		"truncated", s.Truncated,
		"prefill", s.PrefillDuration,
		"total", s.Duration,
	)
}
