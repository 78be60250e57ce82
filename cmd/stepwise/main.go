package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/stepwise/internal/logger"
)

func main() {
	app := &cli.Command{
		Name:  "stepwise",
		Usage: "Drive chunked generation against a remote layer-execution backend",
		Flags: slices.Concat(configFlags(), loggingFlags(), backendFlags(), generationFlags(), simFlags()),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return cli.ShowAppHelp(cmd)
		},
		Commands: []*cli.Command{
			promptCmd(),
			chatCmd(),
			batchCmd(),
			serveCmd(),
			simulateCmd(),
			versionCmd(),
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := app.Run(ctx, os.Args)
	stop()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// prepare loads the config file, fills unset flags from it and stores the
// logger in the context. Every subcommand runs it as its Before hook, after
// its own flags are parsed.
func prepare(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	cfg, err := LoadConfig(opts.configFile)
	if err != nil {
		return ctx, fmt.Errorf("config: %w", err)
	}
	applyConfig(cmd.IsSet, cfg, &opts)

	level := logger.ParseLevel(opts.logLevel)
	if opts.debug {
		level = slog.LevelDebug
	}
	log, err := logger.NewWithFormat(opts.logFormat, os.Stderr, level)
	if err != nil {
		return ctx, err
	}
	return logger.WithContext(ctx, log), nil
}
