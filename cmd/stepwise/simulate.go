package main

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/stepwise/internal/backend/remote"
	"github.com/samcharles93/stepwise/internal/backend/sim"
	"github.com/samcharles93/stepwise/internal/logger"
	"github.com/samcharles93/stepwise/internal/session"
)

func simulateCmd() *cli.Command {
	var (
		addr        string
		sampling    string
		temperature float64
		topK        int64
		topP        float64
		readTimeout time.Duration
	)

	return &cli.Command{
		Name:  "simulate",
		Usage: "Serve the simulated backend over HTTP for local testing",
		Description: "The simulated backend replies with fixed text while checking the\n" +
			"session and run state of every call, so a client can be exercised end\n" +
			"to end without a model.",
		Before: prepare,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address",
				Value:       "127.0.0.1:8081",
				Destination: &addr,
			},
			&cli.StringFlag{
				Name:        "sampling",
				Usage:       "sampling kind (argmax, all, top_k, top_p, top_k_then_top_p)",
				Value:       string(session.ArgMax),
				Destination: &sampling,
			},
			&cli.Float64Flag{
				Name:        "temperature",
				Aliases:     []string{"temp"},
				Usage:       "sampling temperature",
				Value:       0.8,
				Destination: &temperature,
			},
			&cli.Int64Flag{
				Name:        "top-k",
				Usage:       "top-k sampling parameter",
				Value:       40,
				Destination: &topK,
			},
			&cli.Float64Flag{
				Name:        "top-p",
				Usage:       "top_p sampling parameter",
				Value:       0.95,
				Destination: &topP,
			},
			&cli.DurationFlag{
				Name:        "read-timeout",
				Usage:       "read header timeout",
				Value:       30 * time.Second,
				Destination: &readTimeout,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)

			b, err := sim.New(sim.Config{
				NumLayers:     int(opts.simLayers),
				PrefillWindow: int(opts.simWindow),
				Reply:         opts.simReply,
				Seed:          opts.simSeed,
				Latency:       opts.simLatency,
				Sampling: session.Sampling{
					Kind:        session.SamplingKind(strings.ToLower(strings.TrimSpace(sampling))),
					K:           int(topK),
					P:           topP,
					Temperature: temperature,
				},
			})
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			remote.NewServer(b, log).Register(e)

			simCfg := b.Config()
			log.Info("starting simulated backend",
				"address", addr,
				"layers", simCfg.NumLayers,
				"prefill_window", simCfg.PrefillWindow,
				"sampling", simCfg.Sampling.Kind,
			)
			sc := echo.StartConfig{
				Address: addr,
				BeforeServeFunc: func(srv *http.Server) error {
					srv.ReadHeaderTimeout = readTimeout
					return nil
				},
			}
			return sc.Start(ctx, e)
		},
	}
}
