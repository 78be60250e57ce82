package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/stepwise/internal/api"
	"github.com/samcharles93/stepwise/internal/logger"
)

const defaultServeAddress = "127.0.0.1:8080"

func serveCmd() *cli.Command {
	var (
		readTimeout time.Duration
		model       string
		storeSize   int64
	)

	return &cli.Command{
		Name:   "serve",
		Usage:  "Serve the REST API (prompt, chat completions, generations)",
		Before: prepare,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address",
				Value:       defaultServeAddress,
				Destination: &opts.serverAddress,
			},
			&cli.DurationFlag{
				Name:        "read-timeout",
				Usage:       "read header timeout",
				Value:       30 * time.Second,
				Destination: &readTimeout,
			},
			&cli.StringFlag{
				Name:        "model",
				Usage:       "model name reported to clients",
				Destination: &model,
			},
			&cli.Int64Flag{
				Name:        "store-size",
				Usage:       "finished generations kept for retrieval",
				Value:       api.DefaultStoreCapacity,
				Destination: &storeSize,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)

			engine, err := newEngine(opts)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			defer func() { _ = engine.Close() }()

			server := api.NewServer(engine, api.Options{
				Model: model,
				Store: api.NewGenerationStore(int(storeSize)),
				Log:   log,
			})
			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			server.Register(e)

			cfg := engine.Config()
			log.Info("starting server",
				"address", opts.serverAddress,
				"transport", opts.transport,
				"prefill_chunk", cfg.PrefillChunk,
				"decode_chunk", cfg.DecodeChunk,
			)
			sc := echo.StartConfig{
				Address: opts.serverAddress,
				BeforeServeFunc: func(srv *http.Server) error {
					srv.ReadHeaderTimeout = readTimeout
					return nil
				},
			}
			return sc.Start(ctx, e)
		},
	}
}
