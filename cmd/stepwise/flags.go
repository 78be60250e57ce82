package main

import (
	"time"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/stepwise/internal/backend"
	"github.com/samcharles93/stepwise/internal/inference"
)

// settings holds every value shared by the subcommands. Flags write into it
// and applyConfig fills the ones left unset from the config file.
type settings struct {
	configFile string

	backendURL     string
	transport      string
	codec          string
	callsPerSecond float64
	requestTimeout time.Duration

	prefillChunk     int64
	decodeChunk      int64
	maxSteps         int64
	maxPrefillRounds int64
	maxForwardCalls  int64
	singleShot       bool
	family           string
	systemPrompt     string
	keepMarkup       bool

	simLayers  int64
	simWindow  int64
	simReply   string
	simSeed    int64
	simLatency time.Duration

	logLevel  string
	logFormat string
	debug     bool

	serverAddress string
}

var opts settings

func configFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "config",
			Usage:       "path to config.yaml (default: user config dir)",
			Destination: &opts.configFile,
		},
	}
}

func backendFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "backend-url",
			Aliases:     []string{"url"},
			Usage:       "base URL of the remote backend",
			Sources:     cli.EnvVars("STEPWISE_BACKEND_URL"),
			Destination: &opts.backendURL,
		},
		&cli.StringFlag{
			Name:        "transport",
			Usage:       "backend transport (" + backend.Available() + ")",
			Value:       backend.HTTP,
			Destination: &opts.transport,
		},
		&cli.StringFlag{
			Name:        "codec",
			Usage:       "wire codec for the http transport (json, cbor)",
			Value:       "json",
			Destination: &opts.codec,
		},
		&cli.Float64Flag{
			Name:        "calls-per-second",
			Usage:       "pace backend calls (0 = unlimited)",
			Destination: &opts.callsPerSecond,
		},
		&cli.DurationFlag{
			Name:        "request-timeout",
			Usage:       "timeout for a single backend call",
			Value:       2 * time.Minute,
			Destination: &opts.requestTimeout,
		},
	}
}

func generationFlags() []cli.Flag {
	return []cli.Flag{
		&cli.Int64Flag{
			Name:        "prefill-chunk",
			Usage:       "layers per forward call during prefill",
			Value:       inference.DefaultPrefillChunk,
			Destination: &opts.prefillChunk,
		},
		&cli.Int64Flag{
			Name:        "decode-chunk",
			Usage:       "layers per forward call during decode",
			Value:       inference.DefaultDecodeChunk,
			Destination: &opts.decodeChunk,
		},
		&cli.Int64Flag{
			Name:        "max-steps",
			Aliases:     []string{"n"},
			Usage:       "maximum decode steps",
			Value:       inference.DefaultMaxSteps,
			Destination: &opts.maxSteps,
		},
		&cli.Int64Flag{
			Name:        "max-prefill-rounds",
			Usage:       "maximum prefill rounds (0 = unbounded)",
			Value:       inference.DefaultMaxPrefillRounds,
			Destination: &opts.maxPrefillRounds,
		},
		&cli.Int64Flag{
			Name:        "max-forward-calls",
			Usage:       "maximum forward calls per phase (0 = unbounded)",
			Destination: &opts.maxForwardCalls,
		},
		&cli.BoolFlag{
			Name:        "single-shot",
			Usage:       "consume the whole prompt in one prefill round",
			Destination: &opts.singleShot,
		},
		&cli.StringFlag{
			Name:        "template",
			Usage:       "prompt markup family (llama3, chatml)",
			Destination: &opts.family,
		},
		&cli.StringFlag{
			Name:        "default-system",
			Usage:       "system prompt used when a request has none",
			Destination: &opts.systemPrompt,
		},
		&cli.BoolFlag{
			Name:        "keep-markup",
			Usage:       "keep special tokens in emitted text",
			Destination: &opts.keepMarkup,
		},
	}
}

func simFlags() []cli.Flag {
	return []cli.Flag{
		&cli.Int64Flag{
			Name:        "sim-layers",
			Usage:       "number of layers of the simulated model",
			Value:       16,
			Destination: &opts.simLayers,
		},
		&cli.Int64Flag{
			Name:        "sim-window",
			Usage:       "prompt tokens consumed per prefill round",
			Value:       8,
			Destination: &opts.simWindow,
		},
		&cli.StringFlag{
			Name:        "sim-reply",
			Usage:       "text the simulated model replies with",
			Destination: &opts.simReply,
		},
		&cli.Int64Flag{
			Name:        "sim-seed",
			Usage:       "sampling seed",
			Destination: &opts.simSeed,
		},
		&cli.DurationFlag{
			Name:        "sim-latency",
			Usage:       "artificial delay per call",
			Destination: &opts.simLatency,
		},
	}
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &opts.logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &opts.logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &opts.debug,
		},
	}
}
