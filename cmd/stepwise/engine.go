package main

import (
	"fmt"
	"io"

	"github.com/samcharles93/stepwise/internal/backend"
	"github.com/samcharles93/stepwise/internal/backend/remote"
	"github.com/samcharles93/stepwise/internal/backend/sim"
	"github.com/samcharles93/stepwise/internal/backend/wire"
	"github.com/samcharles93/stepwise/internal/inference"
)

// newBackend connects to the configured transport.
func newBackend(s settings) (backend.Backend, error) {
	transport, err := backend.Normalize(s.transport)
	if err != nil {
		return nil, err
	}
	switch transport {
	case backend.Sim:
		b, err := newSimBackend(s)
		if err != nil {
			return nil, err
		}
		return b, nil
	default:
		codec, err := wire.ByName(s.codec)
		if err != nil {
			return nil, err
		}
		if s.backendURL == "" {
			return nil, fmt.Errorf("--backend-url is required for the %s transport (or set backend_url in %s)", backend.HTTP, configPath())
		}
		c, err := remote.NewClient(remote.Config{
			BaseURL:        s.backendURL,
			Codec:          codec,
			Timeout:        s.requestTimeout,
			CallsPerSecond: s.callsPerSecond,
		})
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

func newSimBackend(s settings) (*sim.Backend, error) {
	return sim.New(sim.Config{
		NumLayers:     int(s.simLayers),
		PrefillWindow: int(s.simWindow),
		Reply:         s.simReply,
		Seed:          s.simSeed,
		Latency:       s.simLatency,
	})
}

func inferenceOptions(s settings) inference.ConfigOptions {
	prefill := int(s.prefillChunk)
	decode := int(s.decodeChunk)
	steps := int(s.maxSteps)
	rounds := int(s.maxPrefillRounds)
	calls := int(s.maxForwardCalls)
	iterative := !s.singleShot
	strip := !s.keepMarkup
	opts := inference.ConfigOptions{
		PrefillChunk:       &prefill,
		DecodeChunk:        &decode,
		MaxSteps:           &steps,
		MaxPrefillRounds:   &rounds,
		MaxForwardCalls:    &calls,
		Iterative:          &iterative,
		StripSpecialTokens: &strip,
	}
	if s.family != "" {
		opts.Family = &s.family
	}
	if s.systemPrompt != "" {
		opts.SystemPrompt = &s.systemPrompt
	}
	return opts
}

// newEngine builds the orchestrator for the configured backend. Closing the
// engine closes the backend.
func newEngine(s settings) (*inference.Orchestrator, error) {
	cfg, err := inference.ResolveConfig(inferenceOptions(s))
	if err != nil {
		return nil, err
	}
	b, err := newBackend(s)
	if err != nil {
		return nil, err
	}
	o, err := inference.New(b, cfg)
	if err != nil {
		if c, ok := b.(io.Closer); ok {
			_ = c.Close()
		}
		return nil, err
	}
	return o, nil
}
