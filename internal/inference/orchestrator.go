package inference

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"

	"github.com/samcharles93/stepwise/internal/backend"
	"github.com/samcharles93/stepwise/internal/logger"
	"github.com/samcharles93/stepwise/internal/session"
)

// Orchestrator drives one backend through prompt start, chunked prefill and
// the decode loop. It keeps no state between generations.
type Orchestrator struct {
	backend backend.Backend
	cfg     Config
}

var _ Engine = (*Orchestrator)(nil)

func New(b backend.Backend, cfg Config) (*Orchestrator, error) {
	if b == nil {
		return nil, fmt.Errorf("backend is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Orchestrator{backend: b, cfg: cfg}, nil
}

func (o *Orchestrator) Config() Config {
	return o.cfg
}

// Close releases the backend when it holds resources.
func (o *Orchestrator) Close() error {
	if c, ok := o.backend.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Generate runs a full generation. On failure the returned Result holds the
// text emitted before the error.
func (o *Orchestrator) Generate(ctx context.Context, req *Request, stream StreamFunc) (*Result, error) {
	if ctx == nil {
		return nil, fmt.Errorf("context is required")
	}
	if req == nil {
		return nil, fmt.Errorf("request is required")
	}
	cfg := o.cfg
	if req.MaxSteps != nil {
		if *req.MaxSteps < 0 {
			return nil, fmt.Errorf("max steps must be >= 0, got %d", *req.MaxSteps)
		}
		cfg.MaxSteps = min(cfg.MaxSteps, *req.MaxSteps)
	}
	prompt, err := RenderPrompt(req, cfg)
	if err != nil {
		return nil, err
	}

	ctx, log := logger.Scoped(ctx,
		"request_id", uuid.NewString(),
		"prompt_hash", fmt.Sprintf("%016x", xxhash.Sum64String(prompt)),
	)

	g := &generation{
		cfg:      cfg,
		backend:  o.backend,
		driver:   Driver{Backend: o.backend, MaxCalls: o.cfg.MaxForwardCalls},
		log:      log,
		stream:   stream,
		progress: req.Progress,
		started:  time.Now(),
	}
	err = g.run(ctx, prompt)
	res := g.result()
	if err != nil {
		log.Error("generation failed",
			"error", err,
			"prefill_rounds", res.Stats.PrefillRounds,
			"decode_steps", res.Stats.DecodeSteps,
		)
		return res, err
	}
	log.Info("generation complete",
		"prompt_tokens", res.Stats.PromptTokens,
		"prefill_rounds", res.Stats.PrefillRounds,
		"decode_steps", res.Stats.DecodeSteps,
		"forward_calls", res.Stats.ForwardCalls,
		"eos", res.Stats.EndOfSequence,
		"truncated", res.Stats.Truncated,
		"duration", res.Stats.Duration,
	)
	return res, nil
}

type generation struct {
	cfg      Config
	backend  backend.Backend
	driver   Driver
	log      logger.Logger
	stream   StreamFunc
	progress ProgressFunc

	sess    session.Session
	text    strings.Builder
	stats   Stats
	started time.Time
}

func (g *generation) run(ctx context.Context, prompt string) error {
	sess, err := g.backend.StartPrompt(ctx, prompt)
	if err != nil {
		return backend.Wrap(backend.OpStartPrompt, err)
	}
	g.sess = sess
	_, g.stats.PromptTokens = sess.TokenStream.Progress()
	g.log.Debug("prompt started", "prompt_tokens", g.stats.PromptTokens)

	if err := g.prefill(ctx); err != nil {
		return err
	}
	g.stats.PrefillDuration = time.Since(g.started)
	return g.decode(ctx)
}

// prefill repeats begin_start, forward and end_start until end_start returns
// the first text.
func (g *generation) prefill(ctx context.Context) error {
	iterative := g.cfg.Iterative
	for round := 1; ; round++ {
		if g.cfg.MaxPrefillRounds > 0 && round > g.cfg.MaxPrefillRounds {
			return fmt.Errorf("%w after %d rounds", ErrPrefillBudget, g.cfg.MaxPrefillRounds)
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		begin, err := g.backend.BeginStart(ctx, g.sess, iterative)
		if err != nil {
			return backend.Wrap(backend.OpBeginStart, err)
		}
		if begin.Run == nil {
			return newProtocolError(backend.OpBeginStart, "no model run returned")
		}
		g.sess = begin.Session

		sess, run, calls, err := g.driver.Run(ctx, g.sess, *begin.Run, g.cfg.PrefillChunk)
		g.stats.ForwardCalls += calls
		if err != nil {
			return err
		}
		g.sess = sess

		end, err := g.backend.EndStart(ctx, run, g.sess)
		if err != nil {
			return backend.Wrap(backend.OpEndStart, err)
		}
		g.sess = end.Session
		g.stats.PrefillRounds = round

		consumed, total := g.sess.TokenStream.Progress()
		g.log.Debug("prefill round", "round", round, "consumed", consumed, "total", total, "forward_calls", calls)
		if g.progress != nil {
			g.progress(consumed, total)
		}

		if end.Text != nil {
			g.emit(*end.Text)
			return nil
		}
		if !iterative {
			return newProtocolError(backend.OpEndStart, "single-shot prefill returned no text")
		}
	}
}

// decode produces one token per step. Sessions travel without their cache;
// the local cache is merged back under whatever end_step returns.
func (g *generation) decode(ctx context.Context) error {
	for step := 1; step <= g.cfg.MaxSteps; step++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		run, err := g.backend.BeginStep(ctx, session.Strip(g.sess))
		if err != nil {
			return backend.Wrap(backend.OpBeginStep, err)
		}

		sess, run, calls, err := g.driver.Run(ctx, g.sess, run, g.cfg.DecodeChunk)
		g.stats.ForwardCalls += calls
		if err != nil {
			return err
		}
		g.sess = sess

		end, err := g.backend.EndStep(ctx, run, session.Strip(g.sess))
		if err != nil {
			return backend.Wrap(backend.OpEndStep, err)
		}
		g.sess = session.Merge(end.Session, g.sess)
		g.stats.DecodeSteps = step

		if end.Text != nil {
			g.emit(*end.Text)
		}
		if end.EndOfSequence {
			g.stats.EndOfSequence = true
			return nil
		}
	}
	g.stats.Truncated = true
	g.log.Debug("decode step budget reached", "max_steps", g.cfg.MaxSteps)
	return nil
}

func (g *generation) emit(text string) {
	if g.cfg.StripSpecialTokens {
		text = StripMarkup(text)
	}
	if text == "" {
		return
	}
	g.text.WriteString(text)
	if g.stream != nil {
		g.stream(text)
	}
}

func (g *generation) result() *Result {
	stats := g.stats
	stats.Duration = time.Since(g.started)
	return &Result{Text: g.text.String(), Stats: stats}
}
