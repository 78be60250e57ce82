// Package sim is an in-process backend that honors the call contract without
// running a model. It keeps no state between calls: everything it needs
// travels in the session and run, so it exercises the same state threading a
// real remote backend does.
package sim

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/samcharles93/stepwise/internal/backend"
	"github.com/samcharles93/stepwise/internal/logger"
	"github.com/samcharles93/stepwise/internal/logits"
	"github.com/samcharles93/stepwise/internal/session"
)

const (
	DefaultReply         = "Warsaw is the capital of Poland."
	DefaultNumLayers     = 16
	DefaultHiddenSize    = 8
	DefaultPrefillWindow = 8

	eosID      = 0
	targetBias = 8
)

type Config struct {
	NumLayers  int
	HiddenSize int
	// PrefillWindow is the number of prompt tokens consumed per iterative
	// prefill round.
	PrefillWindow int
	// Reply is produced word by word, followed by end of sequence.
	Reply    string
	Sampling session.Sampling
	Seed     int64
	// Latency is added to every call.
	Latency time.Duration
}

func (c *Config) setDefaults() {
	if c.NumLayers <= 0 {
		c.NumLayers = DefaultNumLayers
	}
	if c.HiddenSize <= 0 {
		c.HiddenSize = DefaultHiddenSize
	}
	if c.PrefillWindow <= 0 {
		c.PrefillWindow = DefaultPrefillWindow
	}
	if strings.TrimSpace(c.Reply) == "" {
		c.Reply = DefaultReply
	}
	if c.Sampling.Kind == "" {
		c.Sampling = session.Sampling{Kind: session.ArgMax}
	}
}

type Backend struct {
	cfg Config

	// vocab[0] is end of sequence; reply words follow in first-seen order.
	vocab  []string
	ids    map[string]uint32
	script []uint32
}

var _ backend.Backend = (*Backend)(nil)

func New(cfg Config) (*Backend, error) {
	cfg.setDefaults()
	if err := cfg.Sampling.Validate(); err != nil {
		return nil, fmt.Errorf("sim sampling: %w", err)
	}
	b := &Backend{
		cfg:   cfg,
		vocab: []string{"</s>"},
		ids:   map[string]uint32{},
	}
	for _, w := range strings.Fields(cfg.Reply) {
		b.script = append(b.script, b.intern(w))
	}
	return b, nil
}

func (b *Backend) Config() Config {
	return b.cfg
}

func (b *Backend) intern(word string) uint32 {
	if id, ok := b.ids[word]; ok {
		return id
	}
	id := uint32(len(b.vocab))
	b.vocab = append(b.vocab, word)
	b.ids[word] = id
	return id
}

// StartPrompt tokenizes on whitespace. Words outside the reply vocabulary get
// ids past it, in order of appearance.
func (b *Backend) StartPrompt(ctx context.Context, prompt string) (session.Session, error) {
	if err := b.wait(ctx); err != nil {
		return session.Session{}, err
	}
	words := strings.Fields(prompt)
	if len(words) == 0 {
		return session.Session{}, invalid("empty prompt")
	}

	next := uint32(len(b.vocab))
	local := map[string]uint32{}
	tokens := make([]uint32, len(words))
	for i, w := range words {
		if id, ok := b.ids[w]; ok {
			tokens[i] = id
			continue
		}
		id, ok := local[w]
		if !ok {
			id = next
			local[w] = id
			next++
		}
		tokens[i] = id
	}

	logger.FromContext(ctx).Debug("sim prompt", "tokens", len(tokens))
	return session.Session{
		LogitProcessor: session.LogitProcessor{
			RNG:      logits.FormatState(b.cfg.Seed, 0),
			Sampling: b.cfg.Sampling,
		},
		TokenStream: session.TokenStream{Prompt: tokens},
		KVCache:     session.KVCache{},
	}, nil
}

// BeginStart opens a run over the next window of unconsumed prompt tokens.
// It returns no run once the prompt is fully consumed.
func (b *Backend) BeginStart(ctx context.Context, s session.Session, iterative bool) (backend.BeginStartResult, error) {
	if err := b.wait(ctx); err != nil {
		return backend.BeginStartResult{}, err
	}
	ts := s.TokenStream
	remaining := len(ts.Prompt) - ts.PromptIndex
	if remaining <= 0 {
		return backend.BeginStartResult{Session: s}, nil
	}
	seqLen := remaining
	if iterative {
		seqLen = min(remaining, b.cfg.PrefillWindow)
	}
	run := b.newRun(ts.PromptIndex, ts.Prompt[ts.PromptIndex:ts.PromptIndex+seqLen])
	return backend.BeginStartResult{Run: &run, Session: s}, nil
}

// Forward computes layers [step, step+chunk) of run. The session must carry
// exactly the cached layers of that window, each holding IndexPos positions.
func (b *Backend) Forward(ctx context.Context, chunk uint8, run session.ModelRun, s session.Session) (backend.ForwardResult, error) {
	if err := b.wait(ctx); err != nil {
		return backend.ForwardResult{}, err
	}
	if chunk == 0 {
		return backend.ForwardResult{}, invalid("chunk must be positive")
	}

	out := session.Strip(s)
	switch run.State.Kind {
	case session.RunFinish:
		if len(s.KVCache) != 0 {
			return backend.ForwardResult{}, invalid("finishing run received %d cached layers", len(s.KVCache))
		}
		run.State = session.Finished()
		return backend.ForwardResult{Finished: true, Run: run, Session: out}, nil
	case session.RunFinished:
		return backend.ForwardResult{}, invalid("run already finished")
	}

	cur := run.State.Step
	if cur >= b.cfg.NumLayers {
		return backend.ForwardResult{}, invalid("step %d beyond %d layers", cur, b.cfg.NumLayers)
	}
	end := min(cur+int(chunk), b.cfg.NumLayers)
	for layer := range s.KVCache {
		if layer < cur || layer >= cur+int(chunk) {
			return backend.ForwardResult{}, invalid("layer %d outside window [%d,%d)", layer, cur, cur+int(chunk))
		}
	}

	layerIn := run.LayerIn.Clone()
	for layer := cur; layer < end; layer++ {
		kv, err := b.extend(layer, run, s.KVCache, layerIn)
		if err != nil {
			return backend.ForwardResult{}, err
		}
		out.KVCache[layer] = kv
		for i := range layerIn.F32 {
			layerIn.F32[i] += 1.0 / float32(layer+1)
		}
	}
	run.LayerIn = layerIn

	if end >= b.cfg.NumLayers {
		run.State = session.Finish()
	} else {
		run.State = session.Steps(end)
	}
	logger.FromContext(ctx).Debug("sim forward", "from", cur, "to", end, "state", run.State.String())
	return backend.ForwardResult{Run: run, Session: out}, nil
}

// EndStart commits a prefill round. Once the whole prompt is consumed it
// samples the first reply token.
func (b *Backend) EndStart(ctx context.Context, run session.ModelRun, s session.Session) (backend.EndStartResult, error) {
	if err := b.wait(ctx); err != nil {
		return backend.EndStartResult{}, err
	}
	if run.State.Kind != session.RunFinished {
		return backend.EndStartResult{}, invalid("end_start on unfinished run (%s)", run.State)
	}
	positions := run.IndexPos + run.SeqLen
	for layer := range b.cfg.NumLayers {
		kv, ok := s.KVCache[layer]
		if !ok {
			return backend.EndStartResult{}, invalid("layer %d missing after prefill", layer)
		}
		if len(kv.Key.Shape) != 2 || kv.Key.Shape[0] != positions {
			return backend.EndStartResult{}, invalid("layer %d has shape %v, want %d positions", layer, kv.Key.Shape, positions)
		}
	}

	s = s.Clone()
	s.TokenStream.PromptIndex += run.SeqLen
	if s.TokenStream.PromptIndex < len(s.TokenStream.Prompt) {
		return backend.EndStartResult{Session: s}, nil
	}

	text, _, err := b.sample(&s)
	if err != nil {
		return backend.EndStartResult{}, err
	}
	return backend.EndStartResult{Text: &text, Session: s}, nil
}

// BeginStep opens a single-position run for the last sampled token.
func (b *Backend) BeginStep(ctx context.Context, s session.Session) (session.ModelRun, error) {
	if err := b.wait(ctx); err != nil {
		return session.ModelRun{}, err
	}
	ts := s.TokenStream
	if len(ts.Tokens) == 0 {
		return session.ModelRun{}, invalid("no sampled token to decode")
	}
	pos := len(ts.Prompt) + len(ts.Tokens) - 1
	return b.newRun(pos, ts.Tokens[len(ts.Tokens)-1:]), nil
}

// EndStep samples the next token. Reaching the end of the reply ends the
// sequence.
func (b *Backend) EndStep(ctx context.Context, run session.ModelRun, s session.Session) (backend.EndStepResult, error) {
	if err := b.wait(ctx); err != nil {
		return backend.EndStepResult{}, err
	}
	if run.State.Kind != session.RunFinished {
		return backend.EndStepResult{}, invalid("end_step on unfinished run (%s)", run.State)
	}
	s = s.Clone()
	text, eos, err := b.sample(&s)
	if err != nil {
		return backend.EndStepResult{}, err
	}
	if eos {
		return backend.EndStepResult{EndOfSequence: true, Session: s}, nil
	}
	return backend.EndStepResult{Text: &text, Session: s}, nil
}

// sample draws the next token, appends it to the stream and advances the RNG
// checkpoint.
func (b *Backend) sample(s *session.Session) (string, bool, error) {
	sampler, err := logits.Restore(s.LogitProcessor.Sampling, s.LogitProcessor.RNG)
	if err != nil {
		return "", false, invalid("%v", err)
	}

	n := len(s.TokenStream.Tokens)
	target := uint32(eosID)
	if n < len(b.script) {
		target = b.script[n]
	}
	scores := make([]float32, len(b.vocab))
	scores[target] = targetBias
	if n == 0 {
		// a reply has at least one token
		scores[eosID] = float32(math.Inf(-1))
	}

	id := uint32(sampler.Sample(scores))
	s.LogitProcessor.RNG = sampler.Checkpoint()
	if id == eosID {
		return "", true, nil
	}

	ts := &s.TokenStream
	ts.Tokens = append(ts.Tokens, id)
	ts.PrevIndex = ts.CurrentIndex
	ts.CurrentIndex = len(ts.Tokens)

	word := b.vocab[id]
	if n > 0 {
		word = " " + word
	}
	return word, false, nil
}

func (b *Backend) newRun(indexPos int, tokens []uint32) session.ModelRun {
	seqLen := len(tokens)
	h := b.cfg.HiddenSize

	in := make([]float32, seqLen*h)
	for i, tok := range tokens {
		for j := range h {
			in[i*h+j] = float32(tok%97)/97 + float32(j)*0.01
		}
	}
	layerIn, _ := session.NewF32(in, seqLen, h)

	width := indexPos + seqLen
	mask := make([]byte, seqLen*width)
	for row := range seqLen {
		for col := 0; col <= indexPos+row; col++ {
			mask[row*width+col] = 1
		}
	}
	m, _ := session.NewU8(mask, seqLen, width)

	return session.ModelRun{
		IndexPos: indexPos,
		LayerIn:  layerIn,
		Mask:     &m,
		SeqLen:   seqLen,
		State:    session.Steps(0),
	}
}

// extend appends SeqLen positions derived from layerIn to the cached layer.
func (b *Backend) extend(layer int, run session.ModelRun, cache session.KVCache, layerIn session.Tensor) (session.KVPair, error) {
	h := b.cfg.HiddenSize
	prev, ok := cache[layer]
	if !ok && run.IndexPos > 0 {
		return session.KVPair{}, invalid("layer %d missing for position %d", layer, run.IndexPos)
	}
	if ok {
		if len(prev.Key.Shape) != 2 || prev.Key.Shape[0] != run.IndexPos || prev.Key.Shape[1] != h {
			return session.KVPair{}, invalid("layer %d has shape %v, want [%d %d]", layer, prev.Key.Shape, run.IndexPos, h)
		}
	}
	if len(layerIn.F32) != run.SeqLen*h {
		return session.KVPair{}, invalid("layer input has %d values, want %d", len(layerIn.F32), run.SeqLen*h)
	}

	keys := append(append(make([]float32, 0, (run.IndexPos+run.SeqLen)*h), prev.Key.F32...), layerIn.F32...)
	values := make([]float32, 0, cap(keys))
	values = append(values, prev.Value.F32...)
	for _, v := range layerIn.F32 {
		values = append(values, v*0.5+float32(layer))
	}

	k, err := session.NewF32(keys, run.IndexPos+run.SeqLen, h)
	if err != nil {
		return session.KVPair{}, err
	}
	v, err := session.NewF32(values, run.IndexPos+run.SeqLen, h)
	if err != nil {
		return session.KVPair{}, err
	}
	return session.KVPair{Key: k, Value: v}, nil
}

func (b *Backend) wait(ctx context.Context) error {
	if b.cfg.Latency <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(b.cfg.Latency)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", backend.ErrInvalidCall, fmt.Sprintf(format, args...))
}
