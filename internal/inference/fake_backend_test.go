package inference

import (
	"context"
	"strings"
	"sync"

	"github.com/samcharles93/stepwise/internal/backend"
	"github.com/samcharles93/stepwise/internal/session"
)

// fakeBackend answers every call from per-op hooks. Hooks receive the
// 1-based call number of their op. Unset hooks fall back to a backend with
// numLayers layers that prefills in one round and never ends a sequence.
type fakeBackend struct {
	numLayers int

	startPrompt func(prompt string) (session.Session, error)
	beginStart  func(n int, s session.Session, iterative bool) (backend.BeginStartResult, error)
	forward     func(n int, chunk uint8, run session.ModelRun, s session.Session) (backend.ForwardResult, error)
	endStart    func(n int, run session.ModelRun, s session.Session) (backend.EndStartResult, error)
	beginStep   func(n int, s session.Session) (session.ModelRun, error)
	endStep     func(n int, run session.ModelRun, s session.Session) (backend.EndStepResult, error)

	mu      sync.Mutex
	calls   map[backend.Op]int
	sent    map[backend.Op][]session.Session
	chunks  []uint8
	prompts []string
}

var _ backend.Backend = (*fakeBackend)(nil)

func newFakeBackend(numLayers int) *fakeBackend {
	return &fakeBackend{
		numLayers: numLayers,
		calls:     map[backend.Op]int{},
		sent:      map[backend.Op][]session.Session{},
	}
}

func (f *fakeBackend) record(op backend.Op, s session.Session) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
	f.sent[op] = append(f.sent[op], s.Clone())
	return f.calls[op]
}

func (f *fakeBackend) count(op backend.Op) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeBackend) sessions(op backend.Op) []session.Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]session.Session(nil), f.sent[op]...)
}

func (f *fakeBackend) StartPrompt(_ context.Context, prompt string) (session.Session, error) {
	f.record(backend.OpStartPrompt, session.Session{})
	f.mu.Lock()
	f.prompts = append(f.prompts, prompt)
	f.mu.Unlock()
	if f.startPrompt != nil {
		return f.startPrompt(prompt)
	}
	tokens := make([]uint32, len(strings.Fields(prompt)))
	for i := range tokens {
		tokens[i] = uint32(i + 1)
	}
	return session.Session{
		LogitProcessor: session.LogitProcessor{Sampling: session.Sampling{Kind: session.ArgMax}},
		TokenStream:    session.TokenStream{Prompt: tokens},
		KVCache:        session.KVCache{},
	}, nil
}

func (f *fakeBackend) BeginStart(_ context.Context, s session.Session, iterative bool) (backend.BeginStartResult, error) {
	n := f.record(backend.OpBeginStart, s)
	if f.beginStart != nil {
		return f.beginStart(n, s, iterative)
	}
	run := session.ModelRun{SeqLen: len(s.TokenStream.Prompt), State: session.Steps(0)}
	return backend.BeginStartResult{Run: &run, Session: s}, nil
}

func (f *fakeBackend) Forward(_ context.Context, chunk uint8, run session.ModelRun, s session.Session) (backend.ForwardResult, error) {
	n := f.record(backend.OpForward, s)
	f.mu.Lock()
	f.chunks = append(f.chunks, chunk)
	f.mu.Unlock()
	if f.forward != nil {
		return f.forward(n, chunk, run, s)
	}
	return stepLayers(f.numLayers, chunk, run, s), nil
}

func (f *fakeBackend) EndStart(_ context.Context, run session.ModelRun, s session.Session) (backend.EndStartResult, error) {
	n := f.record(backend.OpEndStart, s)
	if f.endStart != nil {
		return f.endStart(n, run, s)
	}
	s.TokenStream.PromptIndex = len(s.TokenStream.Prompt)
	text := "Hi"
	return backend.EndStartResult{Text: &text, Session: s}, nil
}

func (f *fakeBackend) BeginStep(_ context.Context, s session.Session) (session.ModelRun, error) {
	n := f.record(backend.OpBeginStep, s)
	if f.beginStep != nil {
		return f.beginStep(n, s)
	}
	return session.ModelRun{IndexPos: len(s.TokenStream.Tokens), SeqLen: 1, State: session.Steps(0)}, nil
}

func (f *fakeBackend) EndStep(_ context.Context, run session.ModelRun, s session.Session) (backend.EndStepResult, error) {
	n := f.record(backend.OpEndStep, s)
	if f.endStep != nil {
		return f.endStep(n, run, s)
	}
	text := "."
	return backend.EndStepResult{Text: &text, Session: s}, nil
}

// stepLayers computes the layers of the current window and advances the run,
// returning only the computed layers.
func stepLayers(numLayers int, chunk uint8, run session.ModelRun, s session.Session) backend.ForwardResult {
	out := session.Strip(s)
	cur, ok := run.State.Current()
	if !ok {
		run.State = session.Finished()
		return backend.ForwardResult{Finished: true, Run: run, Session: out}
	}
	end := min(cur+int(chunk), numLayers)
	for layer := cur; layer < end; layer++ {
		out.KVCache[layer] = layerPair(float32(layer))
	}
	if end >= numLayers {
		run.State = session.Finished()
		return backend.ForwardResult{Finished: true, Run: run, Session: out}
	}
	run.State = session.Steps(end)
	return backend.ForwardResult{Run: run, Session: out}
}

func layerPair(v float32) session.KVPair {
	t, err := session.NewF32([]float32{v}, 1)
	if err != nil {
		panic(err)
	}
	return session.KVPair{Key: t, Value: t.Clone()}
}

func strPtr(s string) *string {
	return &s
}
