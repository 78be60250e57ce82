package inference

import (
	"context"
	"time"

	"github.com/samcharles93/stepwise/internal/tplparser"
)

// StreamFunc receives each chunk of text as soon as the backend emits it.
type StreamFunc func(chunk string)

// ProgressFunc receives prefill progress after every prefill round.
type ProgressFunc func(consumed, total int)

type Engine interface {
	Generate(ctx context.Context, req *Request, stream StreamFunc) (*Result, error)
	Close() error
}

// Request is either a bare Prompt or a conversation in Messages.
type Request struct {
	Prompt   string
	Messages []tplparser.Message

	// System overrides the configured system prompt for bare prompts.
	System string
	// Raw sends Prompt to the backend without any chat markup.
	Raw bool
	// MaxSteps lowers the configured decode step cap for this request.
	MaxSteps *int

	Progress ProgressFunc
}

type Result struct {
	Text  string
	Stats Stats
}

type Stats struct {
	PromptTokens  int
	PrefillRounds int
	DecodeSteps   int
	ForwardCalls  int

	EndOfSequence bool
	// Truncated is set when the decode step budget ran out first.
	Truncated bool

	PrefillDuration time.Duration
	Duration        time.Duration
}
