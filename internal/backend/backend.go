// Package backend defines the call contract of a remote generation backend.
// Implementations live in subpackages: remote talks to a backend over HTTP,
// sim answers in-process.
package backend

import (
	"context"
	"fmt"
	"strings"

	"github.com/samcharles93/stepwise/internal/session"
)

const (
	HTTP = "http"
	Sim  = "sim"
)

// Backend is the set of remote operations a generation is built from. Each
// call is attempted once; the implementation owns transport concerns.
type Backend interface {
	StartPrompt(ctx context.Context, prompt string) (session.Session, error)
	BeginStart(ctx context.Context, s session.Session, iterative bool) (BeginStartResult, error)
	Forward(ctx context.Context, chunk uint8, run session.ModelRun, s session.Session) (ForwardResult, error)
	EndStart(ctx context.Context, run session.ModelRun, s session.Session) (EndStartResult, error)
	BeginStep(ctx context.Context, s session.Session) (session.ModelRun, error)
	EndStep(ctx context.Context, run session.ModelRun, s session.Session) (EndStepResult, error)
}

// BeginStartResult carries the run for the next prefill round. Run is nil
// when the backend has nothing left to prefill.
type BeginStartResult struct {
	Run     *session.ModelRun `json:"run,omitempty"`
	Session session.Session   `json:"session"`
}

type ForwardResult struct {
	Finished bool             `json:"finished"`
	Run      session.ModelRun `json:"run"`
	Session  session.Session  `json:"session"`
}

// EndStartResult carries the first generated text once the whole prompt has
// been consumed; Text is nil while prefill is still in progress.
type EndStartResult struct {
	Text    *string         `json:"text,omitempty"`
	Session session.Session `json:"session"`
}

type EndStepResult struct {
	Text          *string         `json:"text,omitempty"`
	EndOfSequence bool            `json:"end_of_sequence"`
	Session       session.Session `json:"session"`
}

// Normalize validates a transport name.
func Normalize(name string) (string, error) {
	transport := strings.ToLower(strings.TrimSpace(name))
	if transport == "" {
		return HTTP, nil
	}
	switch transport {
	case HTTP, Sim:
		return transport, nil
	default:
		return "", fmt.Errorf("unknown transport %q (expected http or sim)", transport)
	}
}
