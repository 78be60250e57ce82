package wire

import (
	"github.com/samcharles93/stepwise/internal/session"
)

// Call bodies, one per operation. Replies reuse the backend result types
// except for start_prompt and begin_step, whose bare values are wrapped.

type StartPromptRequest struct {
	Prompt string `json:"prompt"`
}

type StartPromptResponse struct {
	Session session.Session `json:"session"`
}

type BeginStartRequest struct {
	Session   session.Session `json:"session"`
	Iterative bool            `json:"iterative"`
}

type ForwardRequest struct {
	Chunk   uint8            `json:"chunk"`
	Run     session.ModelRun `json:"run"`
	Session session.Session  `json:"session"`
}

type EndStartRequest struct {
	Run     session.ModelRun `json:"run"`
	Session session.Session  `json:"session"`
}

type BeginStepRequest struct {
	Session session.Session `json:"session"`
}

type BeginStepResponse struct {
	Run session.ModelRun `json:"run"`
}

type EndStepRequest struct {
	Run     session.ModelRun `json:"run"`
	Session session.Session  `json:"session"`
}

// ErrorResponse is the body of every non-2xx reply. It is always JSON.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

type ErrorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Op      string `json:"op,omitempty"`
}

const (
	ErrorTypeInvalidRequest = "invalid_request_error"
	ErrorTypeBackend        = "backend_error"
)

// RequestIDHeader correlates client calls with server logs.
const RequestIDHeader = "X-Request-Id"

// Path returns the route of an operation relative to the server root.
func Path(op string) string {
	return "/rpc/" + op
}
