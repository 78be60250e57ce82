package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/samcharles93/stepwise/internal/backend"
	"github.com/samcharles93/stepwise/internal/inference"
)

var ErrInvalidRequest = errors.New("invalid_request")

type invalidRequestError struct {
	msg string
}

func (e invalidRequestError) Error() string {
	return e.msg
}

func (e invalidRequestError) Unwrap() error {
	return ErrInvalidRequest
}

func newInvalidRequest(msg string) error {
	return invalidRequestError{msg: msg}
}

// classify maps a generation error to an HTTP status and error type.
func classify(err error) (int, string) {
	var ce *backend.CallError
	switch {
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, inference.ErrEmptyPrompt):
		return http.StatusBadRequest, "invalid_request_error"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout_error"
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, "canceled_error"
	case errors.Is(err, inference.ErrProtocolViolation), errors.As(err, &ce):
		return http.StatusBadGateway, "backend_error"
	case errors.Is(err, inference.ErrPrefillBudget), errors.Is(err, inference.ErrForwardBudget):
		return http.StatusBadGateway, "backend_error"
	default:
		return http.StatusInternalServerError, "server_error"
	}
}
