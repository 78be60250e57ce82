package inference

import (
	"errors"
	"fmt"

	"github.com/samcharles93/stepwise/internal/backend"
)

var (
	ErrProtocolViolation = backend.ErrProtocolViolation
	ErrPrefillBudget     = errors.New("prefill round budget exhausted")
	ErrForwardBudget     = errors.New("forward call budget exhausted")
	ErrInvalidChunk      = errors.New("invalid chunk size")
)

type protocolError struct {
	op  backend.Op
	msg string
}

func (e protocolError) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrProtocolViolation, e.op, e.msg)
}

func (e protocolError) Unwrap() error {
	return ErrProtocolViolation
}

func newProtocolError(op backend.Op, msg string) error {
	return protocolError{op: op, msg: msg}
}
