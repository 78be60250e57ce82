package backend

import (
	"errors"
	"fmt"
)

// ErrProtocolViolation marks a reply that breaks the call contract, such as a
// missing run or a malformed tensor.
var ErrProtocolViolation = errors.New("backend protocol violation")

// ErrInvalidCall marks a call the backend refused because its arguments were
// inconsistent, such as a cache missing a layer the run needs.
var ErrInvalidCall = errors.New("invalid backend call")

// Op names a backend operation.
type Op string

const (
	OpStartPrompt Op = "start_prompt"
	OpBeginStart  Op = "begin_start"
	OpForward     Op = "forward"
	OpEndStart    Op = "end_start"
	OpBeginStep   Op = "begin_step"
	OpEndStep     Op = "end_step"
)

// Ops lists every operation in protocol order.
var Ops = []Op{OpStartPrompt, OpBeginStart, OpForward, OpEndStart, OpBeginStep, OpEndStep}

// CallError reports a backend call that could not complete.
type CallError struct {
	Op     Op
	Status int // transport status when known
	Err    error
}

func (e *CallError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("backend %s: status %d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("backend %s: %v", e.Op, e.Err)
}

func (e *CallError) Unwrap() error {
	return e.Err
}

// Wrap attaches op to err unless err already is a CallError.
func Wrap(op Op, err error) error {
	if err == nil {
		return nil
	}
	var ce *CallError
	if errors.As(err, &ce) {
		return err
	}
	return &CallError{Op: op, Err: err}
}
