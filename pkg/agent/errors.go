package agent

import (
	"errors"
	"fmt"
)

var (
	// ErrTurnInFlight rejects a new message while one turn runs and
	// the single queue slot is taken.
	ErrTurnInFlight = errors.New("a turn is already in flight and the queue is full")
	// ErrCoordinatorClosed rejects submissions after shutdown.
	ErrCoordinatorClosed = errors.New("coordinator is closed")
)

// FailureKind classifies how a turn failed.
type FailureKind string

const (
	FailureProvider  FailureKind = "provider"
	FailureTransient FailureKind = "transient"
	FailureLoopBound FailureKind = "loop_bound"
	FailureInternal  FailureKind = "internal"
)

// TurnError is the terminal error of a FAILED turn.
type TurnError struct {
	Kind      FailureKind
	Retryable bool
	Err       error
}

func (e *TurnError) Error() string {
	return fmt.Sprintf("turn failed (%s, retryable=%v): %v", e.Kind, e.Retryable, e.Err)
}

func (e *TurnError) Unwrap() error { return e.Err }

// UserMessage renders the failure for the person on the other side.
func (e *TurnError) UserMessage() string {
	switch e.Kind {
	case FailureLoopBound:
		return "I could not finish this request: it needed more tool rounds than allowed. Try narrowing the request."
	case FailureTransient:
		return "The model service had a temporary problem. Please try again."
	default:
		return "Something went wrong while answering. Please try again."
	}
}
