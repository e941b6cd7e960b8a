package domain

import (
	"errors"
	"fmt"
)

var (
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	ErrRunNotFound         = errors.New("run not found")
	ErrRunTerminal         = errors.New("run is terminal")
	ErrRunNotWaitingInput  = errors.New("run is not waiting for input")
	ErrApprovalNotFound    = errors.New("approval not found")
	ErrApprovalNotPending  = errors.New("approval is not pending")
	ErrToolNotFound        = errors.New("tool not found")
	ErrApprovalRequired    = errors.New("tool requires approval")
	ErrInvalidArguments    = errors.New("invalid arguments")
	ErrUnknownEventType    = errors.New("unknown event type")
	ErrInvalidEvent        = errors.New("invalid event")
)

// ConcurrencyConflictError reports an expected-sequence mismatch on append.
type ConcurrencyConflictError struct {
	RunID    string
	Expected int64
	Actual   int64
}

func (e *ConcurrencyConflictError) Error() string {
	return fmt.Sprintf("concurrency conflict on run %s: expected sequence %d, current %d", e.RunID, e.Expected, e.Actual)
}

// Is matches ErrConcurrencyConflict.
func (e *ConcurrencyConflictError) Is(target error) bool {
	return target == ErrConcurrencyConflict
}
