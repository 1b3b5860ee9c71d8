package logstore

import (
	"errors"
	"fmt"
)

// ErrStore matches every failure reported by the store's backend.
var ErrStore = errors.New("log store unavailable")

// ErrEmptyTraceID is returned when an operation is given no trace id.
var ErrEmptyTraceID = errors.New("trace id must not be empty")

// StoreError records the operation that failed against the backend.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("logstore %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// Is makes every StoreError match ErrStore.
func (e *StoreError) Is(target error) bool {
	return target == ErrStore
}

func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Err: err}
}
