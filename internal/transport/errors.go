package transport

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/ble-bridge/backend/internal/models"
)

// ConflictError is returned when a scan is requested while connection
// activity is in progress. The adapter cannot do both.
type ConflictError struct {
	Op    string
	State models.ConnectionState
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s refused: adapter is %s", e.Op, e.State)
}

// BusyError is returned when an exclusive operation is already in flight.
// Requests are rejected, never queued.
type BusyError struct {
	Op    string
	State models.ConnectionState
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("%s refused: adapter busy (%s)", e.Op, e.State)
}

// StateError is returned when an operation needs a connection that does
// not exist.
type StateError struct {
	Op    string
	State models.ConnectionState
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s requires a connected device (state %s)", e.Op, e.State)
}

// AdapterError is a failure reported by the driver. Phase names the
// operation that failed: scan, connect, write, subscribe or disconnect.
type AdapterError struct {
	Phase string
	Err   error
}

func (e *AdapterError) Error() string {
	return fmt.Sprintf("adapter %s failed: %v", e.Phase, e.Err)
}

func (e *AdapterError) Unwrap() error { return e.Err }

// Cause lets errors.Cause walk through the fault to the driver error.
func (e *AdapterError) Cause() error { return e.Err }

func IsConflict(err error) bool {
	var target *ConflictError
	return errors.As(err, &target)
}

func IsBusy(err error) bool {
	var target *BusyError
	return errors.As(err, &target)
}

func IsState(err error) bool {
	var target *StateError
	return errors.As(err, &target)
}

// AdapterPhase returns the failing phase when err is an AdapterError.
func AdapterPhase(err error) (string, bool) {
	var target *AdapterError
	if errors.As(err, &target) {
		return target.Phase, true
	}
	return "", false
}

// Fault codes shared by the HTTP and MCP surfaces.
const (
	CodeConflict     = "CONFLICT"
	CodeBusy         = "BUSY"
	CodeInvalidState = "INVALID_STATE"
	CodeAdapter      = "ADAPTER_ERROR"
)

// Code classifies err. It returns "" for errors that are not transport
// faults.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case IsConflict(err):
		return CodeConflict
	case IsBusy(err):
		return CodeBusy
	case IsState(err):
		return CodeInvalidState
	}
	if _, ok := AdapterPhase(err); ok {
		return CodeAdapter
	}
	return ""
}
