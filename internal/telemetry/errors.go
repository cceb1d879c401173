package telemetry

import (
	"fmt"

	"github.com/ocsafe/cyberguard/internal/devices"
)

// ErrDeviceNotFound is returned when the device does not exist in the caller's organization.
// Devices of other organizations are indistinguishable from missing ones.
var ErrDeviceNotFound = devices.ErrNotFound

// ValidationError reports a malformed ingest request.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Msg)
}

// PersistenceError means the event was not durably recorded. No alert was sent; the agent should retry.
type PersistenceError struct {
	Err error
}

func (e *PersistenceError) Error() string {
	return "persist telemetry: " + e.Err.Error()
}

func (e *PersistenceError) Unwrap() error { return e.Err }
