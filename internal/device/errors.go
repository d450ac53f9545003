package device

import (
	"errors"
	"fmt"
	"strings"
)

// NotFoundError represents an error when a BLE resource is not found
type NotFoundError struct {
	Resource string   // "service", "characteristic"
	UUIDs    []string // [serviceUUID] or [serviceUUID, charUUID]
}

func (e *NotFoundError) Error() string {
	if len(e.UUIDs) == 0 {
		return fmt.Sprintf("%s not found", e.Resource)
	}
	if len(e.UUIDs) == 1 {
		return fmt.Sprintf("%s %q not found", e.Resource, e.UUIDs[0])
	}
	return fmt.Sprintf("%s %q not found in service %q", e.Resource, e.UUIDs[len(e.UUIDs)-1], e.UUIDs[0])
}

// ConnectionStateError names the kind of connection state failure
type ConnectionStateError string

const (
	NotConnected     ConnectionStateError = "not_connected"
	AlreadyConnected ConnectionStateError = "already_connected"
)

// ConnectionError represents any connection-related problem
type ConnectionError struct {
	State ConnectionStateError
	Msg   string
}

// Error implements the error interface
func (e *ConnectionError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Msg == "" {
		return string(e.State)
	}
	return fmt.Sprintf("%s: %s", e.State, e.Msg)
}

// Is allows errors.Is to compare ConnectionError values by State
func (e *ConnectionError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*ConnectionError)
	if !ok {
		return false
	}
	return e.State == t.State
}

var (
	ErrNotConnected     = &ConnectionError{State: NotConnected}
	ErrAlreadyConnected = &ConnectionError{State: AlreadyConnected}
)

// Error taxonomy shared by all backends
var (
	// ErrRadioUnavailable means the adapter cannot be enabled
	ErrRadioUnavailable = errors.New("bluetooth radio unavailable")
	// ErrDeviceNotFound means no peripheral matched the scan filter before the deadline
	ErrDeviceNotFound = errors.New("device not found")
	// ErrGattOperationFailed means a write or subscribe raised a platform GATT error
	ErrGattOperationFailed = errors.New("gatt operation failed")
	// ErrMalformedNotification means a notification payload had an unexpected length
	ErrMalformedNotification = errors.New("malformed notification")
)

// ConnectReason is the platform-independent failure reason of ConnectByName
type ConnectReason string

const (
	ReasonTimeout          ConnectReason = "timeout"
	ReasonCanceled         ConnectReason = "canceled"
	ReasonRadioUnavailable ConnectReason = "radio_unavailable"
	ReasonDialFailed       ConnectReason = "dial_failed"
	ReasonDiscoveryFailed  ConnectReason = "discovery_failed"
)

// ConnectError is the failure result of a scan-and-connect attempt
type ConnectError struct {
	Name   string
	Reason ConnectReason
	Err    error
}

func (e *ConnectError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("connect to %q failed: %s", e.Name, e.Reason)
	}
	return fmt.Sprintf("connect to %q failed (%s): %v", e.Name, e.Reason, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// ConnectFailureReason extracts the reason from a ConnectByName error, if any
func ConnectFailureReason(err error) (ConnectReason, bool) {
	var cerr *ConnectError
	if errors.As(err, &cerr) {
		return cerr.Reason, true
	}
	return "", false
}

// IsConnectionState reports whether err is a ConnectionError with the given state
func IsConnectionState(err error, state ConnectionStateError) bool {
	var cerr *ConnectionError
	if errors.As(err, &cerr) {
		return cerr.State == state
	}
	return false
}

// ContainsIgnoreCase checks substring case-insensitively. Backends use it when
// mapping platform error strings onto the sentinels above.
func ContainsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
