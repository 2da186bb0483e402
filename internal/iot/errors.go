package iot

import (
	"fmt"
	"time"
)

// ControllerTimeoutError indicates no reply arrived within the deadline of a
// SendAndWait call. The waiter is already removed when this is returned; the
// caller decides whether the command is a permanent failure.
type ControllerTimeoutError struct {
	DeviceID  string
	RequestID string
	Timeout   time.Duration
}

func (e *ControllerTimeoutError) Error() string {
	return fmt.Sprintf("controller %s did not reply to request %s within %s", e.DeviceID, e.RequestID, e.Timeout)
}

// ControllerResponseError indicates the device explicitly rejected the
// command with a nonzero error code
type ControllerResponseError struct {
	DeviceID  string
	RequestID string
	Code      int
	Message   string
}

func (e *ControllerResponseError) Error() string {
	return fmt.Sprintf("controller %s rejected request %s: code=%d message=%q", e.DeviceID, e.RequestID, e.Code, e.Message)
}
