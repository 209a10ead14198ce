package connection

import (
	"errors"
	"fmt"
)

// ErrTimeout marks a command whose handler did not answer within its
// deadline. The stuck handler is forgotten so the next command is not
// blocked behind it.
var ErrTimeout = errors.New("command timed out")

// ErrBusy marks a command rejected because an incompatible command is in
// flight for the same connection.
var ErrBusy = errors.New("another command is in flight")

// ConfigurationError marks a descriptor problem detected before or during
// resource allocation; retrying without a new descriptor will not help.
type ConfigurationError struct {
	ID     string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("connection %s: configuration error: %s", e.ID, e.Reason)
}

// ConnectionFailedError answers a command whose connect/disconnect/test
// attempt failed, carrying the proximate cause.
type ConnectionFailedError struct {
	ID          string
	Description string
	Cause       error
}

func (e *ConnectionFailedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("connection %s failed: %s: %v", e.ID, e.Description, e.Cause)
	}
	return fmt.Sprintf("connection %s failed: %s", e.ID, e.Description)
}

func (e *ConnectionFailedError) Unwrap() error { return e.Cause }
