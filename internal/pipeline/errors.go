package pipeline

import (
	"errors"
	"fmt"
)

// ErrSessionClosed is returned by session operations after the session has
// reached STOPPED.
var ErrSessionClosed = errors.New("pipeline: session closed")

// ErrSessionLimit is returned by the manager when the concurrent session cap
// is reached.
var ErrSessionLimit = errors.New("pipeline: session limit reached")

// UnsupportedConfigurationError rejects a session configuration before any
// resource is allocated. Invalid combinations are never downgraded to
// something the engine could serve.
type UnsupportedConfigurationError struct {
	Field  string
	Reason string
}

func (e *UnsupportedConfigurationError) Error() string {
	return fmt.Sprintf("unsupported configuration: %s: %s", e.Field, e.Reason)
}

func unsupported(field, format string, args ...any) error {
	return &UnsupportedConfigurationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}
