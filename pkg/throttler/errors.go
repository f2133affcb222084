package throttler

import (
	"errors"
	"fmt"
)

// Sentinel errors for registry construction failures.
var (
	// ErrInvalidLimit is returned when a limit definition violates a
	// value-level invariant.
	ErrInvalidLimit = errors.New("invalid rate limit")
	// ErrDuplicateLimit is returned when two limits share an ID.
	ErrDuplicateLimit = errors.New("duplicate limit id")
	// ErrUnknownLinkedLimit is returned when a linked limit references an
	// ID that is not registered.
	ErrUnknownLinkedLimit = errors.New("linked limit not registered")
	// ErrLinkCycle is returned when the linked-limit graph contains a cycle.
	ErrLinkCycle = errors.New("limit link cycle")
)

// ConfigError reports an invalid rate-limit configuration detected while
// building a Registry. It wraps one of the sentinel errors above so callers
// can classify the failure with errors.Is.
type ConfigError struct {
	// LimitID identifies the offending limit definition.
	LimitID string
	// Reason is a human-readable description of the violation.
	Reason string
	// Err is the wrapped sentinel error.
	Err error
}

// Error implements the error interface for ConfigError.
func (e *ConfigError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("rate limit %q: %v: %s", e.LimitID, e.Err, e.Reason)
	}
	return fmt.Sprintf("rate limit %q: %v", e.LimitID, e.Err)
}

// Unwrap returns the wrapped sentinel error.
func (e *ConfigError) Unwrap() error {
	return e.Err
}
