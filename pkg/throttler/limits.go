// Package throttler implements admission control for rate-limited exchange APIs.
//
// Connectors declare a named rate limit before every outbound request; the
// throttler blocks the caller until the limit and every limit linked to it
// have spare capacity, then records the admission. Capacity is reclaimed
// purely by elapsed time, so there is nothing to release afterwards.
package throttler

import (
	"time"

	"github.com/go-playground/validator/v10"
)

// LimitType selects the accounting algorithm for a RateLimit.
type LimitType int

// Limit type constants define how capacity usage is accounted.
const (
	// Window counts the weight admitted within a trailing time interval.
	Window LimitType = iota
	// Decay accumulates usage per admission and drains it continuously
	// at a fixed rate per second.
	Decay
)

// String returns the string representation of the limit type.
func (t LimitType) String() string {
	switch t {
	case Window:
		return "WINDOW"
	case Decay:
		return "DECAY"
	default:
		return "UNKNOWN"
	}
}

// MarshalJSON implements json.Marshaler for LimitType.
func (t LimitType) MarshalJSON() ([]byte, error) {
	return []byte(`"` + t.String() + `"`), nil
}

// UnmarshalJSON implements json.Unmarshaler for LimitType.
// It accepts both uppercase and lowercase formats.
func (t *LimitType) UnmarshalJSON(data []byte) error {
	switch string(data) {
	case `"WINDOW"`, `"window"`:
		*t = Window
	case `"DECAY"`, `"decay"`:
		*t = Decay
	}
	return nil
}

// LinkedLimit references another limit that must also have capacity for a
// task to be admitted against its primary limit. Weight is the cost charged
// against the linked limit, independent of the primary task's weight.
type LinkedLimit struct {
	// ID is the limit_id of the linked limit.
	ID string `json:"id" validate:"required"`
	// Weight is the cost charged against the linked limit per task.
	// Zero is normalized to 1 at registry build time.
	Weight int `json:"weight,omitempty" validate:"min=0"`
}

// RateLimit is a named capacity rule. Callers reference it by ID when
// requesting admission for an outbound request.
type RateLimit struct {
	// ID is the unique key callers reference when requesting admission.
	ID string `json:"id" validate:"required"`
	// Limit is the maximum permitted weight within the window (Window type)
	// or the maximum permitted accumulated usage (Decay type).
	Limit int `json:"limit" validate:"min=1"`
	// Interval is the window length for Window limits.
	Interval time.Duration `json:"interval,omitempty" validate:"min=0"`
	// Weight is the default cost charged per task against this limit.
	// Zero is normalized to 1 at registry build time.
	Weight int `json:"weight,omitempty" validate:"min=0"`
	// Type selects the accounting algorithm.
	Type LimitType `json:"type"`
	// DecayRate is the usage drained per second for Decay limits.
	DecayRate float64 `json:"decay_rate,omitempty" validate:"min=0"`
	// Linked lists the limits that must also have capacity for a task
	// against this limit to be admitted.
	Linked []LinkedLimit `json:"linked,omitempty"`
}

var validate = validator.New()

// Validate checks the structural and semantic invariants of a single limit
// definition. Cross-limit invariants (unique IDs, resolvable links) are
// checked by NewRegistry.
func (l *RateLimit) Validate() error {
	if err := validate.Struct(l); err != nil {
		return &ConfigError{LimitID: l.ID, Reason: err.Error(), Err: ErrInvalidLimit}
	}
	switch l.Type {
	case Window:
		if l.Interval <= 0 {
			return &ConfigError{LimitID: l.ID, Reason: "window limit requires a positive interval", Err: ErrInvalidLimit}
		}
	case Decay:
		if l.DecayRate <= 0 {
			return &ConfigError{LimitID: l.ID, Reason: "decay limit requires a positive decay rate", Err: ErrInvalidLimit}
		}
	default:
		return &ConfigError{LimitID: l.ID, Reason: "unknown limit type", Err: ErrInvalidLimit}
	}
	return nil
}
