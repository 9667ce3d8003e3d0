package sending

import (
	"errors"
	"fmt"
)

// Kind classifies a delivery failure.
type Kind int

const (
	// Transient failures (timeouts, throttling, 4xx SMTP replies) are retried.
	Transient Kind = iota
	// Permanent failures (invalid address, hard rejection) are not.
	Permanent
)

func (k Kind) String() string {
	if k == Permanent {
		return "permanent"
	}
	return "transient"
}

// Error is a classified transport failure.
type Error struct {
	Kind Kind
	Code string // transport-specific code, e.g. "550" or "MessageRejected"
	Err  error
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s delivery failure (%s): %v", e.Kind, e.Code, e.Err)
	}
	return fmt.Sprintf("%s delivery failure: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewTransient wraps err as a retryable failure.
func NewTransient(code string, err error) error {
	return &Error{Kind: Transient, Code: code, Err: err}
}

// NewPermanent wraps err as a non-retryable failure.
func NewPermanent(code string, err error) error {
	return &Error{Kind: Permanent, Code: code, Err: err}
}

// ErrInvalidAddress is returned by transports that validate recipients locally.
var ErrInvalidAddress = errors.New("invalid recipient address")

// Classify reports the Kind of err. Only explicitly permanent failures stop
// retries; anything else, including timeouts and network errors, is
// transient and bounded by the retry budget.
func Classify(err error) Kind {
	if err == nil {
		return Transient
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	if errors.Is(err, ErrInvalidAddress) {
		return Permanent
	}
	return Transient
}

// IsRetryable is shorthand for Classify(err) == Transient.
func IsRetryable(err error) bool {
	return Classify(err) == Transient
}
