package campaign

import (
	"errors"
	"fmt"
)

// Sentinel errors for the campaign service layer.
var (
	ErrNotFound          = errors.New("campaign not found")
	ErrTemplateNotFound  = errors.New("template not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrAlreadyDispatched = errors.New("campaign already dispatched")
	ErrValidation        = errors.New("validation failed")
	ErrUnknownRecipient  = errors.New("recipient is not part of this campaign")
	ErrNotSent           = errors.New("recipient has no successful send")
	ErrRecipientFailed   = errors.New("recipient delivery failed")
	ErrInvalidEvent      = errors.New("invalid tracking event")
)

// ValidationError is returned before any state change when a request is
// malformed. It matches ErrValidation with errors.Is.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}
