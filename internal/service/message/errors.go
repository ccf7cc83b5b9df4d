package message

import "errors"

// Sentinel errors for the message service layer.
var (
	ErrNotFound          = errors.New("message not found")
	ErrInvalidInput      = errors.New("invalid message input")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrEmptyCorrelation  = errors.New("a correlation id is required")
)
