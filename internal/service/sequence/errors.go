package sequence

import "errors"

// Sentinel errors for the sequence service layer.
var (
	ErrNotFound     = errors.New("sequence not found")
	ErrInvalidSteps = errors.New("invalid sequence steps")
	ErrInvalidInput = errors.New("invalid sequence input")
	ErrInactive     = errors.New("sequence is not active")
)
