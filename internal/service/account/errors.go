package account

import "errors"

// Sentinel errors for the account service layer.
var (
	ErrNotFound       = errors.New("email account not found")
	ErrThreadNotFound = errors.New("email thread not found")
	ErrNotUsable      = errors.New("email account needs re-authentication")
)
