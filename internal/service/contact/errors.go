package contact

import "errors"

// ErrNotFound is returned when a lead, client or coach does not exist.
var ErrNotFound = errors.New("contact not found")
