package store

import "errors"

// ErrNotFound is returned when a requested row does not exist. Callers
// distinguish it from transport failures with errors.Is.
var ErrNotFound = errors.New("store: not found")
