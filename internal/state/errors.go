package state

import "errors"

// ErrBusy is returned when a named lock could not be acquired within its
// bounded blocking timeout. Callers must treat this as a definite signal
// and never proceed optimistically — the operation is retried, if at all,
// on the next scheduling pass.
var ErrBusy = errors.New("state: lock busy")

// ErrNotFound is returned when a keyed lookup (hash field, list element)
// has no value.
var ErrNotFound = errors.New("state: not found")
