package run

import "errors"

// ErrNotFound is returned when a run (or one of its rows) does not exist or
// is not visible to the requesting owner.
var ErrNotFound = errors.New("run not found")
