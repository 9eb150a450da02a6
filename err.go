package docsync

import (
	"errors"
	"fmt"
)

// ErrClosed is returned for calls made after Close.
var ErrClosed = errors.New("engine closed")

// UpdateFailedError is the terminal outcome of the conflict-safe update
// protocol: the bounded retry loop exhausted its attempts, or the
// re-apply function refused the document. The last conflicting write
// stands; nothing was silently dropped.
type UpdateFailedError struct {
	ID       string
	Attempts int
	Cause    error
}

func (e *UpdateFailedError) Error() string {
	return fmt.Sprintf("update of document %q failed after %d attempts: %v", e.ID, e.Attempts, e.Cause)
}

func (e *UpdateFailedError) Unwrap() error { return e.Cause }
