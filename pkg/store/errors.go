package store

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when the requested id is absent.
	ErrNotFound = errors.New("document not found")

	// ErrConflict is returned when a write supplies a stale revision.
	ErrConflict = errors.New("revision mismatch")

	// ErrDenied is returned when the remote rejects access to a logical
	// database. It is terminal for the affected replication channel.
	ErrDenied = errors.New("replication denied")

	// ErrClosed is returned by operations on a closed store or stream.
	ErrClosed = errors.New("store closed")
)

// DeniedError names the logical database the remote refused.
type DeniedError struct {
	Database string
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("replication denied for database %q", e.Database)
}

func (e *DeniedError) Unwrap() error { return ErrDenied }
