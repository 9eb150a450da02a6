package docsync

import (
	"context"
	"errors"
	"fmt"

	"github.com/classpad/docsync/pkg/document"
	"github.com/classpad/docsync/pkg/store"
)

// UpdateDocument runs the conflict-safe update protocol: read the
// current document, let apply mutate a private copy, write it back with
// the observed revision. A concurrent writer makes the write conflict;
// the loop then re-reads and re-applies, at most MaxUpdateAttempts
// times. apply must therefore be idempotent against fresh state.
//
// Exhausting the attempts returns *UpdateFailedError; the concurrent
// writes that won are all intact. An error from apply aborts the loop
// immediately and is returned as-is.
func (e *Engine) UpdateDocument(ctx context.Context, id string, apply func(*document.Document) error) (*document.Document, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		current, err := e.local.Get(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("updating document %q: %w", id, err)
		}

		next := current.Clone()
		if err := apply(next); err != nil {
			return nil, err
		}
		next.ID = id
		next.Revision = current.Revision

		rev, err := e.local.Put(ctx, next)
		if err == nil {
			next.Revision = rev
			return next, nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return nil, fmt.Errorf("updating document %q: %w", id, err)
		}

		lastErr = err
		e.log.Debug("document update conflicted, retrying", "id", id, "attempt", attempt)
	}

	return nil, &UpdateFailedError{ID: id, Attempts: e.maxAttempts, Cause: lastErr}
}

// ForcePut writes doc regardless of what the caller last observed:
// the stored revision is adopted before each write, creating the
// document when absent. Concurrent writers still make individual
// attempts conflict, so the write retries under the same bound as
// UpdateDocument. The caller's intent wins; use it for documents the
// caller owns outright.
func (e *Engine) ForcePut(ctx context.Context, doc *document.Document) (string, error) {
	if err := e.checkOpen(); err != nil {
		return "", err
	}
	if err := doc.Validate(); err != nil {
		return "", err
	}

	var lastErr error
	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		current, err := e.local.Get(ctx, doc.ID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			doc.Revision = ""
		case err != nil:
			return "", fmt.Errorf("force-writing document %q: %w", doc.ID, err)
		default:
			doc.Revision = current.Revision
		}

		rev, err := e.local.Put(ctx, doc)
		if err == nil {
			doc.Revision = rev
			return rev, nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return "", fmt.Errorf("force-writing document %q: %w", doc.ID, err)
		}

		lastErr = err
		e.log.Debug("forced write conflicted, retrying", "id", doc.ID, "attempt", attempt)
	}

	return "", &UpdateFailedError{ID: doc.ID, Attempts: e.maxAttempts, Cause: lastErr}
}
