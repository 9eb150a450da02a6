package store

import (
	"context"

	"github.com/classpad/docsync/pkg/document"
)

// Remote is the slice of the store contract the replication layer needs
// from the other side of the network. The handle may be unavailable at
// any time; transient failures are reported as ordinary errors and the
// replication manager retries them.
type Remote interface {
	// BulkApply ships replicated documents, each carrying the revision
	// it was written with locally. The remote resolves divergence with
	// the same deterministic rule as Store.Apply.
	BulkApply(ctx context.Context, docs []*document.Document) ([]BulkResult, error)

	// Changes reads the remote feed from since, restricted to the given
	// logical databases.
	Changes(ctx context.Context, since uint64, filter []string, limit int) ([]Change, uint64, error)

	// Subscribe opens a live change subscription starting after since,
	// restricted to the given logical databases. A *DeniedError is
	// returned when one of the names is not authorized.
	Subscribe(ctx context.Context, since uint64, filter []string) (Subscription, error)
}

// Subscription is a live, filtered change stream from the remote store.
type Subscription interface {
	// Updates delivers remote changes. The channel is closed when the
	// subscription ends; Err reports why.
	Updates() <-chan Change

	// SetFilter atomically replaces the subscription's database filter
	// without tearing the stream down. Changes already delivered are
	// not re-delivered; databases admitted for the first time are
	// backfilled on the same stream.
	SetFilter(ctx context.Context, filter []string) error

	// Err returns the terminal error after Updates is closed, nil on
	// clean shutdown.
	Err() error

	Close(ctx context.Context) error
}
