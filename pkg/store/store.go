// Package store defines the document store contract implemented by the
// local backends and the remote store handle, together with the error
// taxonomy shared across the engine.
package store

import (
	"context"

	"github.com/classpad/docsync/pkg/document"
)

// Origin distinguishes local mutations from ones applied by replication.
type Origin int

const (
	OriginLocal Origin = iota
	OriginReplicated
)

func (o Origin) String() string {
	switch o {
	case OriginLocal:
		return "local"
	case OriginReplicated:
		return "replicated"
	default:
		return "unknown"
	}
}

// Change is one entry of a store's sequence-numbered mutation feed. Doc is
// a snapshot taken at mutation time; a physical delete is reported as a
// tombstoned snapshot.
type Change struct {
	Seq    uint64             `cbor:"seq" json:"seq"`
	Doc    *document.Document `cbor:"doc" json:"doc"`
	Origin Origin             `cbor:"-" json:"-"`
}

// Query is the structural predicate understood by every store: document
// type equality, owning database equality, or both. Tombstones are
// excluded unless IncludeDeleted is set.
type Query struct {
	Type           document.Type
	Database       string
	IncludeDeleted bool
}

// Match reports whether d satisfies the predicate.
func (q Query) Match(d *document.Document) bool {
	if d == nil {
		return false
	}
	if d.Deleted && !q.IncludeDeleted {
		return false
	}
	if q.Type != "" && d.Type != q.Type {
		return false
	}
	if q.Database != "" && d.Database != q.Database {
		return false
	}
	return true
}

// BulkResult reports the outcome of one element of a bulk write. A batch
// never collapses into a single failure; each element carries its own.
type BulkResult struct {
	ID       string
	Revision string
	Err      error
}

// Store is the document store contract. All blocking operations take a
// context; implementations must not be left in a partially mutated state
// when they return an error.
type Store interface {
	// Get returns the document with the given id, including tombstones.
	// Returns ErrNotFound when the id is absent.
	Get(ctx context.Context, id string) (*document.Document, error)

	// Put writes doc. For an existing id doc.Revision must equal the
	// stored revision, otherwise ErrConflict is returned and nothing is
	// mutated. A new id requires an empty revision. On success the newly
	// assigned revision token is returned.
	Put(ctx context.Context, doc *document.Document) (string, error)

	// BulkPut writes each document best-effort and reports one
	// BulkResult per input element, in order.
	BulkPut(ctx context.Context, docs []*document.Document) ([]BulkResult, error)

	// Query returns the documents matching q.
	Query(ctx context.Context, q Query) ([]*document.Document, error)

	// Remove physically deletes the document. Callers with referential
	// obligations must cascade and tombstone instead; see the engine.
	Remove(ctx context.Context, id string) error

	// Apply writes a replicated document carrying its remote revision.
	// Divergence resolves deterministically: the higher revision token
	// wins. Reports whether local state changed.
	Apply(ctx context.Context, doc *document.Document) (bool, error)

	// Changes returns up to limit feed entries with sequence numbers
	// greater than since, plus the position the caller should resume
	// from.
	Changes(ctx context.Context, since uint64, limit int) ([]Change, uint64, error)

	// Watch returns a channel that receives a wake-up for every
	// subsequent mutation and a cancel function releasing it. The
	// channel is buffered; a consumer that falls behind may miss
	// wake-ups and should re-read Changes from its checkpoint.
	Watch(buffer int) (<-chan Change, func())

	Close() error
}
