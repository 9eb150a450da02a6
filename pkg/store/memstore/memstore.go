// Package memstore provides an in-memory document store implementing the
// full store contract, including the sequence-numbered change feed. It
// backs unit tests and the in-process remote server.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/classpad/docsync/pkg/document"
	"github.com/classpad/docsync/pkg/logger"
	"github.com/classpad/docsync/pkg/store"
)

type Store struct {
	log logger.Logger

	mu          sync.RWMutex
	docs        map[string]*document.Document
	feed        []store.Change
	seq         uint64
	watchers    map[int]chan store.Change
	nextWatcher int
	closed      bool
}

var _ store.Store = (*Store)(nil)

// New creates an empty store. log may be nil.
func New(log logger.Logger) *Store {
	return &Store{
		log:      logger.OrNop(log),
		docs:     make(map[string]*document.Document),
		watchers: make(map[int]chan store.Change),
	}
}

func (s *Store) Get(ctx context.Context, id string) (*document.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, store.ErrClosed
	}

	doc, ok := s.docs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", store.ErrNotFound, id)
	}
	return doc.Clone(), nil
}

func (s *Store) Put(ctx context.Context, doc *document.Document) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := doc.Validate(); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", store.ErrClosed
	}

	if err := s.checkRevision(doc); err != nil {
		return "", err
	}

	stored := doc.Clone()
	stored.Revision = document.NewRevision()
	s.docs[stored.ID] = stored
	s.record(stored, store.OriginLocal)

	return stored.Revision, nil
}

func (s *Store) checkRevision(doc *document.Document) error {
	existing, ok := s.docs[doc.ID]
	if !ok {
		if doc.Revision != "" {
			return fmt.Errorf("%w: %s does not exist but revision %q was supplied",
				store.ErrConflict, doc.ID, doc.Revision)
		}
		return nil
	}
	if existing.Revision != doc.Revision {
		return fmt.Errorf("%w: %s is at %q, write supplied %q",
			store.ErrConflict, doc.ID, existing.Revision, doc.Revision)
	}
	return nil
}

func (s *Store) BulkPut(ctx context.Context, docs []*document.Document) ([]store.BulkResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	results := make([]store.BulkResult, len(docs))
	for i, doc := range docs {
		id := ""
		if doc != nil {
			id = doc.ID
		}
		rev, err := s.Put(ctx, doc)
		results[i] = store.BulkResult{ID: id, Revision: rev, Err: err}
	}
	return results, nil
}

func (s *Store) Query(ctx context.Context, q store.Query) ([]*document.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, store.ErrClosed
	}

	var out []*document.Document
	for _, doc := range s.docs {
		if q.Match(doc) {
			out = append(out, doc.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) Remove(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrClosed
	}

	doc, ok := s.docs[id]
	if !ok {
		return fmt.Errorf("%w: %s", store.ErrNotFound, id)
	}
	delete(s.docs, id)

	// The feed still has to report the removal, so it carries a
	// tombstoned snapshot under a fresh revision.
	snapshot := doc.Clone()
	snapshot.Deleted = true
	snapshot.Revision = document.NewRevision()
	s.record(snapshot, store.OriginLocal)

	return nil
}

func (s *Store) Apply(ctx context.Context, doc *document.Document) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := doc.Validate(); err != nil {
		return false, err
	}
	if doc.Revision == "" {
		return false, fmt.Errorf("%w: replicated document %s has no revision", document.ErrInvalid, doc.ID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, store.ErrClosed
	}

	existing, ok := s.docs[doc.ID]
	if ok && document.CompareRevisions(doc.Revision, existing.Revision) <= 0 {
		// Already seen, or the local copy wins deterministically.
		return false, nil
	}

	stored := doc.Clone()
	s.docs[stored.ID] = stored
	s.record(stored, store.OriginReplicated)

	return true, nil
}

func (s *Store) Changes(ctx context.Context, since uint64, limit int) ([]store.Change, uint64, error) {
	if err := ctx.Err(); err != nil {
		return nil, since, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, since, store.ErrClosed
	}

	start := sort.Search(len(s.feed), func(i int) bool { return s.feed[i].Seq > since })
	next := since
	var out []store.Change
	for _, change := range s.feed[start:] {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, store.Change{Seq: change.Seq, Doc: change.Doc.Clone(), Origin: change.Origin})
		next = change.Seq
	}
	return out, next, nil
}

func (s *Store) Watch(buffer int) (<-chan store.Change, func()) {
	if buffer <= 0 {
		buffer = 64
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextWatcher
	s.nextWatcher++
	ch := make(chan store.Change, buffer)
	if s.closed {
		close(ch)
		return ch, func() {}
	}
	s.watchers[id] = ch

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if w, ok := s.watchers[id]; ok {
			delete(s.watchers, id)
			close(w)
		}
	}
	return ch, cancel
}

// record appends a feed entry and wakes watchers. Callers hold the write
// lock. Watcher sends never block; a consumer that misses a wake-up
// re-reads Changes from its checkpoint.
func (s *Store) record(doc *document.Document, origin store.Origin) {
	s.seq++
	change := store.Change{Seq: s.seq, Doc: doc.Clone(), Origin: origin}
	s.feed = append(s.feed, change)

	for id, ch := range s.watchers {
		select {
		case ch <- store.Change{Seq: change.Seq, Doc: change.Doc.Clone(), Origin: origin}:
		default:
			s.log.Warn("memstore watcher is falling behind", "watcher", id, "seq", change.Seq)
		}
	}
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for id, ch := range s.watchers {
		delete(s.watchers, id)
		close(ch)
	}
	return nil
}
