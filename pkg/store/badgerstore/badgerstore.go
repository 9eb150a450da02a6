// Package badgerstore implements the document store contract on BadgerDB.
// It is the durable local store: documents live under doc-prefixed keys as
// CBOR envelopes, and the mutation feed under sequence-prefixed keys so
// replication can resume from a checkpoint across restarts.
package badgerstore

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/fxamacker/cbor/v2"

	"github.com/classpad/docsync/pkg/document"
	"github.com/classpad/docsync/pkg/logger"
	"github.com/classpad/docsync/pkg/store"
)

var (
	docPrefix    = []byte("doc!")
	changePrefix = []byte("chg!")
	seqKey       = []byte("!docsync!seq")
)

// changeRecord is the persisted form of a feed entry.
type changeRecord struct {
	Seq    uint64             `cbor:"seq"`
	Doc    *document.Document `cbor:"doc"`
	Origin int                `cbor:"origin"`
}

type Store struct {
	log logger.Logger
	db  *badger.DB
	seq *badger.Sequence

	// writeMu serializes mutations: the store has a single logical
	// writer, which also keeps feed sequence numbers in commit order.
	writeMu sync.Mutex

	watchMu     sync.Mutex
	watchers    map[int]chan store.Change
	nextWatcher int
	closed      bool
}

var _ store.Store = (*Store)(nil)

// Open opens or creates the store at path. log may be nil.
func Open(path string, log logger.Logger) (*Store, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening badger store at %s: %w", path, err)
	}

	seq, err := db.GetSequence(seqKey, 128)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("opening sequence: %w", err)
	}

	return &Store{
		log:      logger.OrNop(log),
		db:       db,
		seq:      seq,
		watchers: make(map[int]chan store.Change),
	}, nil
}

func docKey(id string) []byte {
	return append(append([]byte{}, docPrefix...), id...)
}

func changeKey(seq uint64) []byte {
	key := append([]byte{}, changePrefix...)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq)
	return append(key, buf[:]...)
}

func (s *Store) Get(ctx context.Context, id string) (*document.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var doc document.Document
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(docKey(id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return cbor.Unmarshal(val, &doc)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", store.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", id, err)
	}
	return &doc, nil
}

func (s *Store) Put(ctx context.Context, doc *document.Document) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := doc.Validate(); err != nil {
		return "", err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var committed store.Change
	err := s.db.Update(func(txn *badger.Txn) error {
		current, err := s.readCurrent(txn, doc.ID)
		if err != nil {
			return err
		}
		if err := checkRevision(doc, current); err != nil {
			return err
		}

		stored := doc.Clone()
		stored.Revision = document.NewRevision()
		change, err := s.writeDoc(txn, stored, store.OriginLocal)
		if err != nil {
			return err
		}
		committed = change
		return nil
	})
	if err != nil {
		return "", err
	}

	s.notify(committed)
	return committed.Doc.Revision, nil
}

// readCurrent returns the stored document or nil when absent.
func (s *Store) readCurrent(txn *badger.Txn, id string) (*document.Document, error) {
	item, err := txn.Get(docKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", id, err)
	}
	var doc document.Document
	if err := item.Value(func(val []byte) error {
		return cbor.Unmarshal(val, &doc)
	}); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", id, err)
	}
	return &doc, nil
}

func checkRevision(doc, current *document.Document) error {
	if current == nil {
		if doc.Revision != "" {
			return fmt.Errorf("%w: %s does not exist but revision %q was supplied",
				store.ErrConflict, doc.ID, doc.Revision)
		}
		return nil
	}
	if current.Revision != doc.Revision {
		return fmt.Errorf("%w: %s is at %q, write supplied %q",
			store.ErrConflict, doc.ID, current.Revision, doc.Revision)
	}
	return nil
}

// writeDoc persists the document and its feed entry inside txn.
func (s *Store) writeDoc(txn *badger.Txn, doc *document.Document, origin store.Origin) (store.Change, error) {
	raw, err := cbor.Marshal(doc)
	if err != nil {
		return store.Change{}, fmt.Errorf("encoding %s: %w", doc.ID, err)
	}
	if err := txn.Set(docKey(doc.ID), raw); err != nil {
		return store.Change{}, err
	}
	return s.appendChange(txn, doc, origin)
}

func (s *Store) appendChange(txn *badger.Txn, doc *document.Document, origin store.Origin) (store.Change, error) {
	num, err := s.seq.Next()
	if err != nil {
		return store.Change{}, fmt.Errorf("next sequence: %w", err)
	}
	seq := num + 1 // badger sequences start at zero, the feed at one

	record := changeRecord{Seq: seq, Doc: doc, Origin: int(origin)}
	raw, err := cbor.Marshal(record)
	if err != nil {
		return store.Change{}, fmt.Errorf("encoding change %d: %w", seq, err)
	}
	if err := txn.Set(changeKey(seq), raw); err != nil {
		return store.Change{}, err
	}
	return store.Change{Seq: seq, Doc: doc, Origin: origin}, nil
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

	var out []*document.Document
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = docPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var doc document.Document
			if err := it.Item().Value(func(val []byte) error {
				return cbor.Unmarshal(val, &doc)
			}); err != nil {
				return err
			}
			if q.Match(&doc) {
				out = append(out, doc.Clone())
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) Remove(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var committed store.Change
	err := s.db.Update(func(txn *badger.Txn) error {
		current, err := s.readCurrent(txn, id)
		if err != nil {
			return err
		}
		if current == nil {
			return fmt.Errorf("%w: %s", store.ErrNotFound, id)
		}
		if err := txn.Delete(docKey(id)); err != nil {
			return err
		}

		snapshot := current.Clone()
		snapshot.Deleted = true
		snapshot.Revision = document.NewRevision()
		change, err := s.appendChange(txn, snapshot, store.OriginLocal)
		if err != nil {
			return err
		}
		committed = change
		return nil
	})
	if err != nil {
		return err
	}

	s.notify(committed)
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

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	applied := false
	var committed store.Change
	err := s.db.Update(func(txn *badger.Txn) error {
		current, err := s.readCurrent(txn, doc.ID)
		if err != nil {
			return err
		}
		if current != nil && document.CompareRevisions(doc.Revision, current.Revision) <= 0 {
			return nil
		}

		change, err := s.writeDoc(txn, doc.Clone(), store.OriginReplicated)
		if err != nil {
			return err
		}
		committed = change
		applied = true
		return nil
	})
	if err != nil {
		return false, err
	}

	if applied {
		s.notify(committed)
	}
	return applied, nil
}

func (s *Store) Changes(ctx context.Context, since uint64, limit int) ([]store.Change, uint64, error) {
	if err := ctx.Err(); err != nil {
		return nil, since, err
	}

	next := since
	var out []store.Change
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = changePrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(changeKey(since + 1)); it.Valid(); it.Next() {
			if limit > 0 && len(out) >= limit {
				break
			}
			var record changeRecord
			if err := it.Item().Value(func(val []byte) error {
				return cbor.Unmarshal(val, &record)
			}); err != nil {
				return err
			}
			out = append(out, store.Change{Seq: record.Seq, Doc: record.Doc, Origin: store.Origin(record.Origin)})
			next = record.Seq
		}
		return nil
	})
	if err != nil {
		return nil, since, fmt.Errorf("reading changes since %d: %w", since, err)
	}
	return out, next, nil
}

func (s *Store) Watch(buffer int) (<-chan store.Change, func()) {
	if buffer <= 0 {
		buffer = 64
	}

	s.watchMu.Lock()
	defer s.watchMu.Unlock()

	id := s.nextWatcher
	s.nextWatcher++
	ch := make(chan store.Change, buffer)
	if s.closed {
		close(ch)
		return ch, func() {}
	}
	s.watchers[id] = ch

	cancel := func() {
		s.watchMu.Lock()
		defer s.watchMu.Unlock()
		if w, ok := s.watchers[id]; ok {
			delete(s.watchers, id)
			close(w)
		}
	}
	return ch, cancel
}

func (s *Store) notify(change store.Change) {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	for id, ch := range s.watchers {
		select {
		case ch <- store.Change{Seq: change.Seq, Doc: change.Doc.Clone(), Origin: change.Origin}:
		default:
			s.log.Warn("badgerstore watcher is falling behind", "watcher", id, "seq", change.Seq)
		}
	}
}

func (s *Store) Close() error {
	s.watchMu.Lock()
	if s.closed {
		s.watchMu.Unlock()
		return nil
	}
	s.closed = true
	for id, ch := range s.watchers {
		delete(s.watchers, id)
		close(ch)
	}
	s.watchMu.Unlock()

	if err := s.seq.Release(); err != nil {
		s.log.Warn("releasing sequence", "error", err)
	}
	return s.db.Close()
}
