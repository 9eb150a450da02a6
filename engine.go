package docsync

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/classpad/docsync/pkg/bus"
	"github.com/classpad/docsync/pkg/document"
	"github.com/classpad/docsync/pkg/logger"
	"github.com/classpad/docsync/pkg/replication"
	"github.com/classpad/docsync/pkg/session"
	"github.com/classpad/docsync/pkg/store"
)

// DefaultMaxUpdateAttempts bounds the conflict-safe update retry loop.
const DefaultMaxUpdateAttempts = 5

// Config configures an engine.
type Config struct {
	// Local is the store that answers every read and write. Required.
	Local store.Store

	// Remote is the replication peer. Nil runs the engine offline-only;
	// everything works except synchronization.
	Remote store.Remote

	// Session is the signed-in user. When set, the per-user databases of
	// everyone on the global user list are registered at construction.
	Session *session.Session

	// MaxUpdateAttempts bounds UpdateDocument's retry loop. Zero means
	// DefaultMaxUpdateAttempts.
	MaxUpdateAttempts int

	// Backoff overrides the replication reconnect policy.
	Backoff replication.Backoff

	Logger logger.Logger
}

// Engine is the facade over the local store, the replication manager and
// the change bus.
type Engine struct {
	local       store.Store
	log         logger.Logger
	bus         *bus.Bus
	repl        *replication.Manager
	maxAttempts int

	mu     sync.Mutex
	closed bool
}

type registrarFunc func(name string)

func (f registrarFunc) RegisterInterest(name string) { f(name) }

// New builds and starts an engine. The well-known databases user_list
// and design are always part of the interest set.
func New(cfg Config) (*Engine, error) {
	if cfg.Local == nil {
		return nil, errors.New("docsync: config requires a local store")
	}
	if cfg.MaxUpdateAttempts <= 0 {
		cfg.MaxUpdateAttempts = DefaultMaxUpdateAttempts
	}
	log := logger.OrNop(cfg.Logger)

	e := &Engine{
		local:       cfg.Local,
		log:         log,
		bus:         bus.New(cfg.Local, log),
		maxAttempts: cfg.MaxUpdateAttempts,
	}

	if cfg.Remote != nil {
		e.repl = replication.NewManager(replication.Config{
			Local:   cfg.Local,
			Remote:  cfg.Remote,
			Logger:  log,
			Backoff: cfg.Backoff,
		})
	}

	e.RegisterInterest(session.UserListDB)
	e.RegisterInterest(session.DesignDB)

	if cfg.Session != nil {
		reg := registrarFunc(func(name string) { e.RegisterInterest(name) })
		if err := session.Bootstrap(context.Background(), cfg.Session, cfg.Local, reg, log); err != nil {
			log.Warn("engine session bootstrap incomplete", "error", err)
		}
		// On a first run the user list only exists remotely; keep
		// watching so the per-user databases register once it (or any
		// later edit to it) replicates in.
		if e.repl != nil {
			go e.watchUserList(e.bus.Subscribe(document.TypeUser))
		}
	}

	if e.repl != nil {
		e.repl.Start()
	}
	return e, nil
}

// watchUserList grows the interest set whenever the global user list
// document arrives or changes. Exits when the bus shuts down.
func (e *Engine) watchUserList(sub *bus.Subscription) {
	for ev := range sub.Events() {
		if ev.Doc.ID != session.UserListDocID {
			continue
		}
		for _, userID := range ev.Doc.UserList {
			if userID == "" {
				continue
			}
			e.RegisterInterest(session.UserDB(userID))
		}
	}
}

func (e *Engine) checkOpen() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	return nil
}

// Get reads a document by id from the local store.
func (e *Engine) Get(ctx context.Context, id string) (*document.Document, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	return e.local.Get(ctx, id)
}

// Put writes a document with optimistic concurrency and returns the new
// revision. A store.ErrConflict means the caller's revision is stale;
// UpdateDocument wraps the re-read-and-retry protocol.
func (e *Engine) Put(ctx context.Context, doc *document.Document) (string, error) {
	if err := e.checkOpen(); err != nil {
		return "", err
	}
	return e.local.Put(ctx, doc)
}

// BulkPut writes a batch best-effort, one result per element. A stale
// element never blocks the others.
func (e *Engine) BulkPut(ctx context.Context, docs []*document.Document) ([]store.BulkResult, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	return e.local.BulkPut(ctx, docs)
}

// Query returns the active documents matching the structural predicate.
func (e *Engine) Query(ctx context.Context, q store.Query) ([]*document.Document, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	return e.local.Query(ctx, q)
}

// Subscribe registers a typed change subscriber; bus.TypeAll subscribes
// to every type.
func (e *Engine) Subscribe(t document.Type) *bus.Subscription {
	return e.bus.Subscribe(t)
}

// RegisterInterest adds a logical database to the replication interest
// set and returns its channel handle, nil when the engine runs offline.
// Registration is idempotent and names are never removed mid-session.
func (e *Engine) RegisterInterest(name string) *replication.Channel {
	if e.repl == nil {
		return nil
	}
	return e.repl.Register(name)
}

// Interest returns the registered database names in registration order.
func (e *Engine) Interest() []string {
	if e.repl == nil {
		return nil
	}
	return e.repl.Interest()
}

// Close stops replication, the bus and the local store. The remote
// handle is the caller's to close; it may be shared.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	var errs []error
	if e.repl != nil {
		if err := e.repl.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing replication: %w", err))
		}
	}
	e.bus.Close()
	if err := e.local.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing local store: %w", err))
	}
	return errors.Join(errs...)
}
