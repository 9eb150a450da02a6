// Package replication keeps the local document store synchronized with
// the remote store for every logical database in the interest set.
//
// The manager owns the interest set: a deduplicated, monotonically
// growing list of logical database names. Each registered name has a
// channel handle with an explicit state machine; all registered names
// share one multiplexed live stream. Connection loss marks the live
// channels Error and is retried with backoff; an authorization rejection
// marks the affected channel Denied, which is terminal and excluded from
// the filter so the remaining channels keep syncing.
package replication

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/classpad/docsync/pkg/document"
	"github.com/classpad/docsync/pkg/logger"
	"github.com/classpad/docsync/pkg/store"
)

// Connector is implemented by remote handles whose connection the
// manager should establish before subscribing.
type Connector interface {
	EnsureConnected(ctx context.Context) error
}

// Config configures a replication manager.
type Config struct {
	Local  store.Store
	Remote store.Remote
	Logger logger.Logger

	// Backoff paces reconnection. Defaults to unbounded exponential
	// backoff.
	Backoff Backoff

	// PushBatchSize bounds one push read from the local feed.
	PushBatchSize int
}

type Manager struct {
	local   store.Store
	remote  store.Remote
	log     logger.Logger
	backoff Backoff
	batch   int

	mu       sync.Mutex
	channels map[string]*Channel
	order    []string
	pullMark uint64
	pushMark uint64

	filterDirty chan struct{}
	closed      chan struct{}
	closeOnce   sync.Once
	wg          sync.WaitGroup
	started     bool
}

// NewManager creates a manager. Start must be called to begin syncing.
func NewManager(cfg Config) *Manager {
	backoff := cfg.Backoff
	if backoff == nil {
		backoff = DefaultBackoff()
	}
	batch := cfg.PushBatchSize
	if batch <= 0 {
		batch = 100
	}
	return &Manager{
		local:       cfg.Local,
		remote:      cfg.Remote,
		log:         logger.OrNop(cfg.Logger),
		backoff:     backoff,
		batch:       batch,
		channels:    make(map[string]*Channel),
		filterDirty: make(chan struct{}, 1),
		closed:      make(chan struct{}),
	}
}

// Register adds a logical database to the interest set and returns its
// channel handle. Registration is idempotent: a duplicate returns the
// existing handle. Names are never removed during a session.
func (m *Manager) Register(name string) *Channel {
	m.mu.Lock()
	ch, ok := m.channels[name]
	if !ok {
		ch = newChannel(name)
		m.channels[name] = ch
		m.order = append(m.order, name)

		// Documents of the new database that were written locally
		// before registration have to be pushed too, so the push
		// side re-reads the feed from the start. The remote
		// de-duplicates by revision.
		m.pushMark = 0
	}
	m.mu.Unlock()

	if !ok {
		m.log.Info("replication interest registered", "database", name)
		m.signalFilterChange()
	}
	return ch
}

// Channel returns the handle for a registered database, nil otherwise.
func (m *Manager) Channel(name string) *Channel {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.channels[name]
}

// Interest returns the interest set in registration order.
func (m *Manager) Interest() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.order))
	copy(out, m.order)
	return out
}

func (m *Manager) signalFilterChange() {
	select {
	case m.filterDirty <- struct{}{}:
	default:
	}
}

// activeFilter returns the registered names that are not Denied.
func (m *Manager) activeFilter() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, name := range m.order {
		if m.channels[name].State() != StateDenied {
			out = append(out, name)
		}
	}
	return out
}

func (m *Manager) pullCheckpoint() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pullMark
}

func (m *Manager) advancePull(seq uint64) {
	m.mu.Lock()
	if seq > m.pullMark {
		m.pullMark = seq
	}
	m.mu.Unlock()
}

// Start launches the sync loop. It may be called once.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	m.wg.Add(1)
	go m.run()
}

// Close tears the stream down and releases the underlying subscriptions.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() { close(m.closed) })
	m.wg.Wait()
	return nil
}

func (m *Manager) run() {
	defer m.wg.Done()

	attempt := 0
	for {
		select {
		case <-m.closed:
			return
		default:
		}

		filter := m.activeFilter()
		if len(filter) == 0 {
			select {
			case <-m.closed:
				return
			case <-m.filterDirty:
			}
			continue
		}

		established, err := m.syncLive(filter)
		if err == nil {
			return // closed
		}
		if established {
			attempt = 0
		}

		var denied *store.DeniedError
		if errors.As(err, &denied) {
			m.markDenied(denied)
			attempt = 0
			continue
		}

		m.markError(err)
		m.log.Info("replication stream lost, retrying", "error", err, "attempt", attempt)
		if !m.backoff.Wait(attempt, m.closed) {
			select {
			case <-m.closed:
			default:
				m.log.Error("replication abandoned after retries exhausted", "error", err)
			}
			return
		}
		attempt++
	}
}

func (m *Manager) markDenied(denied *store.DeniedError) {
	ch := m.Channel(denied.Database)
	if ch == nil {
		m.log.Error("replication denied for unregistered database", "database", denied.Database)
		return
	}
	if ch.transitionTo(StateDenied, denied) {
		m.log.Warn("replication denied, channel is terminal", "database", denied.Database)
	}
}

func (m *Manager) markError(cause error) {
	for _, name := range m.activeFilter() {
		if ch := m.Channel(name); ch != nil {
			ch.transitionTo(StateError, cause)
		}
	}
}

func (m *Manager) markAll(filter []string, state ChannelState) {
	for _, name := range filter {
		if ch := m.Channel(name); ch != nil {
			ch.transitionTo(state, nil)
		}
	}
}

// syncLive runs one live sync session: subscribe, catch up both
// directions, then stream until the connection fails or the manager
// closes. A nil error means the manager closed; established reports
// whether the live stream came up at all, so the caller can reset its
// retry budget.
func (m *Manager) syncLive(filter []string) (established bool, err error) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if conn, ok := m.remote.(Connector); ok {
		if err := conn.EnsureConnected(ctx); err != nil {
			return false, err
		}
	}

	// Databases registered after the pull checkpoint advanced would have
	// their earlier history skipped by the checkpointed catch-up, so pull
	// it explicitly before subscribing.
	since := m.pullCheckpoint()
	if since > 0 {
		if err := m.backfill(ctx, m.pendingBackfill(filter)); err != nil {
			return false, err
		}
	}

	sub, err := m.remote.Subscribe(ctx, since, filter)
	if err != nil {
		return false, err
	}
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), time.Second)
		defer closeCancel()
		sub.Close(closeCtx)
	}()

	m.markBackfilled(filter)
	m.markAll(filter, StateSyncingLive)

	watch, cancelWatch := m.local.Watch(256)
	defer cancelWatch()

	if err := m.pushPending(ctx); err != nil {
		return true, err
	}
	m.markAll(m.activeFilter(), StatePaused)

	for {
		select {
		case <-m.closed:
			return true, nil

		case <-m.filterDirty:
			if err := m.applyFilterChange(ctx, sub); err != nil {
				return true, err
			}
			if err := m.pushPending(ctx); err != nil {
				return true, err
			}

		case change, ok := <-sub.Updates():
			if !ok {
				if err := sub.Err(); err != nil {
					return true, err
				}
				return true, errors.New("replication stream ended")
			}
			m.applyRemote(ctx, change)
			if len(sub.Updates()) == 0 {
				m.markAll(m.activeFilter(), StatePaused)
			}

		case _, ok := <-watch:
			if !ok {
				return true, store.ErrClosed
			}
			if err := m.pushPending(ctx); err != nil {
				return true, err
			}
			m.markAll(m.activeFilter(), StatePaused)
		}
	}
}

// pendingBackfill returns the filter names whose pre-checkpoint remote
// history has not been pulled yet.
func (m *Manager) pendingBackfill(filter []string) []string {
	var out []string
	for _, name := range filter {
		if ch := m.Channel(name); ch != nil && !ch.backfilledYet() {
			out = append(out, name)
		}
	}
	return out
}

func (m *Manager) markBackfilled(names []string) {
	for _, name := range names {
		if ch := m.Channel(name); ch != nil {
			ch.markBackfilled()
		}
	}
}

// backfill pulls the complete remote history of the named databases and
// applies it locally. The pull checkpoint is left untouched: entries of
// other databases below it are already acknowledged, and the backfilled
// entries are admitted by revision comparison regardless of their
// sequence numbers.
func (m *Manager) backfill(ctx context.Context, names []string) error {
	if len(names) == 0 {
		return nil
	}
	m.log.Info("replication backfilling databases", "databases", names)

	since := uint64(0)
	for {
		changes, next, err := m.remote.Changes(ctx, since, names, m.batch)
		if err != nil {
			return err
		}
		if len(changes) == 0 {
			return nil
		}
		for _, change := range changes {
			if change.Doc == nil {
				continue
			}
			if _, err := m.local.Apply(ctx, change.Doc); err != nil {
				m.log.Warn("replication failed to apply backfilled document",
					"id", change.Doc.ID, "database", change.Doc.Database, "error", err)
			}
		}
		if next <= since {
			return nil
		}
		since = next
	}
}

// applyFilterChange re-applies the interest set to the live subscription
// atomically, excluding any channel the remote denies along the way.
// Databases admitted for the first time get their history pulled before
// the filter switch; the server's own admission backfill covers writes
// racing the switch, and revision comparison swallows the overlap.
func (m *Manager) applyFilterChange(ctx context.Context, sub store.Subscription) error {
	for {
		filter := m.activeFilter()
		if err := m.backfill(ctx, m.pendingBackfill(filter)); err != nil {
			var denied *store.DeniedError
			if errors.As(err, &denied) {
				m.markDenied(denied)
				continue
			}
			return err
		}

		err := sub.SetFilter(ctx, filter)
		if err == nil {
			m.markBackfilled(filter)
			m.markAll(filter, StateSyncingLive)
			return nil
		}

		var denied *store.DeniedError
		if errors.As(err, &denied) {
			m.markDenied(denied)
			continue
		}
		return err
	}
}

func (m *Manager) applyRemote(ctx context.Context, change store.Change) {
	if change.Doc == nil {
		return
	}

	if ch := m.Channel(change.Doc.Database); ch != nil {
		ch.transitionTo(StateSyncingLive, nil)
	}

	applied, err := m.local.Apply(ctx, change.Doc)
	if err != nil {
		m.log.Warn("replication failed to apply remote document",
			"id", change.Doc.ID, "database", change.Doc.Database, "error", err)
		return
	}
	m.log.Debug("replication applied remote document",
		"id", change.Doc.ID, "seq", change.Seq, "applied", applied)
	m.advancePull(change.Seq)
}

// pushPending ships local changes past the push checkpoint that belong
// to the interest set. Remote-origin entries are skipped; they came from
// the remote in the first place.
func (m *Manager) pushPending(ctx context.Context) error {
	admit := make(map[string]bool)
	for _, name := range m.activeFilter() {
		admit[name] = true
	}

	for {
		m.mu.Lock()
		since := m.pushMark
		m.mu.Unlock()

		changes, next, err := m.local.Changes(ctx, since, m.batch)
		if err != nil {
			return err
		}
		if len(changes) == 0 {
			return nil
		}

		var docs []*document.Document
		for _, change := range changes {
			if change.Origin == store.OriginReplicated {
				continue
			}
			if change.Doc == nil || !admit[change.Doc.Database] {
				continue
			}
			docs = append(docs, change.Doc)
		}

		if len(docs) > 0 {
			m.markAll(m.activeFilter(), StateSyncingLive)
			results, err := m.remote.BulkApply(ctx, docs)
			if err != nil {
				return err
			}
			for _, res := range results {
				if res.Err != nil {
					m.log.Warn("replication push rejected a document", "id", res.ID, "error", res.Err)
				}
			}
		}

		m.mu.Lock()
		// A registration may have rewound the checkpoint mid-batch to
		// re-scan for the new database; never advance over a rewind.
		if m.pushMark == since && next > since {
			m.pushMark = next
		}
		m.mu.Unlock()
	}
}
