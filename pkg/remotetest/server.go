// Package remotetest runs an in-process remote store server over real
// websockets, backed by a memory store. Replication tests dial it exactly
// as they would a production endpoint, and it can be configured to deny
// individual logical databases to exercise the terminal Denied path.
package remotetest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/gorilla/mux"
	gorilla "github.com/gorilla/websocket"

	"github.com/classpad/docsync/pkg/logger"
	"github.com/classpad/docsync/pkg/store"
	"github.com/classpad/docsync/pkg/store/memstore"
	"github.com/classpad/docsync/pkg/store/remotestore/wire"
)

// Config configures the test server.
type Config struct {
	// Store is the backing document store. A fresh memory store is used
	// when nil.
	Store store.Store

	// Allowed restricts which logical databases sessions may subscribe
	// to. Nil allows everything.
	Allowed []string

	Logger logger.Logger
}

type Server struct {
	store   store.Store
	log     logger.Logger
	allowed map[string]bool
	http    *httptest.Server

	mu       sync.Mutex
	sessions map[*session]struct{}
	closed   bool
}

var upgrader = gorilla.Upgrader{
	Subprotocols: []string{"cbor"},
	CheckOrigin:  func(r *http.Request) bool { return true },
}

// New starts the server. Callers must Close it.
func New(cfg Config) *Server {
	backing := cfg.Store
	if backing == nil {
		backing = memstore.New(cfg.Logger)
	}

	s := &Server{
		store:    backing,
		log:      logger.OrNop(cfg.Logger),
		sessions: make(map[*session]struct{}),
	}
	if cfg.Allowed != nil {
		s.allowed = make(map[string]bool, len(cfg.Allowed))
		for _, name := range cfg.Allowed {
			s.allowed[name] = true
		}
	}

	router := mux.NewRouter()
	router.HandleFunc("/rpc", s.handleRPC)
	s.http = httptest.NewServer(router)

	return s
}

// URL returns the websocket base URL clients should dial.
func (s *Server) URL() string {
	return "ws" + strings.TrimPrefix(s.http.URL, "http")
}

// Store exposes the backing store so tests can seed and inspect remote
// state directly.
func (s *Server) Store() store.Store { return s.store }

// Allow adds a database to the allowed set at runtime.
func (s *Server) Allow(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.allowed != nil {
		s.allowed[name] = true
	}
}

func (s *Server) authorized(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.allowed == nil || s.allowed[name]
}

// DropSessions severs every live session without stopping the server, so
// tests can exercise connection loss and reconnection.
func (s *Server) DropSessions() {
	s.mu.Lock()
	sessions := make([]*session, 0, len(s.sessions))
	for sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.close()
	}
}

func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	sessions := make([]*session, 0, len(s.sessions))
	for sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.close()
	}
	s.http.Close()
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("remotetest upgrade failed", "error", err)
		return
	}

	sess := &session{srv: s, conn: conn, subs: make(map[string]*serverSub)}
	s.mu.Lock()
	s.sessions[sess] = struct{}{}
	s.mu.Unlock()

	sess.run()

	s.mu.Lock()
	delete(s.sessions, sess)
	s.mu.Unlock()
}

type session struct {
	srv  *Server
	conn *gorilla.Conn

	writeMu sync.Mutex

	subMu sync.Mutex
	subs  map[string]*serverSub
}

type serverSub struct {
	stream string

	filterMu sync.Mutex
	filter   map[string]bool

	lastSeq     uint64
	cancelWatch func()
	done        chan struct{}
}

func (sub *serverSub) admits(db string) bool {
	sub.filterMu.Lock()
	defer sub.filterMu.Unlock()
	return sub.filter[db]
}

func (sub *serverSub) setFilter(names []string) (added []string) {
	next := make(map[string]bool, len(names))
	for _, name := range names {
		next[name] = true
	}

	sub.filterMu.Lock()
	defer sub.filterMu.Unlock()
	for name := range next {
		if !sub.filter[name] {
			added = append(added, name)
		}
	}
	sub.filter = next
	return added
}

func (sess *session) run() {
	defer sess.close()

	for {
		_, data, err := sess.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg wire.Message
		if err := cbor.Unmarshal(data, &msg); err != nil {
			sess.srv.log.Warn("remotetest dropping undecodable frame", "error", err)
			continue
		}
		sess.handle(&msg)
	}
}

func (sess *session) close() {
	sess.subMu.Lock()
	for stream, sub := range sess.subs {
		delete(sess.subs, stream)
		sub.cancelWatch()
		close(sub.done)
	}
	sess.subMu.Unlock()
	sess.conn.Close()
}

func (sess *session) write(msg wire.Message) {
	raw, err := cbor.Marshal(msg)
	if err != nil {
		sess.srv.log.Error("remotetest failed to encode frame", "error", err)
		return
	}
	sess.writeMu.Lock()
	defer sess.writeMu.Unlock()
	if err := sess.conn.WriteMessage(gorilla.BinaryMessage, raw); err != nil {
		sess.srv.log.Debug("remotetest write failed", "error", err)
	}
}

func (sess *session) reply(id string, result any, err error) {
	msg := wire.Message{ID: id}
	if err != nil {
		msg.Error = wire.FromErr(err)
	} else if result != nil {
		raw, marshalErr := cbor.Marshal(result)
		if marshalErr != nil {
			msg.Error = wire.FromErr(marshalErr)
		} else {
			msg.Result = raw
		}
	}
	sess.write(msg)
}

func (sess *session) handle(msg *wire.Message) {
	ctx := context.Background()

	switch msg.Method {
	case wire.MethodGet:
		var params wire.GetParams
		if err := cbor.Unmarshal(msg.Params, &params); err != nil {
			sess.reply(msg.ID, nil, err)
			return
		}
		doc, err := sess.srv.store.Get(ctx, params.ID)
		sess.reply(msg.ID, wire.PutParams{Doc: doc}, err)

	case wire.MethodPut:
		var params wire.PutParams
		if err := cbor.Unmarshal(msg.Params, &params); err != nil {
			sess.reply(msg.ID, nil, err)
			return
		}
		rev, err := sess.srv.store.Put(ctx, params.Doc)
		sess.reply(msg.ID, wire.PutResult{Revision: rev}, err)

	case wire.MethodBulkPut:
		var params wire.DocsParams
		if err := cbor.Unmarshal(msg.Params, &params); err != nil {
			sess.reply(msg.ID, nil, err)
			return
		}
		results, err := sess.srv.store.BulkPut(ctx, params.Docs)
		sess.reply(msg.ID, wire.FromStoreResults(results), err)

	case wire.MethodQuery:
		var params wire.QueryParams
		if err := cbor.Unmarshal(msg.Params, &params); err != nil {
			sess.reply(msg.ID, nil, err)
			return
		}
		docs, err := sess.srv.store.Query(ctx, store.Query{
			Type:           params.Type,
			Database:       params.Database,
			IncludeDeleted: params.IncludeDeleted,
		})
		sess.reply(msg.ID, wire.QueryResult{Docs: docs}, err)

	case wire.MethodRemove:
		var params wire.GetParams
		if err := cbor.Unmarshal(msg.Params, &params); err != nil {
			sess.reply(msg.ID, nil, err)
			return
		}
		sess.reply(msg.ID, nil, sess.srv.store.Remove(ctx, params.ID))

	case wire.MethodBulkApply:
		var params wire.DocsParams
		if err := cbor.Unmarshal(msg.Params, &params); err != nil {
			sess.reply(msg.ID, nil, err)
			return
		}
		results := make([]store.BulkResult, len(params.Docs))
		for i, doc := range params.Docs {
			id := ""
			if doc != nil {
				id = doc.ID
			}
			_, err := sess.srv.store.Apply(ctx, doc)
			results[i] = store.BulkResult{ID: id, Err: err}
			if doc != nil {
				results[i].Revision = doc.Revision
			}
		}
		sess.reply(msg.ID, wire.FromStoreResults(results), nil)

	case wire.MethodChanges:
		var params wire.ChangesParams
		if err := cbor.Unmarshal(msg.Params, &params); err != nil {
			sess.reply(msg.ID, nil, err)
			return
		}
		if err := sess.checkAuthorization(params.Filter); err != nil {
			sess.reply(msg.ID, nil, err)
			return
		}
		changes, next, err := sess.srv.store.Changes(ctx, params.Since, params.Limit)
		if err == nil && params.Filter != nil {
			changes = filterChanges(changes, params.Filter)
		}
		sess.reply(msg.ID, wire.ChangesResult{Changes: changes, Next: next}, err)

	case wire.MethodSubscribe:
		sess.handleSubscribe(msg)

	case wire.MethodSetFilter:
		sess.handleSetFilter(msg)

	case wire.MethodUnsubscribe:
		var params wire.UnsubscribeParams
		if err := cbor.Unmarshal(msg.Params, &params); err != nil {
			sess.reply(msg.ID, nil, err)
			return
		}
		sess.subMu.Lock()
		if sub, ok := sess.subs[params.Stream]; ok {
			delete(sess.subs, params.Stream)
			sub.cancelWatch()
			close(sub.done)
		}
		sess.subMu.Unlock()
		sess.reply(msg.ID, nil, nil)

	default:
		sess.reply(msg.ID, nil, &wire.Error{Code: wire.CodeBadRequest, Message: "unknown method " + msg.Method})
	}
}

func filterChanges(changes []store.Change, filter []string) []store.Change {
	admit := make(map[string]bool, len(filter))
	for _, name := range filter {
		admit[name] = true
	}
	out := changes[:0]
	for _, change := range changes {
		if change.Doc != nil && admit[change.Doc.Database] {
			out = append(out, change)
		}
	}
	return out
}

func (sess *session) checkAuthorization(filter []string) error {
	for _, name := range filter {
		if !sess.srv.authorized(name) {
			return &store.DeniedError{Database: name}
		}
	}
	return nil
}

func (sess *session) handleSubscribe(msg *wire.Message) {
	var params wire.SubscribeParams
	if err := cbor.Unmarshal(msg.Params, &params); err != nil {
		sess.reply(msg.ID, nil, err)
		return
	}
	if err := sess.checkAuthorization(params.Filter); err != nil {
		sess.reply(msg.ID, nil, err)
		return
	}

	sub := &serverSub{
		stream:  params.Stream,
		filter:  make(map[string]bool, len(params.Filter)),
		lastSeq: params.Since,
		done:    make(chan struct{}),
	}
	for _, name := range params.Filter {
		sub.filter[name] = true
	}

	// Watch before the catch-up read so nothing committed in between is
	// missed; the live forwarder skips anything the catch-up already
	// covered via lastSeq.
	watch, cancel := sess.srv.store.Watch(256)
	sub.cancelWatch = cancel

	sess.subMu.Lock()
	sess.subs[params.Stream] = sub
	sess.subMu.Unlock()

	sess.reply(msg.ID, wire.SubscribeResult{Stream: params.Stream}, nil)

	changes, next, err := sess.srv.store.Changes(context.Background(), params.Since, 0)
	if err != nil {
		sess.srv.log.Warn("remotetest catch-up read failed", "error", err)
	} else {
		for _, change := range changes {
			if change.Doc != nil && sub.admits(change.Doc.Database) {
				sess.write(wire.Message{Notify: &wire.Notification{Stream: sub.stream, Change: change}})
			}
		}
		if next > sub.lastSeq {
			sub.lastSeq = next
		}
	}

	go sess.forward(sub, watch)
}

func (sess *session) forward(sub *serverSub, watch <-chan store.Change) {
	for {
		select {
		case <-sub.done:
			return
		case change, ok := <-watch:
			if !ok {
				return
			}
			if change.Seq <= sub.lastSeq {
				continue
			}
			sub.lastSeq = change.Seq
			if change.Doc == nil || !sub.admits(change.Doc.Database) {
				continue
			}
			sess.write(wire.Message{Notify: &wire.Notification{Stream: sub.stream, Change: change}})
		}
	}
}

func (sess *session) handleSetFilter(msg *wire.Message) {
	var params wire.FilterParams
	if err := cbor.Unmarshal(msg.Params, &params); err != nil {
		sess.reply(msg.ID, nil, err)
		return
	}
	if err := sess.checkAuthorization(params.Filter); err != nil {
		sess.reply(msg.ID, nil, err)
		return
	}

	sess.subMu.Lock()
	sub, ok := sess.subs[params.Stream]
	sess.subMu.Unlock()
	if !ok {
		sess.reply(msg.ID, nil, &wire.Error{Code: wire.CodeBadRequest, Message: "unknown stream " + params.Stream})
		return
	}

	added := sub.setFilter(params.Filter)
	sess.reply(msg.ID, nil, nil)

	// Databases admitted for the first time are backfilled on the same
	// stream. Their entries may carry sequence numbers the client has
	// already acknowledged for other databases; applying them again is
	// harmless because application de-duplicates by revision.
	for _, name := range added {
		docs, err := sess.srv.store.Query(context.Background(), store.Query{Database: name, IncludeDeleted: true})
		if err != nil {
			sess.srv.log.Warn("remotetest backfill failed", "database", name, "error", err)
			continue
		}
		for _, doc := range docs {
			sess.write(wire.Message{Notify: &wire.Notification{
				Stream: sub.stream,
				Change: store.Change{Doc: doc},
			}})
		}
	}
}
