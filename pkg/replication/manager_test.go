package replication_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/classpad/docsync/pkg/document"
	"github.com/classpad/docsync/pkg/remotetest"
	"github.com/classpad/docsync/pkg/replication"
	"github.com/classpad/docsync/pkg/store"
	"github.com/classpad/docsync/pkg/store/memstore"
	"github.com/classpad/docsync/pkg/store/remotestore"
)

const (
	waitFor = 5 * time.Second
	tick    = 20 * time.Millisecond
)

type fixture struct {
	srv     *remotetest.Server
	local   *memstore.Store
	remote  *remotestore.Client
	manager *replication.Manager
}

func newFixture(t *testing.T, srvCfg remotetest.Config) *fixture {
	t.Helper()

	srv := remotetest.New(srvCfg)
	t.Cleanup(srv.Close)

	local := memstore.New(nil)
	remote := remotestore.New(remotestore.Config{URL: srv.URL(), Timeout: 5 * time.Second})
	t.Cleanup(func() { remote.Close(context.Background()) })

	manager := replication.NewManager(replication.Config{
		Local:   local,
		Remote:  remote,
		Backoff: replication.NewFixedBackoff(10*time.Millisecond, 0),
	})
	t.Cleanup(func() { manager.Close() })

	return &fixture{srv: srv, local: local, remote: remote, manager: manager}
}

func mustActivity(t *testing.T, id, database, name string) *document.Document {
	t.Helper()
	doc, err := document.NewActivity(id, database, name)
	require.NoError(t, err)
	return doc
}

func (f *fixture) waitLocal(t *testing.T, id string) *document.Document {
	t.Helper()
	var doc *document.Document
	require.Eventually(t, func() bool {
		got, err := f.local.Get(context.Background(), id)
		if err != nil {
			return false
		}
		doc = got
		return true
	}, waitFor, tick, "document %s never replicated to the local store", id)
	return doc
}

func (f *fixture) waitRemote(t *testing.T, id string) *document.Document {
	t.Helper()
	var doc *document.Document
	require.Eventually(t, func() bool {
		got, err := f.srv.Store().Get(context.Background(), id)
		if err != nil {
			return false
		}
		doc = got
		return true
	}, waitFor, tick, "document %s never replicated to the remote store", id)
	return doc
}

func TestPullReplicatesOnlyRegisteredDatabases(t *testing.T) {
	f := newFixture(t, remotetest.Config{})
	ctx := context.Background()

	_, err := f.srv.Store().Put(ctx, mustActivity(t, "act-alice", "user_alice", "Fractions"))
	require.NoError(t, err)
	_, err = f.srv.Store().Put(ctx, mustActivity(t, "act-bob", "user_bob", "Decimals"))
	require.NoError(t, err)

	f.manager.Register("user_alice")
	f.manager.Start()

	doc := f.waitLocal(t, "act-alice")
	assert.Equal(t, "Fractions", doc.Name)

	// The unregistered database never crosses over.
	_, err = f.local.Get(ctx, "act-bob")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestInterestGrowthBackfillsMidStream(t *testing.T) {
	f := newFixture(t, remotetest.Config{})
	ctx := context.Background()

	_, err := f.srv.Store().Put(ctx, mustActivity(t, "act-alice", "user_alice", "Fractions"))
	require.NoError(t, err)
	_, err = f.srv.Store().Put(ctx, mustActivity(t, "act-bob", "user_bob", "Decimals"))
	require.NoError(t, err)

	f.manager.Register("user_alice")
	f.manager.Start()
	f.waitLocal(t, "act-alice")

	// Growing the interest set admits the new database on the live
	// stream, including its pre-existing documents.
	f.manager.Register("user_bob")
	f.waitLocal(t, "act-bob")

	// Live changes for the added database flow too.
	_, err = f.srv.Store().Put(ctx, mustActivity(t, "act-bob-2", "user_bob", "Percentages"))
	require.NoError(t, err)
	f.waitLocal(t, "act-bob-2")
}

func TestPushShipsLocalWrites(t *testing.T) {
	f := newFixture(t, remotetest.Config{})
	ctx := context.Background()

	// Written before the manager even starts.
	early := mustActivity(t, "act-early", "user_alice", "Early")
	_, err := f.local.Put(ctx, early)
	require.NoError(t, err)

	f.manager.Register("user_alice")
	f.manager.Start()
	f.waitRemote(t, "act-early")

	// Written mid-session.
	_, err = f.local.Put(ctx, mustActivity(t, "act-live", "user_alice", "Live"))
	require.NoError(t, err)
	got := f.waitRemote(t, "act-live")
	assert.Equal(t, "Live", got.Name)

	// Outside the interest set: stays local.
	_, err = f.local.Put(ctx, mustActivity(t, "act-private", "scratch", "Private"))
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)
	_, err = f.srv.Store().Get(ctx, "act-private")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestPushForDatabaseRegisteredAfterWrites(t *testing.T) {
	f := newFixture(t, remotetest.Config{})
	ctx := context.Background()

	f.manager.Register("user_alice")
	f.manager.Start()

	// A database registered later still gets its earlier local writes
	// pushed: registration rewinds the push checkpoint.
	_, err := f.local.Put(ctx, mustActivity(t, "act-late", "user_carol", "Late"))
	require.NoError(t, err)
	f.manager.Register("user_carol")
	f.waitRemote(t, "act-late")
}

func TestDeniedChannelIsTerminalWhileOthersSync(t *testing.T) {
	f := newFixture(t, remotetest.Config{Allowed: []string{"user_alice"}})
	ctx := context.Background()

	_, err := f.srv.Store().Put(ctx, mustActivity(t, "act-alice", "user_alice", "Fractions"))
	require.NoError(t, err)

	alice := f.manager.Register("user_alice")
	eve := f.manager.Register("user_eve")
	f.manager.Start()

	f.waitLocal(t, "act-alice")

	require.Eventually(t, func() bool {
		return eve.State() == replication.StateDenied
	}, waitFor, tick, "denied channel never became Denied")

	var denied *store.DeniedError
	require.ErrorAs(t, eve.Err(), &denied)
	assert.Equal(t, "user_eve", denied.Database)

	assert.NotEqual(t, replication.StateDenied, alice.State())

	// Denied stays terminal: syncing continues without user_eve.
	_, err = f.srv.Store().Put(ctx, mustActivity(t, "act-alice-2", "user_alice", "More"))
	require.NoError(t, err)
	f.waitLocal(t, "act-alice-2")
	assert.Equal(t, replication.StateDenied, eve.State())
}

func TestConnectionLossRetriesAndResumes(t *testing.T) {
	f := newFixture(t, remotetest.Config{})
	ctx := context.Background()

	alice := f.manager.Register("user_alice")
	f.manager.Start()

	_, err := f.srv.Store().Put(ctx, mustActivity(t, "act-1", "user_alice", "Before"))
	require.NoError(t, err)
	f.waitLocal(t, "act-1")

	f.srv.DropSessions()

	// The channel passes through Error and comes back once the stream is
	// re-established.
	_, err = f.srv.Store().Put(ctx, mustActivity(t, "act-2", "user_alice", "After"))
	require.NoError(t, err)
	f.waitLocal(t, "act-2")
	assert.NotEqual(t, replication.StateError, alice.State())
}

func TestRegistrationWhileDisconnectedBackfillsOnReconnect(t *testing.T) {
	f := newFixture(t, remotetest.Config{})
	ctx := context.Background()

	// Remote history for user_bob exists before anyone cares about it.
	_, err := f.srv.Store().Put(ctx, mustActivity(t, "act-bob", "user_bob", "Decimals"))
	require.NoError(t, err)

	f.manager.Register("user_alice")
	f.manager.Start()

	// Advance the pull checkpoint past act-bob's feed entry.
	_, err = f.srv.Store().Put(ctx, mustActivity(t, "act-alice", "user_alice", "Fractions"))
	require.NoError(t, err)
	f.waitLocal(t, "act-alice")

	// Register while the connection is down: the checkpointed catch-up
	// on reconnect would skip act-bob, so it has to be backfilled.
	f.srv.DropSessions()
	f.manager.Register("user_bob")

	f.waitLocal(t, "act-bob")

	// Live traffic for the database flows after the backfill.
	_, err = f.srv.Store().Put(ctx, mustActivity(t, "act-bob-2", "user_bob", "Percentages"))
	require.NoError(t, err)
	f.waitLocal(t, "act-bob-2")
}

func TestRegisterIsIdempotent(t *testing.T) {
	f := newFixture(t, remotetest.Config{})

	first := f.manager.Register("user_alice")
	second := f.manager.Register("user_alice")
	assert.Same(t, first, second)
	assert.Equal(t, []string{"user_alice"}, f.manager.Interest())
}

func TestResumeDoesNotRedeliverAcknowledgedChanges(t *testing.T) {
	f := newFixture(t, remotetest.Config{})
	ctx := context.Background()

	f.manager.Register("user_alice")
	f.manager.Start()

	_, err := f.srv.Store().Put(ctx, mustActivity(t, "act-1", "user_alice", "One"))
	require.NoError(t, err)
	first := f.waitLocal(t, "act-1")

	f.srv.DropSessions()

	_, err = f.srv.Store().Put(ctx, mustActivity(t, "act-2", "user_alice", "Two"))
	require.NoError(t, err)
	f.waitLocal(t, "act-2")

	// The acknowledged document was not rewritten on resume: same
	// revision, and the local feed carries exactly one entry for it.
	again, err := f.local.Get(ctx, "act-1")
	require.NoError(t, err)
	assert.Equal(t, first.Revision, again.Revision)

	changes, _, err := f.local.Changes(ctx, 0, 0)
	require.NoError(t, err)
	count := 0
	for _, change := range changes {
		if change.Doc.ID == "act-1" {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestCloseStopsTheStream(t *testing.T) {
	f := newFixture(t, remotetest.Config{})

	f.manager.Register("user_alice")
	f.manager.Start()
	require.NoError(t, f.manager.Close())

	// Writes after close are not replicated.
	_, err := f.srv.Store().Put(context.Background(), mustActivity(t, "act-1", "user_alice", "Late"))
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)
	_, err = f.local.Get(context.Background(), "act-1")
	assert.True(t, errors.Is(err, store.ErrNotFound))
}
