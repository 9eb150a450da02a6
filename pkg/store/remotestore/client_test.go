package remotestore_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/classpad/docsync/pkg/document"
	"github.com/classpad/docsync/pkg/remotetest"
	"github.com/classpad/docsync/pkg/store"
	"github.com/classpad/docsync/pkg/store/remotestore"
)

func dial(t *testing.T, srv *remotetest.Server) *remotestore.Client {
	t.Helper()
	client := remotestore.New(remotestore.Config{URL: srv.URL(), Timeout: 5 * time.Second})
	require.NoError(t, client.Connect(context.Background()))
	t.Cleanup(func() { client.Close(context.Background()) })
	return client
}

func mustActivity(t *testing.T, id, database, name string) *document.Document {
	t.Helper()
	doc, err := document.NewActivity(id, database, name)
	require.NoError(t, err)
	return doc
}

func TestClientRoundTrip(t *testing.T) {
	srv := remotetest.New(remotetest.Config{})
	defer srv.Close()
	client := dial(t, srv)

	ctx := context.Background()
	rev, err := client.Put(ctx, mustActivity(t, "act-1", "user_alice", "Fractions"))
	require.NoError(t, err)
	require.NotEmpty(t, rev)

	got, err := client.Get(ctx, "act-1")
	require.NoError(t, err)
	assert.Equal(t, "Fractions", got.Name)
	assert.Equal(t, rev, got.Revision)

	docs, err := client.Query(ctx, store.Query{Database: "user_alice"})
	require.NoError(t, err)
	assert.Len(t, docs, 1)

	require.NoError(t, client.Remove(ctx, "act-1"))
	_, err = client.Get(ctx, "act-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestClientErrorTaxonomyCrossesTheWire(t *testing.T) {
	srv := remotetest.New(remotetest.Config{})
	defer srv.Close()
	client := dial(t, srv)

	ctx := context.Background()
	_, err := client.Get(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)

	doc := mustActivity(t, "act-1", "user_alice", "Fractions")
	_, err = client.Put(ctx, doc)
	require.NoError(t, err)

	stale := doc.Clone()
	stale.Revision = "stale"
	_, err = client.Put(ctx, stale)
	assert.ErrorIs(t, err, store.ErrConflict)
}

func TestClientCallsRequireConnection(t *testing.T) {
	srv := remotetest.New(remotetest.Config{})
	defer srv.Close()

	client := remotestore.New(remotestore.Config{URL: srv.URL()})
	_, err := client.Get(context.Background(), "doc-1")
	assert.ErrorIs(t, err, remotestore.ErrNotConnected)
}

func TestClientSubscribeBackfillsAndStreams(t *testing.T) {
	srv := remotetest.New(remotetest.Config{})
	defer srv.Close()

	ctx := context.Background()
	_, err := srv.Store().Put(ctx, mustActivity(t, "act-1", "user_alice", "Seeded"))
	require.NoError(t, err)

	client := dial(t, srv)
	sub, err := client.Subscribe(ctx, 0, []string{"user_alice"})
	require.NoError(t, err)
	defer sub.Close(ctx)

	change := waitChange(t, sub)
	assert.Equal(t, "act-1", change.Doc.ID)
	assert.Equal(t, store.OriginReplicated, change.Origin)

	// A write after subscribing streams live.
	_, err = srv.Store().Put(ctx, mustActivity(t, "act-2", "user_alice", "Live"))
	require.NoError(t, err)
	assert.Equal(t, "act-2", waitChange(t, sub).Doc.ID)

	// Writes outside the filter never arrive.
	_, err = srv.Store().Put(ctx, mustActivity(t, "act-3", "user_bob", "Foreign"))
	require.NoError(t, err)
	select {
	case change := <-sub.Updates():
		t.Fatalf("unexpected change outside the filter: %+v", change)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestClientSubscribeDenied(t *testing.T) {
	srv := remotetest.New(remotetest.Config{Allowed: []string{"user_alice"}})
	defer srv.Close()
	client := dial(t, srv)

	_, err := client.Subscribe(context.Background(), 0, []string{"user_alice", "user_eve"})
	var denied *store.DeniedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, "user_eve", denied.Database)
}

func TestClientConnectionLossFinishesSubscriptions(t *testing.T) {
	srv := remotetest.New(remotetest.Config{})
	defer srv.Close()
	client := dial(t, srv)

	ctx := context.Background()
	sub, err := client.Subscribe(ctx, 0, []string{"user_alice"})
	require.NoError(t, err)

	srv.DropSessions()

	select {
	case _, ok := <-sub.Updates():
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("subscription did not finish after connection loss")
	}
	assert.ErrorIs(t, sub.Err(), remotestore.ErrConnectionLost)

	// The handle reconnects for a fresh session.
	require.NoError(t, client.EnsureConnected(ctx))
	_, err = client.Put(ctx, mustActivity(t, "act-1", "user_alice", "After reconnect"))
	assert.NoError(t, err)
}

func waitChange(t *testing.T, sub store.Subscription) store.Change {
	t.Helper()
	select {
	case change, ok := <-sub.Updates():
		require.True(t, ok, "subscription closed while waiting: %v", sub.Err())
		return change
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a change")
		return store.Change{}
	}
}
