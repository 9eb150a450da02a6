package session_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/classpad/docsync/pkg/document"
	"github.com/classpad/docsync/pkg/session"
	"github.com/classpad/docsync/pkg/store/memstore"
)

type recordingRegistrar struct {
	names []string
}

func (r *recordingRegistrar) RegisterInterest(name string) {
	r.names = append(r.names, name)
}

func TestSessionContextRoundTrip(t *testing.T) {
	s := &session.Session{UserID: "alice", Role: "teacher"}
	ctx := session.NewContext(context.Background(), s)
	assert.Same(t, s, session.FromContext(ctx))
	assert.Nil(t, session.FromContext(context.Background()))
}

func TestBootstrapRegistersListedUsers(t *testing.T) {
	st := memstore.New(nil)
	defer st.Close()

	ctx := context.Background()
	list := &document.Document{
		ID:       session.UserListDocID,
		Type:     document.TypeUser,
		Database: session.UserListDB,
		UserList: []string{"alice", "bob", ""},
	}
	_, err := st.Put(ctx, list)
	require.NoError(t, err)

	reg := &recordingRegistrar{}
	err = session.Bootstrap(ctx, &session.Session{UserID: "alice"}, st, reg, nil)
	require.NoError(t, err)

	// Own database first, then every listed user; the empty id is skipped
	// and the duplicate registration is the registrar's problem to
	// de-duplicate.
	assert.Equal(t, []string{"user_alice", "user_alice", "user_bob"}, reg.names)
}

func TestBootstrapWithoutListDocument(t *testing.T) {
	st := memstore.New(nil)
	defer st.Close()

	reg := &recordingRegistrar{}
	err := session.Bootstrap(context.Background(), &session.Session{UserID: "carol"}, st, reg, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"user_carol"}, reg.names)
}
