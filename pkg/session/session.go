// Package session carries the signed-in user through the engine and
// bootstraps the replication interest set from the global user list.
package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/classpad/docsync/pkg/document"
	"github.com/classpad/docsync/pkg/logger"
	"github.com/classpad/docsync/pkg/store"
)

// Well-known logical database names. UserListDB holds the single global
// user list document; DesignDB holds shared activity templates. Both are
// registered for every session.
const (
	UserListDB = "user_list"
	DesignDB   = "design"

	// UserListDocID is the id of the global user list document inside
	// UserListDB.
	UserListDocID = "user_list"
)

// UserDB returns the per-user logical database name.
func UserDB(userID string) string {
	return fmt.Sprintf("user_%s", userID)
}

// Session identifies the signed-in user.
type Session struct {
	UserID string
	Role   string
}

type ctxKey struct{}

// NewContext returns ctx carrying the session.
func NewContext(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, ctxKey{}, s)
}

// FromContext returns the session carried by ctx, nil when absent.
func FromContext(ctx context.Context) *Session {
	s, _ := ctx.Value(ctxKey{}).(*Session)
	return s
}

// Registrar is the slice of the replication manager the bootstrap needs.
type Registrar interface {
	RegisterInterest(name string)
}

// Reader is the slice of the store contract the bootstrap needs.
type Reader interface {
	Get(ctx context.Context, id string) (*document.Document, error)
}

// Bootstrap reads the global user list document and registers the
// per-user database of every listed user, so their documents start
// replicating before any of them is opened. The session's own database
// is registered even when the list document has not replicated yet.
func Bootstrap(ctx context.Context, s *Session, r Reader, reg Registrar, log logger.Logger) error {
	log = logger.OrNop(log)

	if s != nil && s.UserID != "" {
		reg.RegisterInterest(UserDB(s.UserID))
	}

	doc, err := r.Get(ctx, UserListDocID)
	if errors.Is(err, store.ErrNotFound) {
		// The list document arrives with user_list replication; until
		// then only the session's own database is known.
		log.Debug("session bootstrap: user list document not replicated yet")
		return nil
	}
	if err != nil {
		return fmt.Errorf("session bootstrap: reading user list: %w", err)
	}

	for _, userID := range doc.UserList {
		if userID == "" {
			continue
		}
		reg.RegisterInterest(UserDB(userID))
	}
	log.Info("session bootstrap registered user databases", "users", len(doc.UserList))
	return nil
}
