package remotestore

import (
	"context"

	"github.com/google/uuid"

	"github.com/classpad/docsync/pkg/document"
	"github.com/classpad/docsync/pkg/store"
	"github.com/classpad/docsync/pkg/store/remotestore/wire"
)

// Get retrieves a document from the remote store.
func (c *Client) Get(ctx context.Context, id string) (*document.Document, error) {
	var result wire.PutParams
	if err := c.send(ctx, wire.MethodGet, wire.GetParams{ID: id}, &result); err != nil {
		return nil, err
	}
	return result.Doc, nil
}

// Put writes a document to the remote store under the same optimistic
// concurrency rules as a local Put.
func (c *Client) Put(ctx context.Context, doc *document.Document) (string, error) {
	var result wire.PutResult
	if err := c.send(ctx, wire.MethodPut, wire.PutParams{Doc: doc}, &result); err != nil {
		return "", err
	}
	return result.Revision, nil
}

// BulkPut writes documents best-effort with per-element results.
func (c *Client) BulkPut(ctx context.Context, docs []*document.Document) ([]store.BulkResult, error) {
	var result wire.BulkResults
	if err := c.send(ctx, wire.MethodBulkPut, wire.DocsParams{Docs: docs}, &result); err != nil {
		return nil, err
	}
	return result.ToStore(), nil
}

// Query runs the structural predicate remotely.
func (c *Client) Query(ctx context.Context, q store.Query) ([]*document.Document, error) {
	var result wire.QueryResult
	params := wire.QueryParams{Type: q.Type, Database: q.Database, IncludeDeleted: q.IncludeDeleted}
	if err := c.send(ctx, wire.MethodQuery, params, &result); err != nil {
		return nil, err
	}
	return result.Docs, nil
}

// Remove physically deletes a remote document.
func (c *Client) Remove(ctx context.Context, id string) error {
	return c.send(ctx, wire.MethodRemove, wire.GetParams{ID: id}, nil)
}

// BulkApply ships replicated documents carrying the revisions they were
// written with locally.
func (c *Client) BulkApply(ctx context.Context, docs []*document.Document) ([]store.BulkResult, error) {
	var result wire.BulkResults
	if err := c.send(ctx, wire.MethodBulkApply, wire.DocsParams{Docs: docs}, &result); err != nil {
		return nil, err
	}
	return result.ToStore(), nil
}

// Changes reads the remote feed from since, restricted to filter.
func (c *Client) Changes(ctx context.Context, since uint64, filter []string, limit int) ([]store.Change, uint64, error) {
	var result wire.ChangesResult
	params := wire.ChangesParams{Since: since, Filter: filter, Limit: limit}
	if err := c.send(ctx, wire.MethodChanges, params, &result); err != nil {
		return nil, since, err
	}
	for i := range result.Changes {
		result.Changes[i].Origin = store.OriginReplicated
	}
	return result.Changes, result.Next, nil
}

// Subscribe opens a live change subscription starting after since,
// restricted to filter. A *store.DeniedError is returned when one of the
// filter names is not authorized for this session.
func (c *Client) Subscribe(ctx context.Context, since uint64, filter []string) (store.Subscription, error) {
	stream := uuid.NewString()

	// Register before sending so that changes pushed right after the
	// subscribe response are not dropped.
	sub := newSubscription(c, stream)
	c.subMu.Lock()
	c.subs[stream] = sub
	c.subMu.Unlock()

	var result wire.SubscribeResult
	params := wire.SubscribeParams{Stream: stream, Since: since, Filter: filter}
	if err := c.send(ctx, wire.MethodSubscribe, params, &result); err != nil {
		c.subMu.Lock()
		delete(c.subs, stream)
		c.subMu.Unlock()
		sub.finish(nil)
		return nil, err
	}
	return sub, nil
}
