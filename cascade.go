package docsync

import (
	"context"
	"fmt"

	"github.com/classpad/docsync/pkg/document"
	"github.com/classpad/docsync/pkg/store"
)

// Remove deletes a document. Resources and Applications may be
// referenced from activity id lists, so their removal cascades first:
// every Activity in the same owning database drops the id from its
// reference lists, then the target is tombstoned so the deletion
// replicates. Types without referential obligations are removed
// physically.
//
// The cascade is best-effort: a concurrently edited Activity can reject
// its write, which is returned in its BulkResult and left behind as a
// dangling reference. Readers resolve references through Get and treat
// ErrNotFound and tombstones as "reference no longer available", so a
// dangling id is a transient blemish, not corruption; the next write to
// that Activity carries the repair.
func (e *Engine) Remove(ctx context.Context, id string) ([]store.BulkResult, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}

	doc, err := e.local.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("removing document %q: %w", id, err)
	}

	if !doc.Type.Referenced() {
		return nil, e.local.Remove(ctx, id)
	}

	results, err := e.cascade(ctx, doc)
	if err != nil {
		return results, err
	}

	if _, err := e.UpdateDocument(ctx, id, func(d *document.Document) error {
		d.Deleted = true
		return nil
	}); err != nil {
		return results, fmt.Errorf("tombstoning document %q: %w", id, err)
	}
	return results, nil
}

// cascade strips doc's id from the reference lists of every Activity in
// the same owning database.
func (e *Engine) cascade(ctx context.Context, doc *document.Document) ([]store.BulkResult, error) {
	activities, err := e.local.Query(ctx, store.Query{
		Type:     document.TypeActivity,
		Database: doc.Database,
	})
	if err != nil {
		return nil, fmt.Errorf("querying activities referencing %q: %w", doc.ID, err)
	}

	var mutated []*document.Document
	for _, activity := range activities {
		changed := false
		switch doc.Type {
		case document.TypeResource:
			activity.ResourceList, changed = removeID(activity.ResourceList, doc.ID)
		case document.TypeApplication:
			activity.ApplicationList, changed = removeID(activity.ApplicationList, doc.ID)
		}
		if changed {
			mutated = append(mutated, activity)
		}
	}
	if len(mutated) == 0 {
		return nil, nil
	}

	results, err := e.local.BulkPut(ctx, mutated)
	if err != nil {
		return results, fmt.Errorf("cascading removal of %q: %w", doc.ID, err)
	}
	for _, res := range results {
		if res.Err != nil {
			e.log.Warn("cascade left a dangling reference",
				"removed", doc.ID, "activity", res.ID, "error", res.Err)
		}
	}
	return results, nil
}

// RemoveDatabase tombstones every active document belonging to a logical
// database, used when an activity's workspace is torn down. Each
// document goes through the conflict-safe update protocol so a
// concurrent edit cannot resurrect it mid-removal. Outcomes are reported
// per element; a failed element never blocks the rest.
func (e *Engine) RemoveDatabase(ctx context.Context, name string) ([]store.BulkResult, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}

	docs, err := e.local.Query(ctx, store.Query{Database: name})
	if err != nil {
		return nil, fmt.Errorf("removing database %q: %w", name, err)
	}

	results := make([]store.BulkResult, 0, len(docs))
	for _, doc := range docs {
		updated, err := e.UpdateDocument(ctx, doc.ID, func(d *document.Document) error {
			d.Deleted = true
			return nil
		})
		res := store.BulkResult{ID: doc.ID, Err: err}
		if err == nil {
			res.Revision = updated.Revision
		} else {
			e.log.Warn("database removal left a document behind",
				"database", name, "id", doc.ID, "error", err)
		}
		results = append(results, res)
	}
	return results, nil
}

// removeID strips every occurrence of id, preserving order.
func removeID(list []string, id string) ([]string, bool) {
	out := list[:0]
	changed := false
	for _, v := range list {
		if v == id {
			changed = true
			continue
		}
		out = append(out, v)
	}
	if !changed {
		return list, false
	}
	return out, true
}
