// Package wire defines the CBOR message envelope spoken between the
// remote store client and server: request/response RPC frames multiplexed
// with server-pushed change notifications on one websocket.
package wire

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/classpad/docsync/pkg/document"
	"github.com/classpad/docsync/pkg/store"
)

// RPC methods.
const (
	MethodGet         = "get"
	MethodPut         = "put"
	MethodBulkPut     = "bulk_put"
	MethodQuery       = "query"
	MethodRemove      = "remove"
	MethodBulkApply   = "bulk_apply"
	MethodChanges     = "changes"
	MethodSubscribe   = "subscribe"
	MethodSetFilter   = "set_filter"
	MethodUnsubscribe = "unsubscribe"
)

// Error codes.
const (
	CodeBadRequest = 400
	CodeDenied     = 403
	CodeNotFound   = 404
	CodeConflict   = 409
	CodeInternal   = 500
)

// Message is the single frame type on the wire. A request sets ID, Method
// and Params; the matching response echoes ID and sets Result or Error; a
// server push sets only Notify.
type Message struct {
	ID     string          `cbor:"id,omitempty"`
	Method string          `cbor:"method,omitempty"`
	Params cbor.RawMessage `cbor:"params,omitempty"`
	Result cbor.RawMessage `cbor:"result,omitempty"`
	Error  *Error          `cbor:"error,omitempty"`
	Notify *Notification   `cbor:"notify,omitempty"`
}

// Error is the wire form of the store error taxonomy.
type Error struct {
	Code     int    `cbor:"code"`
	Message  string `cbor:"message,omitempty"`
	Database string `cbor:"database,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("remote error %d: %s", e.Code, e.Message)
}

// Err converts the wire error back into the engine taxonomy.
func (e *Error) Err() error {
	switch e.Code {
	case CodeNotFound:
		return fmt.Errorf("%w: %s", store.ErrNotFound, e.Message)
	case CodeConflict:
		return fmt.Errorf("%w: %s", store.ErrConflict, e.Message)
	case CodeDenied:
		return &store.DeniedError{Database: e.Database}
	default:
		return e
	}
}

// FromErr converts an engine error into its wire form.
func FromErr(err error) *Error {
	if err == nil {
		return nil
	}
	var denied *store.DeniedError
	switch {
	case errors.As(err, &denied):
		return &Error{Code: CodeDenied, Message: err.Error(), Database: denied.Database}
	case errors.Is(err, store.ErrNotFound):
		return &Error{Code: CodeNotFound, Message: err.Error()}
	case errors.Is(err, store.ErrConflict):
		return &Error{Code: CodeConflict, Message: err.Error()}
	case errors.Is(err, document.ErrInvalid):
		return &Error{Code: CodeBadRequest, Message: err.Error()}
	default:
		return &Error{Code: CodeInternal, Message: err.Error()}
	}
}

// Notification is a server-pushed change on a live subscription.
type Notification struct {
	Stream string       `cbor:"stream"`
	Change store.Change `cbor:"change"`
}

type GetParams struct {
	ID string `cbor:"id"`
}

type PutParams struct {
	Doc *document.Document `cbor:"doc"`
}

type PutResult struct {
	Revision string `cbor:"revision"`
}

type DocsParams struct {
	Docs []*document.Document `cbor:"docs"`
}

type QueryParams struct {
	Type           document.Type `cbor:"documentType,omitempty"`
	Database       string        `cbor:"owningDatabase,omitempty"`
	IncludeDeleted bool          `cbor:"includeDeleted,omitempty"`
}

type QueryResult struct {
	Docs []*document.Document `cbor:"docs"`
}

// BulkResult mirrors store.BulkResult with a serializable error.
type BulkResult struct {
	ID       string `cbor:"id"`
	Revision string `cbor:"revision,omitempty"`
	Error    *Error `cbor:"error,omitempty"`
}

type BulkResults struct {
	Results []BulkResult `cbor:"results"`
}

// ToStore converts wire bulk results into the engine form.
func (r BulkResults) ToStore() []store.BulkResult {
	out := make([]store.BulkResult, len(r.Results))
	for i, res := range r.Results {
		out[i] = store.BulkResult{ID: res.ID, Revision: res.Revision}
		if res.Error != nil {
			out[i].Err = res.Error.Err()
		}
	}
	return out
}

// FromStoreResults converts engine bulk results into the wire form.
func FromStoreResults(results []store.BulkResult) BulkResults {
	out := BulkResults{Results: make([]BulkResult, len(results))}
	for i, res := range results {
		out.Results[i] = BulkResult{ID: res.ID, Revision: res.Revision, Error: FromErr(res.Err)}
	}
	return out
}

type ChangesParams struct {
	Since  uint64   `cbor:"since"`
	Filter []string `cbor:"filter,omitempty"`
	Limit  int      `cbor:"limit,omitempty"`
}

type ChangesResult struct {
	Changes []store.Change `cbor:"changes"`
	Next    uint64         `cbor:"next"`
}

type SubscribeParams struct {
	// Stream is chosen by the client so it can route pushed changes
	// that arrive immediately after the subscribe response.
	Stream string   `cbor:"stream"`
	Since  uint64   `cbor:"since"`
	Filter []string `cbor:"filter,omitempty"`
}

type SubscribeResult struct {
	Stream string `cbor:"stream"`
}

type FilterParams struct {
	Stream string   `cbor:"stream"`
	Filter []string `cbor:"filter"`
}

type UnsubscribeParams struct {
	Stream string `cbor:"stream"`
}
