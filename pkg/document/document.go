// Package document defines the document envelope shared by the local
// store, the remote store handle and the replication layer.
//
// Every document carries the same envelope (id, revision, type, owning
// database, tombstone flag) plus the fields of its variant. The set of
// variants is closed: Activity, Resource, Application and User. Construct
// documents through the typed constructors so that the envelope is
// validated up front.
package document

import (
	"errors"
	"fmt"
)

// Type discriminates the document variants.
type Type string

const (
	TypeActivity    Type = "Activity"
	TypeResource    Type = "Resource"
	TypeApplication Type = "Application"
	TypeUser        Type = "User"
)

// ErrInvalid is returned when a document fails envelope validation.
var ErrInvalid = errors.New("invalid document")

// Valid reports whether t is a known document type.
func (t Type) Valid() bool {
	switch t {
	case TypeActivity, TypeResource, TypeApplication, TypeUser:
		return true
	}
	return false
}

// Referenced reports whether documents of this type may be referenced
// from activity id lists. Removal of a referenced type cascades through
// those lists before tombstoning instead of deleting outright.
func (t Type) Referenced() bool {
	return t == TypeResource || t == TypeApplication
}

// Document is the envelope plus the union of the variant fields. Variant
// fields not belonging to the document's type are left at their zero
// value and omitted from the encoded form.
type Document struct {
	ID       string `cbor:"id" json:"id"`
	Revision string `cbor:"revision,omitempty" json:"revision,omitempty"`
	Type     Type   `cbor:"documentType" json:"documentType"`
	Database string `cbor:"owningDatabase" json:"owningDatabase"`
	Deleted  bool   `cbor:"deleted,omitempty" json:"deleted,omitempty"`

	Name        string `cbor:"name,omitempty" json:"name,omitempty"`
	Description string `cbor:"description,omitempty" json:"description,omitempty"`

	// Activity reference lists. These ordered lists are the only
	// referential structure between documents.
	ResourceList    []string `cbor:"resourceList,omitempty" json:"resourceList,omitempty"`
	ApplicationList []string `cbor:"applicationList,omitempty" json:"applicationList,omitempty"`
	Participants    []string `cbor:"participants,omitempty" json:"participants,omitempty"`

	// Resource fields.
	URL  string `cbor:"url,omitempty" json:"url,omitempty"`
	Kind string `cbor:"kind,omitempty" json:"kind,omitempty"`

	// Application fields. State is shared payload mutated concurrently
	// by participants.
	AppType string         `cbor:"appType,omitempty" json:"appType,omitempty"`
	State   map[string]any `cbor:"state,omitempty" json:"state,omitempty"`

	// User fields.
	Role string `cbor:"role,omitempty" json:"role,omitempty"`

	// UserList is only set on the global user list document.
	UserList []string `cbor:"userList,omitempty" json:"userList,omitempty"`
}

// Validate checks the envelope invariants.
func (d *Document) Validate() error {
	if d == nil {
		return fmt.Errorf("%w: nil document", ErrInvalid)
	}
	if d.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalid)
	}
	if !d.Type.Valid() {
		return fmt.Errorf("%w: unknown document type %q", ErrInvalid, d.Type)
	}
	if d.Database == "" {
		return fmt.Errorf("%w: missing owning database for %q", ErrInvalid, d.ID)
	}
	return nil
}

// Clone returns a deep copy so that callers and the store never share
// mutable state.
func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}
	out := *d
	out.ResourceList = cloneStrings(d.ResourceList)
	out.ApplicationList = cloneStrings(d.ApplicationList)
	out.Participants = cloneStrings(d.Participants)
	out.UserList = cloneStrings(d.UserList)
	if d.State != nil {
		out.State = make(map[string]any, len(d.State))
		for k, v := range d.State {
			out.State[k] = v
		}
	}
	return &out
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

// NewActivity builds a validated Activity document.
func NewActivity(id, database, name string) (*Document, error) {
	doc := &Document{ID: id, Type: TypeActivity, Database: database, Name: name}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return doc, nil
}

// NewResource builds a validated Resource document.
func NewResource(id, database, name, url string) (*Document, error) {
	doc := &Document{ID: id, Type: TypeResource, Database: database, Name: name, URL: url}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return doc, nil
}

// NewApplication builds a validated Application document.
func NewApplication(id, database, name, appType string) (*Document, error) {
	doc := &Document{ID: id, Type: TypeApplication, Database: database, Name: name, AppType: appType}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return doc, nil
}

// NewUser builds a validated User document.
func NewUser(id, database, name, role string) (*Document, error) {
	doc := &Document{ID: id, Type: TypeUser, Database: database, Name: name, Role: role}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return doc, nil
}
