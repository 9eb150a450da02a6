package document_test

import (
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/classpad/docsync/pkg/document"
)

func TestConstructorsValidate(t *testing.T) {
	activity, err := document.NewActivity("activity_42", "activity_42", "Geometry")
	require.NoError(t, err)
	assert.Equal(t, document.TypeActivity, activity.Type)

	_, err = document.NewActivity("", "activity_42", "Geometry")
	assert.ErrorIs(t, err, document.ErrInvalid)

	_, err = document.NewResource("resource_foo", "", "Worksheet", "https://example.com/w.pdf")
	assert.ErrorIs(t, err, document.ErrInvalid)

	bad := &document.Document{ID: "x", Type: document.Type("Widget"), Database: "d"}
	assert.ErrorIs(t, bad.Validate(), document.ErrInvalid)
}

func TestTypeReferenced(t *testing.T) {
	assert.True(t, document.TypeResource.Referenced())
	assert.True(t, document.TypeApplication.Referenced())
	assert.False(t, document.TypeActivity.Referenced())
	assert.False(t, document.TypeUser.Referenced())
}

func TestCloneIsDeep(t *testing.T) {
	doc, err := document.NewActivity("activity_1", "activity_1", "Reading")
	require.NoError(t, err)
	doc.ResourceList = []string{"resource_a"}
	doc.State = map[string]any{"page": 1}

	clone := doc.Clone()
	clone.ResourceList[0] = "resource_b"
	clone.State["page"] = 2

	assert.Equal(t, "resource_a", doc.ResourceList[0])
	assert.Equal(t, 1, doc.State["page"])
}

func TestRevisionTokensAreOrdered(t *testing.T) {
	prev := ""
	for i := 0; i < 1000; i++ {
		rev := document.NewRevision()
		require.Greater(t, document.CompareRevisions(rev, prev), 0,
			"revision %q should sort after %q", rev, prev)
		prev = rev
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	doc, err := document.NewApplication("app_1", "activity_42", "Quiz", "quiz")
	require.NoError(t, err)
	doc.Revision = document.NewRevision()
	doc.Deleted = true

	raw, err := cbor.Marshal(doc)
	require.NoError(t, err)

	var decoded document.Document
	require.NoError(t, cbor.Unmarshal(raw, &decoded))
	assert.Equal(t, doc.ID, decoded.ID)
	assert.Equal(t, doc.Revision, decoded.Revision)
	assert.Equal(t, doc.Type, decoded.Type)
	assert.Equal(t, doc.Database, decoded.Database)
	assert.True(t, decoded.Deleted)
}
