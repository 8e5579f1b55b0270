package types

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransactionTypeIsValid(t *testing.T) {
	for _, typ := range []TransactionType{
		XOwner, XDescription, XPriority, XAttachment, XStatus, XProjects, XSubscribers, XComment,
	} {
		assert.True(t, typ.IsValid(), "type %q", typ)
	}
	assert.False(t, TransactionType("title").IsValid())
	assert.False(t, TransactionType("").IsValid())
}

func TestCommentish(t *testing.T) {
	assert.True(t, XComment.Commentish())
	assert.True(t, XAttachment.Commentish())
	assert.False(t, XStatus.Commentish())
	assert.False(t, XDescription.Commentish())
}

func TestStatusIsValid(t *testing.T) {
	for _, s := range []Status{StatusOpen, StatusResolved, StatusWontfix, StatusInvalid, StatusDuplicate, StatusSpite} {
		assert.True(t, s.IsValid(), "status %q", s)
	}
	assert.False(t, Status("fixed").IsValid())
}

func TestEdgeDeltaUnmarshal(t *testing.T) {
	var d EdgeDelta
	require.NoError(t, json.Unmarshal([]byte(`{"+":["a","b"],"-":["c"]}`), &d))
	assert.Equal(t, []string{"a", "b"}, d.Add)
	assert.Equal(t, []string{"c"}, d.Remove)
	assert.True(t, d.HasAdd)
	assert.True(t, d.HasRemove)
	assert.False(t, d.HasSet)

	var set EdgeDelta
	require.NoError(t, json.Unmarshal([]byte(`{"=":[]}`), &set))
	assert.True(t, set.HasSet)
	assert.Empty(t, set.Set)

	var bad EdgeDelta
	assert.Error(t, json.Unmarshal([]byte(`{"*":["a"]}`), &bad))
}

func TestTransactionValueAccessors(t *testing.T) {
	rec := &TransactionRecord{Type: XStatus, Value: json.RawMessage(`"resolved"`)}
	s, err := rec.StringValue()
	require.NoError(t, err)
	assert.Equal(t, "resolved", s)

	prio := &TransactionRecord{Type: XPriority, Value: json.RawMessage(`80`)}
	n, err := prio.IntValue()
	require.NoError(t, err)
	assert.Equal(t, 80, n)

	// The export sometimes quotes numbers.
	quoted := &TransactionRecord{Type: XPriority, Value: json.RawMessage(`"25"`)}
	n, err = quoted.IntValue()
	require.NoError(t, err)
	assert.Equal(t, 25, n)

	att := &TransactionRecord{Type: XAttachment, Value: json.RawMessage(
		`{"author":"a@b.c","name":"log.txt","data":"files/log.txt","mimetype":"text/plain"}`)}
	a, err := att.AttachmentValue()
	require.NoError(t, err)
	assert.Equal(t, "log.txt", a.Name)
	assert.Equal(t, "files/log.txt", a.Data)

	_, err = rec.IntValue()
	assert.Error(t, err)
}

func TestParseDate(t *testing.T) {
	for _, in := range []string{
		"2019-04-02T10:30:00Z",
		"2019-04-02 10:30:00",
		"2019-04-02T10:30:00",
		"2019-04-02",
	} {
		_, err := ParseDate(in)
		assert.NoError(t, err, "input %q", in)
	}
	_, err := ParseDate("April 2nd")
	assert.Error(t, err)

	got, err := ParseDate("2019-04-02T10:30:00Z")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2019, 4, 2, 10, 30, 0, 0, time.UTC), got)
}

func TestDocumentValidate(t *testing.T) {
	doc := &Document{
		Projects: []*ProjectRecord{
			{ID: "gnome", Name: "GNOME", Creator: "a@b.c", CreationDate: "2019-01-01"},
		},
		Tasks: []*TaskRecord{
			{ID: "1", Title: "one", Creator: "a@b.c", CreationDate: "2019-01-01"},
			{ID: "2", Title: "two", Creator: "a@b.c", CreationDate: "2019-01-02"},
		},
	}
	require.NoError(t, doc.Validate())

	doc.Tasks = append(doc.Tasks, &TaskRecord{ID: "1", Title: "dup", Creator: "a@b.c", CreationDate: "2019-01-03"})
	assert.ErrorContains(t, doc.Validate(), "duplicate id")
}

func TestDocumentValidateRequiredFields(t *testing.T) {
	tests := []struct {
		name string
		doc  Document
	}{
		{"project without id", Document{Projects: []*ProjectRecord{{Name: "x", Creator: "a@b.c", CreationDate: "2019-01-01"}}}},
		{"project without creator", Document{Projects: []*ProjectRecord{{ID: "p", Name: "x", CreationDate: "2019-01-01"}}}},
		{"task without title", Document{Tasks: []*TaskRecord{{ID: "1", Creator: "a@b.c", CreationDate: "2019-01-01"}}}},
		{"task with bad date", Document{Tasks: []*TaskRecord{{ID: "1", Title: "x", Creator: "a@b.c", CreationDate: "nope"}}}},
		{"transaction without actor", Document{Tasks: []*TaskRecord{{
			ID: "1", Title: "x", Creator: "a@b.c", CreationDate: "2019-01-01",
			Transactions: []*TransactionRecord{{Type: XComment, Date: "2019-01-02"}},
		}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, tt.doc.Validate())
		})
	}
}
