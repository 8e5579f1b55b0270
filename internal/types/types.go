// Package types defines the source document model for a bztophill import:
// the JSON export produced by the Bugzilla-side extraction, with projects,
// tasks and their per-task transaction journals.
package types

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Document is the root of one import file.
type Document struct {
	Projects []*ProjectRecord `json:"projects"`
	Tasks    []*TaskRecord    `json:"tasks"`
}

// ProjectRecord describes one project to import. ID is the stable external
// key from the source tracker and doubles as the idempotency key.
type ProjectRecord struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Creator      string   `json:"creator"`
	CreationDate string   `json:"creationDate"`
	Members      []string `json:"members"`
	Description  string   `json:"description,omitempty"`
	Tracker      string   `json:"tracker,omitempty"`
	URL          string   `json:"url,omitempty"`
}

// TaskRecord describes one task to import, including its full journaled
// history. Transactions must be replayed in document order.
type TaskRecord struct {
	ID           string               `json:"id"`
	Title        string               `json:"title"`
	Description  string               `json:"description,omitempty"`
	Creator      string               `json:"creator"`
	CreationDate string               `json:"creationDate"`
	URL          string               `json:"url,omitempty"`
	Transactions []*TransactionRecord `json:"transactions,omitempty"`
}

// TransactionType identifies one kind of journaled change.
type TransactionType string

// Journal transaction types. This set is closed: anything else in an input
// document aborts the run.
const (
	XOwner       TransactionType = "owner"
	XDescription TransactionType = "description"
	XPriority    TransactionType = "priority"
	XAttachment  TransactionType = "attachment"
	XStatus      TransactionType = "status"
	XProjects    TransactionType = "projects"
	XSubscribers TransactionType = "subscribers"
	XComment     TransactionType = "comment"
)

// IsValid checks if the transaction type is one of the known journal types.
func (t TransactionType) IsValid() bool {
	switch t {
	case XOwner, XDescription, XPriority, XAttachment, XStatus, XProjects, XSubscribers, XComment:
		return true
	}
	return false
}

// Commentish reports whether replaying this type creates a comment-like
// artifact on the task. Commentish transactions are subject to
// duplicate-by-timestamp suppression on re-runs.
func (t TransactionType) Commentish() bool {
	return t == XAttachment || t == XComment
}

// TransactionRecord is one journaled change. Value is type-dependent: a
// scalar for owner/description/priority/status, an edge delta for
// projects/subscribers, an attachment object for attachment.
type TransactionRecord struct {
	Type    TransactionType `json:"type"`
	Actor   string          `json:"actor"`
	Date    string          `json:"date"`
	Value   json.RawMessage `json:"value,omitempty"`
	Comment string          `json:"comment,omitempty"`
}

// StringValue decodes the value as a plain string.
func (r *TransactionRecord) StringValue() (string, error) {
	if len(r.Value) == 0 {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(r.Value, &s); err != nil {
		return "", fmt.Errorf("transaction %q: value is not a string: %w", r.Type, err)
	}
	return s, nil
}

// IntValue decodes the value as an integer, accepting both JSON numbers and
// numeric strings (the source export is not consistent about priorities).
func (r *TransactionRecord) IntValue() (int, error) {
	if len(r.Value) == 0 {
		return 0, nil
	}
	var n int
	if err := json.Unmarshal(r.Value, &n); err == nil {
		return n, nil
	}
	var s string
	if err := json.Unmarshal(r.Value, &s); err != nil {
		return 0, fmt.Errorf("transaction %q: value is not a number: %s", r.Type, string(r.Value))
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("transaction %q: value is not a number: %q", r.Type, s)
	}
	return n, nil
}

// EdgeValue decodes the value as an add/remove/replace delta.
func (r *TransactionRecord) EdgeValue() (*EdgeDelta, error) {
	var d EdgeDelta
	if err := json.Unmarshal(r.Value, &d); err != nil {
		return nil, fmt.Errorf("transaction %q: value is not an edge delta: %w", r.Type, err)
	}
	return &d, nil
}

// AttachmentValue decodes the value as an attachment record.
func (r *TransactionRecord) AttachmentValue() (*AttachmentRecord, error) {
	var a AttachmentRecord
	if err := json.Unmarshal(r.Value, &a); err != nil {
		return nil, fmt.Errorf("transaction %q: value is not an attachment: %w", r.Type, err)
	}
	return &a, nil
}

// EdgeDelta is an add/remove/replace specification for a collection-valued
// field, decoded from the "+"/"-"/"=" keys of the source value. The Has*
// flags record key presence so that an explicitly empty list is
// distinguishable from an absent key.
type EdgeDelta struct {
	Add    []string
	Remove []string
	Set    []string

	HasAdd    bool
	HasRemove bool
	HasSet    bool
}

// UnmarshalJSON decodes the "+"/"-"/"=" keys.
func (d *EdgeDelta) UnmarshalJSON(b []byte) error {
	var raw map[string][]string
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	for key, list := range raw {
		switch key {
		case "+":
			d.Add, d.HasAdd = list, true
		case "-":
			d.Remove, d.HasRemove = list, true
		case "=":
			d.Set, d.HasSet = list, true
		default:
			return fmt.Errorf("edge delta: unknown key %q", key)
		}
	}
	return nil
}

// AttachmentRecord is the value payload of an attachment transaction.
// Data is a path relative to the directory of the import document.
type AttachmentRecord struct {
	Author   string `json:"author"`
	Name     string `json:"name"`
	Data     string `json:"data"`
	Mimetype string `json:"mimetype"`
}

// Status is a destination task status.
type Status string

// The destination's built-in task statuses.
const (
	StatusOpen      Status = "open"
	StatusResolved  Status = "resolved"
	StatusWontfix   Status = "wontfix"
	StatusInvalid   Status = "invalid"
	StatusDuplicate Status = "duplicate"
	StatusSpite     Status = "spite"
)

// IsValid checks if the status value is one of the destination's statuses.
func (s Status) IsValid() bool {
	switch s {
	case StatusOpen, StatusResolved, StatusWontfix, StatusInvalid, StatusDuplicate, StatusSpite:
		return true
	}
	return false
}

// dateLayouts are tried in order when parsing source timestamps.
var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// ParseDate parses a source timestamp string. The export carries a few
// different formats depending on which tracker version produced it.
func ParseDate(s string) (time.Time, error) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable date %q", s)
}

// Validate checks required fields on a project record.
func (p *ProjectRecord) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("project: id is required")
	}
	if p.Name == "" {
		return fmt.Errorf("project %s: name is required", p.ID)
	}
	if p.Creator == "" {
		return fmt.Errorf("project %s: creator is required", p.ID)
	}
	if _, err := ParseDate(p.CreationDate); err != nil {
		return fmt.Errorf("project %s: %w", p.ID, err)
	}
	return nil
}

// Validate checks required fields on a task record and its transactions.
// Transaction values are decoded lazily during replay; only the fields the
// processing order depends on are checked here.
func (t *TaskRecord) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("task: id is required")
	}
	if t.Title == "" {
		return fmt.Errorf("task %s: title is required", t.ID)
	}
	if t.Creator == "" {
		return fmt.Errorf("task %s: creator is required", t.ID)
	}
	if _, err := ParseDate(t.CreationDate); err != nil {
		return fmt.Errorf("task %s: %w", t.ID, err)
	}
	for i, rec := range t.Transactions {
		if rec.Actor == "" {
			return fmt.Errorf("task %s: transaction %d: actor is required", t.ID, i+1)
		}
		if _, err := ParseDate(rec.Date); err != nil {
			return fmt.Errorf("task %s: transaction %d: %w", t.ID, i+1, err)
		}
	}
	return nil
}

// Validate checks document-level invariants: per-record fields plus
// uniqueness of external ids within each collection.
func (d *Document) Validate() error {
	seenProjects := make(map[string]bool, len(d.Projects))
	for _, p := range d.Projects {
		if err := p.Validate(); err != nil {
			return err
		}
		if seenProjects[p.ID] {
			return fmt.Errorf("project %s: duplicate id in document", p.ID)
		}
		seenProjects[p.ID] = true
	}
	seenTasks := make(map[string]bool, len(d.Tasks))
	for _, t := range d.Tasks {
		if err := t.Validate(); err != nil {
			return err
		}
		if seenTasks[t.ID] {
			return fmt.Errorf("task %s: duplicate id in document", t.ID)
		}
		seenTasks[t.ID] = true
	}
	return nil
}
