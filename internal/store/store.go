// Package store defines the destination-side collaborator surfaces the
// import engine writes through.
//
// The concrete implementations live in the memory and mariadb sub-packages.
// The engine never touches a persistence layer directly; it only sees these
// narrow interfaces, so alternative destinations (test doubles, proxies)
// can be substituted.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist in the
// destination. For lookups by derived id this is the normal "not imported
// yet" answer; for user lookups it is fatal for the run.
var ErrNotFound = errors.New("not found")

// ErrPermissionDenied is returned when a capability check fails.
var ErrPermissionDenied = errors.New("permission denied")

// CapCreateProjects gates project creation in the destination.
const CapCreateProjects = "projects.create"

// User is a destination user handle.
type User struct {
	PHID     string
	UserName string
	Email    string
}

// Project is a destination project handle. Stores mutate the handle in
// place when transactions are applied so the caller always observes the
// current state.
type Project struct {
	PHID        string
	Name        string
	Slugs       []string
	Description string
	AuthorPHID  string
	DateCreated time.Time
	MemberPHIDs []string
}

// Task is a destination task handle. Monogram is the display identifier
// (e.g. "T42") assigned at creation and used for reference rewriting.
type Task struct {
	PHID            string
	Monogram        string
	Title           string
	Description     string
	Priority        int
	Status          string
	AuthorPHID      string
	OwnerPHID       string
	DateCreated     time.Time
	SubscriberPHIDs []string
	ProjectPHIDs    []string
}

// File is a destination file handle.
type File struct {
	PHID     string
	Monogram string
	Name     string
}

// FileMetadata accompanies ingested file bytes.
type FileMetadata struct {
	AuthorPHID     string
	Name           string
	MimeType       string
	ExplicitUpload bool
}

// XactType identifies one kind of structured change operation.
type XactType string

// Change operation types the stores know how to apply.
const (
	XactName        XactType = "name"
	XactSlugs       XactType = "slugs"
	XactDescription XactType = "description"
	XactTitle       XactType = "title"
	XactPriority    XactType = "priority"
	XactOwner       XactType = "owner"
	XactStatus      XactType = "status"
	XactMemberEdge  XactType = "member-edge"
	XactProjectEdge XactType = "project-edge"
	XactSubscribers XactType = "subscribers"
	XactComment     XactType = "comment"
)

// EdgeSet is a resolved add/remove/replace delta over destination PHIDs.
// When Replace is true, Set is authoritative and Add/Remove are ignored.
type EdgeSet struct {
	Add     []string
	Remove  []string
	Set     []string
	Replace bool
}

// Xact is one structured change operation against a project or task.
// Value holds a string for name/slugs(joined)/description/title/owner/
// status, an int for priority, and an *EdgeSet for the edge types. An
// optional Comment rides along and is recorded as part of the same history
// entry.
type Xact struct {
	Type    XactType
	Value   interface{}
	Date    time.Time
	Comment string
}

// UserDirectory resolves external actor addresses to destination users.
type UserDirectory interface {
	// LookupByEmail returns ErrNotFound if no user carries the address.
	LookupByEmail(ctx context.Context, address string) (*User, error)
}

// ProjectStore is the destination project repository.
type ProjectStore interface {
	// FindProjectByPHID returns ErrNotFound when the project is absent.
	FindProjectByPHID(ctx context.Context, pid string) (*Project, error)
	// FindProjectByName is the fallback lookup for projects that predate
	// derived-id imports. Returns ErrNotFound when absent.
	FindProjectByName(ctx context.Context, name string) (*Project, error)
	// CreateProject persists a draft project. The handle is updated in place.
	CreateProject(ctx context.Context, draft *Project) error
	// ApplyProjectTransactions applies a batch of change operations as
	// actor, mutating the handle and persisting the effects.
	ApplyProjectTransactions(ctx context.Context, project *Project, actor *User, xacts []*Xact) error
	// PersistProject flushes the entity after a batch of work.
	PersistProject(ctx context.Context, project *Project) error
}

// TaskStore is the destination task repository.
type TaskStore interface {
	FindTaskByPHID(ctx context.Context, pid string) (*Task, error)
	CreateTask(ctx context.Context, draft *Task) error
	ApplyTaskTransactions(ctx context.Context, task *Task, actor *User, xacts []*Xact) error
	PersistTask(ctx context.Context, task *Task) error
	// TaskTransactionTimestamps lists the creation timestamps of every
	// history entry already recorded on the task. Used to suppress
	// replaying comment-like transactions a previous run already applied.
	TaskTransactionTimestamps(ctx context.Context, task *Task) ([]time.Time, error)
}

// FileStore ingests attachment bytes into destination file storage.
type FileStore interface {
	Ingest(ctx context.Context, data []byte, meta FileMetadata) (*File, error)
}

// PermissionChecker enforces destination policy.
type PermissionChecker interface {
	// RequireCapability returns ErrPermissionDenied (wrapped) if actor does
	// not hold the capability.
	RequireCapability(ctx context.Context, actor *User, capability string) error
}

// Transactor is the outer write-transaction scope over a destination
// backend. The global commit policy runs the whole import inside one
// Begin/Commit pair; rollback runs Begin/Rollback; item mode never opens
// the scope at all.
type Transactor interface {
	Begin(ctx context.Context) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}
