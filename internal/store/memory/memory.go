// Package memory implements the destination collaborator surfaces with
// plain in-process maps.
//
// It backs the test suite and the CLI's memory backend (a destination-free
// validation run). The Transactor is snapshot-based: Begin deep-copies the
// whole state, Rollback restores it, which gives the rollback commit policy
// exact before/after equality.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/thiblahute/bztophill/internal/store"
)

type xactRow struct {
	Date    time.Time
	Type    store.XactType
	Comment string
}

// Store is an in-memory destination. It implements store.UserDirectory,
// store.ProjectStore, store.TaskStore, store.FileStore,
// store.PermissionChecker and store.Transactor.
type Store struct {
	mu sync.Mutex

	usersByEmail map[string]*store.User
	projects     map[string]*store.Project
	tasks        map[string]*store.Task
	taskHistory  map[string][]xactRow
	files        map[string]*store.File
	fileData     map[string][]byte

	nextTask int
	nextFile int

	denied map[string]map[string]bool

	snap *snapshot
}

type snapshot struct {
	projects    map[string]*store.Project
	tasks       map[string]*store.Task
	taskHistory map[string][]xactRow
	files       map[string]*store.File
	nextTask    int
	nextFile    int
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		usersByEmail: make(map[string]*store.User),
		projects:     make(map[string]*store.Project),
		tasks:        make(map[string]*store.Task),
		taskHistory:  make(map[string][]xactRow),
		files:        make(map[string]*store.File),
		fileData:     make(map[string][]byte),
		denied:       make(map[string]map[string]bool),
	}
}

// AddUser seeds a destination user and returns its handle.
func (s *Store) AddUser(username, email string) *store.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := &store.User{
		PHID:     "PHID-USER-" + username,
		UserName: username,
		Email:    email,
	}
	s.usersByEmail[email] = u
	return u
}

// DenyCapability marks a capability as denied for a user. Everything not
// explicitly denied is granted.
func (s *Store) DenyCapability(userPHID, capability string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.denied[userPHID] == nil {
		s.denied[userPHID] = make(map[string]bool)
	}
	s.denied[userPHID][capability] = true
}

// LookupByEmail implements store.UserDirectory.
func (s *Store) LookupByEmail(_ context.Context, address string) (*store.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.usersByEmail[address]
	if !ok {
		return nil, fmt.Errorf("user <%s>: %w", address, store.ErrNotFound)
	}
	return u, nil
}

// RequireCapability implements store.PermissionChecker.
func (s *Store) RequireCapability(_ context.Context, actor *store.User, capability string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.denied[actor.PHID][capability] {
		return fmt.Errorf("user %s lacks %s: %w", actor.UserName, capability, store.ErrPermissionDenied)
	}
	return nil
}

// FindProjectByPHID implements store.ProjectStore.
func (s *Store) FindProjectByPHID(_ context.Context, pid string) (*store.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[pid]
	if !ok {
		return nil, store.ErrNotFound
	}
	return p, nil
}

// FindProjectByName implements store.ProjectStore.
func (s *Store) FindProjectByName(_ context.Context, name string) (*store.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.projects {
		if p.Name == name {
			return p, nil
		}
	}
	return nil, store.ErrNotFound
}

// CreateProject implements store.ProjectStore.
func (s *Store) CreateProject(_ context.Context, draft *store.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.projects[draft.PHID]; ok {
		return fmt.Errorf("project %s already exists", draft.PHID)
	}
	s.projects[draft.PHID] = draft
	return nil
}

// ApplyProjectTransactions implements store.ProjectStore.
func (s *Store) ApplyProjectTransactions(_ context.Context, project *store.Project, _ *store.User, xacts []*store.Xact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, x := range xacts {
		switch x.Type {
		case store.XactName:
			project.Name = x.Value.(string)
		case store.XactSlugs:
			project.Slugs = append([]string(nil), x.Value.([]string)...)
		case store.XactDescription:
			project.Description = x.Value.(string)
		case store.XactMemberEdge:
			project.MemberPHIDs = applyEdgeSet(project.MemberPHIDs, x.Value.(*store.EdgeSet))
		default:
			return fmt.Errorf("project %s: unsupported transaction type %q", project.PHID, x.Type)
		}
	}
	return nil
}

// PersistProject implements store.ProjectStore. The map already holds the
// live handle, so there is nothing left to flush.
func (s *Store) PersistProject(_ context.Context, _ *store.Project) error {
	return nil
}

// FindTaskByPHID implements store.TaskStore.
func (s *Store) FindTaskByPHID(_ context.Context, pid string) (*store.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[pid]
	if !ok {
		return nil, store.ErrNotFound
	}
	return t, nil
}

// CreateTask implements store.TaskStore. Monograms are assigned from a
// store-wide counter, like the destination's T-numbers.
func (s *Store) CreateTask(_ context.Context, draft *store.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[draft.PHID]; ok {
		return fmt.Errorf("task %s already exists", draft.PHID)
	}
	s.nextTask++
	draft.Monogram = fmt.Sprintf("T%d", s.nextTask)
	s.tasks[draft.PHID] = draft
	return nil
}

// ApplyTaskTransactions implements store.TaskStore.
func (s *Store) ApplyTaskTransactions(_ context.Context, task *store.Task, _ *store.User, xacts []*store.Xact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, x := range xacts {
		switch x.Type {
		case store.XactTitle:
			task.Title = x.Value.(string)
		case store.XactDescription:
			task.Description = x.Value.(string)
		case store.XactPriority:
			task.Priority = x.Value.(int)
		case store.XactOwner:
			task.OwnerPHID = x.Value.(string)
		case store.XactStatus:
			task.Status = x.Value.(string)
		case store.XactProjectEdge:
			task.ProjectPHIDs = applyEdgeSet(task.ProjectPHIDs, x.Value.(*store.EdgeSet))
		case store.XactSubscribers:
			task.SubscriberPHIDs = applyEdgeSet(task.SubscriberPHIDs, x.Value.(*store.EdgeSet))
		case store.XactComment:
			// History row below is the whole effect.
		default:
			return fmt.Errorf("task %s: unsupported transaction type %q", task.PHID, x.Type)
		}
		s.taskHistory[task.PHID] = append(s.taskHistory[task.PHID], xactRow{
			Date:    x.Date,
			Type:    x.Type,
			Comment: x.Comment,
		})
	}
	return nil
}

// PersistTask implements store.TaskStore.
func (s *Store) PersistTask(_ context.Context, _ *store.Task) error {
	return nil
}

// TaskTransactionTimestamps implements store.TaskStore.
func (s *Store) TaskTransactionTimestamps(_ context.Context, task *store.Task) ([]time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.taskHistory[task.PHID]
	out := make([]time.Time, len(rows))
	for i, r := range rows {
		out[i] = r.Date
	}
	return out, nil
}

// Ingest implements store.FileStore.
func (s *Store) Ingest(_ context.Context, data []byte, meta store.FileMetadata) (*store.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextFile++
	f := &store.File{
		PHID:     fmt.Sprintf("PHID-FILE-%d", s.nextFile),
		Monogram: fmt.Sprintf("F%d", s.nextFile),
		Name:     meta.Name,
	}
	s.files[f.PHID] = f
	s.fileData[f.PHID] = append([]byte(nil), data...)
	return f, nil
}

// Begin implements store.Transactor by snapshotting the full state.
func (s *Store) Begin(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snap != nil {
		return fmt.Errorf("transaction already open")
	}
	s.snap = s.copyState()
	return nil
}

// Commit implements store.Transactor.
func (s *Store) Commit(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snap == nil {
		return fmt.Errorf("no open transaction")
	}
	s.snap = nil
	return nil
}

// Rollback implements store.Transactor by restoring the Begin snapshot.
func (s *Store) Rollback(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snap == nil {
		return fmt.Errorf("no open transaction")
	}
	s.projects = s.snap.projects
	s.tasks = s.snap.tasks
	s.taskHistory = s.snap.taskHistory
	s.files = s.snap.files
	s.nextTask = s.snap.nextTask
	s.nextFile = s.snap.nextFile
	s.snap = nil
	return nil
}

func (s *Store) copyState() *snapshot {
	snap := &snapshot{
		projects:    make(map[string]*store.Project, len(s.projects)),
		tasks:       make(map[string]*store.Task, len(s.tasks)),
		taskHistory: make(map[string][]xactRow, len(s.taskHistory)),
		files:       make(map[string]*store.File, len(s.files)),
		nextTask:    s.nextTask,
		nextFile:    s.nextFile,
	}
	for pid, p := range s.projects {
		cp := *p
		cp.Slugs = append([]string(nil), p.Slugs...)
		cp.MemberPHIDs = append([]string(nil), p.MemberPHIDs...)
		snap.projects[pid] = &cp
	}
	for pid, t := range s.tasks {
		ct := *t
		ct.SubscriberPHIDs = append([]string(nil), t.SubscriberPHIDs...)
		ct.ProjectPHIDs = append([]string(nil), t.ProjectPHIDs...)
		snap.tasks[pid] = &ct
	}
	for pid, rows := range s.taskHistory {
		snap.taskHistory[pid] = append([]xactRow(nil), rows...)
	}
	for pid, f := range s.files {
		cf := *f
		snap.files[pid] = &cf
	}
	return snap
}

// ProjectCount reports how many projects the store holds.
func (s *Store) ProjectCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.projects)
}

// TaskCount reports how many tasks the store holds.
func (s *Store) TaskCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// FileCount reports how many files the store holds.
func (s *Store) FileCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.files)
}

// TaskHistoryLen reports how many history rows a task carries.
func (s *Store) TaskHistoryLen(pid string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.taskHistory[pid])
}

// TaskComments returns the comment bodies of a task's comment rows, in
// history order.
func (s *Store) TaskComments(pid string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, r := range s.taskHistory[pid] {
		if r.Type == store.XactComment {
			out = append(out, r.Comment)
		}
	}
	return out
}

func applyEdgeSet(current []string, es *store.EdgeSet) []string {
	if es.Replace {
		return append([]string(nil), es.Set...)
	}
	out := append([]string(nil), current...)
	for _, pid := range es.Add {
		if !containsStr(out, pid) {
			out = append(out, pid)
		}
	}
	if len(es.Remove) > 0 {
		filtered := out[:0]
		for _, pid := range out {
			if !containsStr(es.Remove, pid) {
				filtered = append(filtered, pid)
			}
		}
		out = filtered
	}
	return out
}

func containsStr(s []string, v string) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}
