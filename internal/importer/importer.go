// Package importer implements the bztophill migration engine: an
// idempotent, order-sensitive import of projects and tasks (with full
// journaled history) from a JSON tracker export into a Phabricator-style
// destination.
//
// The engine is strictly single-threaded. Processing order is fixed:
// projects first, then a task creation/update pass, then a per-task history
// replay pass. The split exists so that free-text references between tasks
// can be rewritten to destination monograms: a task created earlier in the
// run is referenceable by every later description and comment. Forward
// references within the task set are not supported.
package importer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/sirupsen/logrus"
	"github.com/thiblahute/bztophill/internal/natsort"
	"github.com/thiblahute/bztophill/internal/refs"
	"github.com/thiblahute/bztophill/internal/store"
	"github.com/thiblahute/bztophill/internal/types"
)

// Engine errors. Every one of these is fatal for the run: the engine never
// guesses its way past a malformed or half-imported record.
var (
	// ErrUnknownTransactionType reports a journal entry outside the closed
	// transaction type set.
	ErrUnknownTransactionType = errors.New("unknown transaction type")
	// ErrInvalidStatus reports a status value outside the destination's
	// status set.
	ErrInvalidStatus = errors.New("invalid status")
	// ErrContainment reports an attachment path that resolves outside the
	// import document's directory.
	ErrContainment = errors.New("attachment path escapes import directory")
	// ErrUnknownProject reports a projects delta naming an external id the
	// run has not imported.
	ErrUnknownProject = errors.New("unknown project reference")
)

// CommitPolicy selects the durability mode for one run.
type CommitPolicy string

// The three commit policies.
const (
	// PolicyGlobal wraps the whole run in one destination transaction:
	// everything commits, or nothing does.
	PolicyGlobal CommitPolicy = "global"
	// PolicyItem commits each entity's writes as they are produced;
	// a mid-run failure leaves earlier entities committed.
	PolicyItem CommitPolicy = "item"
	// PolicyRollback runs everything and unconditionally discards it:
	// a dry run for validating a document against a live destination.
	PolicyRollback CommitPolicy = "rollback"
)

// ParseCommitPolicy validates a policy name from the command line.
func ParseCommitPolicy(s string) (CommitPolicy, error) {
	switch CommitPolicy(s) {
	case PolicyGlobal, PolicyItem, PolicyRollback:
		return CommitPolicy(s), nil
	}
	return "", fmt.Errorf("unknown transaction level %q: valid ones are 'global', 'item' and 'rollback'", s)
}

// Config wires an Importer to its collaborators.
type Config struct {
	Log *logrus.Logger

	Users    store.UserDirectory
	Projects store.ProjectStore
	Tasks    store.TaskStore
	Files    store.FileStore
	Policy   store.PermissionChecker
	Tx       store.Transactor

	// BaseDir is the directory of the import document. Attachment paths
	// resolve relative to it and must stay inside it.
	BaseDir string

	CommitLevel CommitPolicy
}

// Result is the accounting for one run.
type Result struct {
	ProjectsCreated int
	ProjectsFound   int
	TasksCreated    int
	TasksUpdated    int
	XactsApplied    int
	XactsSkipped    int
	FilesIngested   int
}

// Importer drives one import run. Not safe for concurrent use; the
// projects and tasks maps are the only cross-entity mutable state and are
// written monotonically by the single control flow.
type Importer struct {
	log *logrus.Logger

	users    store.UserDirectory
	projects store.ProjectStore
	tasks    store.TaskStore
	files    store.FileStore
	policy   store.PermissionChecker
	tx       store.Transactor

	baseDir     string
	commitLevel CommitPolicy

	rw *refs.Rewriter

	// external id -> destination handle, populated as entities import.
	projectByID map[string]*store.Project
	taskByID    map[string]*store.Task

	res Result
}

// New constructs an Importer from a Config.
func New(cfg Config) (*Importer, error) {
	if cfg.Log == nil {
		return nil, fmt.Errorf("importer: logger is required")
	}
	if cfg.Users == nil || cfg.Projects == nil || cfg.Tasks == nil || cfg.Files == nil || cfg.Policy == nil {
		return nil, fmt.Errorf("importer: all collaborator stores are required")
	}
	if cfg.CommitLevel == "" {
		cfg.CommitLevel = PolicyGlobal
	}
	if cfg.CommitLevel != PolicyItem && cfg.Tx == nil {
		return nil, fmt.Errorf("importer: commit level %q needs a transactor", cfg.CommitLevel)
	}
	baseDir, err := filepath.Abs(cfg.BaseDir)
	if err != nil {
		return nil, fmt.Errorf("importer: resolving base directory: %w", err)
	}
	return &Importer{
		log:         cfg.Log,
		users:       cfg.Users,
		projects:    cfg.Projects,
		tasks:       cfg.Tasks,
		files:       cfg.Files,
		policy:      cfg.Policy,
		tx:          cfg.Tx,
		baseDir:     baseDir,
		commitLevel: cfg.CommitLevel,
		rw:          refs.New(),
		projectByID: make(map[string]*store.Project),
		taskByID:    make(map[string]*store.Task),
	}, nil
}

// LoadDocument reads and decodes an import document. Malformed JSON and
// document-level invariant violations are fatal before any writes happen.
// The returned base directory anchors attachment path resolution.
func LoadDocument(path string) (*types.Document, string, error) {
	data, err := os.ReadFile(path) // #nosec G304 - user-provided path is the point
	if err != nil {
		return nil, "", fmt.Errorf("reading %s: %w", path, err)
	}
	var doc types.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, "", fmt.Errorf("decoding json from %s: %w", path, err)
	}
	if err := doc.Validate(); err != nil {
		return nil, "", fmt.Errorf("validating %s: %w", path, err)
	}
	baseDir, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, "", err
	}
	return &doc, baseDir, nil
}

// Run executes the full import under the configured commit policy.
func (imp *Importer) Run(ctx context.Context, doc *types.Document) (*Result, error) {
	imp.log.Debug("process: begin")

	scoped := imp.commitLevel == PolicyGlobal || imp.commitLevel == PolicyRollback
	if scoped {
		imp.log.Debugf("process: prepare commit level %q", imp.commitLevel)
		if err := imp.tx.Begin(ctx); err != nil {
			return nil, fmt.Errorf("opening transaction scope: %w", err)
		}
	}

	err := imp.runPasses(ctx, doc)

	switch {
	case err != nil && scoped:
		imp.log.Debug("process: abort, rolling back")
		if rbErr := imp.tx.Rollback(ctx); rbErr != nil {
			imp.log.Warnf("rollback failed: %v", rbErr)
		}
		return nil, err
	case err != nil:
		return nil, err
	case imp.commitLevel == PolicyGlobal:
		imp.log.Debug("process: commit")
		if err := imp.tx.Commit(ctx); err != nil {
			return nil, fmt.Errorf("committing: %w", err)
		}
	case imp.commitLevel == PolicyRollback:
		imp.log.Debug("process: rollback")
		if err := imp.tx.Rollback(ctx); err != nil {
			return nil, fmt.Errorf("rolling back: %w", err)
		}
	}

	imp.log.Debug("process: end")
	res := imp.res
	return &res, nil
}

// runPasses performs the three ordered passes over the sorted document.
func (imp *Importer) runPasses(ctx context.Context, doc *types.Document) error {
	// Natural id order keeps numeric-looking ids in numeric order. The
	// ordering only fixes iteration; references resolve by lookup.
	projects := sortedProjects(doc.Projects)
	tasks := sortedTasks(doc.Tasks)

	for _, rec := range projects {
		if err := imp.importProject(ctx, rec); err != nil {
			return err
		}
	}

	var created, updated []*types.TaskRecord
	for _, rec := range tasks {
		isNew, err := imp.importTask(ctx, rec)
		if err != nil {
			return err
		}
		if isNew {
			created = append(created, rec)
		} else {
			updated = append(updated, rec)
		}
	}

	// History replays as a separate pass so every task monogram is already
	// known to the rewriter. Newly created tasks replay first.
	for _, rec := range created {
		if err := imp.replayHistory(ctx, imp.taskByID[rec.ID], rec, true); err != nil {
			return err
		}
	}
	for _, rec := range updated {
		if err := imp.replayHistory(ctx, imp.taskByID[rec.ID], rec, false); err != nil {
			return err
		}
	}
	return nil
}

func sortedProjects(in []*types.ProjectRecord) []*types.ProjectRecord {
	out := append([]*types.ProjectRecord(nil), in...)
	sort.SliceStable(out, func(i, j int) bool { return natsort.Less(out[i].ID, out[j].ID) })
	return out
}

func sortedTasks(in []*types.TaskRecord) []*types.TaskRecord {
	out := append([]*types.TaskRecord(nil), in...)
	sort.SliceStable(out, func(i, j int) bool { return natsort.Less(out[i].ID, out[j].ID) })
	return out
}

// lookupUser resolves an external address to a destination user. A miss is
// fatal for the whole run; there is no partial-user fallback.
func (imp *Importer) lookupUser(ctx context.Context, address string) (*store.User, error) {
	u, err := imp.users.LookupByEmail(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("lookup of user <%s> failed: %w", address, err)
	}
	return u, nil
}

// lookupUsers resolves a list of addresses to PHIDs, preserving order.
func (imp *Importer) lookupUsers(ctx context.Context, addresses []string) ([]string, error) {
	phids := make([]string, 0, len(addresses))
	for _, addr := range addresses {
		u, err := imp.lookupUser(ctx, addr)
		if err != nil {
			return nil, err
		}
		phids = append(phids, u.PHID)
	}
	return phids, nil
}

// projectPHIDs maps external project ids to destination PHIDs through the
// table built during the project pass.
func (imp *Importer) projectPHIDs(ids []string) ([]string, error) {
	phids := make([]string, 0, len(ids))
	for _, id := range ids {
		p, ok := imp.projectByID[id]
		if !ok {
			return nil, fmt.Errorf("project %q: %w", id, ErrUnknownProject)
		}
		phids = append(phids, p.PHID)
	}
	return phids, nil
}
