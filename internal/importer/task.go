package importer

import (
	"context"
	"errors"
	"fmt"

	"github.com/thiblahute/bztophill/internal/phid"
	"github.com/thiblahute/bztophill/internal/store"
	"github.com/thiblahute/bztophill/internal/types"
)

// importTask creates or updates one task and reports whether it was newly
// created. Pre-existing tasks still get owner/description/title diffs
// recomputed and applied, so re-running against a drifted destination
// converges instead of duplicating.
func (imp *Importer) importTask(ctx context.Context, rec *types.TaskRecord) (bool, error) {
	imp.log.Debug("task: begin")

	user, err := imp.lookupUser(ctx, rec.Creator)
	if err != nil {
		return false, err
	}

	pid := phid.ForTask(rec.ID)
	task, err := imp.tasks.FindTaskByPHID(ctx, pid)
	switch {
	case err == nil:
		imp.log.Debugf("task: %s: already imported %q", pid, rec.ID)
	case errors.Is(err, store.ErrNotFound):
		task = nil
	default:
		return false, fmt.Errorf("task %q: lookup: %w", rec.ID, err)
	}

	date, err := types.ParseDate(rec.CreationDate)
	if err != nil {
		return false, fmt.Errorf("task %q: %w", rec.ID, err)
	}

	description := imp.rw.Rewrite(rec.Description)
	description = fmt.Sprintf("%s\n\nImported from %s", description, rec.URL)

	isNew := task == nil
	var xacts []*store.Xact
	if isNew {
		imp.log.Infof("task: %s: creating %q", pid, rec.Title)
		task = &store.Task{
			PHID:        pid,
			AuthorPHID:  user.PHID,
			Description: description,
			Status:      string(types.StatusOpen),
			DateCreated: date,
		}
		if err := imp.tasks.CreateTask(ctx, task); err != nil {
			return false, fmt.Errorf("task %q: creating: %w", rec.ID, err)
		}
		xacts = append(xacts, &store.Xact{
			Type:  store.XactSubscribers,
			Value: &store.EdgeSet{Set: []string{user.PHID}, Replace: true},
			Date:  date,
		})
	}

	// Field diffs apply to both new and found tasks; only what actually
	// changed produces a transaction.
	title := imp.rw.Rewrite(rec.Title)
	if user.PHID != task.OwnerPHID {
		xacts = append(xacts, &store.Xact{Type: store.XactOwner, Value: user.PHID, Date: date})
	}
	if task.Description != description {
		xacts = append(xacts, &store.Xact{Type: store.XactDescription, Value: description, Date: date})
	}
	if task.Title != title {
		xacts = append(xacts, &store.Xact{Type: store.XactTitle, Value: title, Date: date})
	}

	if len(xacts) > 0 {
		imp.log.Infof("transaction: %s: initial title and subscribers", task.PHID)
		if err := imp.tasks.ApplyTaskTransactions(ctx, task, user, xacts); err != nil {
			return false, fmt.Errorf("task %q: applying transactions: %w", rec.ID, err)
		}
		imp.res.XactsApplied += len(xacts)
	}
	if err := imp.tasks.PersistTask(ctx, task); err != nil {
		return false, fmt.Errorf("task %q: persisting: %w", rec.ID, err)
	}

	imp.taskByID[rec.ID] = task
	imp.rw.Add(rec.ID, task.Monogram)
	if isNew {
		imp.res.TasksCreated++
	} else {
		imp.res.TasksUpdated++
	}
	imp.log.Infof("task: %s: imported %q as %s", task.PHID, rec.Title, task.Monogram)
	return isNew, nil
}

// replayHistory replays a task's journal in document order. Each entry
// applies as its own destination transaction batch so later entries observe
// earlier effects (a description may reference an attachment uploaded two
// entries earlier). A nil build result is a skip sentinel, not an error;
// anything else that fails aborts the run.
func (imp *Importer) replayHistory(ctx context.Context, task *store.Task, rec *types.TaskRecord, isNew bool) error {
	count := len(rec.Transactions)
	for idx, j := range rec.Transactions {
		imp.log.Infof("task: %s: transaction begin %d of %d", task.PHID, idx+1, count)

		actor, err := imp.lookupUser(ctx, j.Actor)
		if err != nil {
			return fmt.Errorf("task %q: transaction %d: %w", rec.ID, idx+1, err)
		}
		xact, err := imp.buildTaskXact(ctx, task, rec, j, isNew)
		if err != nil {
			return fmt.Errorf("task %q: transaction %d: %w", rec.ID, idx+1, err)
		}
		if xact == nil {
			imp.res.XactsSkipped++
			continue
		}
		if err := imp.tasks.ApplyTaskTransactions(ctx, task, actor, []*store.Xact{xact}); err != nil {
			return fmt.Errorf("task %q: transaction %d: applying: %w", rec.ID, idx+1, err)
		}
		imp.res.XactsApplied++
		imp.log.Infof("task: %s: transaction done", task.PHID)
	}
	return imp.tasks.PersistTask(ctx, task)
}
