package importer

import (
	"context"
	"errors"
	"fmt"

	"github.com/thiblahute/bztophill/internal/phid"
	"github.com/thiblahute/bztophill/internal/store"
	"github.com/thiblahute/bztophill/internal/types"
)

// importProject creates one project in the destination, or records the
// handle of an already-imported one. Pre-existing projects are left
// untouched; finding one is the normal idempotent re-run path, not an
// error.
func (imp *Importer) importProject(ctx context.Context, rec *types.ProjectRecord) error {
	imp.log.Debug("project: begin")

	user, err := imp.lookupUser(ctx, rec.Creator)
	if err != nil {
		return err
	}

	pid := phid.ForProject(rec.ID)
	existing, err := imp.lookupProject(ctx, pid, rec.Name)
	if err != nil {
		return err
	}
	if existing != nil {
		imp.projectByID[rec.ID] = existing
		imp.res.ProjectsFound++
		imp.log.Debugf("project: %s: already imported %q", pid, rec.ID)
		return nil
	}

	if err := imp.policy.RequireCapability(ctx, user, store.CapCreateProjects); err != nil {
		return fmt.Errorf("project %q: %w", rec.ID, err)
	}

	date, err := types.ParseDate(rec.CreationDate)
	if err != nil {
		return fmt.Errorf("project %q: %w", rec.ID, err)
	}

	draft := &store.Project{
		PHID:        pid,
		AuthorPHID:  user.PHID,
		DateCreated: date,
	}
	if err := imp.projects.CreateProject(ctx, draft); err != nil {
		return fmt.Errorf("project %q: creating: %w", rec.ID, err)
	}
	imp.log.Infof("project: %s: created %q", pid, rec.ID)

	memberPHIDs, err := imp.lookupUsers(ctx, rec.Members)
	if err != nil {
		return err
	}
	// The creator is a member too, listed first.
	memberPHIDs = append([]string{user.PHID}, memberPHIDs...)

	// The footer marks provenance even when the source had no description.
	description := fmt.Sprintf("%s\n\nImported from the %s instance at %s",
		rec.Description, rec.Tracker, rec.URL)

	xacts := []*store.Xact{
		{Type: store.XactName, Value: rec.Name, Date: date},
		{Type: store.XactSlugs, Value: []string{phid.ProjectSlug(rec.ID), rec.ID}, Date: date},
		{Type: store.XactDescription, Value: description, Date: date},
		{Type: store.XactMemberEdge, Value: &store.EdgeSet{Add: memberPHIDs}, Date: date},
	}
	if err := imp.projects.ApplyProjectTransactions(ctx, draft, user, xacts); err != nil {
		return fmt.Errorf("project %q: applying transactions: %w", rec.ID, err)
	}
	if err := imp.projects.PersistProject(ctx, draft); err != nil {
		return fmt.Errorf("project %q: persisting: %w", rec.ID, err)
	}

	imp.projectByID[rec.ID] = draft
	imp.res.ProjectsCreated++
	imp.res.XactsApplied += len(xacts)
	imp.log.Infof("project: %s: imported %q", pid, rec.Name)
	return nil
}

// lookupProject finds a project by derived id, falling back to a name
// lookup for projects that predate derived-id imports. Returns nil when
// the project is genuinely absent.
func (imp *Importer) lookupProject(ctx context.Context, pid, name string) (*store.Project, error) {
	p, err := imp.projects.FindProjectByPHID(ctx, pid)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("project %s: lookup: %w", pid, err)
	}
	p, err = imp.projects.FindProjectByName(ctx, name)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("project %q: lookup by name: %w", name, err)
	}
	return nil, nil
}
