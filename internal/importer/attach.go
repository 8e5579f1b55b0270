package importer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/thiblahute/bztophill/internal/store"
	"github.com/thiblahute/bztophill/internal/types"
)

// ensureFile materializes one attachment in destination file storage and
// returns its handle. Attachment paths are relative to the directory of
// the import document and must stay inside it; a path that resolves
// outside the document directory aborts the run.
func (imp *Importer) ensureFile(ctx context.Context, rec *types.AttachmentRecord) (*store.File, error) {
	author, err := imp.lookupUser(ctx, rec.Author)
	if err != nil {
		return nil, err
	}

	path, err := imp.containedPath(rec.Data)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path) // #nosec G304 - path containment checked above
	if err != nil {
		return nil, fmt.Errorf("attachment %q: %w", rec.Data, err)
	}

	file, err := imp.files.Ingest(ctx, data, store.FileMetadata{
		AuthorPHID:     author.PHID,
		Name:           rec.Name,
		MimeType:       rec.Mimetype,
		ExplicitUpload: true,
	})
	if err != nil {
		return nil, fmt.Errorf("attachment %q: ingesting: %w", rec.Data, err)
	}
	imp.res.FilesIngested++
	imp.log.Debugf("attachment: %s: ingested %q", file.Monogram, rec.Name)
	return file, nil
}

// containedPath resolves a document-relative attachment path and verifies
// it stays inside the document directory, following symlinks, so a crafted
// export cannot read arbitrary files.
func (imp *Importer) containedPath(relative string) (string, error) {
	base, err := filepath.EvalSymlinks(imp.baseDir)
	if err != nil {
		return "", fmt.Errorf("resolving import directory %q: %w", imp.baseDir, err)
	}

	joined := filepath.Join(base, relative)
	resolved, err := filepath.EvalSymlinks(joined)
	if err != nil {
		// A traversal path may fail resolution before the containment
		// check ever sees it; classify it by the cleaned path instead.
		if !within(base, joined) {
			return "", fmt.Errorf("path %q falls outside of %q: %w", relative, base, ErrContainment)
		}
		return "", fmt.Errorf("attachment %q: %w", relative, err)
	}
	if !within(base, resolved) {
		return "", fmt.Errorf("path %q falls outside of %q: %w", relative, base, ErrContainment)
	}
	return resolved, nil
}

func within(base, path string) bool {
	if path == base {
		return true
	}
	return strings.HasPrefix(path, base+string(filepath.Separator))
}
