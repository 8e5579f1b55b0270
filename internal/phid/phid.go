// Package phid derives destination identifiers for imported entities.
//
// Identifiers are deterministic functions of the source tracker's stable
// external id, so re-running an import finds the entities created by the
// previous run instead of minting duplicates.
package phid

import "strings"

// Namespace prefixes for externally-originated entities. The "ext" marker
// keeps them out of the destination's native id space.
const (
	projectPrefix = "PHID-PROJ-ext-"
	taskPrefix    = "PHID-TASK-ext-"
)

// ForProject derives the destination id for a project external id.
// Same input, same output, across runs.
func ForProject(externalID string) string {
	return projectPrefix + externalID
}

// ForTask derives the destination id for a task external id.
func ForTask(externalID string) string {
	return taskPrefix + externalID
}

// IsImported reports whether a destination id was derived by this package.
func IsImported(destinationID string) bool {
	return strings.HasPrefix(destinationID, projectPrefix) ||
		strings.HasPrefix(destinationID, taskPrefix)
}

// ProjectSlug derives the primary hashtag slug for an imported project.
// The raw external id is registered as an additional slug so references
// like #GNOME-123 keep working after the import.
func ProjectSlug(externalID string) string {
	return strings.ToLower(externalID)
}
