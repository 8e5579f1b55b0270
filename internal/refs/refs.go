// Package refs rewrites source-tracker task references embedded in free
// text into destination monograms.
//
// A task imported from external id "123" is reachable as, say, "T45" in the
// destination. Descriptions and comments in the export refer to other tasks
// by their external id; once the referenced task exists in the current run,
// every whole-word occurrence of its external id is rewritten to the
// monogram so the references stay live after migration.
package refs

import (
	"regexp"
	"sort"
)

type entry struct {
	externalID string
	monogram   string
	re         *regexp.Regexp
}

// Rewriter accumulates externalID -> monogram pairs as entities are
// imported. Rewrite is a pure function of the current table and the input
// text. Not safe for concurrent use; the import pipeline is single-threaded.
type Rewriter struct {
	entries []entry
}

// New returns an empty Rewriter.
func New() *Rewriter {
	return &Rewriter{}
}

// Add registers a task's external id and its destination monogram.
// Matching is whole-word: id "12" never matches inside "1123".
func (rw *Rewriter) Add(externalID, monogram string) {
	re := regexp.MustCompile(`\b` + regexp.QuoteMeta(externalID) + `\b`)
	rw.entries = append(rw.entries, entry{externalID: externalID, monogram: monogram, re: re})
	// Longer ids rewrite first so that "70" wins over "7" when one id is a
	// prefix of another.
	sort.SliceStable(rw.entries, func(i, j int) bool {
		return len(rw.entries[i].externalID) > len(rw.entries[j].externalID)
	})
}

// Len reports how many ids are registered.
func (rw *Rewriter) Len() int {
	return len(rw.entries)
}

// Rewrite replaces every whole-word occurrence of a registered external id
// with its monogram. Empty input is returned unchanged.
func (rw *Rewriter) Rewrite(text string) string {
	if text == "" {
		return text
	}
	for _, e := range rw.entries {
		text = e.re.ReplaceAllLiteralString(text, e.monogram)
	}
	return text
}
