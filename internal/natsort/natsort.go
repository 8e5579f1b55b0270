// Package natsort implements natural string ordering: embedded runs of
// digits compare as numbers, everything else compares bytewise. Under this
// ordering "2" sorts before "10", which plain lexicographic ordering gets
// wrong for the numeric-looking ids most tracker exports carry.
package natsort

import "sort"

// Compare returns -1, 0 or 1 ordering a against b naturally.
func Compare(a, b string) int {
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		ca, cb := a[i], b[j]
		if isDigit(ca) && isDigit(cb) {
			// Compare the full digit runs as numbers.
			ia, na := digitRun(a, i)
			jb, nb := digitRun(b, j)
			if c := compareRuns(na, nb); c != 0 {
				return c
			}
			i, j = ia, jb
			continue
		}
		if ca != cb {
			if ca < cb {
				return -1
			}
			return 1
		}
		i++
		j++
	}
	switch {
	case i < len(a):
		return 1
	case j < len(b):
		return -1
	}
	return 0
}

// Less reports whether a orders before b.
func Less(a, b string) bool {
	return Compare(a, b) < 0
}

// Strings sorts a slice in natural order, in place.
func Strings(s []string) {
	sort.Slice(s, func(i, j int) bool { return Less(s[i], s[j]) })
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

// digitRun returns the index past the run starting at i and the run itself.
func digitRun(s string, i int) (int, string) {
	start := i
	for i < len(s) && isDigit(s[i]) {
		i++
	}
	return i, s[start:i]
}

// compareRuns compares two digit runs numerically. Leading zeros are
// stripped first; if the values tie, the longer original run (more leading
// zeros) orders first so the ordering stays total and stable.
func compareRuns(a, b string) int {
	ta, tb := trimZeros(a), trimZeros(b)
	if len(ta) != len(tb) {
		if len(ta) < len(tb) {
			return -1
		}
		return 1
	}
	if ta != tb {
		if ta < tb {
			return -1
		}
		return 1
	}
	if len(a) != len(b) {
		if len(a) > len(b) {
			return -1
		}
		return 1
	}
	return 0
}

func trimZeros(s string) string {
	for len(s) > 1 && s[0] == '0' {
		s = s[1:]
	}
	return s
}
