// Package hive implements the versioned tree of small config/state
// nodes described in spec.md §4.3. Every mutation arrives as a
// nexus.Event; no caller writes to the tree directly. Readers get a
// lock-free, point-in-time consistent view: each Apply swaps in a new
// immutable snapshot rather than mutating shared state in place, the
// same copy-on-write approach the teacher's resource cache used for
// its read-mostly fleet index.
package hive

import "strings"

// Path is a tuple of path segments, e.g. {"registry", "mynet",
// "worker-1"}. Paths are compared and stored by their joined form so
// a Path and its string form are always interchangeable.
type Path []string

const sep = "\x1f" // unit separator: never appears in a legal segment

// String joins the path into the flat key used for in-memory map
// lookups and as the key of a Snapshot.
func (p Path) String() string {
	return strings.Join(p, sep)
}

// Join appends segments to a copy of p.
func (p Path) Join(segments ...string) Path {
	out := make(Path, 0, len(p)+len(segments))
	out = append(out, p...)
	out = append(out, segments...)
	return out
}

// HasPrefix reports whether p starts with prefix.
func (p Path) HasPrefix(prefix Path) bool {
	if len(prefix) > len(p) {
		return false
	}
	for i, seg := range prefix {
		if p[i] != seg {
			return false
		}
	}
	return true
}

// ParsePath splits a flat key back into a Path.
func ParsePath(flat string) Path {
	if flat == "" {
		return nil
	}
	return Path(strings.Split(flat, sep))
}
