// Package mpath encodes and inspects materialized paths: a node's full
// lineage as dot-separated ancestor labels terminating in its own label,
// e.g. "world.asia.japan". All prefix tests operate on segment boundaries,
// never raw string prefixes, so "asia" can never match "asian".
package mpath

import (
	"fmt"
	"hash/fnv"
	"strings"
)

// Separator joins path segments. Labels must not contain it.
const Separator = "."

// MalformedPathError reports a path or label that violates the encoding
// rules. It is a caller/data error: surfaced immediately, never retried.
type MalformedPathError struct {
	Path   string
	Reason string
}

func (e *MalformedPathError) Error() string {
	return fmt.Sprintf("malformed path %q: %s", e.Path, e.Reason)
}

// Encode builds a materialized path from ordered ancestor labels (root
// first) and the entity's own label.
func Encode(ancestors []string, own string) (string, error) {
	segs := make([]string, 0, len(ancestors)+1)
	segs = append(segs, ancestors...)
	segs = append(segs, own)
	for _, s := range segs {
		if s == "" {
			return "", &MalformedPathError{Path: strings.Join(segs, Separator), Reason: "empty label"}
		}
		if strings.Contains(s, Separator) {
			return "", &MalformedPathError{Path: strings.Join(segs, Separator), Reason: fmt.Sprintf("label %q contains separator", s)}
		}
	}
	return strings.Join(segs, Separator), nil
}

// Validate checks that path is well-formed and that its terminal segment
// matches the owning entity's label.
func Validate(path, ownLabel string) error {
	if path == "" {
		return &MalformedPathError{Path: path, Reason: "empty path"}
	}
	for _, s := range strings.Split(path, Separator) {
		if s == "" {
			return &MalformedPathError{Path: path, Reason: "empty label"}
		}
	}
	if Label(path) != ownLabel {
		return &MalformedPathError{Path: path, Reason: fmt.Sprintf("terminal segment %q does not match label %q", Label(path), ownLabel)}
	}
	return nil
}

// Depth returns the number of ancestors encoded in path: the separator
// count. O(length of path), no allocation.
func Depth(path string) int {
	return strings.Count(path, Separator)
}

// Split returns the path's segments, root first.
func Split(path string) []string {
	if path == "" {
		return nil
	}
	return strings.Split(path, Separator)
}

// Label returns the terminal segment: the entity's own label.
func Label(path string) string {
	if i := strings.LastIndex(path, Separator); i >= 0 {
		return path[i+1:]
	}
	return path
}

// Parent returns the path with the terminal segment removed, or "" for a
// root path.
func Parent(path string) string {
	if i := strings.LastIndex(path, Separator); i >= 0 {
		return path[:i]
	}
	return ""
}

// Prefixes returns every proper ancestor path of path, root first.
// For "world.asia.japan" it returns ["world", "world.asia"].
func Prefixes(path string) []string {
	segs := Split(path)
	if len(segs) < 2 {
		return nil
	}
	out := make([]string, 0, len(segs)-1)
	for i := 1; i < len(segs); i++ {
		out = append(out, strings.Join(segs[:i], Separator))
	}
	return out
}

// Fingerprint returns a stable 64-bit FNV-1a hash of the path. FNV-1a is
// fully specified and implemented identically in every mainstream language,
// so the value can be persisted and compared across runs and runtimes.
func Fingerprint(path string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(path))
	return h.Sum64()
}

// IsAncestorPath reports whether candidate is a proper ancestor of of:
// a strict segment-boundary prefix. A path is never its own ancestor.
func IsAncestorPath(candidate, of string) bool {
	if candidate == "" || of == "" || candidate == of {
		return false
	}
	return strings.HasPrefix(of, candidate+Separator)
}

// HasPrefix reports whether path equals prefix or lies inside the subtree
// rooted at prefix. This is the test subtree invalidation uses.
func HasPrefix(path, prefix string) bool {
	if prefix == "" {
		return false
	}
	return path == prefix || strings.HasPrefix(path, prefix+Separator)
}
