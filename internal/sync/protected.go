package sync

import (
	"path"
	"sort"
	"strings"
)

// ProtectedSet is an immutable set of relative path prefixes that
// synchronization never copies into or deletes from the installed tree.
type ProtectedSet struct {
	prefixes []string
}

// NewProtectedSet normalizes paths into a ProtectedSet. Entries are cleaned,
// converted to forward slashes and stripped of leading "./" and trailing "/".
// Empty entries and "." are dropped.
func NewProtectedSet(paths ...string) ProtectedSet {
	seen := make(map[string]bool, len(paths))
	prefixes := make([]string, 0, len(paths))
	for _, p := range paths {
		n := normalize(p)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		prefixes = append(prefixes, n)
	}
	sort.Strings(prefixes)
	return ProtectedSet{prefixes: prefixes}
}

// Matches reports whether rel equals a protected entry or lies beneath one.
func (s ProtectedSet) Matches(rel string) bool {
	rel = normalize(rel)
	if rel == "" {
		return false
	}
	for _, p := range s.prefixes {
		if rel == p || strings.HasPrefix(rel, p+"/") {
			return true
		}
	}
	return false
}

// Entries returns the normalized prefixes in sorted order.
func (s ProtectedSet) Entries() []string {
	return append([]string(nil), s.prefixes...)
}

// Len returns the number of protected prefixes.
func (s ProtectedSet) Len() int {
	return len(s.prefixes)
}

func normalize(p string) string {
	p = strings.ReplaceAll(strings.TrimSpace(p), `\`, "/")
	if p == "" {
		return ""
	}
	p = path.Clean(p)
	p = strings.TrimPrefix(p, "/")
	for strings.HasPrefix(p, "./") {
		p = p[2:]
	}
	if p == "." {
		return ""
	}
	return p
}
