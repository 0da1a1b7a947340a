// Package branch implements the branch registry, commits and the branch
// criteria predicate that selects the visible component versions for a
// branch at a timepoint.
package branch

import (
	"strings"
)

// Main is the root branch path.
const Main = "MAIN"

// Branch is one node of the branch tree. Branch rows are persisted as JSON
// documents in the datastore; the registry keeps the authoritative copy in
// memory under its lock.
type Branch struct {
	Path     string `json:"path"`
	Creation int64  `json:"creation"`
	// Base is the parent timepoint this branch last synced with; Head is the
	// latest commit timepoint on the branch itself.
	Base     int64             `json:"base"`
	Head     int64             `json:"head"`
	Locked   bool              `json:"locked"`
	Metadata map[string]string `json:"metadata,omitempty"`

	// VersionsReplaced records, per component type, the ids whose ancestor
	// versions are shadowed by a version authored here. Ancestor legs of the
	// branch criteria exclude these ids.
	VersionsReplaced map[string][]string `json:"versionsReplaced,omitempty"`
}

// ParentPath derives the parent lexically; empty for MAIN.
func ParentPath(path string) string {
	i := strings.LastIndex(path, "/")
	if i < 0 {
		return ""
	}
	return path[:i]
}

// IsValidPath accepts slash-delimited uppercase-rooted paths.
func IsValidPath(path string) bool {
	if path == "" || strings.HasPrefix(path, "/") || strings.HasSuffix(path, "/") {
		return false
	}
	parts := strings.Split(path, "/")
	if parts[0] != Main {
		return false
	}
	for _, p := range parts {
		if p == "" {
			return false
		}
	}
	return true
}

// Parent returns the parent path of this branch.
func (b *Branch) Parent() string {
	return ParentPath(b.Path)
}

// Replaced returns the replaced-id list for one component type.
func (b *Branch) Replaced(typeName string) []string {
	if b.VersionsReplaced == nil {
		return nil
	}
	return b.VersionsReplaced[typeName]
}

// AddReplaced records ids as shadowed, deduplicating.
func (b *Branch) AddReplaced(typeName string, ids ...string) {
	if len(ids) == 0 {
		return
	}
	if b.VersionsReplaced == nil {
		b.VersionsReplaced = map[string][]string{}
	}
	have := map[string]bool{}
	for _, id := range b.VersionsReplaced[typeName] {
		have[id] = true
	}
	for _, id := range ids {
		if !have[id] {
			b.VersionsReplaced[typeName] = append(b.VersionsReplaced[typeName], id)
			have[id] = true
		}
	}
}

// clone is used by the registry to hand out copies that callers may mutate
// inside a commit without racing readers.
func (b *Branch) clone() *Branch {
	cp := *b
	if b.Metadata != nil {
		cp.Metadata = make(map[string]string, len(b.Metadata))
		for k, v := range b.Metadata {
			cp.Metadata[k] = v
		}
	}
	if b.VersionsReplaced != nil {
		cp.VersionsReplaced = make(map[string][]string, len(b.VersionsReplaced))
		for k, v := range b.VersionsReplaced {
			cp.VersionsReplaced[k] = append([]string(nil), v...)
		}
	}
	return &cp
}
