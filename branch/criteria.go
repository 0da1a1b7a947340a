package branch

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"termstore/index"
)

// leg is one disjunct of the visibility predicate: versions authored on
// Path that were current at Timepoint, minus the ids shadowed below.
type leg struct {
	path      string
	timepoint int64
	// excluded holds, per component type, ids whose versions on this leg are
	// shadowed by a descendant branch on the walk.
	excluded map[string][]string
}

// Criteria selects the visible set for a branch at a timepoint, per the
// single-visible-version and branch-inheritance rules. Compose with any
// store query via Apply.
type Criteria struct {
	path string
	legs []leg
}

// CriteriaBuilder derives criteria from the registry's branch rows and
// caches them per (path, head) pair; any commit close on the branch changes
// head and therefore misses the cache.
type CriteriaBuilder struct {
	registry *Registry
	cache    *lru.Cache[string, *Criteria]
}

func NewCriteriaBuilder(registry *Registry) *CriteriaBuilder {
	cache, _ := lru.New[string, *Criteria](512)
	return &CriteriaBuilder{registry: registry, cache: cache}
}

// ForBranch builds the criteria for reads at the branch head.
func (cb *CriteriaBuilder) ForBranch(path string) (*Criteria, error) {
	b, err := cb.registry.Find(path)
	if err != nil {
		return nil, err
	}
	key := fmt.Sprintf("%s@%d", path, b.Head)
	if c, ok := cb.cache.Get(key); ok {
		return c, nil
	}
	c, err := cb.build(path, b.Head, nil)
	if err != nil {
		return nil, err
	}
	cb.cache.Add(key, c)
	return c, nil
}

// ForTimepoint builds criteria for a historical read on the branch.
func (cb *CriteriaBuilder) ForTimepoint(path string, timepoint int64) (*Criteria, error) {
	return cb.build(path, timepoint, nil)
}

// IncludingOpenCommit substitutes the commit timepoint on the branch under
// edit so mid-commit reads see the commit's own writes, including the
// versions-replaced entries staged on the commit's branch copy.
func (cb *CriteriaBuilder) IncludingOpenCommit(c *Commit) (*Criteria, error) {
	return cb.build(c.Path(), c.Timepoint, c.Branch())
}

// build walks from the branch to MAIN collecting (ancestor, base) legs.
// Deeper ancestor legs clamp to the minimum base seen on the walk so a
// child never observes ancestor content newer than its own sync point.
func (cb *CriteriaBuilder) build(path string, timepoint int64, override *Branch) (*Criteria, error) {
	ancestry, err := cb.registry.Ancestry(path)
	if err != nil {
		return nil, err
	}
	if override != nil {
		ancestry[0] = override
	}

	crit := &Criteria{path: path}
	excluded := map[string][]string{}
	legTime := timepoint
	for i, b := range ancestry {
		l := leg{path: b.Path, timepoint: legTime, excluded: copyExcluded(excluded)}
		crit.legs = append(crit.legs, l)

		// Shadowing accumulates downward: every branch below the next
		// ancestor contributes its replaced ids.
		for typeName, ids := range b.VersionsReplaced {
			excluded[typeName] = append(excluded[typeName], ids...)
		}
		if i+1 < len(ancestry) {
			if b.Base < legTime {
				legTime = b.Base
			}
		}
	}
	return crit, nil
}

func copyExcluded(in map[string][]string) map[string][]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string][]string, len(in))
	for k, v := range in {
		out[k] = append([]string(nil), v...)
	}
	return out
}

// Path is the branch the criteria was built for.
func (c *Criteria) Path() string { return c.path }

// BranchPredicate renders the visibility predicate for one component type
// as an index criteria fragment.
func (c *Criteria) BranchPredicate(typeName string) *index.Criteria {
	return c.predicate(typeName, "component_id")
}

// SemanticPredicate is the same predicate for the semantic index tables,
// whose rows are keyed by concept id and tracked per form in the
// versions-replaced sets ("query-stated" / "query-inferred").
func (c *Criteria) SemanticPredicate(form string) *index.Criteria {
	return c.predicate("query-"+form, "concept_id")
}

func (c *Criteria) predicate(typeName, idCol string) *index.Criteria {
	var legs []*index.Criteria
	for _, l := range c.legs {
		lc := index.Where().
			Term("path", l.path).
			Lte("start", l.timepoint).
			Raw(`("end" IS NULL OR "end" > ?)`, l.timepoint)
		if ids := l.excluded[typeName]; len(ids) > 0 {
			// Shadowed ids never exceed the clause limit in practice; chunked
			// exclusion would require splitting the whole disjunct.
			lc.NotIn(idCol, ids)
		}
		legs = append(legs, lc)
	}
	return index.Or(legs...)
}

// Excluded exposes the shadowed ids per leg for callers that page through
// ancestor content manually.
func (c *Criteria) Excluded(typeName string) map[string][]string {
	out := map[string][]string{}
	for _, l := range c.legs {
		if ids := l.excluded[typeName]; len(ids) > 0 {
			out[l.path] = ids
		}
	}
	return out
}
