package ecl

import (
	"context"
	"sort"

	"termstore/branch"
	"termstore/semindex"
	"termstore/snomed"
	"termstore/store"
)

// Executor compiles parsed constraints into store and semantic index
// lookups and pages the result.
type Executor struct {
	store *store.Store
	sem   *semindex.Maintainer
}

func NewExecutor(s *store.Store, sem *semindex.Maintainer) *Executor {
	return &Executor{store: s, sem: sem}
}

// Execute runs an ECL expression on a branch over the chosen form and
// returns one page of matching concept ids in stable numeric order.
// Pagination is offset-based; offsets into the same expression yield
// disjoint pages. Cancellation is honored between store calls.
func (e *Executor) Execute(ctx context.Context, branchPath, expression, form string, limit, offset int) ([]string, error) {
	constraint, err := Parse(expression)
	if err != nil {
		return nil, err
	}
	crit, err := e.store.Criteria.ForBranch(branchPath)
	if err != nil {
		return nil, err
	}
	return e.Run(ctx, crit, constraint, form, limit, offset)
}

// Run executes an already parsed constraint.
func (e *Executor) Run(ctx context.Context, crit *branch.Criteria, constraint *Constraint, form string, limit, offset int) ([]string, error) {
	// Pure wildcard pages straight off the concept table.
	if constraint.Focus.Wildcard && constraint.Focus.Op == Self && constraint.Refinement == nil {
		return e.store.ConceptIDPage(ctx, crit, limit, offset)
	}

	candidates, wildcard, err := e.resolveSub(ctx, crit, constraint.Focus, form)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if constraint.Refinement != nil {
		candidates, err = e.applyRefinement(ctx, crit, constraint.Refinement, form, candidates, wildcard)
		if err != nil {
			return nil, err
		}
	} else if wildcard {
		candidates, err = e.store.ConceptIDPage(ctx, crit, 0, 0)
		if err != nil {
			return nil, err
		}
	}

	sortSCTIDs(candidates)
	return page(candidates, limit, offset), nil
}

// resolveSub materializes one sub-expression into a concept id set. A true
// wildcard returns (nil, true, nil) so callers can push the scan down.
func (e *Executor) resolveSub(ctx context.Context, crit *branch.Criteria, s *Sub, form string) ([]string, bool, error) {
	if s.Wildcard {
		return nil, true, nil
	}
	switch s.Op {
	case Self:
		return []string{s.ConceptID}, false, nil
	case Descendant, DescendantOrSelf:
		ids, err := e.sem.Descendants(ctx, crit, form, s.ConceptID)
		if err != nil {
			return nil, false, err
		}
		if s.Op == DescendantOrSelf {
			ids = append(ids, s.ConceptID)
		}
		return dedupe(ids), false, nil
	case Ancestor, AncestorOrSelf:
		ids, err := e.sem.Ancestors(ctx, crit, form, s.ConceptID)
		if err != nil {
			return nil, false, err
		}
		if s.Op == AncestorOrSelf {
			ids = append(ids, s.ConceptID)
		}
		return dedupe(ids), false, nil
	case MemberOf:
		ids, err := e.store.ActiveRefsetReferencedIDs(ctx, crit, s.ConceptID)
		if err != nil {
			return nil, false, err
		}
		return dedupe(ids), false, nil
	default:
		return nil, false, snomed.ErrUnsupported
	}
}

// applyRefinement keeps candidates that have an active relationship whose
// type resolves from the attribute name and whose destination resolves from
// the value.
func (e *Executor) applyRefinement(ctx context.Context, crit *branch.Criteria, attr *Attribute, form string, candidates []string, wildcard bool) ([]string, error) {
	if !wildcard && len(candidates) == 0 {
		return nil, nil
	}
	typeIDs, typeWild, err := e.resolveSub(ctx, crit, attr.Name, form)
	if err != nil {
		return nil, err
	}
	destIDs, destWild, err := e.resolveSub(ctx, crit, attr.Value, form)
	if err != nil {
		return nil, err
	}
	// A non-wildcard side that resolved to nothing can match nothing.
	if !typeWild && len(typeIDs) == 0 || !destWild && len(destIDs) == 0 {
		return nil, nil
	}
	if typeWild {
		typeIDs = nil
	}
	if destWild {
		destIDs = nil
	}

	var scope []string
	if !wildcard {
		scope = candidates
	}
	sources, err := e.store.SourcesWithRelationship(ctx, crit, typeIDs, destIDs, scope)
	if err != nil {
		return nil, err
	}

	if wildcard {
		out := make([]string, 0, len(sources))
		for id := range sources {
			out = append(out, id)
		}
		return out, nil
	}
	var out []string
	for _, id := range candidates {
		if sources[id] {
			out = append(out, id)
		}
	}
	return out, nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := ids[:0]
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

func sortSCTIDs(ids []string) {
	sort.Slice(ids, func(i, j int) bool {
		return snomed.ParseLong(ids[i]) < snomed.ParseLong(ids[j])
	})
}

func page(ids []string, limit, offset int) []string {
	if offset >= len(ids) {
		return nil
	}
	ids = ids[offset:]
	if limit > 0 && limit < len(ids) {
		ids = ids[:limit]
	}
	return ids
}
