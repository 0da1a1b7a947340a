// Package semindex maintains the per-branch transitive-closure index over
// ISA edges: one query_concept row per (concept, form) holding the parent
// set, plus one query_ancestor row per (concept, ancestor) pair so that
// descendant lookups are single term queries. Rows are versioned with the
// same (path, start, end) rules as components.
package semindex

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"termstore/axiom"
	"termstore/branch"
	"termstore/index"
	"termstore/snomed"
	"termstore/store"
)

// Forms of the closure.
const (
	Stated   = "stated"
	Inferred = "inferred"
)

const rebuildWorkers = 4

// Maintainer updates the semantic index at commit close and rebuilds it on
// demand. It shares the branch lock of the commit it runs under.
type Maintainer struct {
	store *store.Store
	log   *logrus.Entry
}

func NewMaintainer(s *store.Store) *Maintainer {
	return &Maintainer{store: s, log: logrus.WithField("component", "semindex")}
}

func statedInt(form string) int {
	if form == Stated {
		return 1
	}
	return 0
}

// UpdateForCommit incrementally recomputes closure rows for the concepts
// whose ISA footprint may have changed in the commit, and for all their
// descendants. Fails with ErrCycleDetected (listing the cycle) when the new
// edges close a loop; the caller rolls the commit back.
func (m *Maintainer) UpdateForCommit(ctx context.Context, commit *branch.Commit, form string, touched []string) error {
	if len(touched) == 0 {
		return nil
	}
	crit, err := m.store.Criteria.IncludingOpenCommit(commit)
	if err != nil {
		return err
	}

	// Affected set: the touched concepts plus every concept that currently
	// counts one of them as an ancestor.
	affected := map[string]bool{}
	for _, id := range touched {
		affected[id] = true
	}
	descendants, err := m.descendantsOf(ctx, crit, form, touched)
	if err != nil {
		return err
	}
	for _, id := range descendants {
		affected[id] = true
	}

	ids := make([]string, 0, len(affected))
	for id := range affected {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	parents, err := m.loadAuthoritativeParents(ctx, crit, form, ids)
	if err != nil {
		return err
	}
	active, err := m.store.ActiveConceptIDs(ctx, crit, ids)
	if err != nil {
		return err
	}

	// Ancestor expansion memoized across the affected set; concepts outside
	// it keep their stored ancestor rows as the authoritative answer.
	calc := &closureCalc{
		m:        m,
		crit:     crit,
		form:     form,
		parents:  parents,
		affected: affected,
		memo:     map[string][]string{},
		onStack:  map[string]bool{},
	}
	rows := make(map[string]queryRow, len(ids))
	for _, id := range ids {
		if !active[id] {
			rows[id] = queryRow{conceptID: id, drop: true}
			continue
		}
		ancestors, err := calc.ancestorsOf(ctx, id)
		if err != nil {
			return err
		}
		rows[id] = queryRow{conceptID: id, parents: parents[id], ancestors: ancestors}
	}

	return m.writeRows(ctx, commit, form, rows)
}

type queryRow struct {
	conceptID string
	parents   []string
	ancestors []string
	drop      bool
}

type closureCalc struct {
	m        *Maintainer
	crit     *branch.Criteria
	form     string
	parents  map[string][]string
	affected map[string]bool
	memo     map[string][]string
	onStack  map[string]bool
	stack    []string
}

// ancestorsOf unions each parent with the parent's own ancestors. Inside
// the affected set recursion continues; outside it the stored rows answer.
func (c *closureCalc) ancestorsOf(ctx context.Context, id string) ([]string, error) {
	if a, ok := c.memo[id]; ok {
		return a, nil
	}
	if c.onStack[id] {
		return nil, cycleError(c.stack, id)
	}
	c.onStack[id] = true
	c.stack = append(c.stack, id)
	defer func() {
		delete(c.onStack, id)
		c.stack = c.stack[:len(c.stack)-1]
	}()

	set := map[string]bool{}
	for _, p := range c.parents[id] {
		set[p] = true
		var pa []string
		var err error
		if c.affected[p] {
			pa, err = c.ancestorsOf(ctx, p)
		} else {
			pa, err = c.m.storedAncestors(ctx, c.crit, c.form, p)
		}
		if err != nil {
			return nil, err
		}
		for _, a := range pa {
			if a == id {
				return nil, cycleError(c.stack, a)
			}
			set[a] = true
		}
	}
	if set[id] {
		return nil, cycleError(c.stack, id)
	}
	out := make([]string, 0, len(set))
	for a := range set {
		out = append(out, a)
	}
	sort.Strings(out)
	c.memo[id] = out
	return out, nil
}

func cycleError(stack []string, at string) error {
	// Report the strongly connected slice of the traversal stack.
	i := 0
	for ; i < len(stack); i++ {
		if stack[i] == at {
			break
		}
	}
	cycle := append(append([]string{}, stack[i:]...), at)
	return fmt.Errorf("%w: %s", snomed.ErrCycleDetected, strings.Join(cycle, " -> "))
}

// descendantsOf collects concepts whose stored ancestor set intersects ids.
func (m *Maintainer) descendantsOf(ctx context.Context, crit *branch.Criteria, form string, ids []string) ([]string, error) {
	var out []string
	for _, chunk := range index.Chunk(ids) {
		where := index.Where().
			Term("stated", statedInt(form)).
			In("ancestor_id", chunk).
			And(crit.SemanticPredicate(form))
		frag, args := where.Render()
		rows, err := m.store.DB().Query(ctx,
			`SELECT DISTINCT concept_id FROM query_ancestor WHERE `+frag, args...)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return nil, err
			}
			out = append(out, id)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}
	return out, nil
}

// storedAncestors reads the visible ancestor set of one concept.
func (m *Maintainer) storedAncestors(ctx context.Context, crit *branch.Criteria, form, conceptID string) ([]string, error) {
	where := index.Where().
		Term("stated", statedInt(form)).
		Term("concept_id", conceptID).
		And(crit.SemanticPredicate(form))
	frag, args := where.Render()
	rows, err := m.store.DB().Query(ctx,
		`SELECT DISTINCT ancestor_id FROM query_ancestor WHERE `+frag, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// Parents reads the visible parent set of one concept from the index.
func (m *Maintainer) Parents(ctx context.Context, crit *branch.Criteria, form, conceptID string) ([]string, error) {
	where := index.Where().
		Term("stated", statedInt(form)).
		Term("concept_id", conceptID).
		And(crit.SemanticPredicate(form))
	frag, args := where.Render()
	var parentsJSON string
	err := m.store.DB().QueryRow(ctx,
		`SELECT parents FROM query_concept WHERE `+frag+` LIMIT 1`, args...).Scan(&parentsJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var parents []string
	if err := json.Unmarshal([]byte(parentsJSON), &parents); err != nil {
		return nil, err
	}
	return parents, nil
}

// Ancestors exposes storedAncestors for the ECL executor.
func (m *Maintainer) Ancestors(ctx context.Context, crit *branch.Criteria, form, conceptID string) ([]string, error) {
	return m.storedAncestors(ctx, crit, form, conceptID)
}

// Descendants returns concepts whose ancestor set contains conceptID.
func (m *Maintainer) Descendants(ctx context.Context, crit *branch.Criteria, form, conceptID string) ([]string, error) {
	return m.descendantsOf(ctx, crit, form, []string{conceptID})
}

// loadAuthoritativeParents recomputes parent sets from the active ISA edges
// of the chosen form. Inferred parents come from inferred relationships;
// stated parents from the relationship projection of active class axioms.
func (m *Maintainer) loadAuthoritativeParents(ctx context.Context, crit *branch.Criteria, form string, conceptIDs []string) (map[string][]string, error) {
	out := map[string][]string{}
	seen := map[string]map[string]bool{}
	add := func(src, dest string) {
		if seen[src] == nil {
			seen[src] = map[string]bool{}
		}
		if !seen[src][dest] {
			seen[src][dest] = true
			out[src] = append(out[src], dest)
		}
	}

	if form == Inferred {
		rels, err := m.store.RelationshipsBySource(ctx, crit, conceptIDs, snomed.InferredRelationship)
		if err != nil {
			return nil, err
		}
		for _, r := range rels {
			if r.TypeID == snomed.ISA && r.Active {
				add(r.SourceID, r.DestinationID)
			}
		}
		return out, nil
	}

	members, err := m.store.MembersByReferenced(ctx, crit, conceptIDs, snomed.OWLAxiomRefset)
	if err != nil {
		return nil, err
	}
	for _, member := range members {
		if !member.Active {
			continue
		}
		expr, err := m.ParseAxiom(member)
		if err != nil {
			m.log.WithError(err).WithField("member", member.MemberID).Warn("skipping unparseable axiom member")
			continue
		}
		if expr == nil || expr.GCI {
			continue
		}
		for _, r := range expr.Relationships {
			if r.TypeID == snomed.ISA && r.Group == 0 {
				add(member.ReferencedComponentID, r.DestinationID)
			}
		}
	}
	return out, nil
}

// writeRows versions the new closure rows under the commit timepoint.
func (m *Maintainer) writeRows(ctx context.Context, commit *branch.Commit, form string, rows map[string]queryRow) error {
	db := m.store.DB()
	path := commit.Path()
	tp := commit.Timepoint
	stated := statedInt(form)

	commit.OnRollback(func(rctx context.Context) error {
		if _, err := db.Exec(rctx, `DELETE FROM query_concept WHERE path = ? AND start = ?`, path, tp); err != nil {
			return err
		}
		_, err := db.Exec(rctx, `DELETE FROM query_ancestor WHERE path = ? AND start = ?`, path, tp)
		return err
	})

	crit, err := m.store.Criteria.IncludingOpenCommit(commit)
	if err != nil {
		return err
	}

	for _, row := range rows {
		// Supersede whatever is visible for this concept: same-path rows get
		// end-stamped, ancestor rows get shadowed.
		visible, err := m.visibleRowPaths(ctx, crit, form, row.conceptID)
		if err != nil {
			return err
		}
		for _, p := range visible {
			if p == path {
				for _, table := range []string{"query_concept", "query_ancestor"} {
					if _, err := db.Exec(ctx, fmt.Sprintf(
						`UPDATE %s SET "end" = ? WHERE concept_id = ? AND path = ? AND stated = ? AND "end" IS NULL AND start < ?`,
						table), tp, row.conceptID, path, stated, tp); err != nil {
						return err
					}
					// Same-commit rewrite: replace rows stamped at this timepoint.
					if _, err := db.Exec(ctx, fmt.Sprintf(
						`DELETE FROM %s WHERE concept_id = ? AND path = ? AND stated = ? AND start = ?`,
						table), row.conceptID, path, stated, tp); err != nil {
						return err
					}
				}
			} else {
				commit.AddVersionsReplaced("query-"+form, row.conceptID)
			}
		}

		if row.drop {
			continue
		}

		parentsJSON, _ := json.Marshal(orEmpty(row.parents))
		if _, err := db.Exec(ctx,
			`INSERT INTO query_concept (concept_id, path, start, stated, parents) VALUES (?, ?, ?, ?, ?)`,
			row.conceptID, path, tp, stated, string(parentsJSON)); err != nil {
			return err
		}
		for _, a := range row.ancestors {
			if _, err := db.Exec(ctx,
				`INSERT INTO query_ancestor (concept_id, ancestor_id, path, start, stated) VALUES (?, ?, ?, ?, ?)`,
				row.conceptID, a, path, tp, stated); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *Maintainer) visibleRowPaths(ctx context.Context, crit *branch.Criteria, form, conceptID string) ([]string, error) {
	where := index.Where().
		Term("stated", statedInt(form)).
		Term("concept_id", conceptID).
		And(crit.SemanticPredicate(form))
	frag, args := where.Render()
	rows, err := m.store.DB().Query(ctx,
		`SELECT DISTINCT path FROM query_concept WHERE `+frag, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Rebuild recomputes the closure for a whole branch from scratch, roots
// first. The concepts are layered topologically and each layer's ancestor
// sets are computed concurrently.
func (m *Maintainer) Rebuild(ctx context.Context, commit *branch.Commit, form string) error {
	crit, err := m.store.Criteria.IncludingOpenCommit(commit)
	if err != nil {
		return err
	}
	all, err := m.store.AllActiveConceptIDs(ctx, crit)
	if err != nil {
		return err
	}
	m.log.WithFields(logrus.Fields{"path": commit.Path(), "form": form, "concepts": len(all)}).
		Info("semantic index rebuild started")

	parents, err := m.loadAuthoritativeParents(ctx, crit, form, all)
	if err != nil {
		return err
	}

	// Kahn layering over the ISA graph; anything left over sits on a cycle.
	// Parents outside the active concept set cannot order anything and are
	// ignored by the layering (their ancestor contribution is just the id).
	inSet := make(map[string]bool, len(all))
	for _, id := range all {
		inSet[id] = true
	}
	remainingDeps := map[string]int{}
	children := map[string][]string{}
	for _, id := range all {
		for _, p := range parents[id] {
			if !inSet[p] {
				continue
			}
			remainingDeps[id]++
			children[p] = append(children[p], id)
		}
	}
	var layer []string
	for _, id := range all {
		if remainingDeps[id] == 0 {
			layer = append(layer, id)
		}
	}

	ancestors := map[string][]string{}
	processed := 0
	for len(layer) > 0 {
		g, _ := errgroup.WithContext(ctx)
		g.SetLimit(rebuildWorkers)
		results := make([][]string, len(layer))
		for i, id := range layer {
			i, id := i, id
			g.Go(func() error {
				set := map[string]bool{}
				for _, p := range parents[id] {
					set[p] = true
					for _, a := range ancestors[p] {
						set[a] = true
					}
				}
				if set[id] {
					return fmt.Errorf("%w: %s", snomed.ErrCycleDetected, id)
				}
				out := make([]string, 0, len(set))
				for a := range set {
					out = append(out, a)
				}
				sort.Strings(out)
				results[i] = out
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		for i, id := range layer {
			ancestors[id] = results[i]
		}
		processed += len(layer)
		next := map[string]bool{}
		for _, id := range layer {
			for _, c := range children[id] {
				remainingDeps[c]--
				if remainingDeps[c] == 0 {
					next[c] = true
				}
			}
		}
		layer = layer[:0]
		for id := range next {
			layer = append(layer, id)
		}
		sort.Strings(layer)
	}
	if processed != len(all) {
		var stuck []string
		for _, id := range all {
			if remainingDeps[id] > 0 {
				stuck = append(stuck, id)
			}
		}
		sort.Strings(stuck)
		return fmt.Errorf("%w: unresolved concepts %s", snomed.ErrCycleDetected, strings.Join(stuck, ", "))
	}

	rows := make(map[string]queryRow, len(all))
	for _, id := range all {
		rows[id] = queryRow{conceptID: id, parents: parents[id], ancestors: ancestors[id]}
	}
	if err := m.writeRows(ctx, commit, form, rows); err != nil {
		return err
	}
	m.log.WithFields(logrus.Fields{"path": commit.Path(), "form": form}).Info("semantic index rebuild finished")
	return nil
}

// ParseAxiom projects one OWL axiom member into its relationship view; a
// member without an owlExpression field yields nil.
func (m *Maintainer) ParseAxiom(member *snomed.ReferenceSetMember) (*axiom.Expression, error) {
	owl := member.Field(snomed.FieldOWLExpression)
	if owl == "" {
		return nil, nil
	}
	return axiom.Parse(owl)
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
