package store

import (
	"context"
	"fmt"

	"github.com/ipfs/go-cid"

	"termstore/branch"
	"termstore/index"
	"termstore/snomed"
)

// selectVisible runs a read over one component table, applying the branch
// predicate and resolving any cross-leg duplicates nearest-branch-first.
func (s *Store) selectVisible(ctx context.Context, crit *branch.Criteria, typeName string, extra *index.Criteria, orderBy string, limit, offset int) ([]snomed.Component, error) {
	spec := specs[typeName]
	where := index.Where().Term("deleted", 0).And(crit.BranchPredicate(typeName))
	if extra != nil {
		where.And(extra)
	}
	frag, args := where.Render()

	q := fmt.Sprintf(`SELECT component_id, path, cid FROM %s WHERE %s`, spec.table, frag)
	if orderBy != "" {
		q += " ORDER BY " + orderBy
	}
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d OFFSET %d", limit, offset)
	}

	rows, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", typeName, err)
	}
	defer rows.Close()

	legRank := legPriority(crit)
	type hit struct {
		cid  string
		rank int
	}
	best := map[string]*hit{}
	var order []string
	for rows.Next() {
		var id, path, cidStr string
		if err := rows.Scan(&id, &path, &cidStr); err != nil {
			return nil, err
		}
		h, ok := best[id]
		if !ok {
			best[id] = &hit{cid: cidStr, rank: legRank[path]}
			order = append(order, id)
			continue
		}
		if legRank[path] < h.rank {
			h.cid = cidStr
			h.rank = legRank[path]
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]snomed.Component, 0, len(order))
	for _, id := range order {
		c, err := s.loadComponent(ctx, typeName, best[id].cid)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func (s *Store) loadComponent(ctx context.Context, typeName, cidStr string) (snomed.Component, error) {
	c, err := cid.Decode(cidStr)
	if err != nil {
		return nil, fmt.Errorf("bad payload cid %q: %w", cidStr, err)
	}
	data, err := s.blocks.Get(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("load payload %s: %w", cidStr, err)
	}
	return specs[typeName].decode(data)
}

// FindConcept returns the visible concept row (flat, no aggregate children).
func (s *Store) FindConcept(ctx context.Context, crit *branch.Criteria, conceptID string) (*snomed.Concept, error) {
	comps, err := s.selectVisible(ctx, crit, snomed.TypeConcept,
		index.Where().Term("component_id", conceptID), "", 0, 0)
	if err != nil {
		return nil, err
	}
	if len(comps) == 0 {
		return nil, fmt.Errorf("concept %s on %s: %w", conceptID, crit.Path(), snomed.ErrNotFound)
	}
	return comps[0].(*snomed.Concept), nil
}

// Concepts bulk-loads visible concepts by id, chunking the id list.
func (s *Store) Concepts(ctx context.Context, crit *branch.Criteria, ids []string) (map[string]*snomed.Concept, error) {
	out := map[string]*snomed.Concept{}
	for _, chunk := range index.Chunk(ids) {
		comps, err := s.selectVisible(ctx, crit, snomed.TypeConcept,
			index.Where().In("component_id", chunk), "", 0, 0)
		if err != nil {
			return nil, err
		}
		for _, c := range comps {
			out[c.ID()] = c.(*snomed.Concept)
		}
	}
	return out, nil
}

// ConceptIDPage returns one page of active concept ids ordered by id, for
// wildcard queries with stable pagination.
func (s *Store) ConceptIDPage(ctx context.Context, crit *branch.Criteria, limit, offset int) ([]string, error) {
	where := index.Where().Term("deleted", 0).Active().And(crit.BranchPredicate(snomed.TypeConcept))
	frag, args := where.Render()
	q := fmt.Sprintf(`SELECT DISTINCT component_id FROM concept WHERE %s ORDER BY CAST(component_id AS INTEGER)`, frag)
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d OFFSET %d", limit, offset)
	}
	rows, err := s.db.Query(ctx, q, args...)
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

// DescriptionsByConcepts loads visible descriptions for the given concepts.
func (s *Store) DescriptionsByConcepts(ctx context.Context, crit *branch.Criteria, conceptIDs []string) ([]*snomed.Description, error) {
	var out []*snomed.Description
	for _, chunk := range index.Chunk(conceptIDs) {
		comps, err := s.selectVisible(ctx, crit, snomed.TypeDescription,
			index.Where().In("concept_id", chunk), "", 0, 0)
		if err != nil {
			return nil, err
		}
		for _, c := range comps {
			out = append(out, c.(*snomed.Description))
		}
	}
	return out, nil
}

// RelationshipsBySource loads visible relationships whose source is in
// sourceIDs, optionally filtered by characteristic type, active only.
func (s *Store) RelationshipsBySource(ctx context.Context, crit *branch.Criteria, sourceIDs []string, characteristicType string) ([]*snomed.Relationship, error) {
	var out []*snomed.Relationship
	for _, chunk := range index.Chunk(sourceIDs) {
		extra := index.Where().In("source_id", chunk).Active()
		if characteristicType != "" {
			extra.Term("characteristic_type_id", characteristicType)
		}
		comps, err := s.selectVisible(ctx, crit, snomed.TypeRelationship, extra, "", 0, 0)
		if err != nil {
			return nil, err
		}
		for _, c := range comps {
			out = append(out, c.(*snomed.Relationship))
		}
	}
	return out, nil
}

// SourcesWithRelationship filters candidates down to concepts that have an
// active relationship with a type in typeIDs and destination in destIDs.
// Used by the ECL refinement executor.
func (s *Store) SourcesWithRelationship(ctx context.Context, crit *branch.Criteria, typeIDs, destIDs, candidates []string) (map[string]bool, error) {
	out := map[string]bool{}
	run := func(extra *index.Criteria) error {
		where := index.Where().Term("deleted", 0).And(crit.BranchPredicate(snomed.TypeRelationship)).And(extra)
		frag, args := where.Render()
		rows, err := s.db.Query(ctx,
			fmt.Sprintf(`SELECT DISTINCT source_id FROM relationship WHERE %s`, frag), args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return err
			}
			out[id] = true
		}
		return rows.Err()
	}

	for _, typeChunk := range chunkOrAll(typeIDs) {
		for _, destChunk := range chunkOrAll(destIDs) {
			for _, candChunk := range chunkOrAll(candidates) {
				extra := index.Where().Active()
				if typeChunk != nil {
					extra.In("type_id", typeChunk)
				}
				if destChunk != nil {
					extra.In("destination_id", destChunk)
				}
				if candChunk != nil {
					extra.In("source_id", candChunk)
				}
				if err := run(extra); err != nil {
					return nil, err
				}
			}
		}
	}
	return out, nil
}

// chunkOrAll chunks an id list, or yields a single nil chunk meaning "no
// filter on this column".
func chunkOrAll(ids []string) [][]string {
	if ids == nil {
		return [][]string{nil}
	}
	return index.Chunk(ids)
}

// ActiveConceptIDs filters ids down to those visible and active.
func (s *Store) ActiveConceptIDs(ctx context.Context, crit *branch.Criteria, ids []string) (map[string]bool, error) {
	out := map[string]bool{}
	for _, chunk := range index.Chunk(ids) {
		where := index.Where().Term("deleted", 0).Active().In("component_id", chunk).
			And(crit.BranchPredicate(snomed.TypeConcept))
		frag, args := where.Render()
		rows, err := s.db.Query(ctx,
			fmt.Sprintf(`SELECT DISTINCT component_id FROM concept WHERE %s`, frag), args...)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return nil, err
			}
			out[id] = true
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}
	return out, nil
}

// AllActiveConceptIDs streams every visible active concept id on the branch.
func (s *Store) AllActiveConceptIDs(ctx context.Context, crit *branch.Criteria) ([]string, error) {
	return s.ConceptIDPage(ctx, crit, 0, 0)
}

// DB exposes the index handle for sibling packages that maintain their own
// tables under the same version-control rules (the semantic index).
func (s *Store) DB() *index.DB { return s.db }

// MembersByReferenced loads visible members pointing at the referenced
// components, optionally restricted to one refset.
func (s *Store) MembersByReferenced(ctx context.Context, crit *branch.Criteria, referencedIDs []string, refsetID string) ([]*snomed.ReferenceSetMember, error) {
	var out []*snomed.ReferenceSetMember
	for _, chunk := range index.Chunk(referencedIDs) {
		extra := index.Where().In("referenced_component_id", chunk)
		if refsetID != "" {
			extra.Term("refset_id", refsetID)
		}
		comps, err := s.selectVisible(ctx, crit, snomed.TypeMember, extra, "", 0, 0)
		if err != nil {
			return nil, err
		}
		for _, c := range comps {
			out = append(out, c.(*snomed.ReferenceSetMember))
		}
	}
	return out, nil
}

// ActiveRefsetReferencedIDs returns the referenced component ids of the
// active members of one refset, for memberOf resolution.
func (s *Store) ActiveRefsetReferencedIDs(ctx context.Context, crit *branch.Criteria, refsetID string) ([]string, error) {
	where := index.Where().Term("deleted", 0).Active().Term("refset_id", refsetID).
		And(crit.BranchPredicate(snomed.TypeMember))
	frag, args := where.Render()
	rows, err := s.db.Query(ctx,
		fmt.Sprintf(`SELECT DISTINCT referenced_component_id FROM member WHERE %s`, frag), args...)
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

// MembersByConcept loads visible members owned by the given concepts
// (language members of their descriptions included via ConceptID).
func (s *Store) MembersByConcept(ctx context.Context, crit *branch.Criteria, conceptIDs []string) ([]*snomed.ReferenceSetMember, error) {
	var out []*snomed.ReferenceSetMember
	for _, chunk := range index.Chunk(conceptIDs) {
		comps, err := s.selectVisible(ctx, crit, snomed.TypeMember,
			index.Where().In("concept_id", chunk), "", 0, 0)
		if err != nil {
			return nil, err
		}
		for _, c := range comps {
			out = append(out, c.(*snomed.ReferenceSetMember))
		}
	}
	return out, nil
}

// StreamConcepts streams every visible active concept on the branch in id
// order, loading payloads page by page. The error channel reports query or
// payload failures and ctx cancellation.
func (s *Store) StreamConcepts(ctx context.Context, crit *branch.Criteria) (<-chan *snomed.Concept, <-chan error, error) {
	out := make(chan *snomed.Concept)
	errc := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errc)

		const pageSize = index.MaxClauseCount
		for offset := 0; ; offset += pageSize {
			ids, err := s.ConceptIDPage(ctx, crit, pageSize, offset)
			if err != nil {
				errc <- err
				return
			}
			if len(ids) == 0 {
				return
			}
			concepts, err := s.Concepts(ctx, crit, ids)
			if err != nil {
				errc <- err
				return
			}
			for _, id := range ids {
				c, ok := concepts[id]
				if !ok {
					continue
				}
				select {
				case out <- c:
				case <-ctx.Done():
					errc <- ctx.Err()
					return
				}
			}
		}
	}()

	return out, errc, nil
}

// FindMember returns the visible reference set member with the given id.
func (s *Store) FindMember(ctx context.Context, crit *branch.Criteria, memberID string) (*snomed.ReferenceSetMember, error) {
	comps, err := s.selectVisible(ctx, crit, snomed.TypeMember,
		index.Where().Term("component_id", memberID), "", 0, 0)
	if err != nil {
		return nil, err
	}
	if len(comps) == 0 {
		return nil, fmt.Errorf("member %s on %s: %w", memberID, crit.Path(), snomed.ErrNotFound)
	}
	return comps[0].(*snomed.ReferenceSetMember), nil
}

// History lists every version of a component across the branch ancestry,
// newest first, tombstones included.
func (s *Store) History(ctx context.Context, paths []string, typeName, componentID string) ([]snomed.Component, error) {
	spec := specs[typeName]
	where := index.Where().Term("component_id", componentID).In("path", paths)
	frag, args := where.Render()
	rows, err := s.db.Query(ctx, fmt.Sprintf(
		`SELECT cid, deleted FROM %s WHERE %s ORDER BY start DESC`, spec.table, frag), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []snomed.Component
	for rows.Next() {
		var cidStr string
		var deleted int
		if err := rows.Scan(&cidStr, &deleted); err != nil {
			return nil, err
		}
		c, err := s.loadComponent(ctx, typeName, cidStr)
		if err != nil {
			return nil, err
		}
		if deleted != 0 {
			c.Envelope().Deleted = true
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// CurrentOnBranch returns the current (end-open) components authored on
// exactly this branch path, for promotion and conflict checks. Tombstones
// are included and come back with Deleted set.
func (s *Store) CurrentOnBranch(ctx context.Context, path, typeName string, since int64) ([]snomed.Component, error) {
	spec := specs[typeName]
	rows, err := s.db.Query(ctx, fmt.Sprintf(
		`SELECT component_id, cid, deleted FROM %s WHERE path = ? AND "end" IS NULL AND start > ?`, spec.table),
		path, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []snomed.Component
	for rows.Next() {
		var id, cidStr string
		var deleted int
		if err := rows.Scan(&id, &cidStr, &deleted); err != nil {
			return nil, err
		}
		c, err := s.loadComponent(ctx, typeName, cidStr)
		if err != nil {
			return nil, err
		}
		if deleted != 0 {
			c.Envelope().Deleted = true
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ChangedIDsOnBranch lists component ids written on the branch path after
// the since timepoint, tombstones included. Drives rebase conflict checks.
func (s *Store) ChangedIDsOnBranch(ctx context.Context, path, typeName string, since int64) ([]string, error) {
	spec := specs[typeName]
	rows, err := s.db.Query(ctx, fmt.Sprintf(
		`SELECT DISTINCT component_id FROM %s WHERE path = ? AND start > ?`, spec.table), path, since)
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

// EndBranchVersions stamps end on the branch's open rows for the ids, used
// when promotion moves content up to the parent.
func (s *Store) EndBranchVersions(ctx context.Context, path, typeName string, ids []string, timepoint int64) error {
	spec := specs[typeName]
	for _, chunk := range index.Chunk(ids) {
		where := index.Where().Term("path", path).Raw(`"end" IS NULL`).In("component_id", chunk)
		frag, args := where.Render()
		if _, err := s.db.Exec(ctx,
			fmt.Sprintf(`UPDATE %s SET "end" = ? WHERE %s`, spec.table, frag),
			append([]any{timepoint}, args...)...); err != nil {
			return err
		}
	}
	return nil
}
