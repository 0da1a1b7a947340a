// Package store holds the per-component-type repositories over the search
// index and the blockstore, obeying the branch version-control semantics:
// append-only version rows stamped (path, start, end), payloads addressed
// by CID, shadowing through the branch versions-replaced sets.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"termstore/blockstore"
	"termstore/branch"
	"termstore/index"
	"termstore/snomed"
)

// Store is the component store facade. One instance serves all branches.
type Store struct {
	db       *index.DB
	blocks   blockstore.Blockstore
	Criteria *branch.CriteriaBuilder
	log      *logrus.Entry
}

func New(db *index.DB, blocks blockstore.Blockstore, cb *branch.CriteriaBuilder) *Store {
	return &Store{
		db:       db,
		blocks:   blocks,
		Criteria: cb,
		log:      logrus.WithField("component", "store"),
	}
}

// tableSpec describes how one component type maps onto its index table.
type tableSpec struct {
	table     string
	extraCols []string
	extraVals func(c snomed.Component) []any
	decode    func(data []byte) (snomed.Component, error)
}

var specs = map[string]tableSpec{
	snomed.TypeConcept: {
		table:     "concept",
		extraCols: []string{"definition_status_id"},
		extraVals: func(c snomed.Component) []any {
			con := c.(*snomed.Concept)
			return []any{con.DefinitionStatusID}
		},
		decode: func(data []byte) (snomed.Component, error) {
			var c snomed.Concept
			return &c, json.Unmarshal(data, &c)
		},
	},
	snomed.TypeDescription: {
		table:     "description",
		extraCols: []string{"concept_id", "term", "language_code", "type_id", "case_significance_id"},
		extraVals: func(c snomed.Component) []any {
			d := c.(*snomed.Description)
			return []any{d.ConceptID, d.Term, d.LanguageCode, d.TypeID, d.CaseSignificanceID}
		},
		decode: func(data []byte) (snomed.Component, error) {
			var d snomed.Description
			return &d, json.Unmarshal(data, &d)
		},
	},
	snomed.TypeRelationship: {
		table:     "relationship",
		extraCols: []string{"source_id", "destination_id", "type_id", "group_id", "characteristic_type_id", "modifier_id"},
		extraVals: func(c snomed.Component) []any {
			r := c.(*snomed.Relationship)
			return []any{r.SourceID, r.DestinationID, r.TypeID, r.Group, r.CharacteristicTypeID, r.ModifierID}
		},
		decode: func(data []byte) (snomed.Component, error) {
			var r snomed.Relationship
			return &r, json.Unmarshal(data, &r)
		},
	},
	snomed.TypeMember: {
		table:     "member",
		extraCols: []string{"refset_id", "referenced_component_id", "concept_id", "additional_fields"},
		extraVals: func(c snomed.Component) []any {
			m := c.(*snomed.ReferenceSetMember)
			fields, _ := json.Marshal(m.AdditionalFields)
			return []any{m.RefsetID, m.ReferencedComponentID, m.ConceptID, string(fields)}
		},
		decode: func(data []byte) (snomed.Component, error) {
			var m snomed.ReferenceSetMember
			return &m, json.Unmarshal(data, &m)
		},
	},
}

func payload(c snomed.Component) ([]byte, error) {
	switch v := c.(type) {
	case *snomed.Concept:
		return json.Marshal(v.Flat())
	case *snomed.Description:
		return json.Marshal(v.Flat())
	default:
		return json.Marshal(c)
	}
}

// SaveBatch writes component versions under the commit timepoint: new rows
// get start = timepoint, superseded same-branch rows get end stamped, and
// superseded ancestor rows join the commit's versions-replaced set.
// Deletions of never-released components remove their branch rows outright;
// released components get a tombstone row.
func (s *Store) SaveBatch(ctx context.Context, commit *branch.Commit, components []snomed.Component) error {
	if len(components) == 0 {
		return nil
	}
	byType := map[string][]snomed.Component{}
	for _, c := range components {
		if c == nil || c.ID() == "" {
			continue
		}
		byType[c.TypeName()] = append(byType[c.TypeName()], c)
	}

	for typeName, batch := range byType {
		if err := s.saveTypeBatch(ctx, commit, typeName, batch); err != nil {
			return err
		}
	}
	return nil
}

type existingRow struct {
	rowid    int64
	path     string
	start    int64
	released bool
}

func (s *Store) saveTypeBatch(ctx context.Context, commit *branch.Commit, typeName string, batch []snomed.Component) error {
	spec := specs[typeName]

	// Inactive, never-released members are garbage-collected rather than
	// persisted as retirements that were never published.
	if typeName == snomed.TypeMember {
		for _, c := range batch {
			env := c.Envelope()
			if !env.Active && !env.Released && !env.Deleted {
				env.MarkDeleted()
			}
		}
	}

	ids := make([]string, 0, len(batch))
	for _, c := range batch {
		ids = append(ids, c.ID())
	}
	existing, err := s.existingRows(ctx, commit, typeName, ids)
	if err != nil {
		return err
	}

	commit.OnRollback(func(rctx context.Context) error {
		_, err := s.db.Exec(rctx,
			fmt.Sprintf(`DELETE FROM %s WHERE path = ? AND start = ?`, spec.table),
			commit.Path(), commit.Timepoint)
		return err
	})

	for _, c := range batch {
		env := c.Envelope()
		prior := existing[c.ID()]

		if prior != nil {
			if prior.path == commit.Path() {
				if env.Deleted && !prior.released && !env.Released {
					// Never published on this branch: drop the rows outright.
					if _, err := s.db.Exec(ctx,
						fmt.Sprintf(`DELETE FROM %s WHERE component_id = ? AND path = ?`, spec.table),
						c.ID(), commit.Path()); err != nil {
						return fmt.Errorf("delete unreleased %s %s: %w", typeName, c.ID(), err)
					}
					continue
				}
				if prior.start == commit.Timepoint {
					// Rewritten within the same commit: replace in place.
					if _, err := s.db.Exec(ctx,
						fmt.Sprintf(`DELETE FROM %s WHERE rowid = ?`, spec.table), prior.rowid); err != nil {
						return err
					}
				} else {
					if _, err := s.db.Exec(ctx,
						fmt.Sprintf(`UPDATE %s SET "end" = ? WHERE rowid = ?`, spec.table),
						commit.Timepoint, prior.rowid); err != nil {
						return fmt.Errorf("supersede %s %s: %w", typeName, c.ID(), err)
					}
				}
			} else {
				commit.AddVersionsReplaced(typeName, c.ID())
			}
		} else if env.Deleted {
			// Deleting something that is not visible is a no-op.
			continue
		}

		env.Path = commit.Path()
		env.Start = commit.Timepoint
		env.End = 0

		if err := s.insertRow(ctx, spec, c); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) insertRow(ctx context.Context, spec tableSpec, c snomed.Component) error {
	env := c.Envelope()
	data, err := payload(c)
	if err != nil {
		return fmt.Errorf("encode %s %s: %w", c.TypeName(), c.ID(), err)
	}
	cidv, err := s.blocks.Put(ctx, data)
	if err != nil {
		return fmt.Errorf("store payload %s %s: %w", c.TypeName(), c.ID(), err)
	}

	cols := []string{"component_id", "path", "start", `"end"`, "active", "module_id",
		"effective_time", "released", "release_hash", "deleted", "cid"}
	vals := []any{c.ID(), env.Path, env.Start, nullableInt(env.End), boolInt(env.Active),
		env.ModuleID, env.EffectiveTime, boolInt(env.Released), env.ReleaseHash,
		boolInt(env.Deleted), cidv.String()}
	cols = append(cols, spec.extraCols...)
	vals = append(vals, spec.extraVals(c)...)

	q := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)`,
		spec.table, strings.Join(cols, ", "), strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", "))
	if _, err := s.db.Exec(ctx, q, vals...); err != nil {
		return fmt.Errorf("insert %s %s: %w", c.TypeName(), c.ID(), err)
	}
	return nil
}

// existingRows locates the currently visible version row of each id for the
// commit's branch, including rows written earlier in the same commit.
func (s *Store) existingRows(ctx context.Context, commit *branch.Commit, typeName string, ids []string) (map[string]*existingRow, error) {
	crit, err := s.Criteria.IncludingOpenCommit(commit)
	if err != nil {
		return nil, err
	}
	spec := specs[typeName]
	out := map[string]*existingRow{}
	legRank := legPriority(crit)

	for _, chunk := range index.Chunk(ids) {
		where := index.Where().In("component_id", chunk).Term("deleted", 0).And(crit.BranchPredicate(typeName))
		frag, args := where.Render()
		rows, err := s.db.Query(ctx, fmt.Sprintf(
			`SELECT rowid, component_id, path, start, released FROM %s WHERE %s`, spec.table, frag), args...)
		if err != nil {
			return nil, err
		}
		if err := scanExisting(rows, legRank, out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func scanExisting(rows *sql.Rows, legRank map[string]int, out map[string]*existingRow) error {
	defer rows.Close()
	for rows.Next() {
		var r existingRow
		var id string
		var released int
		if err := rows.Scan(&r.rowid, &id, &r.path, &r.start, &released); err != nil {
			return err
		}
		r.released = released != 0
		if prev, ok := out[id]; ok && legRank[prev.path] <= legRank[r.path] {
			continue
		}
		out[id] = &r
	}
	return rows.Err()
}

// legPriority ranks branch paths nearest-first for duplicate resolution.
func legPriority(crit *branch.Criteria) map[string]int {
	rank := map[string]int{}
	p := crit.Path()
	i := 0
	for ; p != ""; p = branch.ParentPath(p) {
		rank[p] = i
		i++
	}
	return rank
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableInt(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}
