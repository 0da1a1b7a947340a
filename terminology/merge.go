package terminology

import (
	"context"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"termstore/semindex"
	"termstore/snomed"
)

var componentTypes = []string{
	snomed.TypeConcept, snomed.TypeDescription, snomed.TypeRelationship, snomed.TypeMember,
}

// MergeConflict names one component modified on both sides since the
// child's base. Conflicts surface to the merge-review layer; nothing is
// auto-resolved.
type MergeConflict struct {
	Type        string `json:"type"`
	ComponentID string `json:"componentId"`
}

// RebaseBranch pulls the parent's changes into the branch by advancing its
// base to the parent's head. When both sides modified the same component
// since the last sync the rebase stops and returns the conflicts with
// ErrConflict.
func (s *Service) RebaseBranch(ctx context.Context, path string) ([]MergeConflict, error) {
	b, err := s.Registry.Find(path)
	if err != nil {
		return nil, err
	}
	parentPath := b.Parent()
	if parentPath == "" {
		return nil, fmt.Errorf("%w: cannot rebase %s", snomed.ErrInvalidArgument, path)
	}
	parent, err := s.Registry.Find(parentPath)
	if err != nil {
		return nil, err
	}

	conflicts, err := s.findConflicts(ctx, path, parentPath, b.Base)
	if err != nil {
		return nil, err
	}
	if len(conflicts) > 0 {
		return conflicts, fmt.Errorf("rebase of %s: %d conflicting components: %w",
			path, len(conflicts), snomed.ErrConflict)
	}

	commit, err := s.Registry.OpenCommit(ctx, path)
	if err != nil {
		return nil, err
	}
	commit.Rebase = true
	commit.Branch().Base = parent.Head

	// Concepts whose ISA footprint changed on the parent side need their
	// closure rows refreshed on this branch.
	touched, err := s.changedConceptFootprint(ctx, parentPath, b.Base)
	if err != nil {
		commit.Rollback(ctx)
		return nil, err
	}
	for _, form := range []string{semindex.Stated, semindex.Inferred} {
		if err := s.Semantic.UpdateForCommit(ctx, commit, form, touched); err != nil {
			commit.Rollback(ctx)
			return nil, err
		}
	}
	if err := commit.MarkSuccessful(ctx); err != nil {
		commit.Rollback(ctx)
		return nil, err
	}
	s.log.WithFields(logrus.Fields{"path": path, "base": parent.Head}).Info("branch rebased")
	return nil, nil
}

func (s *Service) findConflicts(ctx context.Context, childPath, parentPath string, since int64) ([]MergeConflict, error) {
	var out []MergeConflict
	for _, typeName := range componentTypes {
		childChanged, err := s.Store.ChangedIDsOnBranch(ctx, childPath, typeName, since)
		if err != nil {
			return nil, err
		}
		if len(childChanged) == 0 {
			continue
		}
		parentChanged, err := s.Store.ChangedIDsOnBranch(ctx, parentPath, typeName, since)
		if err != nil {
			return nil, err
		}
		onParent := map[string]bool{}
		for _, id := range parentChanged {
			onParent[id] = true
		}
		for _, id := range childChanged {
			if onParent[id] {
				out = append(out, MergeConflict{Type: typeName, ComponentID: id})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}
		return out[i].ComponentID < out[j].ComponentID
	})
	return out, nil
}

// changedConceptFootprint maps components changed on a branch since a
// timepoint onto the concept ids whose ISA footprint they affect.
func (s *Service) changedConceptFootprint(ctx context.Context, path string, since int64) ([]string, error) {
	set := map[string]bool{}
	conceptIDs, err := s.Store.ChangedIDsOnBranch(ctx, path, snomed.TypeConcept, since)
	if err != nil {
		return nil, err
	}
	for _, id := range conceptIDs {
		set[id] = true
	}
	rels, err := s.Store.CurrentOnBranch(ctx, path, snomed.TypeRelationship, since)
	if err != nil {
		return nil, err
	}
	for _, c := range rels {
		r := c.(*snomed.Relationship)
		if r.TypeID == snomed.ISA {
			set[r.SourceID] = true
		}
	}
	members, err := s.Store.CurrentOnBranch(ctx, path, snomed.TypeMember, since)
	if err != nil {
		return nil, err
	}
	for _, c := range members {
		m := c.(*snomed.ReferenceSetMember)
		if m.RefsetID == snomed.OWLAxiomRefset {
			set[m.ReferencedComponentID] = true
		}
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// PromoteBranch replays the branch's changes onto the parent at a new
// parent timepoint and empties the branch. The branch must be rebased to
// the parent's current head first.
func (s *Service) PromoteBranch(ctx context.Context, path string) error {
	b, err := s.Registry.Find(path)
	if err != nil {
		return err
	}
	parentPath := b.Parent()
	if parentPath == "" {
		return fmt.Errorf("%w: cannot promote %s", snomed.ErrInvalidArgument, path)
	}
	parent, err := s.Registry.Find(parentPath)
	if err != nil {
		return err
	}
	if b.Base < parent.Head {
		return fmt.Errorf("%w: %s is behind %s, rebase first", snomed.ErrConflict, path, parentPath)
	}

	// Lock order is parent before child, always.
	parentCommit, err := s.Registry.OpenCommit(ctx, parentPath)
	if err != nil {
		return err
	}
	childCommit, err := s.Registry.OpenCommit(ctx, path)
	if err != nil {
		parentCommit.Rollback(ctx)
		return err
	}
	rollback := func() {
		childCommit.Rollback(ctx)
		parentCommit.Rollback(ctx)
	}

	touched := map[string]bool{}
	endIDs := map[string][]string{}
	for _, typeName := range componentTypes {
		comps, err := s.Store.CurrentOnBranch(ctx, path, typeName, 0)
		if err != nil {
			rollback()
			return err
		}
		if len(comps) == 0 {
			continue
		}
		for _, c := range comps {
			endIDs[typeName] = append(endIDs[typeName], c.ID())
			switch v := c.(type) {
			case *snomed.Concept:
				touched[v.ConceptID] = true
			case *snomed.Relationship:
				if v.TypeID == snomed.ISA {
					touched[v.SourceID] = true
				}
			case *snomed.ReferenceSetMember:
				if v.RefsetID == snomed.OWLAxiomRefset {
					touched[v.ReferencedComponentID] = true
				}
			}
		}
		if err := s.Store.SaveBatch(ctx, parentCommit, comps); err != nil {
			rollback()
			return err
		}
	}

	touchedIDs := make([]string, 0, len(touched))
	for id := range touched {
		touchedIDs = append(touchedIDs, id)
	}
	sort.Strings(touchedIDs)
	for _, form := range []string{semindex.Stated, semindex.Inferred} {
		if err := s.Semantic.UpdateForCommit(ctx, parentCommit, form, touchedIDs); err != nil {
			rollback()
			return err
		}
	}

	// Empty the child: end its authored rows and drop its closure rows.
	for typeName, ids := range endIDs {
		if err := s.Store.EndBranchVersions(ctx, path, typeName, ids, childCommit.Timepoint); err != nil {
			rollback()
			return err
		}
	}
	if err := s.endSemanticRows(ctx, path, childCommit.Timepoint); err != nil {
		rollback()
		return err
	}
	childCommit.Branch().Base = parentCommit.Timepoint
	childCommit.Branch().VersionsReplaced = nil

	if err := parentCommit.MarkSuccessful(ctx); err != nil {
		rollback()
		return err
	}
	if err := childCommit.MarkSuccessful(ctx); err != nil {
		// The parent half is already visible; the child lock releases with
		// its state unchanged and the promotion can be retried.
		childCommit.Rollback(ctx)
		return err
	}
	s.log.WithFields(logrus.Fields{"path": path, "parent": parentPath}).Info("branch promoted")
	return nil
}

func (s *Service) endSemanticRows(ctx context.Context, path string, timepoint int64) error {
	for _, table := range []string{"query_concept", "query_ancestor"} {
		if _, err := s.db.Exec(ctx,
			fmt.Sprintf(`UPDATE %s SET "end" = ? WHERE path = ? AND "end" IS NULL`, table),
			timepoint, path); err != nil {
			return err
		}
	}
	return nil
}

// Compact removes orphaned rows left behind by commits that failed before
// their head advanced: rows on the branch stamped after its head are
// invisible by construction and safe to delete.
func (s *Service) Compact(ctx context.Context, path string) error {
	b, err := s.Registry.Find(path)
	if err != nil {
		return err
	}
	if b.Locked {
		return fmt.Errorf("branch %s: %w", path, snomed.ErrBranchLocked)
	}
	tables := []string{"concept", "description", "relationship", "member", "query_concept", "query_ancestor"}
	for _, table := range tables {
		res, err := s.db.Exec(ctx,
			fmt.Sprintf(`DELETE FROM %s WHERE path = ? AND start > ?`, table), path, b.Head)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			s.log.WithFields(logrus.Fields{"path": path, "table": table, "rows": n}).
				Info("compacted orphan rows")
		}
	}
	return nil
}
