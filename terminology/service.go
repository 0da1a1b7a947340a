// Package terminology wires the branch registry, component store, update
// pipeline, semantic index and ECL executor into one service. It owns the
// commit lifecycle: every write operation opens a commit, runs the pipeline
// and the semantic index maintenance, and either flips visibility or rolls
// the whole commit back.
package terminology

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"termstore/blockstore"
	"termstore/branch"
	"termstore/datastore"
	"termstore/ecl"
	"termstore/index"
	"termstore/semindex"
	"termstore/snomed"
	"termstore/store"
	"termstore/update"
)

// Options tunes the storage layers underneath the service.
type Options struct {
	BlockCacheSize int
	Index          index.Options
	// Identifiers overrides the identifier source; nil uses the local
	// sequential source.
	Identifiers snomed.IdentifierSource
}

// Service is the terminology server core.
type Service struct {
	Registry *branch.Registry
	Store    *store.Store
	Pipeline *update.Pipeline
	Semantic *semindex.Maintainer
	ECL      *ecl.Executor

	ds  datastore.Datastore
	db  *index.DB
	log *logrus.Entry
}

// Open creates or opens a service rooted at dir: a badger datastore for
// branch rows and payload blocks, and a SQLite search index next to it.
// MAIN is created on first open.
func Open(ctx context.Context, dir string, opts Options) (*Service, error) {
	ds, err := datastore.Open(filepath.Join(dir, "datastore"), nil)
	if err != nil {
		return nil, fmt.Errorf("open datastore: %w", err)
	}
	db, err := index.Open(filepath.Join(dir, "index.db"), opts.Index)
	if err != nil {
		ds.Close()
		return nil, fmt.Errorf("open index: %w", err)
	}
	registry, err := branch.NewRegistry(ctx, ds)
	if err != nil {
		ds.Close()
		db.Close()
		return nil, err
	}

	blocks := blockstore.New(ds, opts.BlockCacheSize)
	cb := branch.NewCriteriaBuilder(registry)
	st := store.New(db, blocks, cb)
	ids := opts.Identifiers
	if ids == nil {
		ids = snomed.NewLocalIdentifierSource()
	}
	sem := semindex.NewMaintainer(st)

	svc := &Service{
		Registry: registry,
		Store:    st,
		Pipeline: update.NewPipeline(st, ids),
		Semantic: sem,
		ECL:      ecl.NewExecutor(st, sem),
		ds:       ds,
		db:       db,
		log:      logrus.WithField("component", "terminology"),
	}

	if !registry.Exists(branch.Main) {
		if _, err := registry.Create(ctx, branch.Main); err != nil {
			svc.Close()
			return nil, err
		}
	}
	return svc, nil
}

func (s *Service) Close() error {
	if err := s.db.Close(); err != nil {
		s.ds.Close()
		return err
	}
	return s.ds.Close()
}

// CreateBranch adds a branch under an existing parent.
func (s *Service) CreateBranch(ctx context.Context, path string) (*branch.Branch, error) {
	return s.Registry.Create(ctx, path)
}

// SaveConcepts runs the update pipeline for the aggregates on the branch,
// maintains the semantic index and commits. Any error rolls back.
func (s *Service) SaveConcepts(ctx context.Context, path string, concepts []*snomed.Concept) (*update.Result, error) {
	if len(concepts) == 0 {
		return &update.Result{}, nil
	}
	commit, err := s.Registry.OpenCommit(ctx, path)
	if err != nil {
		return nil, err
	}
	res, err := s.Pipeline.SaveConcepts(ctx, commit, concepts)
	if err != nil {
		commit.Rollback(ctx)
		return nil, err
	}
	if err := s.maintainSemantics(ctx, commit, res); err != nil {
		commit.Rollback(ctx)
		return nil, err
	}
	if err := commit.MarkSuccessful(ctx); err != nil {
		commit.Rollback(ctx)
		return nil, err
	}
	return res, nil
}

func (s *Service) maintainSemantics(ctx context.Context, commit *branch.Commit, res *update.Result) error {
	if err := s.Semantic.UpdateForCommit(ctx, commit, semindex.Stated, res.StatedDelta); err != nil {
		return err
	}
	return s.Semantic.UpdateForCommit(ctx, commit, semindex.Inferred, res.InferredDelta)
}

// FindConcept assembles the full authoring aggregate of a concept as
// visible on the branch.
func (s *Service) FindConcept(ctx context.Context, path, conceptID string) (*snomed.Concept, error) {
	crit, err := s.Store.Criteria.ForBranch(path)
	if err != nil {
		return nil, err
	}
	concept, err := s.Store.FindConcept(ctx, crit, conceptID)
	if err != nil {
		return nil, err
	}

	descs, err := s.Store.DescriptionsByConcepts(ctx, crit, []string{conceptID})
	if err != nil {
		return nil, err
	}
	rels, err := s.Store.RelationshipsBySource(ctx, crit, []string{conceptID}, "")
	if err != nil {
		return nil, err
	}
	members, err := s.Store.MembersByConcept(ctx, crit, []string{conceptID})
	if err != nil {
		return nil, err
	}

	langByDesc := map[string][]*snomed.ReferenceSetMember{}
	for _, m := range members {
		switch {
		case m.RefsetID == snomed.OWLAxiomRefset && m.Active:
			ax, err := s.memberToAxiom(m)
			if err != nil {
				s.log.WithError(err).WithField("member", m.MemberID).Warn("skipping unparseable axiom member")
				continue
			}
			if ax.gci {
				concept.GCIAxioms = append(concept.GCIAxioms, ax.axiom)
			} else {
				concept.ClassAxioms = append(concept.ClassAxioms, ax.axiom)
			}
		case m.RefsetID == snomed.ConceptInactivationRefset && m.Active:
			concept.InactivationIndicator = snomed.InactivationIndicatorNames[m.Field(snomed.FieldValueID)]
		case snomed.AssociationRefsetNames[m.RefsetID] != "" && m.Active && m.ReferencedComponentID == conceptID:
			name := snomed.AssociationRefsetNames[m.RefsetID]
			if concept.AssociationTargets == nil {
				concept.AssociationTargets = map[string][]string{}
			}
			concept.AssociationTargets[name] = append(concept.AssociationTargets[name], m.Field(snomed.FieldTargetComponentID))
		case m.Field(snomed.FieldAcceptabilityID) != "" && m.Active:
			langByDesc[m.ReferencedComponentID] = append(langByDesc[m.ReferencedComponentID], m)
		case m.RefsetID == snomed.DescriptionInactivationRefset && m.Active:
			// Attached to descriptions below.
		}
	}

	for _, d := range descs {
		for _, m := range langByDesc[d.DescriptionID] {
			if d.Acceptability == nil {
				d.Acceptability = map[string]string{}
			}
			d.Acceptability[m.RefsetID] = snomed.AcceptabilityNames[m.Field(snomed.FieldAcceptabilityID)]
		}
		for _, m := range members {
			if m.RefsetID == snomed.DescriptionInactivationRefset && m.Active && m.ReferencedComponentID == d.DescriptionID {
				d.InactivationIndicator = snomed.InactivationIndicatorNames[m.Field(snomed.FieldValueID)]
			}
		}
	}
	concept.Descriptions = descs
	concept.Relationships = rels
	return concept, nil
}

type parsedAxiom struct {
	axiom *snomed.Axiom
	gci   bool
}

func (s *Service) memberToAxiom(m *snomed.ReferenceSetMember) (*parsedAxiom, error) {
	expr, err := s.Semantic.ParseAxiom(m)
	if err != nil {
		return nil, err
	}
	if expr == nil {
		return nil, fmt.Errorf("%w: axiom member %s has no owlExpression", snomed.ErrInvalidArgument, m.MemberID)
	}
	return &parsedAxiom{
		axiom: &snomed.Axiom{
			AxiomID:            m.MemberID,
			Active:             m.Active,
			ModuleID:           m.ModuleID,
			Released:           m.Released,
			DefinitionStatusID: expr.DefinitionStatusID,
			Relationships:      expr.Relationships,
		},
		gci: expr.GCI,
	}, nil
}

// DeleteConcept removes the concept and all its dependents from the branch.
func (s *Service) DeleteConcept(ctx context.Context, path, conceptID string) error {
	commit, err := s.Registry.OpenCommit(ctx, path)
	if err != nil {
		return err
	}
	res, err := s.Pipeline.DeleteConcept(ctx, commit, conceptID)
	if err != nil {
		commit.Rollback(ctx)
		return err
	}
	if err := s.maintainSemantics(ctx, commit, res); err != nil {
		commit.Rollback(ctx)
		return err
	}
	if err := commit.MarkSuccessful(ctx); err != nil {
		commit.Rollback(ctx)
		return err
	}
	return nil
}

// DeleteRefsetMember removes one member. Deleting an OWL axiom member
// re-derives the owning concept's definition status from the remaining
// axioms in the same commit.
func (s *Service) DeleteRefsetMember(ctx context.Context, path, memberID string) error {
	commit, err := s.Registry.OpenCommit(ctx, path)
	if err != nil {
		return err
	}
	err = s.deleteMemberInCommit(ctx, commit, memberID)
	if err != nil {
		commit.Rollback(ctx)
		return err
	}
	if err := commit.MarkSuccessful(ctx); err != nil {
		commit.Rollback(ctx)
		return err
	}
	return nil
}

func (s *Service) deleteMemberInCommit(ctx context.Context, commit *branch.Commit, memberID string) error {
	crit, err := s.Store.Criteria.IncludingOpenCommit(commit)
	if err != nil {
		return err
	}
	member, err := s.Store.FindMember(ctx, crit, memberID)
	if err != nil {
		return err
	}
	member.MarkDeleted()
	if err := s.Store.SaveBatch(ctx, commit, []snomed.Component{member}); err != nil {
		return err
	}

	if member.RefsetID != snomed.OWLAxiomRefset {
		return nil
	}

	// Axiom coupling: recompute the definition status from what remains.
	conceptID := member.ReferencedComponentID
	if err := s.updateDefinitionStatus(ctx, commit, conceptID); err != nil {
		return err
	}
	return s.Semantic.UpdateForCommit(ctx, commit, semindex.Stated, []string{conceptID})
}

// updateDefinitionStatus enforces the definition-status/axiom invariant:
// fullyDefined iff at least one active EquivalentClasses axiom remains.
func (s *Service) updateDefinitionStatus(ctx context.Context, commit *branch.Commit, conceptID string) error {
	crit, err := s.Store.Criteria.IncludingOpenCommit(commit)
	if err != nil {
		return err
	}
	concept, err := s.Store.FindConcept(ctx, crit, conceptID)
	if err != nil {
		return err
	}
	members, err := s.Store.MembersByReferenced(ctx, crit, []string{conceptID}, snomed.OWLAxiomRefset)
	if err != nil {
		return err
	}

	status := snomed.Primitive
	for _, m := range members {
		if !m.Active {
			continue
		}
		expr, err := s.Semantic.ParseAxiom(m)
		if err != nil || expr == nil {
			continue
		}
		if !expr.GCI && expr.DefinitionStatusID == snomed.FullyDefined {
			status = snomed.FullyDefined
			break
		}
	}
	if concept.DefinitionStatusID == status {
		return nil
	}
	concept.DefinitionStatusID = status
	snomed.UpdateEffectiveTime(concept)
	concept.MarkChanged()
	return s.Store.SaveBatch(ctx, commit, []snomed.Component{concept})
}

// Query executes an ECL expression on the branch over the inferred form.
func (s *Service) Query(ctx context.Context, path, expression string, limit, offset int) ([]string, error) {
	return s.ECL.Execute(ctx, path, expression, semindex.Inferred, limit, offset)
}

// QueryStated executes an ECL expression over the stated form.
func (s *Service) QueryStated(ctx context.Context, path, expression string, limit, offset int) ([]string, error) {
	return s.ECL.Execute(ctx, path, expression, semindex.Stated, limit, offset)
}

// RebuildSemanticIndex recomputes both forms for a branch from scratch.
func (s *Service) RebuildSemanticIndex(ctx context.Context, path string) error {
	commit, err := s.Registry.OpenCommit(ctx, path)
	if err != nil {
		return err
	}
	for _, form := range []string{semindex.Stated, semindex.Inferred} {
		if err := s.Semantic.Rebuild(ctx, commit, form); err != nil {
			commit.Rollback(ctx)
			return err
		}
	}
	if err := commit.MarkSuccessful(ctx); err != nil {
		commit.Rollback(ctx)
		return err
	}
	return nil
}
