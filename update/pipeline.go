// Package update implements the commit-scoped batch that diffs incoming
// concept aggregates against the existing branch view, assigns identifiers,
// writes new and retired component versions and keeps the reference-set
// side tables (language acceptability, inactivation indicators, historical
// associations, OWL axioms) consistent.
package update

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"termstore/axiom"
	"termstore/branch"
	"termstore/snomed"
	"termstore/store"
)

// Pipeline is stateless across commits; one instance serves all branches.
type Pipeline struct {
	store *store.Store
	ids   snomed.IdentifierSource
	log   *logrus.Entry
}

func NewPipeline(s *store.Store, ids snomed.IdentifierSource) *Pipeline {
	return &Pipeline{store: s, ids: ids, log: logrus.WithField("component", "update-pipeline")}
}

// Result carries the four persisted collections back to the caller for
// downstream triggers, plus the semantic-index delta.
type Result struct {
	Concepts      []*snomed.Concept
	Descriptions  []*snomed.Description
	Relationships []*snomed.Relationship
	Members       []*snomed.ReferenceSetMember

	// StatedDelta / InferredDelta are the concept ids whose ISA footprint
	// may have changed in the respective form.
	StatedDelta   []string
	InferredDelta []string
}

// existingView is the currently visible aggregate of one concept.
type existingView struct {
	concept       *snomed.Concept
	descriptions  map[string]*snomed.Description
	relationships map[string]*snomed.Relationship
	langMembers   map[string][]*snomed.ReferenceSetMember
	conceptInd    []*snomed.ReferenceSetMember
	descInd       map[string][]*snomed.ReferenceSetMember
	associations  []*snomed.ReferenceSetMember
	axioms        []*snomed.ReferenceSetMember
}

// SaveConcepts runs the full update batch under the commit. All write-path
// errors leave the commit for the caller to roll back; no partial state is
// ever visible.
func (p *Pipeline) SaveConcepts(ctx context.Context, commit *branch.Commit, concepts []*snomed.Concept) (*Result, error) {
	res := &Result{}
	if len(concepts) == 0 {
		return res, nil
	}

	// Step 1: validation, before any identifier is consumed.
	for _, c := range concepts {
		if err := validateConcept(c); err != nil {
			return nil, err
		}
	}

	// Step 2: batch identifier reservation.
	reserved, err := p.reserveIdentifiers(ctx, commit, concepts)
	if err != nil {
		return nil, err
	}

	// Step 3: load the existing view of every incoming concept.
	views, err := p.loadExisting(ctx, commit, concepts)
	if err != nil {
		return nil, err
	}

	deletedComponents := map[string]bool{}

	for _, c := range concepts {
		view := views[c.ConceptID]
		var existing *snomed.Concept
		if view != nil {
			existing = view.concept
		}

		// Step 4: axiom conversion.
		members, statusFromAxioms, err := p.convertAxioms(c, view)
		if err != nil {
			return nil, err
		}
		if statusFromAxioms != "" {
			c.DefinitionStatusID = statusFromAxioms
		}

		// Step 5: per-concept diff.
		if c.Active {
			c.InactivationIndicator = ""
			c.AssociationTargets = nil
		} else if view != nil {
			members = append(members, p.cascadeInactivation(c, view)...)
		}
		snomed.CopyReleaseDetails(c, conceptOrNil(existing))
		snomed.UpdateEffectiveTime(c)
		if commit.Rebase || snomed.ComponentChanged(c, conceptOrNil(existing)) {
			c.MarkChanged()
		}

		// Steps 6-8: description, indicator and association reconciliation.
		descs, descMembers, deletedDescs, err := p.reconcileDescriptions(commit, c, view)
		if err != nil {
			return nil, err
		}
		members = append(members, descMembers...)
		for _, id := range deletedDescs {
			deletedComponents[id] = true
		}

		indMembers, err := p.reconcileConceptIndicator(commit, c, view)
		if err != nil {
			return nil, err
		}
		members = append(members, indMembers...)

		assocMembers, err := p.reconcileAssociations(commit, c, view)
		if err != nil {
			return nil, err
		}
		members = append(members, assocMembers...)

		// Step 9: relationship finalization.
		rels, err := p.finalizeRelationships(commit, c, view)
		if err != nil {
			return nil, err
		}

		if c.Changed || c.Deleted {
			res.Concepts = append(res.Concepts, c)
		}
		res.Descriptions = append(res.Descriptions, descs...)
		res.Relationships = append(res.Relationships, rels...)
		res.Members = append(res.Members, members...)
	}

	// Step 11: cascade member deletion for components deleted in this batch.
	cascade, err := p.cascadeMemberDeletion(ctx, commit, deletedComponents, res.Members)
	if err != nil {
		return nil, err
	}
	res.Members = append(res.Members, cascade...)

	// Integrity policy: members whose referenced description vanished from
	// the batch view are dropped with a warning, not failed.
	res.Members = p.dropOrphanedMembers(res)

	// Step 10: persist the four collections under the commit timepoint.
	var batch []snomed.Component
	for _, c := range res.Concepts {
		batch = append(batch, c)
	}
	for _, d := range res.Descriptions {
		batch = append(batch, d)
	}
	for _, r := range res.Relationships {
		batch = append(batch, r)
	}
	for _, m := range res.Members {
		batch = append(batch, m)
	}
	if err := p.store.SaveBatch(ctx, commit, batch); err != nil {
		return nil, err
	}

	// Step 12: hand reserved ids to the external registry after visibility
	// flips.
	if len(reserved) > 0 {
		ids := p.ids
		commit.OnSuccessful(func(sctx context.Context) error {
			for partition, list := range reserved {
				if err := ids.RegisterIDs(sctx, partition, list); err != nil {
					return err
				}
			}
			return nil
		})
	}

	// Step 13: semantic-index delta.
	p.collectSemanticDelta(res, concepts)
	return res, nil
}

// DeleteConcept removes a concept and cascades over its descriptions,
// their language members and every member referencing the concept.
func (p *Pipeline) DeleteConcept(ctx context.Context, commit *branch.Commit, conceptID string) (*Result, error) {
	crit, err := p.store.Criteria.IncludingOpenCommit(commit)
	if err != nil {
		return nil, err
	}
	concept, err := p.store.FindConcept(ctx, crit, conceptID)
	if err != nil {
		return nil, err
	}
	descs, err := p.store.DescriptionsByConcepts(ctx, crit, []string{conceptID})
	if err != nil {
		return nil, err
	}
	rels, err := p.store.RelationshipsBySource(ctx, crit, []string{conceptID}, "")
	if err != nil {
		return nil, err
	}
	referenced := []string{conceptID}
	for _, d := range descs {
		referenced = append(referenced, d.DescriptionID)
	}
	for _, r := range rels {
		referenced = append(referenced, r.RelationshipID)
	}
	members, err := p.store.MembersByReferenced(ctx, crit, referenced, "")
	if err != nil {
		return nil, err
	}

	res := &Result{Concepts: []*snomed.Concept{concept}, Descriptions: descs, Relationships: rels, Members: members}
	var batch []snomed.Component
	concept.MarkDeleted()
	batch = append(batch, concept)
	for _, d := range descs {
		d.MarkDeleted()
		batch = append(batch, d)
	}
	for _, r := range rels {
		r.MarkDeleted()
		batch = append(batch, r)
	}
	for _, m := range members {
		m.MarkDeleted()
		batch = append(batch, m)
	}
	if err := p.store.SaveBatch(ctx, commit, batch); err != nil {
		return nil, err
	}
	res.StatedDelta = []string{conceptID}
	res.InferredDelta = []string{conceptID}
	return res, nil
}

func (p *Pipeline) reserveIdentifiers(ctx context.Context, commit *branch.Commit, concepts []*snomed.Concept) (map[string][]string, error) {
	need := map[string]int{}
	for _, c := range concepts {
		if c.ConceptID == "" {
			need[snomed.PartitionConcept]++
		}
		for _, d := range c.Descriptions {
			if d.DescriptionID == "" {
				need[snomed.PartitionDescription]++
			}
		}
		for _, r := range c.Relationships {
			if r.RelationshipID == "" {
				need[snomed.PartitionRelationship]++
			}
		}
	}

	reserved := map[string][]string{}
	queues := map[string][]string{}
	for partition, n := range need {
		ids, err := p.ids.ReserveIDs(ctx, partition, n)
		if err != nil {
			return nil, fmt.Errorf("reserve %d ids in partition %s: %w", n, partition, err)
		}
		reserved[partition] = ids
		queues[partition] = ids
	}
	take := func(partition string) string {
		q := queues[partition]
		id := q[0]
		queues[partition] = q[1:]
		return id
	}

	for _, c := range concepts {
		if c.ConceptID == "" {
			c.ConceptID = take(snomed.PartitionConcept)
			c.MarkChanged()
		}
		for _, d := range c.Descriptions {
			if d.DescriptionID == "" {
				d.DescriptionID = take(snomed.PartitionDescription)
			}
			d.ConceptID = c.ConceptID
		}
		for _, r := range c.Relationships {
			if r.RelationshipID == "" {
				r.RelationshipID = take(snomed.PartitionRelationship)
			}
		}
	}
	return reserved, nil
}

func (p *Pipeline) loadExisting(ctx context.Context, commit *branch.Commit, concepts []*snomed.Concept) (map[string]*existingView, error) {
	crit, err := p.store.Criteria.IncludingOpenCommit(commit)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(concepts))
	for _, c := range concepts {
		ids = append(ids, c.ConceptID)
	}

	existing, err := p.store.Concepts(ctx, crit, ids)
	if err != nil {
		return nil, err
	}
	descs, err := p.store.DescriptionsByConcepts(ctx, crit, ids)
	if err != nil {
		return nil, err
	}
	rels, err := p.store.RelationshipsBySource(ctx, crit, ids, "")
	if err != nil {
		return nil, err
	}
	members, err := p.store.MembersByConcept(ctx, crit, ids)
	if err != nil {
		return nil, err
	}

	views := map[string]*existingView{}
	view := func(conceptID string) *existingView {
		v, ok := views[conceptID]
		if !ok {
			v = &existingView{
				descriptions:  map[string]*snomed.Description{},
				relationships: map[string]*snomed.Relationship{},
				langMembers:   map[string][]*snomed.ReferenceSetMember{},
				descInd:       map[string][]*snomed.ReferenceSetMember{},
			}
			views[conceptID] = v
		}
		return v
	}

	for id, c := range existing {
		view(id).concept = c
	}
	for _, d := range descs {
		view(d.ConceptID).descriptions[d.DescriptionID] = d
	}
	for _, r := range rels {
		view(r.SourceID).relationships[r.RelationshipID] = r
	}
	for _, m := range members {
		v := view(m.ConceptID)
		switch {
		case m.RefsetID == snomed.OWLAxiomRefset:
			v.axioms = append(v.axioms, m)
		case m.RefsetID == snomed.ConceptInactivationRefset:
			v.conceptInd = append(v.conceptInd, m)
		case m.RefsetID == snomed.DescriptionInactivationRefset:
			v.descInd[m.ReferencedComponentID] = append(v.descInd[m.ReferencedComponentID], m)
		case snomed.AssociationRefsetNames[m.RefsetID] != "":
			v.associations = append(v.associations, m)
		case m.Field(snomed.FieldAcceptabilityID) != "":
			v.langMembers[m.ReferencedComponentID] = append(v.langMembers[m.ReferencedComponentID], m)
		default:
			// Unrecognized member families ride along untouched.
		}
	}

	return views, nil
}

// convertAxioms projects class and GCI axioms into OWL refset members and
// derives the definition status per the axiom coupling rule.
func (p *Pipeline) convertAxioms(c *snomed.Concept, view *existingView) ([]*snomed.ReferenceSetMember, string, error) {
	var members []*snomed.ReferenceSetMember
	var existingAxioms map[string]*snomed.ReferenceSetMember
	if view != nil {
		existingAxioms = map[string]*snomed.ReferenceSetMember{}
		for _, m := range view.axioms {
			existingAxioms[m.MemberID] = m
		}
	}

	fullyDefined := false
	incoming := map[string]bool{}
	convert := func(ax *snomed.Axiom, gci bool) error {
		if ax.AxiomID == "" {
			ax.AxiomID = uuid.NewString()
		}
		incoming[ax.AxiomID] = true
		if ax.ModuleID == "" {
			ax.ModuleID = c.ModuleID
		}
		if ax.DefinitionStatusID == "" {
			ax.DefinitionStatusID = snomed.Primitive
		}
		for _, r := range ax.Relationships {
			r.SourceID = c.ConceptID
		}
		owl, err := axiom.Generate(c.ConceptID, ax, gci)
		if err != nil {
			return err
		}
		if !gci && ax.Active && ax.DefinitionStatusID == snomed.FullyDefined {
			fullyDefined = true
		}
		m := &snomed.ReferenceSetMember{
			Versioned: snomed.Versioned{Active: ax.Active, ModuleID: ax.ModuleID},
			MemberID:  ax.AxiomID, RefsetID: snomed.OWLAxiomRefset,
			ReferencedComponentID: c.ConceptID, ConceptID: c.ConceptID,
			AdditionalFields:      map[string]string{snomed.FieldOWLExpression: owl},
		}
		if prior, ok := existingAxioms[ax.AxiomID]; ok {
			snomed.CopyReleaseDetails(m, prior)
		}
		snomed.UpdateEffectiveTime(m)
		if prior, ok := existingAxioms[ax.AxiomID]; !ok || snomed.ComponentChanged(m, prior) {
			m.MarkChanged()
			members = append(members, m)
		}
		return nil
	}

	for _, ax := range c.ClassAxioms {
		if err := convert(ax, false); err != nil {
			return nil, "", err
		}
	}
	for _, ax := range c.GCIAxioms {
		if err := convert(ax, true); err != nil {
			return nil, "", err
		}
	}

	// Axioms present before but absent from an aggregate that carries any
	// axioms are deletions of the authoring view.
	if len(c.ClassAxioms)+len(c.GCIAxioms) > 0 && view != nil {
		for id, m := range existingAxioms {
			if !incoming[id] {
				m.MarkDeleted()
				members = append(members, m)
			}
		}
	}

	status := ""
	if len(c.ClassAxioms) > 0 {
		if fullyDefined {
			status = snomed.FullyDefined
		} else {
			status = snomed.Primitive
		}
	}
	return members, status, nil
}

// cascadeInactivation deactivates the relationships and axiom members of a
// concept that arrives inactive.
func (p *Pipeline) cascadeInactivation(c *snomed.Concept, view *existingView) []*snomed.ReferenceSetMember {
	var members []*snomed.ReferenceSetMember
	for _, r := range view.relationships {
		if r.Active {
			r.Active = false
			snomed.UpdateEffectiveTime(r)
			r.MarkChanged()
			c.Relationships = append(c.Relationships, r)
		}
	}
	for _, m := range view.axioms {
		if m.Active {
			m.Active = false
			snomed.UpdateEffectiveTime(m)
			m.MarkChanged()
			members = append(members, m)
		}
	}
	return members
}

func (p *Pipeline) finalizeRelationships(commit *branch.Commit, c *snomed.Concept, view *existingView) ([]*snomed.Relationship, error) {
	var out []*snomed.Relationship
	seen := map[string]bool{}
	for _, r := range c.Relationships {
		if seen[r.RelationshipID] {
			continue
		}
		seen[r.RelationshipID] = true
		r.SourceID = c.ConceptID
		var prior *snomed.Relationship
		if view != nil {
			prior = view.relationships[r.RelationshipID]
		}
		snomed.CopyReleaseDetails(r, relationshipOrNil(prior))
		snomed.UpdateEffectiveTime(r)
		if commit.Rebase || snomed.ComponentChanged(r, relationshipOrNil(prior)) {
			r.MarkChanged()
			out = append(out, r)
		}
	}
	return out, nil
}

// cascadeMemberDeletion marks for deletion every visible member whose
// referenced component was deleted in this commit.
func (p *Pipeline) cascadeMemberDeletion(ctx context.Context, commit *branch.Commit, deleted map[string]bool, already []*snomed.ReferenceSetMember) ([]*snomed.ReferenceSetMember, error) {
	if len(deleted) == 0 {
		return nil, nil
	}
	inBatch := map[string]bool{}
	for _, m := range already {
		inBatch[m.MemberID] = true
	}
	crit, err := p.store.Criteria.IncludingOpenCommit(commit)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(deleted))
	for id := range deleted {
		ids = append(ids, id)
	}
	members, err := p.store.MembersByReferenced(ctx, crit, ids, "")
	if err != nil {
		return nil, err
	}
	var out []*snomed.ReferenceSetMember
	for _, m := range members {
		if inBatch[m.MemberID] {
			continue
		}
		m.MarkDeleted()
		out = append(out, m)
	}
	return out, nil
}

// dropOrphanedMembers enforces the drop-with-warn integrity policy for
// members whose referenced description is being deleted while the member
// itself is a fresh creation in the same batch.
func (p *Pipeline) dropOrphanedMembers(res *Result) []*snomed.ReferenceSetMember {
	deletedDescs := map[string]bool{}
	for _, d := range res.Descriptions {
		if d.Deleted {
			deletedDescs[d.DescriptionID] = true
		}
	}
	if len(deletedDescs) == 0 {
		return res.Members
	}
	kept := res.Members[:0]
	for _, m := range res.Members {
		if !m.Deleted && deletedDescs[m.ReferencedComponentID] {
			p.log.WithFields(logrus.Fields{
				"member":     m.MemberID,
				"referenced": m.ReferencedComponentID,
			}).Warn("dropping member of missing description")
			continue
		}
		kept = append(kept, m)
	}
	return kept
}

// collectSemanticDelta gathers the (concept, form) pairs whose ISA
// footprint may have changed.
func (p *Pipeline) collectSemanticDelta(res *Result, concepts []*snomed.Concept) {
	stated := map[string]bool{}
	inferred := map[string]bool{}
	for _, m := range res.Members {
		if m.RefsetID == snomed.OWLAxiomRefset {
			stated[m.ReferencedComponentID] = true
		}
	}
	for _, r := range res.Relationships {
		if r.TypeID == snomed.ISA && r.CharacteristicTypeID == snomed.InferredRelationship {
			inferred[r.SourceID] = true
		}
	}
	for _, c := range concepts {
		if c.Changed && !c.Active {
			stated[c.ConceptID] = true
			inferred[c.ConceptID] = true
		}
	}
	for id := range stated {
		res.StatedDelta = append(res.StatedDelta, id)
	}
	for id := range inferred {
		res.InferredDelta = append(res.InferredDelta, id)
	}
}

func conceptOrNil(c *snomed.Concept) snomed.Component {
	if c == nil {
		return nil
	}
	return c
}

func relationshipOrNil(r *snomed.Relationship) snomed.Component {
	if r == nil {
		return nil
	}
	return r
}
