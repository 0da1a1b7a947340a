package update

import (
	"fmt"

	"github.com/google/uuid"

	"termstore/branch"
	"termstore/snomed"
)

// reconcileDescriptions matches incoming descriptions against the existing
// set by id, marks unmatched existing ones deleted (cascading their
// language members) and reconciles each acceptability map against the
// stored language refset members. Returns the descriptions and members to
// persist plus the ids of deleted descriptions.
func (p *Pipeline) reconcileDescriptions(commit *branch.Commit, c *snomed.Concept, view *existingView) ([]*snomed.Description, []*snomed.ReferenceSetMember, []string, error) {
	var outDescs []*snomed.Description
	var outMembers []*snomed.ReferenceSetMember
	var deleted []string

	incoming := map[string]*snomed.Description{}
	for _, d := range c.Descriptions {
		incoming[d.DescriptionID] = d
	}

	// Unmatched existing descriptions are deletions of the authoring view.
	if view != nil {
		for id, existing := range view.descriptions {
			if _, ok := incoming[id]; ok {
				continue
			}
			existing.MarkDeleted()
			outDescs = append(outDescs, existing)
			deleted = append(deleted, id)
			for _, m := range view.langMembers[id] {
				m.MarkDeleted()
				outMembers = append(outMembers, m)
			}
			for _, m := range view.descInd[id] {
				m.MarkDeleted()
				outMembers = append(outMembers, m)
			}
		}
	}

	for _, d := range c.Descriptions {
		d.ConceptID = c.ConceptID
		var prior *snomed.Description
		if view != nil {
			prior = view.descriptions[d.DescriptionID]
		}
		snomed.CopyReleaseDetails(d, descriptionOrNil(prior))
		snomed.UpdateEffectiveTime(d)
		if commit.Rebase || snomed.ComponentChanged(d, descriptionOrNil(prior)) {
			d.MarkChanged()
			outDescs = append(outDescs, d)
		}

		langMembers, err := p.reconcileAcceptability(commit, c, d, view)
		if err != nil {
			return nil, nil, nil, err
		}
		outMembers = append(outMembers, langMembers...)

		indMembers, err := p.reconcileIndicator(commit, c.ModuleID,
			snomed.DescriptionInactivationRefset, d.DescriptionID, c.ConceptID,
			d.InactivationIndicator, existingDescInd(view, d.DescriptionID))
		if err != nil {
			return nil, nil, nil, err
		}
		outMembers = append(outMembers, indMembers...)
	}
	return outDescs, outMembers, deleted, nil
}

func existingDescInd(view *existingView, descriptionID string) []*snomed.ReferenceSetMember {
	if view == nil {
		return nil
	}
	return view.descInd[descriptionID]
}

// reconcileAcceptability aligns one description's acceptability map with
// its stored language refset members, keyed by language refset id.
func (p *Pipeline) reconcileAcceptability(commit *branch.Commit, c *snomed.Concept, d *snomed.Description, view *existingView) ([]*snomed.ReferenceSetMember, error) {
	var out []*snomed.ReferenceSetMember

	existingByRefset := map[string]*snomed.ReferenceSetMember{}
	var extras []*snomed.ReferenceSetMember
	if view != nil {
		for _, m := range view.langMembers[d.DescriptionID] {
			if cur, ok := existingByRefset[m.RefsetID]; ok {
				// Duplicate members for one language refset: keep the newest,
				// the rest deactivate below.
				if m.Start > cur.Start {
					extras = append(extras, cur)
					existingByRefset[m.RefsetID] = m
				} else {
					extras = append(extras, m)
				}
				continue
			}
			existingByRefset[m.RefsetID] = m
		}
	}

	matched := map[string]bool{}
	for refsetID, name := range d.Acceptability {
		acceptabilityID, ok := snomed.AcceptabilityIDs[name]
		if !ok {
			return nil, fmt.Errorf("%w: unknown acceptability %q", snomed.ErrInvalidArgument, name)
		}
		matched[refsetID] = true

		if m, ok := existingByRefset[refsetID]; ok {
			if m.Active && m.Field(snomed.FieldAcceptabilityID) == acceptabilityID {
				if commit.Rebase {
					m.MarkChanged()
					out = append(out, m)
				}
				continue
			}
			m.Active = true
			m.AdditionalFields[snomed.FieldAcceptabilityID] = acceptabilityID
			snomed.UpdateEffectiveTime(m)
			m.MarkChanged()
			out = append(out, m)
			continue
		}

		out = append(out, &snomed.ReferenceSetMember{
			Versioned: snomed.Versioned{Active: true, ModuleID: d.ModuleID, Changed: true},
			MemberID:  uuid.NewString(),
			RefsetID:  refsetID, ReferencedComponentID: d.DescriptionID,
			ConceptID:        c.ConceptID,
			AdditionalFields: map[string]string{snomed.FieldAcceptabilityID: acceptabilityID},
		})
	}

	// Leftover active members with no matching acceptability entry retire.
	for refsetID, m := range existingByRefset {
		if !matched[refsetID] && m.Active {
			m.Active = false
			snomed.UpdateEffectiveTime(m)
			m.MarkChanged()
			out = append(out, m)
		}
	}
	for _, m := range extras {
		if m.Active {
			m.Active = false
			snomed.UpdateEffectiveTime(m)
			m.MarkChanged()
			out = append(out, m)
		}
	}
	return out, nil
}

// reconcileConceptIndicator handles the concept-level inactivation
// indicator member.
func (p *Pipeline) reconcileConceptIndicator(commit *branch.Commit, c *snomed.Concept, view *existingView) ([]*snomed.ReferenceSetMember, error) {
	var existing []*snomed.ReferenceSetMember
	if view != nil {
		existing = view.conceptInd
	}
	return p.reconcileIndicator(commit, c.ModuleID, snomed.ConceptInactivationRefset,
		c.ConceptID, c.ConceptID, c.InactivationIndicator, existing)
}

// reconcileIndicator deactivates a stale indicator member and creates a new
// one when the named indicator differs from what is stored.
func (p *Pipeline) reconcileIndicator(commit *branch.Commit, moduleID, refsetID, referencedID, conceptID, name string, existing []*snomed.ReferenceSetMember) ([]*snomed.ReferenceSetMember, error) {
	valueID := ""
	if name != "" {
		var ok bool
		valueID, ok = snomed.InactivationIndicatorIDs[name]
		if !ok {
			return nil, fmt.Errorf("%w: unknown inactivation indicator %q", snomed.ErrInvalidArgument, name)
		}
	}

	var out []*snomed.ReferenceSetMember
	kept := false
	for _, m := range existing {
		if !m.Active {
			continue
		}
		if m.Field(snomed.FieldValueID) == valueID && !kept {
			kept = true
			if commit.Rebase {
				m.MarkChanged()
				out = append(out, m)
			}
			continue
		}
		m.Active = false
		snomed.UpdateEffectiveTime(m)
		m.MarkChanged()
		out = append(out, m)
	}
	if valueID != "" && !kept {
		out = append(out, &snomed.ReferenceSetMember{
			Versioned: snomed.Versioned{Active: true, ModuleID: moduleID, Changed: true},
			MemberID:  uuid.NewString(),
			RefsetID:  refsetID, ReferencedComponentID: referencedID,
			ConceptID:        conceptID,
			AdditionalFields: map[string]string{snomed.FieldValueID: valueID},
		})
	}
	return out, nil
}

// reconcileAssociations aligns the association target map with the stored
// historical association members.
func (p *Pipeline) reconcileAssociations(commit *branch.Commit, c *snomed.Concept, view *existingView) ([]*snomed.ReferenceSetMember, error) {
	type pair struct{ refsetID, target string }
	wanted := map[pair]bool{}
	for name, targets := range c.AssociationTargets {
		refsetID, ok := snomed.AssociationRefsetIDs[name]
		if !ok {
			return nil, fmt.Errorf("%w: unknown association %q", snomed.ErrInvalidArgument, name)
		}
		for _, t := range targets {
			wanted[pair{refsetID, t}] = true
		}
	}

	var out []*snomed.ReferenceSetMember
	have := map[pair]bool{}
	if view != nil {
		for _, m := range view.associations {
			if m.ReferencedComponentID != c.ConceptID {
				continue
			}
			key := pair{m.RefsetID, m.Field(snomed.FieldTargetComponentID)}
			if wanted[key] && m.Active && !have[key] {
				have[key] = true
				if commit.Rebase {
					m.MarkChanged()
					out = append(out, m)
				}
				continue
			}
			if m.Active {
				m.Active = false
				snomed.UpdateEffectiveTime(m)
				m.MarkChanged()
				out = append(out, m)
			}
		}
	}

	for key := range wanted {
		if have[key] {
			continue
		}
		out = append(out, &snomed.ReferenceSetMember{
			Versioned: snomed.Versioned{Active: true, ModuleID: c.ModuleID, Changed: true},
			MemberID:  uuid.NewString(),
			RefsetID:  key.refsetID, ReferencedComponentID: c.ConceptID,
			ConceptID:        c.ConceptID,
			AdditionalFields: map[string]string{snomed.FieldTargetComponentID: key.target},
		})
	}
	return out, nil
}

func descriptionOrNil(d *snomed.Description) snomed.Component {
	if d == nil {
		return nil
	}
	return d
}
