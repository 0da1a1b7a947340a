package update

import (
	"fmt"

	"termstore/snomed"
)

// Per-entity validators, run before any identifier is reserved or any row
// written. Besides checking, they fill defaults into omitted fields (module,
// definition status, description type and case significance, relationship
// characteristic type and modifier), so they modify their argument.

func validateConcept(c *snomed.Concept) error {
	if c.ModuleID == "" {
		c.ModuleID = snomed.CoreModule
	}
	if c.DefinitionStatusID == "" {
		c.DefinitionStatusID = snomed.Primitive
	}
	if c.InactivationIndicator != "" {
		if _, ok := snomed.InactivationIndicatorIDs[c.InactivationIndicator]; !ok {
			return fmt.Errorf("%w: unknown inactivation indicator %q", snomed.ErrInvalidArgument, c.InactivationIndicator)
		}
	}
	for name := range c.AssociationTargets {
		if _, ok := snomed.AssociationRefsetIDs[name]; !ok {
			return fmt.Errorf("%w: unknown association %q", snomed.ErrInvalidArgument, name)
		}
	}
	for _, d := range c.Descriptions {
		if err := validateDescription(c, d); err != nil {
			return err
		}
	}
	for _, r := range c.Relationships {
		if err := validateRelationship(r); err != nil {
			return err
		}
	}
	return nil
}

func validateDescription(c *snomed.Concept, d *snomed.Description) error {
	if d.Term == "" {
		return fmt.Errorf("%w: description of %s has empty term", snomed.ErrInvalidArgument, c.ConceptID)
	}
	if d.LanguageCode == "" {
		return fmt.Errorf("%w: description %q has no language code", snomed.ErrInvalidArgument, d.Term)
	}
	if d.TypeID == "" {
		d.TypeID = snomed.Synonym
	}
	if d.CaseSignificanceID == "" {
		d.CaseSignificanceID = snomed.CaseInsensitive
	}
	if d.ModuleID == "" {
		d.ModuleID = c.ModuleID
	}
	for refsetID, name := range d.Acceptability {
		if refsetID == "" {
			return fmt.Errorf("%w: empty language refset id on %q", snomed.ErrInvalidArgument, d.Term)
		}
		if _, ok := snomed.AcceptabilityIDs[name]; !ok {
			return fmt.Errorf("%w: unknown acceptability %q", snomed.ErrInvalidArgument, name)
		}
	}
	if d.InactivationIndicator != "" {
		if _, ok := snomed.InactivationIndicatorIDs[d.InactivationIndicator]; !ok {
			return fmt.Errorf("%w: unknown inactivation indicator %q", snomed.ErrInvalidArgument, d.InactivationIndicator)
		}
	}
	return nil
}

func validateRelationship(r *snomed.Relationship) error {
	if r.TypeID == "" || r.DestinationID == "" {
		return fmt.Errorf("%w: relationship needs typeId and destinationId", snomed.ErrInvalidArgument)
	}
	if r.CharacteristicTypeID == "" {
		r.CharacteristicTypeID = snomed.InferredRelationship
	}
	if r.ModifierID == "" {
		r.ModifierID = snomed.ExistentialModifier
	}
	return nil
}
