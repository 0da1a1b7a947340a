package snomed

import (
	"encoding/hex"
	"sort"
	"strconv"
	"strings"

	"lukechampine.com/blake3"
)

// Component type tags used for index table routing and replaced-version sets.
const (
	TypeConcept      = "concept"
	TypeDescription  = "description"
	TypeRelationship = "relationship"
	TypeMember       = "member"
)

// Versioned is the envelope carried by every stored component version.
// Path/Start/End place the version on the branch timeline; the release
// fields implement the published-content immutability rules.
type Versioned struct {
	Path  string `json:"path"`
	Start int64  `json:"start"`
	// End is the timepoint this version was superseded; zero means current.
	End int64 `json:"end,omitempty"`

	Active        bool   `json:"active"`
	ModuleID      string `json:"moduleId"`
	EffectiveTime string `json:"effectiveTime,omitempty"`

	Released bool `json:"released,omitempty"`
	// ReleaseHash is the BLAKE3 hash of the released field subset, set when
	// the version was first published.
	ReleaseHash string `json:"releaseHash,omitempty"`
	// ReleasedEffectiveTime keeps the publication date so EffectiveTime can
	// be restored when an edit is reverted back to the released state.
	ReleasedEffectiveTime string `json:"releasedEffectiveTime,omitempty"`

	// Transient commit-scoped flags, left out of the JSON payload. Deleted is
	// recorded in the index row's deleted column when the version is saved.
	Changed bool `json:"-"`
	Deleted bool `json:"-"`
}

func (v *Versioned) Envelope() *Versioned { return v }

func (v *Versioned) MarkChanged() { v.Changed = true }

func (v *Versioned) MarkDeleted() {
	v.Deleted = true
	v.Changed = true
}

func (v *Versioned) IsReleased() bool { return v.Released }

// Component is the polymorphic view over the four SNOMED component kinds.
type Component interface {
	ID() string
	TypeName() string
	Envelope() *Versioned
	// ReleasedFields returns the canonical ordered field subset that the
	// release hash covers.
	ReleasedFields() []string
}

// ReleaseHashOf hashes the released field subset of a component.
func ReleaseHashOf(c Component) string {
	h := blake3.New(32, nil)
	for _, f := range c.ReleasedFields() {
		h.Write([]byte(f))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// CopyReleaseDetails carries the immutable release bookkeeping forward from
// an existing version onto its replacement.
func CopyReleaseDetails(c, existing Component) {
	if existing == nil {
		return
	}
	e := existing.Envelope()
	v := c.Envelope()
	v.Released = e.Released
	v.ReleaseHash = e.ReleaseHash
	v.ReleasedEffectiveTime = e.ReleasedEffectiveTime
}

// UpdateEffectiveTime clears EffectiveTime on any unreleased edit and
// restores it when the released field subset matches the published hash.
func UpdateEffectiveTime(c Component) {
	v := c.Envelope()
	if !v.Released {
		v.EffectiveTime = ""
		return
	}
	if ReleaseHashOf(c) == v.ReleaseHash {
		v.EffectiveTime = v.ReleasedEffectiveTime
	} else {
		v.EffectiveTime = ""
	}
}

// ComponentChanged reports whether the released field subsets of two
// components differ. A nil existing component always counts as changed.
func ComponentChanged(c, existing Component) bool {
	if existing == nil {
		return true
	}
	return ReleaseHashOf(c) != ReleaseHashOf(existing)
}

// Concept is the aggregate root. Descriptions, relationships, axioms and
// the inactivation fields travel with it through the update pipeline but
// are persisted through their own tables; the stored concept row holds only
// the flat fields.
type Concept struct {
	Versioned
	ConceptID          string `json:"conceptId"`
	DefinitionStatusID string `json:"definitionStatusId"`

	Descriptions  []*Description  `json:"descriptions,omitempty"`
	Relationships []*Relationship `json:"relationships,omitempty"`
	ClassAxioms   []*Axiom        `json:"classAxioms,omitempty"`
	GCIAxioms     []*Axiom        `json:"gciAxioms,omitempty"`

	// InactivationIndicator is the indicator name ("DUPLICATE", ...), empty
	// for none. AssociationTargets maps association names onto target
	// concept ids.
	InactivationIndicator string              `json:"inactivationIndicator,omitempty"`
	AssociationTargets    map[string][]string `json:"associationTargets,omitempty"`
}

func (c *Concept) ID() string       { return c.ConceptID }
func (c *Concept) TypeName() string { return TypeConcept }

func (c *Concept) ReleasedFields() []string {
	return []string{boolField(c.Active), c.ModuleID, c.DefinitionStatusID}
}

// Flat returns a copy without the aggregate children, suitable for payload
// storage.
func (c *Concept) Flat() *Concept {
	cp := *c
	cp.Descriptions = nil
	cp.Relationships = nil
	cp.ClassAxioms = nil
	cp.GCIAxioms = nil
	cp.InactivationIndicator = ""
	cp.AssociationTargets = nil
	return &cp
}

// Description of a concept in one language. Acceptability is the authoring
// view of the language refset members keyed by language refset id, holding
// "PREFERRED" or "ACCEPTABLE".
type Description struct {
	Versioned
	DescriptionID      string `json:"descriptionId"`
	ConceptID          string `json:"conceptId"`
	Term               string `json:"term"`
	LanguageCode       string `json:"languageCode"`
	TypeID             string `json:"typeId"`
	CaseSignificanceID string `json:"caseSignificanceId"`

	Acceptability         map[string]string `json:"acceptabilityMap,omitempty"`
	InactivationIndicator string            `json:"inactivationIndicator,omitempty"`
}

func (d *Description) ID() string       { return d.DescriptionID }
func (d *Description) TypeName() string { return TypeDescription }

func (d *Description) ReleasedFields() []string {
	return []string{boolField(d.Active), d.ModuleID, d.ConceptID, d.Term,
		d.LanguageCode, d.TypeID, d.CaseSignificanceID}
}

// Flat strips the authoring-only fields for payload storage.
func (d *Description) Flat() *Description {
	cp := *d
	cp.Acceptability = nil
	cp.InactivationIndicator = ""
	return &cp
}

// Relationship between two concepts. Group zero means ungrouped.
type Relationship struct {
	Versioned
	RelationshipID       string `json:"relationshipId"`
	SourceID             string `json:"sourceId"`
	DestinationID        string `json:"destinationId"`
	TypeID               string `json:"typeId"`
	Group                int    `json:"groupId"`
	CharacteristicTypeID string `json:"characteristicTypeId"`
	ModifierID           string `json:"modifierId"`
}

func (r *Relationship) ID() string       { return r.RelationshipID }
func (r *Relationship) TypeName() string { return TypeRelationship }

func (r *Relationship) ReleasedFields() []string {
	return []string{boolField(r.Active), r.ModuleID, r.SourceID, r.DestinationID,
		r.TypeID, strconv.Itoa(r.Group), r.CharacteristicTypeID, r.ModifierID}
}

// ReferenceSetMember annotates a component. The recognized AdditionalFields
// keys depend on the refset family and are validated at pipeline ingress.
type ReferenceSetMember struct {
	Versioned
	MemberID              string            `json:"memberId"`
	RefsetID              string            `json:"refsetId"`
	ReferencedComponentID string            `json:"referencedComponentId"`
	ConceptID             string            `json:"conceptId,omitempty"`
	AdditionalFields      map[string]string `json:"additionalFields,omitempty"`
}

func (m *ReferenceSetMember) ID() string       { return m.MemberID }
func (m *ReferenceSetMember) TypeName() string { return TypeMember }

func (m *ReferenceSetMember) ReleasedFields() []string {
	fields := []string{boolField(m.Active), m.ModuleID, m.RefsetID, m.ReferencedComponentID}
	keys := make([]string, 0, len(m.AdditionalFields))
	for k := range m.AdditionalFields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fields = append(fields, k+"="+m.AdditionalFields[k])
	}
	return fields
}

// Field returns one additional field value, empty when absent.
func (m *ReferenceSetMember) Field(key string) string {
	if m.AdditionalFields == nil {
		return ""
	}
	return m.AdditionalFields[key]
}

// Axiom is the authoring view of one OWL axiom refset member: a definition
// status plus the relationship projection of the expression. The stored
// form is the member with its owlExpression field.
type Axiom struct {
	AxiomID            string          `json:"axiomId,omitempty"`
	Active             bool            `json:"active"`
	ModuleID           string          `json:"moduleId,omitempty"`
	Released           bool            `json:"released,omitempty"`
	DefinitionStatusID string          `json:"definitionStatusId,omitempty"`
	Relationships      []*Relationship `json:"relationships,omitempty"`
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// ParseLong is a convenience for numeric SCTID ordering (ECL result
// sorting); SCTIDs always fit int64.
func ParseLong(sctid string) int64 {
	n, _ := strconv.ParseInt(strings.TrimSpace(sctid), 10, 64)
	return n
}
