package snomed

// Well-known SNOMED CT concept and reference set identifiers.
const (
	ISA = "116680003"

	RoleGroup = "609096000"

	CoreModule  = "900000000000207008"
	ModelModule = "900000000000012004"

	Primitive    = "900000000000074008"
	FullyDefined = "900000000000073002"

	StatedRelationship     = "900000000000010007"
	InferredRelationship   = "900000000000011006"
	AdditionalRelationship = "900000000000227009"

	ExistentialModifier = "900000000000451002"

	FSN        = "900000000000003001"
	Synonym    = "900000000000013009"
	Definition = "900000000000550004"

	CaseSensitive            = "900000000000017005"
	CaseInsensitive          = "900000000000448009"
	InitialCharCaseInsensive = "900000000000020002"

	PreferredAcceptability  = "900000000000548007"
	AcceptableAcceptability = "900000000000549004"

	USLanguageRefset = "900000000000509007"
	GBLanguageRefset = "900000000000508004"

	OWLAxiomRefset = "733073007"

	ConceptInactivationRefset     = "900000000000489007"
	DescriptionInactivationRefset = "900000000000490003"
)

// Recognized additionalFields keys, per refset family.
const (
	FieldAcceptabilityID   = "acceptabilityId"
	FieldValueID           = "valueId"
	FieldTargetComponentID = "targetComponentId"
	FieldOWLExpression     = "owlExpression"
	FieldMapTarget         = "mapTarget"
)

// AcceptabilityIDs maps authoring acceptability names onto member valueIds.
var AcceptabilityIDs = map[string]string{
	"PREFERRED":  PreferredAcceptability,
	"ACCEPTABLE": AcceptableAcceptability,
}

// AcceptabilityNames is the reverse of AcceptabilityIDs, used when
// assembling the authoring view from stored language refset members.
var AcceptabilityNames = reverse(AcceptabilityIDs)

// InactivationIndicatorIDs maps indicator names onto the valueId stored in
// the inactivation indicator member.
var InactivationIndicatorIDs = map[string]string{
	"DUPLICATE":                          "900000000000482003",
	"OUTDATED":                           "900000000000483008",
	"AMBIGUOUS":                          "900000000000484002",
	"ERRONEOUS":                          "900000000000485001",
	"LIMITED":                            "900000000000486000",
	"MOVED_ELSEWHERE":                    "900000000000487009",
	"PENDING_MOVE":                       "900000000000492006",
	"INAPPROPRIATE":                      "900000000000494007",
	"CONCEPT_NON_CURRENT":                "900000000000495008",
	"NONCONFORMANCE_TO_EDITORIAL_POLICY": "723277005",
	"NOT_SEMANTICALLY_EQUIVALENT":        "723278000",
}

var InactivationIndicatorNames = reverse(InactivationIndicatorIDs)

// AssociationRefsetIDs maps historical association names onto their refset.
var AssociationRefsetIDs = map[string]string{
	"POSSIBLY_EQUIVALENT_TO": "900000000000523009",
	"MOVED_TO":               "900000000000524003",
	"MOVED_FROM":             "900000000000525002",
	"REPLACED_BY":            "900000000000526001",
	"SAME_AS":                "900000000000527005",
	"WAS_A":                  "900000000000528000",
	"SIMILAR_TO":             "900000000000529008",
	"ALTERNATIVE":            "900000000000530003",
	"REFERS_TO":              "900000000000531004",
}

var AssociationRefsetNames = reverse(AssociationRefsetIDs)

func reverse(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[v] = k
	}
	return out
}
