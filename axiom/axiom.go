// Package axiom converts between OWL axiom reference set members (their
// owlExpression functional-syntax strings) and the stated relationship view
// used by the update pipeline and semantic index. The conversion is
// deterministic in both directions for the supported expression shapes:
// SubClassOf / EquivalentClasses over named classes, ObjectIntersectionOf,
// ObjectSomeValuesFrom, and the self-grouped role-group pattern.
package axiom

import (
	"fmt"
	"strings"

	"termstore/snomed"
)

// Expression is the parsed view of one axiom member.
type Expression struct {
	ConceptID          string
	DefinitionStatusID string
	// GCI marks a general concept inclusion: the named concept appears on
	// the right-hand side of the SubClassOf.
	GCI           bool
	Relationships []*snomed.Relationship
}

// Generate renders the owlExpression for an axiom of the given concept.
// Relationships are projected by group: group-zero ISA edges become named
// class operands, all other attributes are wrapped in role groups.
func Generate(conceptID string, ax *snomed.Axiom, gci bool) (string, error) {
	if len(ax.Relationships) == 0 {
		return "", fmt.Errorf("%w: axiom of %s has no relationships", snomed.ErrInvalidArgument, conceptID)
	}

	var operands []string
	// Deterministic order: relationships in authored order, role groups in
	// first-seen order.
	groups := map[int][]*snomed.Relationship{}
	var groupOrder []int
	for _, r := range ax.Relationships {
		if r.Group == 0 && r.TypeID == snomed.ISA {
			operands = append(operands, ":"+r.DestinationID)
			continue
		}
		if _, seen := groups[r.Group]; !seen {
			groupOrder = append(groupOrder, r.Group)
		}
		groups[r.Group] = append(groups[r.Group], r)
	}
	for _, g := range groupOrder {
		var attrs []string
		for _, r := range groups[g] {
			attrs = append(attrs, fmt.Sprintf("ObjectSomeValuesFrom(:%s :%s)", r.TypeID, r.DestinationID))
		}
		inner := attrs[0]
		if len(attrs) > 1 {
			inner = "ObjectIntersectionOf(" + strings.Join(attrs, " ") + ")"
		}
		operands = append(operands, fmt.Sprintf("ObjectSomeValuesFrom(:%s %s)", snomed.RoleGroup, inner))
	}

	expr := operands[0]
	if len(operands) > 1 {
		expr = "ObjectIntersectionOf(" + strings.Join(operands, " ") + ")"
	}

	if gci {
		return fmt.Sprintf("SubClassOf(%s :%s )", expr, conceptID), nil
	}
	if ax.DefinitionStatusID == snomed.FullyDefined {
		return fmt.Sprintf("EquivalentClasses(:%s %s )", conceptID, expr), nil
	}
	return fmt.Sprintf("SubClassOf(:%s %s )", conceptID, expr), nil
}

// Parse reads an owlExpression back into its relationship projection.
// Relationships come out with SourceID set to the named concept,
// CharacteristicTypeID stated and group numbers assigned in role-group
// order.
func Parse(owl string) (*Expression, error) {
	toks, err := tokenize(owl)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	node, err := p.parseNode()
	if err != nil {
		return nil, err
	}
	if !p.done() {
		return nil, fmt.Errorf("%w: trailing content in owl expression", snomed.ErrInvalidArgument)
	}

	switch node.fn {
	case "EquivalentClasses", "SubClassOf":
	default:
		return nil, fmt.Errorf("%w: owl expression root %q", snomed.ErrUnsupported, node.fn)
	}
	if len(node.args) != 2 {
		return nil, fmt.Errorf("%w: owl expression arity", snomed.ErrInvalidArgument)
	}

	out := &Expression{}
	left, right := node.args[0], node.args[1]
	defn := right
	switch {
	case left.named():
		out.ConceptID = left.id
	case node.fn == "SubClassOf" && right.named():
		// GCI: expression implies the named class.
		out.ConceptID = right.id
		out.GCI = true
		defn = left
	default:
		return nil, fmt.Errorf("%w: owl expression has no named concept", snomed.ErrUnsupported)
	}

	if node.fn == "EquivalentClasses" {
		out.DefinitionStatusID = snomed.FullyDefined
	} else {
		out.DefinitionStatusID = snomed.Primitive
	}

	group := 0
	addAttr := func(n *classExpr, g int) error {
		if len(n.args) != 2 || !n.args[0].named() || !n.args[1].named() {
			return fmt.Errorf("%w: nested owl attribute", snomed.ErrUnsupported)
		}
		out.Relationships = append(out.Relationships, &snomed.Relationship{
			Versioned:            snomed.Versioned{Active: true},
			SourceID:             out.ConceptID,
			TypeID:               n.args[0].id,
			DestinationID:        n.args[1].id,
			Group:                g,
			CharacteristicTypeID: snomed.StatedRelationship,
			ModifierID:           snomed.ExistentialModifier,
		})
		return nil
	}

	var operands []*classExpr
	if defn.fn == "ObjectIntersectionOf" {
		operands = defn.args
	} else {
		operands = []*classExpr{defn}
	}
	for _, op := range operands {
		switch {
		case op.named():
			out.Relationships = append(out.Relationships, &snomed.Relationship{
				Versioned:            snomed.Versioned{Active: true},
				SourceID:             out.ConceptID,
				TypeID:               snomed.ISA,
				DestinationID:        op.id,
				CharacteristicTypeID: snomed.StatedRelationship,
				ModifierID:           snomed.ExistentialModifier,
			})
		case op.fn == "ObjectSomeValuesFrom" && len(op.args) == 2 && op.args[0].named() && op.args[0].id == snomed.RoleGroup:
			group++
			inner := op.args[1]
			attrs := []*classExpr{inner}
			if inner.fn == "ObjectIntersectionOf" {
				attrs = inner.args
			}
			for _, a := range attrs {
				if a.fn != "ObjectSomeValuesFrom" {
					return nil, fmt.Errorf("%w: role group member %q", snomed.ErrUnsupported, a.fn)
				}
				if err := addAttr(a, group); err != nil {
					return nil, err
				}
			}
		case op.fn == "ObjectSomeValuesFrom":
			if err := addAttr(op, 0); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("%w: owl operand %q", snomed.ErrUnsupported, op.fn)
		}
	}
	return out, nil
}

// classExpr is either a named class (:sctid) or a function application.
type classExpr struct {
	id   string
	fn   string
	args []*classExpr
}

func (n *classExpr) named() bool { return n.id != "" }

type parser struct {
	toks []string
	pos  int
}

func (p *parser) done() bool { return p.pos >= len(p.toks) }

func (p *parser) next() (string, error) {
	if p.done() {
		return "", fmt.Errorf("%w: truncated owl expression", snomed.ErrInvalidArgument)
	}
	t := p.toks[p.pos]
	p.pos++
	return t, nil
}

func (p *parser) parseNode() (*classExpr, error) {
	t, err := p.next()
	if err != nil {
		return nil, err
	}
	if strings.HasPrefix(t, ":") {
		return &classExpr{id: t[1:]}, nil
	}
	open, err := p.next()
	if err != nil {
		return nil, err
	}
	if open != "(" {
		return nil, fmt.Errorf("%w: expected ( after %s", snomed.ErrInvalidArgument, t)
	}
	n := &classExpr{fn: t}
	for {
		if p.done() {
			return nil, fmt.Errorf("%w: unbalanced owl expression", snomed.ErrInvalidArgument)
		}
		if p.toks[p.pos] == ")" {
			p.pos++
			return n, nil
		}
		arg, err := p.parseNode()
		if err != nil {
			return nil, err
		}
		n.args = append(n.args, arg)
	}
}

func tokenize(owl string) ([]string, error) {
	var toks []string
	i := 0
	for i < len(owl) {
		c := owl[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '(' || c == ')':
			toks = append(toks, string(c))
			i++
		case c == ':':
			j := i + 1
			for j < len(owl) && owl[j] >= '0' && owl[j] <= '9' {
				j++
			}
			if j == i+1 {
				return nil, fmt.Errorf("%w: empty iri in owl expression", snomed.ErrInvalidArgument)
			}
			toks = append(toks, owl[i:j])
			i = j
		default:
			j := i
			for j < len(owl) && (owl[j] >= 'A' && owl[j] <= 'Z' || owl[j] >= 'a' && owl[j] <= 'z') {
				j++
			}
			if j == i {
				return nil, fmt.Errorf("%w: unexpected %q in owl expression", snomed.ErrInvalidArgument, c)
			}
			toks = append(toks, owl[i:j])
			i = j
		}
	}
	return toks, nil
}
