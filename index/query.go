package index

import "strings"

// Criteria accumulates a WHERE clause from term, terms-in, range and nested
// boolean fragments. Fragments are ANDed; Or combines whole criteria.
type Criteria struct {
	frags []string
	args  []any
}

func Where() *Criteria {
	return &Criteria{}
}

// Term adds `field = value`.
func (c *Criteria) Term(field string, value any) *Criteria {
	c.frags = append(c.frags, field+" = ?")
	c.args = append(c.args, value)
	return c
}

// In adds `field IN (...)`. Callers chunk sets larger than MaxClauseCount.
func (c *Criteria) In(field string, values []string) *Criteria {
	if len(values) == 0 {
		c.frags = append(c.frags, "1 = 0")
		return c
	}
	c.frags = append(c.frags, field+" IN ("+placeholders(len(values))+")")
	for _, v := range values {
		c.args = append(c.args, v)
	}
	return c
}

// NotIn adds `field NOT IN (...)`; empty sets add nothing.
func (c *Criteria) NotIn(field string, values []string) *Criteria {
	if len(values) == 0 {
		return c
	}
	c.frags = append(c.frags, field+" NOT IN ("+placeholders(len(values))+")")
	for _, v := range values {
		c.args = append(c.args, v)
	}
	return c
}

// Lte adds `field <= value`.
func (c *Criteria) Lte(field string, value any) *Criteria {
	c.frags = append(c.frags, field+" <= ?")
	c.args = append(c.args, value)
	return c
}

// Gt adds `field > value`.
func (c *Criteria) Gt(field string, value any) *Criteria {
	c.frags = append(c.frags, field+" > ?")
	c.args = append(c.args, value)
	return c
}

// Active adds the active-flag term.
func (c *Criteria) Active() *Criteria {
	return c.Term("active", 1)
}

// Raw appends a prebuilt fragment.
func (c *Criteria) Raw(frag string, args ...any) *Criteria {
	c.frags = append(c.frags, frag)
	c.args = append(c.args, args...)
	return c
}

// And nests another criteria as a parenthesized conjunct.
func (c *Criteria) And(other *Criteria) *Criteria {
	if other == nil || len(other.frags) == 0 {
		return c
	}
	frag, args := other.Render()
	return c.Raw("("+frag+")", args...)
}

// Or combines criteria disjunctively.
func Or(criteria ...*Criteria) *Criteria {
	out := Where()
	var parts []string
	for _, cr := range criteria {
		if cr == nil || len(cr.frags) == 0 {
			continue
		}
		frag, args := cr.Render()
		parts = append(parts, "("+frag+")")
		out.args = append(out.args, args...)
	}
	if len(parts) == 0 {
		out.frags = append(out.frags, "1 = 0")
		return out
	}
	out.frags = append(out.frags, strings.Join(parts, " OR "))
	return out
}

// Render produces the WHERE fragment and its arguments.
func (c *Criteria) Render() (string, []any) {
	if len(c.frags) == 0 {
		return "1 = 1", nil
	}
	return strings.Join(c.frags, " AND "), c.args
}

func placeholders(n int) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('?')
	}
	return b.String()
}

// Chunk splits ids into MaxClauseCount-sized partitions so IN lists stay
// under the clause limit.
func Chunk(ids []string) [][]string {
	if len(ids) == 0 {
		return nil
	}
	var out [][]string
	for len(ids) > MaxClauseCount {
		out = append(out, ids[:MaxClauseCount])
		ids = ids[MaxClauseCount:]
	}
	return append(out, ids)
}
