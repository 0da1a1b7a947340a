package terminology

import (
	"context"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"termstore/snomed"
)

func setupService(t *testing.T) (*Service, func()) {
	t.Helper()
	svc, err := Open(context.Background(), t.TempDir(), Options{})
	require.NoError(t, err)
	return svc, func() { svc.Close() }
}

func classAxiom(status string, rels ...*snomed.Relationship) *snomed.Axiom {
	return &snomed.Axiom{Active: true, DefinitionStatusID: status, Relationships: rels}
}

func isaRel(dest string) *snomed.Relationship {
	return &snomed.Relationship{
		Versioned: snomed.Versioned{Active: true},
		TypeID:    snomed.ISA, DestinationID: dest,
		CharacteristicTypeID: snomed.StatedRelationship,
	}
}

func attrRel(typeID, dest string) *snomed.Relationship {
	return &snomed.Relationship{
		Versioned: snomed.Versioned{Active: true},
		TypeID:    typeID, DestinationID: dest,
		CharacteristicTypeID: snomed.StatedRelationship,
	}
}

func inferredIsa(dest string) *snomed.Relationship {
	return &snomed.Relationship{
		Versioned: snomed.Versioned{Active: true},
		TypeID:    snomed.ISA, DestinationID: dest,
		CharacteristicTypeID: snomed.InferredRelationship,
	}
}

func concept(id string, axioms ...*snomed.Axiom) *snomed.Concept {
	return &snomed.Concept{
		Versioned:          snomed.Versioned{Active: true, ModuleID: snomed.CoreModule},
		ConceptID:          id,
		DefinitionStatusID: snomed.Primitive,
		ClassAxioms:        axioms,
	}
}

func fsn(id, conceptID, term string) *snomed.Description {
	return &snomed.Description{
		Versioned:     snomed.Versioned{Active: true, ModuleID: snomed.CoreModule},
		DescriptionID: id, ConceptID: conceptID, Term: term,
		LanguageCode: "en", TypeID: snomed.FSN,
		CaseSignificanceID: snomed.CaseInsensitive,
		Acceptability:      map[string]string{snomed.USLanguageRefset: "PREFERRED"},
	}
}

// S1: create and fetch a concept with a class axiom.
func TestCreateAndFetchConcept(t *testing.T) {
	svc, cleanup := setupService(t)
	defer cleanup()
	ctx := context.Background()

	_, err := svc.CreateBranch(ctx, "MAIN/A")
	require.NoError(t, err)

	c := concept("50960005", classAxiom(snomed.FullyDefined, isaRel("10000100"), attrRel("10000200", "10000300")))
	res, err := svc.SaveConcepts(ctx, "MAIN/A", []*snomed.Concept{c})
	require.NoError(t, err)
	require.Len(t, res.Concepts, 1)
	require.Len(t, res.Members, 1)

	found, err := svc.FindConcept(ctx, "MAIN/A", "50960005")
	require.NoError(t, err)
	assert.Equal(t, snomed.FullyDefined, found.DefinitionStatusID)
	require.Len(t, found.ClassAxioms, 1)
	assert.Empty(t, found.GCIAxioms)

	crit, err := svc.Store.Criteria.ForBranch("MAIN/A")
	require.NoError(t, err)
	members, err := svc.Store.MembersByReferenced(ctx, crit, []string{"50960005"}, snomed.OWLAxiomRefset)
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Contains(t, members[0].Field(snomed.FieldOWLExpression),
		"EquivalentClasses(:50960005 ObjectIntersectionOf(:10000100 ObjectSomeValuesFrom(:609096000 ObjectSomeValuesFrom(:10000200 :10000300))) )")
}

// S2: deleting the axiom member flips the definition status to primitive.
func TestAxiomStatusCoupling(t *testing.T) {
	svc, cleanup := setupService(t)
	defer cleanup()
	ctx := context.Background()

	_, err := svc.CreateBranch(ctx, "MAIN/A")
	require.NoError(t, err)
	c := concept("50960005", classAxiom(snomed.FullyDefined, isaRel("10000100")))
	_, err = svc.SaveConcepts(ctx, "MAIN/A", []*snomed.Concept{c})
	require.NoError(t, err)

	crit, err := svc.Store.Criteria.ForBranch("MAIN/A")
	require.NoError(t, err)
	members, err := svc.Store.MembersByReferenced(ctx, crit, []string{"50960005"}, snomed.OWLAxiomRefset)
	require.NoError(t, err)
	require.Len(t, members, 1)

	require.NoError(t, svc.DeleteRefsetMember(ctx, "MAIN/A", members[0].MemberID))

	found, err := svc.FindConcept(ctx, "MAIN/A", "50960005")
	require.NoError(t, err)
	assert.Equal(t, snomed.Primitive, found.DefinitionStatusID)
	assert.Empty(t, found.ClassAxioms)
}

// S3: descendant and ancestor operators over the semantic index.
func TestECLHierarchyOperators(t *testing.T) {
	svc, cleanup := setupService(t)
	defer cleanup()
	ctx := context.Background()

	a := concept("10000109")
	b := concept("10000204", classAxiom(snomed.Primitive, isaRel("10000109")))
	c := concept("10000301", classAxiom(snomed.Primitive, isaRel("10000204")))
	d := concept("10000406", classAxiom(snomed.Primitive, isaRel("10000109")))
	_, err := svc.SaveConcepts(ctx, "MAIN", []*snomed.Concept{a, b, c, d})
	require.NoError(t, err)

	got, err := svc.QueryStated(ctx, "MAIN", "<< 10000109", 100, 0)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"10000109", "10000204", "10000301", "10000406"}, got)

	got, err = svc.QueryStated(ctx, "MAIN", "< 10000109", 100, 0)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"10000204", "10000301", "10000406"}, got)

	got, err = svc.QueryStated(ctx, "MAIN", "> 10000301", 100, 0)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"10000204", "10000109"}, got)

	got, err = svc.QueryStated(ctx, "MAIN", ">> 10000301", 100, 0)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"10000301", "10000204", "10000109"}, got)

	got, err = svc.QueryStated(ctx, "MAIN", "*", 100, 0)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"10000109", "10000204", "10000301", "10000406"}, got)
}

// S4: attribute refinement intersects the focus with relationship holders.
func TestECLRefinement(t *testing.T) {
	svc, cleanup := setupService(t)
	defer cleanup()
	ctx := context.Background()

	root := concept("10000109")
	x := concept("10000204")
	x.Relationships = []*snomed.Relationship{inferredIsa("10000109"), {
		Versioned: snomed.Versioned{Active: true},
		TypeID:    "10000307", DestinationID: "10000503",
		CharacteristicTypeID: snomed.InferredRelationship,
	}}
	plain := concept("10000406")
	plain.Relationships = []*snomed.Relationship{inferredIsa("10000109")}

	_, err := svc.SaveConcepts(ctx, "MAIN", []*snomed.Concept{root, x, plain})
	require.NoError(t, err)

	got, err := svc.Query(ctx, "MAIN", "<< 10000109 : 10000307 = 10000503", 100, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"10000204"}, got)

	// A wildcard attribute name matches any relationship type.
	got, err = svc.Query(ctx, "MAIN", "<< 10000109 : * = 10000503", 100, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"10000204"}, got)

	got, err = svc.Query(ctx, "MAIN", "<< 10000109 : 10000307 = 99999999", 100, 0)
	require.NoError(t, err)
	assert.Empty(t, got)
}

// S5: rebase with both sides modifying the same component conflicts.
func TestRebaseConflict(t *testing.T) {
	svc, cleanup := setupService(t)
	defer cleanup()
	ctx := context.Background()

	x := concept("50960005")
	x.Descriptions = []*snomed.Description{fsn("", "50960005", "Original term")}
	_, err := svc.SaveConcepts(ctx, "MAIN", []*snomed.Concept{x})
	require.NoError(t, err)

	_, err = svc.CreateBranch(ctx, "MAIN/A")
	require.NoError(t, err)

	// Child edit.
	onChild, err := svc.FindConcept(ctx, "MAIN/A", "50960005")
	require.NoError(t, err)
	onChild.Descriptions[0].Term = "Child term"
	_, err = svc.SaveConcepts(ctx, "MAIN/A", []*snomed.Concept{onChild})
	require.NoError(t, err)

	// Parent edit of the same description.
	onParent, err := svc.FindConcept(ctx, "MAIN", "50960005")
	require.NoError(t, err)
	onParent.Descriptions[0].Term = "Parent term"
	_, err = svc.SaveConcepts(ctx, "MAIN", []*snomed.Concept{onParent})
	require.NoError(t, err)

	conflicts, err := svc.RebaseBranch(ctx, "MAIN/A")
	assert.ErrorIs(t, err, snomed.ErrConflict)
	require.NotEmpty(t, conflicts)
	assert.Equal(t, snomed.TypeDescription, conflicts[0].Type)

	// No auto-merge: the child still sees its own term.
	after, err := svc.FindConcept(ctx, "MAIN/A", "50960005")
	require.NoError(t, err)
	assert.Equal(t, "Child term", after.Descriptions[0].Term)
}

// S6: deleting a concept cascades over descriptions and members.
func TestCascadeDelete(t *testing.T) {
	svc, cleanup := setupService(t)
	defer cleanup()
	ctx := context.Background()

	_, err := svc.CreateBranch(ctx, "MAIN/A")
	require.NoError(t, err)

	c := concept("50960005", classAxiom(snomed.Primitive, isaRel("10000109")))
	c.Descriptions = []*snomed.Description{fsn("", "50960005", "Something")}
	_, err = svc.SaveConcepts(ctx, "MAIN/A", []*snomed.Concept{c})
	require.NoError(t, err)

	require.NoError(t, svc.DeleteConcept(ctx, "MAIN/A", "50960005"))

	_, err = svc.FindConcept(ctx, "MAIN/A", "50960005")
	assert.ErrorIs(t, err, snomed.ErrNotFound)

	crit, err := svc.Store.Criteria.ForBranch("MAIN/A")
	require.NoError(t, err)
	descs, err := svc.Store.DescriptionsByConcepts(ctx, crit, []string{"50960005"})
	require.NoError(t, err)
	assert.Empty(t, descs)
	members, err := svc.Store.MembersByConcept(ctx, crit, []string{"50960005"})
	require.NoError(t, err)
	assert.Empty(t, members)
}

func TestBranchInheritanceAndShadowing(t *testing.T) {
	svc, cleanup := setupService(t)
	defer cleanup()
	ctx := context.Background()

	c := concept("50960005")
	c.Descriptions = []*snomed.Description{fsn("", "50960005", "Parent view")}
	_, err := svc.SaveConcepts(ctx, "MAIN", []*snomed.Concept{c})
	require.NoError(t, err)

	_, err = svc.CreateBranch(ctx, "MAIN/A")
	require.NoError(t, err)

	// Inheritance: visible on the child immediately after fork.
	onChild, err := svc.FindConcept(ctx, "MAIN/A", "50960005")
	require.NoError(t, err)
	assert.Equal(t, "Parent view", onChild.Descriptions[0].Term)

	// Shadowing: the child's edit hides the parent version on the child
	// only.
	onChild.Descriptions[0].Term = "Child view"
	_, err = svc.SaveConcepts(ctx, "MAIN/A", []*snomed.Concept{onChild})
	require.NoError(t, err)

	childRead, err := svc.FindConcept(ctx, "MAIN/A", "50960005")
	require.NoError(t, err)
	assert.Equal(t, "Child view", childRead.Descriptions[0].Term)

	parentRead, err := svc.FindConcept(ctx, "MAIN", "50960005")
	require.NoError(t, err)
	assert.Equal(t, "Parent view", parentRead.Descriptions[0].Term)

	// Edits on MAIN after the fork stay invisible to the child.
	parentRead.Descriptions[0].Term = "Parent view updated"
	_, err = svc.SaveConcepts(ctx, "MAIN", []*snomed.Concept{parentRead})
	require.NoError(t, err)
	childRead, err = svc.FindConcept(ctx, "MAIN/A", "50960005")
	require.NoError(t, err)
	assert.Equal(t, "Child view", childRead.Descriptions[0].Term)
}

func TestEmptySaveIsNoOp(t *testing.T) {
	svc, cleanup := setupService(t)
	defer cleanup()
	ctx := context.Background()

	before, err := svc.Registry.Find("MAIN")
	require.NoError(t, err)

	res, err := svc.SaveConcepts(ctx, "MAIN", nil)
	require.NoError(t, err)
	assert.Empty(t, res.Concepts)

	after, err := svc.Registry.Find("MAIN")
	require.NoError(t, err)
	assert.Equal(t, before.Head, after.Head, "no commit for an empty save")
}

func TestAcceptabilityIdempotence(t *testing.T) {
	svc, cleanup := setupService(t)
	defer cleanup()
	ctx := context.Background()

	c := concept("50960005", classAxiom(snomed.Primitive, isaRel("10000109")))
	c.Descriptions = []*snomed.Description{fsn("", "50960005", "Stable term")}
	_, err := svc.SaveConcepts(ctx, "MAIN", []*snomed.Concept{c})
	require.NoError(t, err)

	again, err := svc.FindConcept(ctx, "MAIN", "50960005")
	require.NoError(t, err)
	res, err := svc.SaveConcepts(ctx, "MAIN", []*snomed.Concept{again})
	require.NoError(t, err)
	assert.Empty(t, res.Members, "second identical save writes no member versions")
	assert.Empty(t, res.Descriptions)
	assert.Empty(t, res.Concepts)
}

func TestISACycleRollsBack(t *testing.T) {
	svc, cleanup := setupService(t)
	defer cleanup()
	ctx := context.Background()

	a := concept("10000109", classAxiom(snomed.Primitive, isaRel("10000204")))
	b := concept("10000204", classAxiom(snomed.Primitive, isaRel("10000109")))
	_, err := svc.SaveConcepts(ctx, "MAIN", []*snomed.Concept{a, b})
	assert.ErrorIs(t, err, snomed.ErrCycleDetected)

	// Nothing from the failed commit is visible.
	_, err = svc.FindConcept(ctx, "MAIN", "10000109")
	assert.ErrorIs(t, err, snomed.ErrNotFound)
	_, err = svc.FindConcept(ctx, "MAIN", "10000204")
	assert.ErrorIs(t, err, snomed.ErrNotFound)

	// The branch lock released with the rollback.
	_, err = svc.SaveConcepts(ctx, "MAIN", []*snomed.Concept{concept("10000301")})
	require.NoError(t, err)
}

func TestWildcardPaginationDisjoint(t *testing.T) {
	svc, cleanup := setupService(t)
	defer cleanup()
	ctx := context.Background()

	var batch []*snomed.Concept
	for i := 0; i < 50; i++ {
		batch = append(batch, concept(fmt.Sprintf("%d005", 200000+i)))
	}
	_, err := svc.SaveConcepts(ctx, "MAIN", batch)
	require.NoError(t, err)

	seen := map[string]bool{}
	total := 0
	for offset := 0; ; offset += 7 {
		page, err := svc.Query(ctx, "MAIN", "*", 7, offset)
		require.NoError(t, err)
		if len(page) == 0 {
			break
		}
		for _, id := range page {
			assert.False(t, seen[id], "page overlap at %s", id)
			seen[id] = true
		}
		total += len(page)
	}
	assert.Equal(t, 50, total)
}

func TestMemberOfExpression(t *testing.T) {
	svc, cleanup := setupService(t)
	defer cleanup()
	ctx := context.Background()

	in := concept("10000109")
	out := concept("10000204")
	_, err := svc.SaveConcepts(ctx, "MAIN", []*snomed.Concept{in, out})
	require.NoError(t, err)

	// A simple refset membership written directly through the store.
	commit, err := svc.Registry.OpenCommit(ctx, "MAIN")
	require.NoError(t, err)
	member := &snomed.ReferenceSetMember{
		Versioned: snomed.Versioned{Active: true, ModuleID: snomed.CoreModule},
		MemberID:  "a7f1e7b2-52b6-4b6a-9f3a-0d5c3b1f0001",
		RefsetID:  "70004300",
		ReferencedComponentID: "10000109", ConceptID: "10000109",
	}
	require.NoError(t, svc.Store.SaveBatch(ctx, commit, []snomed.Component{member}))
	require.NoError(t, commit.MarkSuccessful(ctx))

	got, err := svc.Query(ctx, "MAIN", "^ 70004300", 100, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"10000109"}, got)
}

func TestUnknownIndicatorAndAssociationRejected(t *testing.T) {
	svc, cleanup := setupService(t)
	defer cleanup()
	ctx := context.Background()

	c := concept("50960005")
	c.Active = false
	c.InactivationIndicator = "NO_SUCH_REASON"
	_, err := svc.SaveConcepts(ctx, "MAIN", []*snomed.Concept{c})
	assert.ErrorIs(t, err, snomed.ErrInvalidArgument)

	c2 := concept("50960005")
	c2.Active = false
	c2.AssociationTargets = map[string][]string{"NOT_AN_ASSOCIATION": {"10000109"}}
	_, err = svc.SaveConcepts(ctx, "MAIN", []*snomed.Concept{c2})
	assert.ErrorIs(t, err, snomed.ErrInvalidArgument)
}

func TestInactivationWritesSideTables(t *testing.T) {
	svc, cleanup := setupService(t)
	defer cleanup()
	ctx := context.Background()

	_, err := svc.SaveConcepts(ctx, "MAIN", []*snomed.Concept{
		concept("50960005", classAxiom(snomed.Primitive, isaRel("10000109"))),
		concept("10000109"),
	})
	require.NoError(t, err)

	c, err := svc.FindConcept(ctx, "MAIN", "50960005")
	require.NoError(t, err)
	c.Active = false
	c.InactivationIndicator = "DUPLICATE"
	c.AssociationTargets = map[string][]string{"SAME_AS": {"10000109"}}
	_, err = svc.SaveConcepts(ctx, "MAIN", []*snomed.Concept{c})
	require.NoError(t, err)

	found, err := svc.FindConcept(ctx, "MAIN", "50960005")
	require.NoError(t, err)
	assert.False(t, found.Active)
	assert.Equal(t, "DUPLICATE", found.InactivationIndicator)
	assert.Equal(t, []string{"10000109"}, found.AssociationTargets["SAME_AS"])

	// The active ISA footprint is gone from the semantic index.
	got, err := svc.QueryStated(ctx, "MAIN", "< 10000109", 100, 0)
	require.NoError(t, err)
	assert.Empty(t, got)

	// Reactivating clears indicator and associations.
	found.Active = true
	_, err = svc.SaveConcepts(ctx, "MAIN", []*snomed.Concept{found})
	require.NoError(t, err)
	reactivated, err := svc.FindConcept(ctx, "MAIN", "50960005")
	require.NoError(t, err)
	assert.Empty(t, reactivated.InactivationIndicator)
	assert.Empty(t, reactivated.AssociationTargets)
}

func TestPromoteBranch(t *testing.T) {
	svc, cleanup := setupService(t)
	defer cleanup()
	ctx := context.Background()

	_, err := svc.CreateBranch(ctx, "MAIN/A")
	require.NoError(t, err)

	c := concept("50960005", classAxiom(snomed.Primitive, isaRel("10000109")))
	c.Descriptions = []*snomed.Description{fsn("", "50960005", "Promoted")}
	_, err = svc.SaveConcepts(ctx, "MAIN/A", []*snomed.Concept{c})
	require.NoError(t, err)

	// Invisible on MAIN until promote.
	_, err = svc.FindConcept(ctx, "MAIN", "50960005")
	assert.ErrorIs(t, err, snomed.ErrNotFound)

	require.NoError(t, svc.PromoteBranch(ctx, "MAIN/A"))

	onMain, err := svc.FindConcept(ctx, "MAIN", "50960005")
	require.NoError(t, err)
	assert.Equal(t, "Promoted", onMain.Descriptions[0].Term)

	// The child still sees the content, now through its parent.
	onChild, err := svc.FindConcept(ctx, "MAIN/A", "50960005")
	require.NoError(t, err)
	assert.Equal(t, "Promoted", onChild.Descriptions[0].Term)

	// Semantic index follows the content to MAIN.
	got, err := svc.QueryStated(ctx, "MAIN", "< 10000109", 100, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"50960005"}, got)
}

func TestRebaseWithoutConflicts(t *testing.T) {
	svc, cleanup := setupService(t)
	defer cleanup()
	ctx := context.Background()

	_, err := svc.CreateBranch(ctx, "MAIN/A")
	require.NoError(t, err)

	// Parent gains a concept after the fork.
	_, err = svc.SaveConcepts(ctx, "MAIN", []*snomed.Concept{concept("50960005")})
	require.NoError(t, err)
	_, err = svc.FindConcept(ctx, "MAIN/A", "50960005")
	assert.ErrorIs(t, err, snomed.ErrNotFound)

	conflicts, err := svc.RebaseBranch(ctx, "MAIN/A")
	require.NoError(t, err)
	assert.Empty(t, conflicts)

	onChild, err := svc.FindConcept(ctx, "MAIN/A", "50960005")
	require.NoError(t, err)
	assert.Equal(t, "50960005", onChild.ConceptID)
}

// Closure correctness on a random DAG: the stored ancestor sets must equal
// the brute-force reachability over the authored ISA edges.
func TestClosureCorrectnessRandomDAG(t *testing.T) {
	svc, cleanup := setupService(t)
	defer cleanup()
	ctx := context.Background()

	rng := rand.New(rand.NewSource(42))
	const n = 120
	ids := make([]string, n)
	parents := make(map[string][]string, n)
	var batch []*snomed.Concept
	for i := 0; i < n; i++ {
		ids[i] = fmt.Sprintf("%d009", 300000+i)
		var rels []*snomed.Relationship
		// Parents only among earlier concepts keeps the graph acyclic.
		for j := 0; j < i && len(rels) < 3; j++ {
			if rng.Intn(i+3) == 0 {
				rels = append(rels, isaRel(ids[j]))
				parents[ids[i]] = append(parents[ids[i]], ids[j])
			}
		}
		if len(rels) > 0 {
			batch = append(batch, concept(ids[i], classAxiom(snomed.Primitive, rels...)))
		} else {
			batch = append(batch, concept(ids[i]))
		}
	}
	_, err := svc.SaveConcepts(ctx, "MAIN", batch)
	require.NoError(t, err)

	expected := func(id string) map[string]bool {
		out := map[string]bool{}
		var walk func(string)
		walk = func(cur string) {
			for _, p := range parents[cur] {
				if !out[p] {
					out[p] = true
					walk(p)
				}
			}
		}
		walk(id)
		return out
	}

	crit, err := svc.Store.Criteria.ForBranch("MAIN")
	require.NoError(t, err)
	for _, id := range ids {
		got, err := svc.Semantic.Ancestors(ctx, crit, "stated", id)
		require.NoError(t, err)
		want := expected(id)
		assert.Len(t, got, len(want), "ancestors of %s", id)
		for _, a := range got {
			assert.True(t, want[a], "unexpected ancestor %s of %s", a, id)
		}
	}
}

func TestECLUnsupportedSurface(t *testing.T) {
	svc, cleanup := setupService(t)
	defer cleanup()
	ctx := context.Background()

	_, err := svc.Query(ctx, "MAIN", "< 404684003 AND < 71388002", 10, 0)
	assert.ErrorIs(t, err, snomed.ErrUnsupported)
}

func TestFindOnMissingBranch(t *testing.T) {
	svc, cleanup := setupService(t)
	defer cleanup()

	_, err := svc.FindConcept(context.Background(), "MAIN/NOPE", "50960005")
	assert.ErrorIs(t, err, snomed.ErrNotFound)
}

func TestRebuildSemanticIndex(t *testing.T) {
	svc, cleanup := setupService(t)
	defer cleanup()
	ctx := context.Background()

	a := concept("10000109")
	b := concept("10000204", classAxiom(snomed.Primitive, isaRel("10000109")))
	c := concept("10000301", classAxiom(snomed.Primitive, isaRel("10000204")))
	_, err := svc.SaveConcepts(ctx, "MAIN", []*snomed.Concept{a, b, c})
	require.NoError(t, err)

	require.NoError(t, svc.RebuildSemanticIndex(ctx, "MAIN"))

	got, err := svc.QueryStated(ctx, "MAIN", "<< 10000109", 100, 0)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"10000109", "10000204", "10000301"}, got)
}
