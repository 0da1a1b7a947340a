package branch

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"termstore/snomed"
)

func TestCriteriaLegs(t *testing.T) {
	r, cleanup := setupRegistry(t)
	defer cleanup()
	ctx := context.Background()

	_, err := r.Create(ctx, "MAIN")
	require.NoError(t, err)
	_, err = r.Create(ctx, "MAIN/A")
	require.NoError(t, err)
	childBase := mustFind(t, r, "MAIN/A").Base

	// Advance MAIN past the child's base; the child must not see it.
	c, err := r.OpenCommit(ctx, "MAIN")
	require.NoError(t, err)
	require.NoError(t, c.MarkSuccessful(ctx))

	cb := NewCriteriaBuilder(r)
	crit, err := cb.ForBranch("MAIN/A")
	require.NoError(t, err)

	require.Len(t, crit.legs, 2)
	assert.Equal(t, "MAIN/A", crit.legs[0].path)
	assert.Equal(t, mustFind(t, r, "MAIN/A").Head, crit.legs[0].timepoint)
	assert.Equal(t, "MAIN", crit.legs[1].path)
	assert.Equal(t, childBase, crit.legs[1].timepoint, "ancestor leg pinned to the child's base")
}

func TestCriteriaShadowingExclusion(t *testing.T) {
	r, cleanup := setupRegistry(t)
	defer cleanup()
	ctx := context.Background()

	_, err := r.Create(ctx, "MAIN")
	require.NoError(t, err)
	_, err = r.Create(ctx, "MAIN/A")
	require.NoError(t, err)

	c, err := r.OpenCommit(ctx, "MAIN/A")
	require.NoError(t, err)
	c.AddVersionsReplaced(snomed.TypeConcept, "50960005")
	require.NoError(t, c.MarkSuccessful(ctx))

	cb := NewCriteriaBuilder(r)
	crit, err := cb.ForBranch("MAIN/A")
	require.NoError(t, err)

	frag, args := crit.BranchPredicate(snomed.TypeConcept).Render()
	assert.Contains(t, frag, "NOT IN")
	found := false
	for _, a := range args {
		if a == "50960005" {
			found = true
		}
	}
	assert.True(t, found, "replaced id excluded from the ancestor leg")

	// The branch's own leg has no exclusion: count NOT IN occurrences.
	assert.Equal(t, 1, strings.Count(frag, "NOT IN"))
}

func TestCriteriaIncludingOpenCommit(t *testing.T) {
	r, cleanup := setupRegistry(t)
	defer cleanup()
	ctx := context.Background()

	_, err := r.Create(ctx, "MAIN")
	require.NoError(t, err)

	c, err := r.OpenCommit(ctx, "MAIN")
	require.NoError(t, err)
	defer c.Rollback(ctx)

	cb := NewCriteriaBuilder(r)
	crit, err := cb.IncludingOpenCommit(c)
	require.NoError(t, err)
	assert.Equal(t, c.Timepoint, crit.legs[0].timepoint,
		"open commit reads see the commit's own timepoint")

	head, err := cb.ForBranch("MAIN")
	require.NoError(t, err)
	assert.Less(t, head.legs[0].timepoint, c.Timepoint)
}

func TestCriteriaCacheInvalidatesOnCommit(t *testing.T) {
	r, cleanup := setupRegistry(t)
	defer cleanup()
	ctx := context.Background()

	_, err := r.Create(ctx, "MAIN")
	require.NoError(t, err)
	cb := NewCriteriaBuilder(r)

	before, err := cb.ForBranch("MAIN")
	require.NoError(t, err)

	c, err := r.OpenCommit(ctx, "MAIN")
	require.NoError(t, err)
	require.NoError(t, c.MarkSuccessful(ctx))

	after, err := cb.ForBranch("MAIN")
	require.NoError(t, err)
	assert.Greater(t, after.legs[0].timepoint, before.legs[0].timepoint)
}
