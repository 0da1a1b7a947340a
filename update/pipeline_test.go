package update

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"termstore/blockstore"
	"termstore/branch"
	"termstore/datastore"
	"termstore/index"
	"termstore/snomed"
	"termstore/store"
)

func setupPipeline(t *testing.T) (*Pipeline, *store.Store, *branch.Registry, func()) {
	t.Helper()
	dir := t.TempDir()
	ctx := context.Background()

	ds, err := datastore.Open(filepath.Join(dir, "ds"), nil)
	require.NoError(t, err)
	db, err := index.Open(filepath.Join(dir, "index.db"), index.Options{})
	require.NoError(t, err)
	registry, err := branch.NewRegistry(ctx, ds)
	require.NoError(t, err)
	_, err = registry.Create(ctx, "MAIN")
	require.NoError(t, err)

	st := store.New(db, blockstore.New(ds, 0), branch.NewCriteriaBuilder(registry))
	p := NewPipeline(st, snomed.NewLocalIdentifierSource())
	return p, st, registry, func() {
		db.Close()
		ds.Close()
	}
}

func aggregate(conceptID string, descs ...*snomed.Description) *snomed.Concept {
	return &snomed.Concept{
		Versioned:          snomed.Versioned{Active: true, ModuleID: snomed.CoreModule},
		ConceptID:          conceptID,
		DefinitionStatusID: snomed.Primitive,
		Descriptions:       descs,
	}
}

func desc(term string) *snomed.Description {
	return &snomed.Description{
		Versioned: snomed.Versioned{Active: true, ModuleID: snomed.CoreModule},
		Term:      term, LanguageCode: "en", TypeID: snomed.Synonym,
		CaseSignificanceID: snomed.CaseInsensitive,
		Acceptability:      map[string]string{snomed.USLanguageRefset: "ACCEPTABLE"},
	}
}

func save(t *testing.T, p *Pipeline, r *branch.Registry, concepts ...*snomed.Concept) *Result {
	t.Helper()
	ctx := context.Background()
	commit, err := r.OpenCommit(ctx, "MAIN")
	require.NoError(t, err)
	res, err := p.SaveConcepts(ctx, commit, concepts)
	if err != nil {
		commit.Rollback(ctx)
		t.Fatalf("save: %v", err)
	}
	require.NoError(t, commit.MarkSuccessful(ctx))
	return res
}

func TestNewConceptGetsIdentifiers(t *testing.T) {
	p, _, registry, cleanup := setupPipeline(t)
	defer cleanup()

	c := &snomed.Concept{
		Versioned:    snomed.Versioned{Active: true, ModuleID: snomed.CoreModule},
		Descriptions: []*snomed.Description{desc("Fresh concept")},
	}
	res := save(t, p, registry, c)

	require.Len(t, res.Concepts, 1)
	saved := res.Concepts[0]
	assert.NoError(t, snomed.VerifySCTID(saved.ConceptID))
	assert.Equal(t, snomed.PartitionConcept, snomed.PartitionOf(saved.ConceptID))

	require.Len(t, res.Descriptions, 1)
	d := res.Descriptions[0]
	assert.NoError(t, snomed.VerifySCTID(d.DescriptionID))
	assert.Equal(t, snomed.PartitionDescription, snomed.PartitionOf(d.DescriptionID))
	assert.Equal(t, saved.ConceptID, d.ConceptID)

	require.Len(t, res.Members, 1, "language refset member created")
	assert.Equal(t, snomed.AcceptableAcceptability, res.Members[0].Field(snomed.FieldAcceptabilityID))
}

func TestAcceptabilityChangeWritesNewVersion(t *testing.T) {
	p, _, registry, cleanup := setupPipeline(t)
	defer cleanup()

	c := aggregate("50960005", desc("Some term"))
	res := save(t, p, registry, c)
	memberID := res.Members[0].MemberID
	descID := res.Descriptions[0].DescriptionID

	// Same description, acceptability flips to PREFERRED.
	updated := aggregate("50960005", desc("Some term"))
	updated.Descriptions[0].DescriptionID = descID
	updated.Descriptions[0].Acceptability = map[string]string{snomed.USLanguageRefset: "PREFERRED"}
	res2 := save(t, p, registry, updated)

	require.Len(t, res2.Members, 1)
	assert.Equal(t, memberID, res2.Members[0].MemberID, "same member, new version")
	assert.Equal(t, snomed.PreferredAcceptability, res2.Members[0].Field(snomed.FieldAcceptabilityID))
	assert.Empty(t, res2.Descriptions, "description itself unchanged")
}

func TestRemovedDescriptionCascades(t *testing.T) {
	p, st, registry, cleanup := setupPipeline(t)
	defer cleanup()
	ctx := context.Background()

	c := aggregate("50960005", desc("Keep"), desc("Drop"))
	save(t, p, registry, c)

	kept := aggregate("50960005", desc("Keep"))
	// Reuse the stored id of the kept description so only the other one
	// counts as removed.
	crit, err := st.Criteria.ForBranch("MAIN")
	require.NoError(t, err)
	existing, err := st.DescriptionsByConcepts(ctx, crit, []string{"50960005"})
	require.NoError(t, err)
	var dropID string
	for _, d := range existing {
		if d.Term == "Keep" {
			kept.Descriptions[0].DescriptionID = d.DescriptionID
		} else {
			dropID = d.DescriptionID
		}
	}
	save(t, p, registry, kept)

	crit, err = st.Criteria.ForBranch("MAIN")
	require.NoError(t, err)
	after, err := st.DescriptionsByConcepts(ctx, crit, []string{"50960005"})
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.Equal(t, "Keep", after[0].Term)

	members, err := st.MembersByConcept(ctx, crit, []string{"50960005"})
	require.NoError(t, err)
	for _, m := range members {
		assert.NotEqual(t, dropID, m.ReferencedComponentID, "language member of removed description gone")
	}
	require.Len(t, members, 1)
}

func TestUnknownAcceptabilityRejected(t *testing.T) {
	p, _, registry, cleanup := setupPipeline(t)
	defer cleanup()
	ctx := context.Background()

	c := aggregate("50960005", desc("Bad map"))
	c.Descriptions[0].Acceptability = map[string]string{snomed.USLanguageRefset: "MANDATORY"}

	commit, err := registry.OpenCommit(ctx, "MAIN")
	require.NoError(t, err)
	_, err = p.SaveConcepts(ctx, commit, []*snomed.Concept{c})
	assert.ErrorIs(t, err, snomed.ErrInvalidArgument)
	require.NoError(t, commit.Rollback(ctx))
}

func TestEffectiveTimeClearedOnEdit(t *testing.T) {
	p, st, registry, cleanup := setupPipeline(t)
	defer cleanup()
	ctx := context.Background()

	// Simulate released content written directly through the store.
	released := &snomed.Concept{
		Versioned: snomed.Versioned{
			Active: true, ModuleID: snomed.CoreModule,
			Released: true, EffectiveTime: "20240101", ReleasedEffectiveTime: "20240101",
		},
		ConceptID:          "50960005",
		DefinitionStatusID: snomed.Primitive,
	}
	released.ReleaseHash = snomed.ReleaseHashOf(released)
	commit, err := registry.OpenCommit(ctx, "MAIN")
	require.NoError(t, err)
	require.NoError(t, st.SaveBatch(ctx, commit, []snomed.Component{released}))
	require.NoError(t, commit.MarkSuccessful(ctx))

	// An edit through the pipeline clears the effective time.
	edit := aggregate("50960005")
	edit.DefinitionStatusID = snomed.FullyDefined
	res := save(t, p, registry, edit)
	require.Len(t, res.Concepts, 1)
	assert.Empty(t, res.Concepts[0].EffectiveTime)
	assert.True(t, res.Concepts[0].Released)

	// Reverting restores it.
	revert := aggregate("50960005")
	res = save(t, p, registry, revert)
	require.Len(t, res.Concepts, 1)
	assert.Equal(t, "20240101", res.Concepts[0].EffectiveTime)
}
