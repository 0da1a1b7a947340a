package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"termstore/blockstore"
	"termstore/branch"
	"termstore/datastore"
	"termstore/index"
	"termstore/snomed"
)

func setupStore(t *testing.T) (*Store, *branch.Registry, func()) {
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

	st := New(db, blockstore.New(ds, 0), branch.NewCriteriaBuilder(registry))
	cleanup := func() {
		db.Close()
		ds.Close()
	}
	return st, registry, cleanup
}

func testConcept(id string) *snomed.Concept {
	return &snomed.Concept{
		Versioned:          snomed.Versioned{Active: true, ModuleID: snomed.CoreModule},
		ConceptID:          id,
		DefinitionStatusID: snomed.Primitive,
	}
}

func commitOn(t *testing.T, r *branch.Registry, path string) *branch.Commit {
	t.Helper()
	c, err := r.OpenCommit(context.Background(), path)
	require.NoError(t, err)
	return c
}

func TestSaveAndFind(t *testing.T) {
	st, registry, cleanup := setupStore(t)
	defer cleanup()
	ctx := context.Background()

	commit := commitOn(t, registry, "MAIN")
	require.NoError(t, st.SaveBatch(ctx, commit, []snomed.Component{testConcept("50960005")}))
	require.NoError(t, commit.MarkSuccessful(ctx))

	crit, err := st.Criteria.ForBranch("MAIN")
	require.NoError(t, err)
	found, err := st.FindConcept(ctx, crit, "50960005")
	require.NoError(t, err)
	assert.Equal(t, "MAIN", found.Path)
	assert.Equal(t, commit.Timepoint, found.Start)

	_, err = st.FindConcept(ctx, crit, "99999999")
	assert.ErrorIs(t, err, snomed.ErrNotFound)
}

func TestCommitVisibilityFlip(t *testing.T) {
	st, registry, cleanup := setupStore(t)
	defer cleanup()
	ctx := context.Background()

	commit := commitOn(t, registry, "MAIN")
	require.NoError(t, st.SaveBatch(ctx, commit, []snomed.Component{testConcept("50960005")}))

	// Invisible to plain readers while the commit is open.
	crit, err := st.Criteria.ForBranch("MAIN")
	require.NoError(t, err)
	_, err = st.FindConcept(ctx, crit, "50960005")
	assert.ErrorIs(t, err, snomed.ErrNotFound)

	// Visible within the commit.
	openCrit, err := st.Criteria.IncludingOpenCommit(commit)
	require.NoError(t, err)
	_, err = st.FindConcept(ctx, openCrit, "50960005")
	require.NoError(t, err)

	require.NoError(t, commit.MarkSuccessful(ctx))
	crit, err = st.Criteria.ForBranch("MAIN")
	require.NoError(t, err)
	_, err = st.FindConcept(ctx, crit, "50960005")
	require.NoError(t, err)
}

func TestRollbackRemovesRows(t *testing.T) {
	st, registry, cleanup := setupStore(t)
	defer cleanup()
	ctx := context.Background()

	commit := commitOn(t, registry, "MAIN")
	require.NoError(t, st.SaveBatch(ctx, commit, []snomed.Component{testConcept("50960005")}))
	require.NoError(t, commit.Rollback(ctx))

	crit, err := st.Criteria.ForBranch("MAIN")
	require.NoError(t, err)
	_, err = st.FindConcept(ctx, crit, "50960005")
	assert.ErrorIs(t, err, snomed.ErrNotFound)

	// The table holds no orphan either; the rollback hook deleted the rows.
	var count int
	require.NoError(t, st.DB().QueryRow(ctx,
		`SELECT COUNT(*) FROM concept WHERE component_id = ?`, "50960005").Scan(&count))
	assert.Equal(t, 0, count)
}

func TestSingleVisibleVersion(t *testing.T) {
	st, registry, cleanup := setupStore(t)
	defer cleanup()
	ctx := context.Background()

	// Three successive rewrites of the same concept.
	for i := 0; i < 3; i++ {
		c := testConcept("50960005")
		if i%2 == 1 {
			c.DefinitionStatusID = snomed.FullyDefined
		}
		commit := commitOn(t, registry, "MAIN")
		require.NoError(t, st.SaveBatch(ctx, commit, []snomed.Component{c}))
		require.NoError(t, commit.MarkSuccessful(ctx))
	}

	crit, err := st.Criteria.ForBranch("MAIN")
	require.NoError(t, err)
	frag, args := crit.BranchPredicate(snomed.TypeConcept).Render()
	var visible int
	require.NoError(t, st.DB().QueryRow(ctx, fmt.Sprintf(
		`SELECT COUNT(*) FROM concept WHERE component_id = ? AND %s`, frag),
		append([]any{"50960005"}, args...)...).Scan(&visible))
	assert.Equal(t, 1, visible, "exactly one visible version")

	var total int
	require.NoError(t, st.DB().QueryRow(ctx,
		`SELECT COUNT(*) FROM concept WHERE component_id = ?`, "50960005").Scan(&total))
	assert.Equal(t, 3, total, "history preserved as ended versions")
}

func TestUnreleasedDeleteRemovesRows(t *testing.T) {
	st, registry, cleanup := setupStore(t)
	defer cleanup()
	ctx := context.Background()

	commit := commitOn(t, registry, "MAIN")
	require.NoError(t, st.SaveBatch(ctx, commit, []snomed.Component{testConcept("50960005")}))
	require.NoError(t, commit.MarkSuccessful(ctx))

	del := testConcept("50960005")
	del.MarkDeleted()
	commit = commitOn(t, registry, "MAIN")
	require.NoError(t, st.SaveBatch(ctx, commit, []snomed.Component{del}))
	require.NoError(t, commit.MarkSuccessful(ctx))

	var total int
	require.NoError(t, st.DB().QueryRow(ctx,
		`SELECT COUNT(*) FROM concept WHERE component_id = ?`, "50960005").Scan(&total))
	assert.Equal(t, 0, total, "never-released deletions drop rows outright")
}

func TestReleasedDeleteWritesTombstone(t *testing.T) {
	st, registry, cleanup := setupStore(t)
	defer cleanup()
	ctx := context.Background()

	released := testConcept("50960005")
	released.Released = true
	released.ReleaseHash = snomed.ReleaseHashOf(released)
	released.EffectiveTime = "20240101"
	released.ReleasedEffectiveTime = "20240101"
	commit := commitOn(t, registry, "MAIN")
	require.NoError(t, st.SaveBatch(ctx, commit, []snomed.Component{released}))
	require.NoError(t, commit.MarkSuccessful(ctx))

	del := testConcept("50960005")
	del.Released = true
	del.MarkDeleted()
	commit = commitOn(t, registry, "MAIN")
	require.NoError(t, st.SaveBatch(ctx, commit, []snomed.Component{del}))
	require.NoError(t, commit.MarkSuccessful(ctx))

	crit, err := st.Criteria.ForBranch("MAIN")
	require.NoError(t, err)
	_, err = st.FindConcept(ctx, crit, "50960005")
	assert.ErrorIs(t, err, snomed.ErrNotFound)

	var total int
	require.NoError(t, st.DB().QueryRow(ctx,
		`SELECT COUNT(*) FROM concept WHERE component_id = ? AND deleted = 1`, "50960005").Scan(&total))
	assert.Equal(t, 1, total, "released deletion leaves a tombstone")
}

func TestInactiveUnreleasedMemberGC(t *testing.T) {
	st, registry, cleanup := setupStore(t)
	defer cleanup()
	ctx := context.Background()

	m := &snomed.ReferenceSetMember{
		Versioned: snomed.Versioned{Active: true, ModuleID: snomed.CoreModule},
		MemberID:  "9b4b1f12-aaaa-bbbb-cccc-000000000001",
		RefsetID:  snomed.USLanguageRefset, ReferencedComponentID: "100001001",
		ConceptID:        "50960005",
		AdditionalFields: map[string]string{snomed.FieldAcceptabilityID: snomed.PreferredAcceptability},
	}
	commit := commitOn(t, registry, "MAIN")
	require.NoError(t, st.SaveBatch(ctx, commit, []snomed.Component{m}))
	require.NoError(t, commit.MarkSuccessful(ctx))

	retired := &snomed.ReferenceSetMember{
		Versioned: snomed.Versioned{Active: false, ModuleID: snomed.CoreModule},
		MemberID:  m.MemberID,
		RefsetID:  m.RefsetID, ReferencedComponentID: m.ReferencedComponentID,
		ConceptID:        m.ConceptID,
		AdditionalFields: m.AdditionalFields,
	}
	commit = commitOn(t, registry, "MAIN")
	require.NoError(t, st.SaveBatch(ctx, commit, []snomed.Component{retired}))
	require.NoError(t, commit.MarkSuccessful(ctx))

	// A retirement that was never published is garbage-collected.
	var total int
	require.NoError(t, st.DB().QueryRow(ctx,
		`SELECT COUNT(*) FROM member WHERE component_id = ?`, m.MemberID).Scan(&total))
	assert.Equal(t, 0, total)
}
