package snomed

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerhoeffCheckDigit(t *testing.T) {
	cases := map[string]int{
		"5096000":           5,
		"11668000":          3,
		"60909600":          0,
		"90000000000007400": 8,
		"73307300":          7,
	}
	for body, want := range cases {
		got, err := VerhoeffCheckDigit(body)
		require.NoError(t, err)
		assert.Equal(t, want, got, body)
	}
}

func TestVerifySCTID(t *testing.T) {
	assert.NoError(t, VerifySCTID("50960005"))
	assert.NoError(t, VerifySCTID("116680003"))
	assert.NoError(t, VerifySCTID("900000000000074008"))

	assert.ErrorIs(t, VerifySCTID("50960004"), ErrInvalidArgument)
	assert.ErrorIs(t, VerifySCTID("12345"), ErrInvalidArgument)
	assert.ErrorIs(t, VerifySCTID("50960x05"), ErrInvalidArgument)
}

func TestLocalIdentifierSource(t *testing.T) {
	src := NewLocalIdentifierSource()
	ctx := context.Background()

	ids, err := src.ReserveIDs(ctx, PartitionConcept, 5)
	require.NoError(t, err)
	require.Len(t, ids, 5)
	seen := map[string]bool{}
	for _, id := range ids {
		assert.NoError(t, VerifySCTID(id))
		assert.Equal(t, PartitionConcept, PartitionOf(id))
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}

	descIDs, err := src.ReserveIDs(ctx, PartitionDescription, 2)
	require.NoError(t, err)
	for _, id := range descIDs {
		assert.Equal(t, PartitionDescription, PartitionOf(id))
	}

	_, err = src.ReserveIDs(ctx, "99", 1)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}
