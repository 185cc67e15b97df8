package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glockpete/Forecastin-sub000/api"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "entities.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedWorld(t *testing.T, s *SQLiteStore) {
	t.Helper()
	ctx := context.Background()
	for _, e := range []Entity{
		{ID: "world", Label: "world", Path: "world"},
		{ID: "asia", Label: "asia", Path: "world.asia"},
		{ID: "japan", Label: "japan", Path: "world.asia.japan"},
		{ID: "tokyo", Label: "tokyo", Path: "world.asia.japan.tokyo"},
		{ID: "europe", Label: "europe", Path: "world.europe"},
	} {
		require.NoError(t, s.UpsertEntity(ctx, e))
	}
}

func TestUpsertDerivesDepthAndFingerprint(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.UpsertEntity(ctx, Entity{ID: "japan", Label: "japan", Path: "world.asia.japan"}))

	e, err := s.GetEntity(ctx, "japan")
	require.NoError(t, err)
	assert.Equal(t, 2, e.Depth)
	assert.NotZero(t, e.Fingerprint)
}

func TestUpsertRejectsMismatchedLabel(t *testing.T) {
	s := openTestStore(t)
	err := s.UpsertEntity(context.Background(), Entity{ID: "x", Label: "tokyo", Path: "world.asia.japan"})
	require.Error(t, err)
}

func TestGetEntityNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetEntity(context.Background(), "nope")
	assert.True(t, errors.Is(err, api.ErrNotFound))
}

func TestAncestorsClosestFirst(t *testing.T) {
	s := openTestStore(t)
	seedWorld(t, s)

	ancs, err := s.AncestorsOf(context.Background(), "world.asia.japan.tokyo")
	require.NoError(t, err)
	require.Len(t, ancs, 3)
	assert.Equal(t, "japan", ancs[0].ID)
	assert.Equal(t, "asia", ancs[1].ID)
	assert.Equal(t, "world", ancs[2].ID)
}

func TestDescendantScanIsSegmentSafe(t *testing.T) {
	s := openTestStore(t)
	seedWorld(t, s)
	ctx := context.Background()
	// "asian" shares a raw string prefix with "asia" but is a sibling.
	require.NoError(t, s.UpsertEntity(ctx, Entity{ID: "asian", Label: "asian", Path: "world.asian"}))

	n, err := s.CountDescendants(ctx, "world.asia")
	require.NoError(t, err)
	assert.Equal(t, 2, n, "japan and tokyo only")

	ents, total, err := s.DescendantsOf(ctx, "world.asia", 0, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, ents, 2)
	assert.Equal(t, "world.asia.japan", ents[0].Path)
}

func TestSubtreeMatchingIsCaseSensitive(t *testing.T) {
	s := openTestStore(t)
	seedWorld(t, s)
	ctx := context.Background()
	// "world.Asia" and "world.asia" are distinct rows: the path column is
	// BINARY-collated, so subtree scans must not case-fold across them.
	require.NoError(t, s.UpsertEntity(ctx, Entity{ID: "Asia", Label: "Asia", Path: "world.Asia"}))
	require.NoError(t, s.UpsertEntity(ctx, Entity{ID: "Seoul", Label: "Seoul", Path: "world.Asia.Seoul"}))

	n, err := s.CountDescendants(ctx, "world.asia")
	require.NoError(t, err)
	assert.Equal(t, 2, n, "japan and tokyo only, not the Asia subtree")

	ents, total, err := s.DescendantsOf(ctx, "world.Asia", 0, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, ents, 1)
	assert.Equal(t, "world.Asia.Seoul", ents[0].Path)

	require.NoError(t, s.DeleteSubtree(ctx, "world.Asia"))
	_, err = s.GetEntity(ctx, "asia")
	assert.NoError(t, err, "case-differing sibling subtree survives the delete")
}

func TestSubtreeMatchingTreatsWildcardBytesLiterally(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	// "_" and "%" are ordinary bytes in a label; they must never act as
	// pattern wildcards during subtree scans.
	for _, e := range []Entity{
		{ID: "a_b", Label: "a_b", Path: "a_b"},
		{ID: "axb", Label: "axb", Path: "axb"},
		{ID: "kid", Label: "kid", Path: "axb.kid"},
		{ID: "pct", Label: "p%t", Path: "p%t"},
		{ID: "pat", Label: "pat", Path: "pat"},
		{ID: "sub", Label: "sub", Path: "pat.sub"},
	} {
		require.NoError(t, s.UpsertEntity(ctx, e))
	}

	n, err := s.CountDescendants(ctx, "a_b")
	require.NoError(t, err)
	assert.Equal(t, 0, n, "a_b must not match axb.kid")

	n, err = s.CountDescendants(ctx, "p%t")
	require.NoError(t, err)
	assert.Equal(t, 0, n, "p%t must not match pat.sub")
}

func TestDescendantPagination(t *testing.T) {
	s := openTestStore(t)
	seedWorld(t, s)

	ents, total, err := s.DescendantsOf(context.Background(), "world", 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 4, total)
	require.Len(t, ents, 2)
	// Path order: asia, asia.japan, asia.japan.tokyo, europe — page skips asia.
	assert.Equal(t, "world.asia.japan", ents[0].Path)
	assert.Equal(t, "world.asia.japan.tokyo", ents[1].Path)
}

func TestDeleteSubtree(t *testing.T) {
	s := openTestStore(t)
	seedWorld(t, s)
	ctx := context.Background()

	require.NoError(t, s.DeleteSubtree(ctx, "world.asia.japan"))
	_, err := s.GetEntity(ctx, "tokyo")
	assert.True(t, errors.Is(err, api.ErrNotFound))
	_, err = s.GetEntity(ctx, "asia")
	assert.NoError(t, err, "siblings above the subtree survive")
}

func TestMetadataRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.UpsertEntity(ctx, Entity{
		ID: "tokyo", Label: "tokyo", Path: "world.asia.japan.tokyo",
		Metadata: map[string]any{"population": int64(13960000), "capital": true},
	}))
	e, err := s.GetEntity(ctx, "tokyo")
	require.NoError(t, err)
	assert.Equal(t, true, e.Metadata["capital"])
}
