package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flybeeper/segment-pipeline/internal/segmenter"
)

func TestMemorySeedStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemorySeedStore()
	boundary := time.Date(2017, 1, 2, 0, 0, 0, 0, time.UTC)

	missing, err := store.LoadSeed(ctx, boundary, "100")
	require.NoError(t, err)
	assert.Nil(t, missing)

	_, err = store.LatestBoundary(ctx)
	assert.ErrorIs(t, err, ErrNotFound)

	seed := testSeed("100", boundary.Add(-time.Minute))
	require.NoError(t, store.SaveSeed(ctx, boundary, seed))
	require.NoError(t, store.SaveSeed(ctx, boundary, testSeed("050", boundary.Add(-time.Hour))))

	// изменение после сохранения не влияет на хранилище
	seed.MessageCount = 999

	loaded, err := store.LoadSeed(ctx, boundary, "100")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, int64(10), loaded.MessageCount)

	seeds, err := store.ListSeeds(ctx, boundary)
	require.NoError(t, err)
	require.Len(t, seeds, 2)
	assert.Equal(t, "050", seeds[0].Identifier)
	assert.Equal(t, 2, store.Len(boundary))

	require.NoError(t, store.DeleteSeed(ctx, boundary, "050"))
	require.NoError(t, store.DeleteSeed(ctx, boundary, "missing"))
	assert.Equal(t, 1, store.Len(boundary))

	latest, err := store.LatestBoundary(ctx)
	require.NoError(t, err)
	assert.True(t, latest.Equal(boundary))
}

func TestMemorySeedStore_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	store := NewMemorySeedStore()
	err := store.SaveSeed(ctx, time.Now(), testSeed("100", time.Now()))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMemorySeedStore_UndecodableSeed(t *testing.T) {
	ctx := context.Background()
	store := NewMemorySeedStore()
	boundary := time.Date(2017, 1, 2, 0, 0, 0, 0, time.UTC)

	require.NoError(t, store.SaveSeed(ctx, boundary, testSeed("100", boundary.Add(-time.Minute))))
	store.PutRaw(boundary, "200", []byte("{not json"))

	_, err := store.LoadSeed(ctx, boundary, "200")
	assert.ErrorIs(t, err, segmenter.ErrSeedAnomaly)
	var decodeErr *SeedDecodeError
	require.ErrorAs(t, err, &decodeErr)
	assert.True(t, decodeErr.Boundary.Equal(boundary))

	seeds, err := store.ListSeeds(ctx, boundary)
	require.NoError(t, err)
	require.Len(t, seeds, 1)
	assert.Equal(t, "100", seeds[0].Identifier)

	ids, err := store.SeedIdentifiers(ctx, boundary)
	require.NoError(t, err)
	assert.Equal(t, []string{"100", "200"}, ids)
}
