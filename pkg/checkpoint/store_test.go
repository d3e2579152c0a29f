package checkpoint

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dlrover/dlrover-master/pkg/dataset"
)

func TestFileStoreSaveLoadRoundTrips(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	cp := dataset.Checkpoint{DatasetName: "train", NextID: 7, CompletedStep: 42, Done: []int{1, 2, 3}}
	require.NoError(t, store.Save(context.Background(), cp))

	restored, ok, err := store.Load(context.Background(), "train")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, cp, restored)
}

func TestFileStoreLoadMissingDatasetIsNotFoundNotError(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	_, ok, err := store.Load(context.Background(), "nonexistent")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFileStoreSaveOverwritesPriorCheckpointForSameDataset(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, dataset.Checkpoint{DatasetName: "train", NextID: 1}))
	require.NoError(t, store.Save(ctx, dataset.Checkpoint{DatasetName: "train", NextID: 2}))

	restored, ok, err := store.Load(ctx, "train")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, restored.NextID)
}

func TestFileStoreKeepsSeparateFilesPerDataset(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, dataset.Checkpoint{DatasetName: "train", NextID: 1}))
	require.NoError(t, store.Save(ctx, dataset.Checkpoint{DatasetName: "eval", NextID: 9}))

	train, _, err := store.Load(ctx, "train")
	require.NoError(t, err)
	evalCP, _, err := store.Load(ctx, "eval")
	require.NoError(t, err)

	assert.Equal(t, 1, train.NextID)
	assert.Equal(t, 9, evalCP.NextID)
}
