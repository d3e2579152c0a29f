package shard

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dlrover/dlrover-master/pkg/types"
)

func TestSplitterEmitsEveryIndexExactlyOncePerEpoch(t *testing.T) {
	s := New(Config{DatasetName: "ds", DatasetSize: 10, ShardSize: 3, NumEpochs: 2})

	var epoch0 []types.Shard
	for i := 0; i < 4; i++ { // ceil(10/3)
		sh, ok := s.Next()
		require.True(t, ok)
		epoch0 = append(epoch0, sh)
	}
	seen := make(map[int]bool)
	for _, sh := range epoch0 {
		for i := sh.Start; i < sh.End; i++ {
			assert.False(t, seen[i], "index %d emitted twice", i)
			seen[i] = true
		}
	}
	assert.Len(t, seen, 10)
}

func TestSplitterExhaustsAfterNumEpochs(t *testing.T) {
	s := New(Config{DatasetName: "ds", DatasetSize: 4, ShardSize: 2, NumEpochs: 2})
	count := 0
	for {
		_, ok := s.Next()
		if !ok {
			break
		}
		count++
	}
	assert.Equal(t, 4, count) // 2 shards/epoch * 2 epochs
	assert.True(t, s.Exhausted())
	_, ok := s.Next()
	assert.False(t, ok)
}

func TestSplitterTableStorageCarriesRecordIndices(t *testing.T) {
	s := New(Config{DatasetName: "ds", DatasetSize: 5, ShardSize: 2, NumEpochs: 1, StorageType: types.StorageTable})
	sh, ok := s.Next()
	require.True(t, ok)
	assert.Equal(t, []int{0, 1}, sh.RecordIndices)
}

func TestSplitterSnapshotRestoreRoundTrips(t *testing.T) {
	s := New(Config{DatasetName: "ds", DatasetSize: 20, ShardSize: 3, NumEpochs: 3, Shuffle: true, Seed: 7})
	_, _ = s.Next()
	_, _ = s.Next()
	snap := s.Snapshot()

	restored := New(Config{DatasetName: "ds", DatasetSize: 20, ShardSize: 3, NumEpochs: 3, Shuffle: true, Seed: 7})
	restored.Restore(snap)

	want, wantOK := s.Next()
	got, gotOK := restored.Next()
	assert.Equal(t, wantOK, gotOK)
	assert.Equal(t, want, got)
}

func TestSplitterShuffleIsDeterministicAcrossInstancesForSameSeed(t *testing.T) {
	cfg := Config{DatasetName: "ds", DatasetSize: 30, ShardSize: 3, NumEpochs: 1, Shuffle: true, Seed: 42}
	a := New(cfg)
	b := New(cfg)
	for {
		shA, okA := a.Next()
		shB, okB := b.Next()
		require.Equal(t, okA, okB)
		if !okA {
			break
		}
		assert.Equal(t, shA, shB)
	}
}
