// Package checkpoint persists DatasetShardCheckpoint blobs so a
// restarted master can resume shard progress instead of re-splitting a
// dataset from scratch.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dlrover/dlrover-master/pkg/dataset"
)

// Store is the persistence contract for dataset shard checkpoints.
// Implementations never fail Load by returning an error for "not found";
// that case is ok=false per spec.md §7's "checkpoint restore failure"
// handling (logged by the caller, continue from a blank state).
type Store interface {
	Save(ctx context.Context, cp dataset.Checkpoint) error
	Load(ctx context.Context, datasetName string) (dataset.Checkpoint, bool, error)
}

// FileStore persists one JSON file per dataset under a root directory.
// This is the default: no external dependency, matching the teacher's
// filesystem-first posture for anything that doesn't need a shared
// backend (see internal/applog's rotating file writer).
type FileStore struct {
	dir string
}

// NewFileStore constructs a FileStore rooted at dir, creating it if
// necessary.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (f *FileStore) path(datasetName string) string {
	return filepath.Join(f.dir, datasetName+".json")
}

// Save writes cp as JSON, overwriting any prior checkpoint for the same
// dataset.
func (f *FileStore) Save(_ context.Context, cp dataset.Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	tmp := f.path(cp.DatasetName) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	return os.Rename(tmp, f.path(cp.DatasetName))
}

// Load reads a previously saved checkpoint. A missing file is reported
// as ok=false, not an error.
func (f *FileStore) Load(_ context.Context, datasetName string) (dataset.Checkpoint, bool, error) {
	data, err := os.ReadFile(f.path(datasetName))
	if errors.Is(err, os.ErrNotExist) {
		return dataset.Checkpoint{}, false, nil
	}
	if err != nil {
		return dataset.Checkpoint{}, false, fmt.Errorf("read checkpoint: %w", err)
	}
	var cp dataset.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return dataset.Checkpoint{}, false, fmt.Errorf("unmarshal checkpoint: %w", err)
	}
	return cp, true, nil
}
