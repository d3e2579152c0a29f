package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/dlrover/dlrover-master/pkg/dataset"
)

// PostgresStore persists checkpoints in a Postgres table, for masters
// that run multiple replicas or want checkpoint history to survive a
// rescheduled pod, not just a local disk. Grounded on the teacher's
// `jmoiron/sqlx` + `lib/pq` pairing in pkg/database/manager.go.
type PostgresStore struct {
	db *sqlx.DB
}

// NewPostgresStore opens a connection to dsn and ensures the checkpoint
// table exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect checkpoint store: %w", err)
	}
	s := &PostgresStore{db: db}
	if err := s.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS shard_checkpoints (
	dataset_name TEXT PRIMARY KEY,
	payload      JSONB NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
)`
	_, err := s.db.ExecContext(ctx, ddl)
	if err != nil {
		return fmt.Errorf("ensure checkpoint schema: %w", err)
	}
	return nil
}

// Save upserts the checkpoint for cp.DatasetName.
func (s *PostgresStore) Save(ctx context.Context, cp dataset.Checkpoint) error {
	payload, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	const q = `
INSERT INTO shard_checkpoints (dataset_name, payload, updated_at)
VALUES ($1, $2, now())
ON CONFLICT (dataset_name) DO UPDATE SET payload = EXCLUDED.payload, updated_at = now()`
	if _, err := s.db.ExecContext(ctx, q, cp.DatasetName, payload); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// Load fetches the checkpoint for datasetName, if any.
func (s *PostgresStore) Load(ctx context.Context, datasetName string) (dataset.Checkpoint, bool, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM shard_checkpoints WHERE dataset_name = $1`, datasetName).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return dataset.Checkpoint{}, false, nil
	}
	if err != nil {
		return dataset.Checkpoint{}, false, fmt.Errorf("load checkpoint: %w", err)
	}
	var cp dataset.Checkpoint
	if err := json.Unmarshal(payload, &cp); err != nil {
		return dataset.Checkpoint{}, false, fmt.Errorf("unmarshal checkpoint: %w", err)
	}
	return cp, true, nil
}

// Close releases the underlying connection pool.
func (s *PostgresStore) Close() error { return s.db.Close() }
