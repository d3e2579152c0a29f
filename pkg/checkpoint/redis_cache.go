package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dlrover/dlrover-master/pkg/dataset"
)

// CachedStore wraps a Store with a read-through Redis cache, the same
// Set/Get/Del-with-TTL pattern the teacher's model repository uses
// around its sqlx-backed model lookups. A cache miss or Redis outage
// always falls through to the backing Store rather than failing the
// request.
type CachedStore struct {
	backing Store
	redis   *redis.Client
	ttl     time.Duration
	logger  *slog.Logger
}

// NewCachedStore wraps backing with a Redis cache. ttl of zero defaults
// to 15 minutes, matching the teacher's model-cache TTL.
func NewCachedStore(backing Store, client *redis.Client, ttl time.Duration, logger *slog.Logger) *CachedStore {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedStore{backing: backing, redis: client, ttl: ttl, logger: logger}
}

func cacheKey(datasetName string) string {
	return fmt.Sprintf("dlrover:checkpoint:%s", datasetName)
}

// Save writes through to the backing store, then invalidates (rather
// than updates) the cache entry so the next Load re-populates it.
func (c *CachedStore) Save(ctx context.Context, cp dataset.Checkpoint) error {
	if err := c.backing.Save(ctx, cp); err != nil {
		return err
	}
	if err := c.redis.Del(ctx, cacheKey(cp.DatasetName)).Err(); err != nil {
		c.logger.Warn("checkpoint cache invalidation failed", "dataset", cp.DatasetName, "error", err)
	}
	return nil
}

// Load checks Redis first; a hit is unmarshaled directly, a miss or
// Redis error falls through to the backing store and (on success)
// repopulates the cache.
func (c *CachedStore) Load(ctx context.Context, datasetName string) (dataset.Checkpoint, bool, error) {
	data, err := c.redis.Get(ctx, cacheKey(datasetName)).Result()
	if err == nil {
		var cp dataset.Checkpoint
		if unmarshalErr := json.Unmarshal([]byte(data), &cp); unmarshalErr == nil {
			return cp, true, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		c.logger.Warn("checkpoint cache read failed, falling back to store", "dataset", datasetName, "error", err)
	}

	cp, ok, err := c.backing.Load(ctx, datasetName)
	if err != nil || !ok {
		return cp, ok, err
	}
	if encoded, marshalErr := json.Marshal(cp); marshalErr == nil {
		if setErr := c.redis.Set(ctx, cacheKey(datasetName), encoded, c.ttl).Err(); setErr != nil {
			c.logger.Warn("checkpoint cache populate failed", "dataset", datasetName, "error", setErr)
		}
	}
	return cp, true, nil
}
