// Package cache holds the optional status cache polled by the UI.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/joseph-ayodele/assignment-grader/internal/entity"
)

const keyPrefix = "assignment_status:"

// StatusCache stores assignment status snapshots. Implementations never fail
// the caller; errors count as a miss.
type StatusCache interface {
	Get(ctx context.Context, id uuid.UUID) (entity.AssignmentStatus, bool)
	Set(ctx context.Context, st entity.AssignmentStatus)
	Invalidate(ctx context.Context, id uuid.UUID)
}

// Nop is used when no Redis is configured.
type Nop struct{}

func (Nop) Get(context.Context, uuid.UUID) (entity.AssignmentStatus, bool) {
	return entity.AssignmentStatus{}, false
}
func (Nop) Set(context.Context, entity.AssignmentStatus) {}

func (Nop) Invalidate(context.Context, uuid.UUID) {}

// RedisStatusCache keeps JSON snapshots under assignment_status:<id> with a TTL.
type RedisStatusCache struct {
	rdb    redis.UniversalClient
	ttl    time.Duration
	logger *slog.Logger
}

func NewRedisStatusCache(rdb redis.UniversalClient, ttl time.Duration, logger *slog.Logger) *RedisStatusCache {
	if logger == nil {
		logger = slog.Default()
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisStatusCache{rdb: rdb, ttl: ttl, logger: logger}
}

// Connect parses url, pings the server and returns the cache. An empty url
// yields Nop.
func Connect(ctx context.Context, url string, ttl time.Duration, logger *slog.Logger) (StatusCache, func() error, error) {
	if url == "" {
		return Nop{}, func() error { return nil }, nil
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, nil, err
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, nil, err
	}
	return NewRedisStatusCache(rdb, ttl, logger), rdb.Close, nil
}

func key(id uuid.UUID) string { return keyPrefix + id.String() }

func (c *RedisStatusCache) Get(ctx context.Context, id uuid.UUID) (entity.AssignmentStatus, bool) {
	raw, err := c.rdb.Get(ctx, key(id)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("cache.get_failed", "assignment_id", id, "error", err)
		}
		return entity.AssignmentStatus{}, false
	}
	var st entity.AssignmentStatus
	if err := json.Unmarshal(raw, &st); err != nil {
		c.logger.Warn("cache.decode_failed", "assignment_id", id, "error", err)
		return entity.AssignmentStatus{}, false
	}
	return st, true
}

func (c *RedisStatusCache) Set(ctx context.Context, st entity.AssignmentStatus) {
	raw, err := json.Marshal(st)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, key(st.AssignmentID), raw, c.ttl).Err(); err != nil {
		c.logger.Warn("cache.set_failed", "assignment_id", st.AssignmentID, "error", err)
	}
}

func (c *RedisStatusCache) Invalidate(ctx context.Context, id uuid.UUID) {
	if err := c.rdb.Del(ctx, key(id)).Err(); err != nil {
		c.logger.Warn("cache.invalidate_failed", "assignment_id", id, "error", err)
	}
}
