package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/assignment-grader/constants"
	"github.com/joseph-ayodele/assignment-grader/internal/entity"
)

func withRedis(t *testing.T, action func(c *RedisStatusCache, db *miniredis.Miniredis)) {
	db, err := miniredis.Run()
	require.NoError(t, err)
	defer db.Close()

	rdb := redis.NewClient(&redis.Options{Addr: db.Addr(), Protocol: 2, DisableIdentity: true})
	defer rdb.Close()
	action(NewRedisStatusCache(rdb, 30*time.Second, nil), db)
}

func TestRedisStatusCache_RoundTripAndInvalidate(t *testing.T) {
	withRedis(t, func(c *RedisStatusCache, db *miniredis.Miniredis) {
		ctx := context.Background()
		id := uuid.New()

		_, ok := c.Get(ctx, id)
		assert.False(t, ok)

		c.Set(ctx, entity.AssignmentStatus{
			AssignmentID:           id,
			RubricProcessingStatus: constants.StatusFailed,
			RubricProcessingError:  "bad scan",
			EvaluationReadyStatus:  constants.ReadyNotReady,
		})
		assert.True(t, db.Exists("assignment_status:"+id.String()))

		got, ok := c.Get(ctx, id)
		require.True(t, ok)
		assert.Equal(t, constants.StatusFailed, got.RubricProcessingStatus)
		assert.Equal(t, "bad scan", got.RubricProcessingError)

		c.Invalidate(ctx, id)
		_, ok = c.Get(ctx, id)
		assert.False(t, ok)
	})
}

func TestRedisStatusCache_Expires(t *testing.T) {
	withRedis(t, func(c *RedisStatusCache, db *miniredis.Miniredis) {
		ctx := context.Background()
		id := uuid.New()
		c.Set(ctx, entity.AssignmentStatus{AssignmentID: id})

		db.FastForward(31 * time.Second)
		_, ok := c.Get(ctx, id)
		assert.False(t, ok)
	})
}

func TestRedisStatusCache_DownIsAMiss(t *testing.T) {
	db, err := miniredis.Run()
	require.NoError(t, err)
	addr := db.Addr()
	db.Close()

	rdb := redis.NewClient(&redis.Options{Addr: addr, MaxRetries: -1, DialTimeout: 100 * time.Millisecond})
	defer rdb.Close()
	c := NewRedisStatusCache(rdb, time.Second, nil)

	ctx := context.Background()
	c.Set(ctx, entity.AssignmentStatus{AssignmentID: uuid.New()})
	_, ok := c.Get(ctx, uuid.New())
	assert.False(t, ok)
}
