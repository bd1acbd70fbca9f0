//go:build integration

package liveness_test

import (
	"context"
	"testing"
	"time"

	"github.com/illmade-knight/go-eventrouter/pkg/liveness"
	"github.com/illmade-knight/go-test/emulators"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisStore_Integration(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	t.Cleanup(cancel)

	rc := emulators.GetDefaultRedisImageContainer()
	redisConn := emulators.SetupRedisContainer(t, ctx, rc)

	rawClient := redis.NewClient(&redis.Options{Addr: redisConn.EmulatorAddress})
	t.Cleanup(func() { _ = rawClient.Close() })

	cfg := liveness.RedisConfig{
		Addr:      redisConn.EmulatorAddress,
		KeyPrefix: "hb:",
		TTL:       time.Minute,
	}
	store, err := liveness.NewRedisStore(ctx, cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	beatAt := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	t.Run("Beat, LastBeat and Forget cycle", func(t *testing.T) {
		// Act
		require.NoError(t, store.Beat(ctx, "analytics", beatAt))

		// Assert: the key is visible directly in Redis
		exists, err := rawClient.Exists(ctx, "hb:analytics").Result()
		require.NoError(t, err)
		assert.Equal(t, int64(1), exists)

		at, err := store.LastBeat(ctx, "analytics")
		require.NoError(t, err)
		assert.True(t, beatAt.Equal(at))

		// Act
		require.NoError(t, store.Forget(ctx, "analytics"))

		// Assert
		_, err = store.LastBeat(ctx, "analytics")
		require.ErrorIs(t, err, liveness.ErrNoHeartbeat)
	})

	t.Run("TTL expires stale beats", func(t *testing.T) {
		shortCfg := cfg
		shortCfg.TTL = 150 * time.Millisecond
		short, err := liveness.NewRedisStore(ctx, shortCfg, zerolog.Nop())
		require.NoError(t, err)
		t.Cleanup(func() { _ = short.Close() })

		require.NoError(t, short.Beat(ctx, "notifier", beatAt))
		time.Sleep(250 * time.Millisecond)

		_, err = short.LastBeat(ctx, "notifier")
		require.ErrorIs(t, err, liveness.ErrNoHeartbeat)
	})
}
