package liveness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisConfig holds the connection settings for RedisStore.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// KeyPrefix namespaces heartbeat keys, e.g. "eventrouter:heartbeat:".
	KeyPrefix string
	// TTL expires beats that are no longer refreshed. A consumer whose beat has
	// expired reads as ErrNoHeartbeat and is classified dead. Zero disables expiry.
	TTL time.Duration
}

// RedisStore keeps heartbeats in Redis so several router processes can share
// one view of consumer liveness.
type RedisStore struct {
	client *redis.Client
	cfg    RedisConfig
	logger zerolog.Logger
}

// NewRedisStore connects to Redis and verifies the connection with a ping.
func NewRedisStore(ctx context.Context, cfg RedisConfig, logger zerolog.Logger) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis for heartbeat store: %w", err)
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "eventrouter:heartbeat:"
	}
	logger.Info().Str("redis_address", cfg.Addr).Msg("Successfully connected to Redis for heartbeats.")

	return &RedisStore{
		client: rdb,
		cfg:    cfg,
		logger: logger.With().Str("component", "RedisHeartbeatStore").Logger(),
	}, nil
}

func (s *RedisStore) key(consumerID string) string {
	return s.cfg.KeyPrefix + consumerID
}

// Beat stores the heartbeat as JSON with the configured TTL.
func (s *RedisStore) Beat(ctx context.Context, consumerID string, at time.Time) error {
	data, err := json.Marshal(beatRecord{ConsumerID: consumerID, At: at.UTC()})
	if err != nil {
		return fmt.Errorf("failed to marshal heartbeat for %s: %w", consumerID, err)
	}
	if err := s.client.Set(ctx, s.key(consumerID), data, s.cfg.TTL).Err(); err != nil {
		return fmt.Errorf("failed to set heartbeat in redis for %s: %w", consumerID, err)
	}
	return nil
}

// LastBeat reads and decodes the heartbeat for consumerID.
func (s *RedisStore) LastBeat(ctx context.Context, consumerID string) (time.Time, error) {
	raw, err := s.client.Get(ctx, s.key(consumerID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return time.Time{}, fmt.Errorf("consumer %q: %w", consumerID, ErrNoHeartbeat)
		}
		return time.Time{}, fmt.Errorf("redis get failed for heartbeat %s: %w", consumerID, err)
	}
	var rec beatRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		s.logger.Error().Err(err).Str("consumer_id", consumerID).Msg("Failed to unmarshal heartbeat.")
		return time.Time{}, fmt.Errorf("failed to unmarshal heartbeat for %s: %w", consumerID, err)
	}
	return rec.At, nil
}

// Forget deletes the heartbeat key.
func (s *RedisStore) Forget(ctx context.Context, consumerID string) error {
	if err := s.client.Del(ctx, s.key(consumerID)).Err(); err != nil {
		return fmt.Errorf("redis del failed for heartbeat %s: %w", consumerID, err)
	}
	return nil
}

// Close closes the Redis client connection.
func (s *RedisStore) Close() error {
	if s.client != nil {
		s.logger.Info().Msg("Closing Redis client connection...")
		return s.client.Close()
	}
	return nil
}
