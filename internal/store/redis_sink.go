package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// RedisSink is a Sink backed by Redis: a config-driven client with a flat
// SET/DEL keyed by Key(filename, replicaID), one blob per replica's copy
// of a file.
type RedisSink struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisSink dials addr and returns a ready-to-use RedisSink.
func NewRedisSink(addr, password string, db int, logger *zap.Logger) (*RedisSink, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("ping redis at %s: %w", addr, err)
	}

	logger.Info("connected to redis persistence sink", zap.String("addr", addr))
	return &RedisSink{client: client, logger: logger}, nil
}

func (s *RedisSink) Save(ctx context.Context, filename, replicaID string, rec PersistedFile) error {
	key := Key(filename, replicaID)

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal persisted file %s: %w", key, err)
	}

	if err := s.client.Set(ctx, key, data, 0).Err(); err != nil {
		s.logger.Error("failed to persist file record", zap.String("key", key), zap.Error(err))
		return fmt.Errorf("set %s: %w", key, err)
	}

	s.logger.Debug("persisted file record", zap.String("key", key), zap.Int("versions", len(rec.Versions)))
	return nil
}

func (s *RedisSink) Delete(ctx context.Context, filename, replicaID string) error {
	key := Key(filename, replicaID)

	if err := s.client.Del(ctx, key).Err(); err != nil {
		s.logger.Error("failed to delete file record", zap.String("key", key), zap.Error(err))
		return fmt.Errorf("del %s: %w", key, err)
	}

	s.logger.Debug("deleted file record", zap.String("key", key))
	return nil
}

// Close closes the underlying Redis client.
func (s *RedisSink) Close() error {
	return s.client.Close()
}

var _ Sink = (*RedisSink)(nil)
