package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	redis "github.com/redis/go-redis/v9"
)

// ErrKeyNotConfigured is returned when the store has no key to write to.
var ErrKeyNotConfigured = errors.New("checkpoint key is not configured")

// CheckpointStore remembers the last block the live stream handled.
type CheckpointStore struct {
	client *redis.Client
	key    string
}

func NewCheckpointStore(client *redis.Client, key string) *CheckpointStore {
	return &CheckpointStore{client: client, key: key}
}

// Last returns the saved block number. ok is false when nothing was saved.
func (s *CheckpointStore) Last(ctx context.Context) (uint64, bool, error) {
	if s.key == "" {
		return 0, false, ErrKeyNotConfigured
	}
	raw, err := s.client.Get(ctx, s.key).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("redis GET %s: %w", s.key, err)
	}
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("parse checkpoint %q: %w", raw, err)
	}
	return n, true, nil
}

// Save records block unless a later block is already stored.
func (s *CheckpointStore) Save(ctx context.Context, block uint64) error {
	if s.key == "" {
		return ErrKeyNotConfigured
	}
	last, ok, err := s.Last(ctx)
	if err != nil {
		return err
	}
	if ok && last >= block {
		return nil
	}
	if err := s.client.Set(ctx, s.key, strconv.FormatUint(block, 10), 0).Err(); err != nil {
		return fmt.Errorf("redis SET %s: %w", s.key, err)
	}
	return nil
}
