package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"
)

// RedisStore is the shared tier. Values are stored as JSON.
type RedisStore struct{ rdb r.Cmdable }

func NewRedis(rdb r.Cmdable) *RedisStore { return &RedisStore{rdb} }

func (s *RedisStore) Tier() string { return "redis" }

func (s *RedisStore) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return errors.Wrapf(err, "storage: encode %s", key)
	}
	return errors.Wrapf(s.rdb.Set(ctx, key, raw, ttlOrDefault(ttl)).Err(), "storage: set %s", key)
}

func (s *RedisStore) Get(ctx context.Context, key string, dst any) (bool, error) {
	raw, err := s.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, r.Nil) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "storage: get %s", key)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, errors.Wrapf(err, "storage: decode %s", key)
	}
	return true, nil
}
