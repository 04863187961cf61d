// Package storage is the TTL cache collaborators use to avoid resubmitting
// identical reads. One tier is chosen at startup: Redis when configured and
// reachable, otherwise an in-process map.
package storage

import (
	"context"
	"time"
)

// DefaultTTL applies when a caller passes a non-positive ttl.
const DefaultTTL = time.Minute

// Store is a key-value cache with per-entry TTL.
type Store interface {
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	// Get decodes the entry into dst, a non-nil pointer. It reports false on
	// a miss.
	Get(ctx context.Context, key string, dst any) (bool, error)
	Tier() string
}

// Get is the typed form of Store.Get.
func Get[T any](ctx context.Context, s Store, key string) (T, bool, error) {
	var v T
	ok, err := s.Get(ctx, key, &v)
	if err != nil || !ok {
		var zero T
		return zero, false, err
	}
	return v, true, nil
}

func ttlOrDefault(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return DefaultTTL
	}
	return ttl
}
