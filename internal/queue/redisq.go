package queue

import (
	"context"

	r "github.com/redis/go-redis/v9"
)

// RedisBroadcaster publishes results on Redis pub/sub channels.
type RedisBroadcaster struct{ rdb r.Cmdable }

func NewRedisBroadcaster(rdb r.Cmdable) *RedisBroadcaster { return &RedisBroadcaster{rdb} }

func (b *RedisBroadcaster) Publish(ctx context.Context, channel, payload string) (int64, error) {
	return b.rdb.Publish(ctx, channel, payload).Result()
}
