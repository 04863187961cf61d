package peersync

import (
	"context"

	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"
)

// Message is one payload received on a channel.
type Message struct {
	Channel string
	Payload string
}

// Subscription delivers messages until closed.
type Subscription interface {
	Messages() <-chan Message
	Close() error
}

// Transport is the publish/subscribe primitive the synchronizer runs on.
// Connection management belongs to the implementation.
type Transport interface {
	// Publish returns how many subscribers received the payload.
	Publish(ctx context.Context, channel, payload string) (int64, error)
	Subscribe(ctx context.Context, channels ...string) (Subscription, error)
}

// RedisTransport implements Transport with Redis PUBLISH/SUBSCRIBE.
type RedisTransport struct{ rdb *r.Client }

func NewRedisTransport(rdb *r.Client) *RedisTransport { return &RedisTransport{rdb} }

func (t *RedisTransport) Publish(ctx context.Context, channel, payload string) (int64, error) {
	n, err := t.rdb.Publish(ctx, channel, payload).Result()
	return n, errors.Wrapf(err, "publish %s", channel)
}

func (t *RedisTransport) Subscribe(ctx context.Context, channels ...string) (Subscription, error) {
	ps := t.rdb.Subscribe(ctx, channels...)
	// wait for the server to confirm before anyone publishes on our behalf
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, errors.Wrap(err, "subscribe")
	}
	sub := &redisSubscription{ps: ps, out: make(chan Message, 64)}
	go sub.forward()
	return sub, nil
}

type redisSubscription struct {
	ps  *r.PubSub
	out chan Message
}

func (s *redisSubscription) forward() {
	defer close(s.out)
	for m := range s.ps.Channel() {
		s.out <- Message{Channel: m.Channel, Payload: m.Payload}
	}
}

func (s *redisSubscription) Messages() <-chan Message { return s.out }

func (s *redisSubscription) Close() error { return s.ps.Close() }
