// Package app assembles the long-lived worker state shared by the binaries.
package app

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/SirClappington/prcworker/internal/breaker"
	"github.com/SirClappington/prcworker/internal/bucket"
	"github.com/SirClappington/prcworker/internal/config"
	"github.com/SirClappington/prcworker/internal/notify"
	"github.com/SirClappington/prcworker/internal/peersync"
	"github.com/SirClappington/prcworker/internal/queue"
	"github.com/SirClappington/prcworker/internal/storage"
	"github.com/SirClappington/prcworker/internal/upstream"
)

const pingTimeout = 3 * time.Second

// Runtime is everything one replica keeps for its lifetime. Sync is nil when
// Redis is not in use.
type Runtime struct {
	Config    config.Config
	Logger    *zap.Logger
	Clock     clockwork.Clock
	Buckets   *bucket.Registry
	Breaker   *breaker.Breaker
	Cache     storage.Store
	Sync      *peersync.Synchronizer
	Scheduler *queue.Scheduler

	rdb *r.Client
}

type Option func(*Runtime)

func WithClock(c clockwork.Clock) Option { return func(rt *Runtime) { rt.Clock = c } }

// Build wires the runtime. An unreachable Redis is not fatal: the replica
// falls back to the in-process cache and runs without bucket sync.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*Runtime, error) {
	rt := &Runtime{
		Config:  cfg,
		Logger:  logger,
		Clock:   clockwork.NewRealClock(),
		Buckets: bucket.NewRegistry(),
	}
	for _, o := range opts {
		o(rt)
	}

	rt.Breaker = breaker.New(cfg.BreakerWindow, logger.Named("breaker"),
		breaker.WithClock(rt.Clock),
		breaker.WithNotifier(notify.NewDiscord(cfg.DiscordURL, logger.Named("notify"))))

	if cfg.UseRedis() {
		rdb := r.NewClient(&r.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		pctx, cancel := context.WithTimeout(ctx, pingTimeout)
		err := rdb.Ping(pctx).Err()
		cancel()
		if err != nil {
			logger.Warn("redis unreachable, using in-process cache", zap.String("addr", cfg.RedisAddr), zap.Error(err))
			_ = rdb.Close()
		} else {
			rt.rdb = rdb
		}
	}

	deps := queue.Deps{
		Client:  upstream.New(upstream.Config{BaseURL: cfg.BaseURL, GlobalKey: cfg.GlobalKey, Timeout: cfg.UpstreamTimeout}, logger.Named("upstream")),
		Breaker: rt.Breaker,
		Buckets: rt.Buckets,
		Logger:  logger,
	}
	if rt.rdb != nil {
		rt.Cache = storage.NewRedis(rt.rdb)
		rt.Sync = peersync.New(peersync.NewRedisTransport(rt.rdb), rt.Buckets, logger.Named("peersync"))
		deps.Sync = rt.Sync
		deps.Broadcaster = queue.NewRedisBroadcaster(rt.rdb)
	} else {
		rt.Cache = storage.NewMemory(rt.Clock)
	}

	rt.Scheduler = queue.New(queue.Config{
		MaxRetries:       maxRetries(cfg.MaxRetries),
		RetryDelay:       cfg.RetryDelay,
		RetryJitter:      cfg.RetryJitter,
		RequestTimeout:   cfg.RequestTimeout,
		GlobalCredential: cfg.GlobalKey != "",
		PublishResults:   cfg.PublishResult,
	}, deps, queue.WithClock(rt.Clock))

	logger.Info("runtime ready",
		zap.String("cache", rt.Cache.Tier()),
		zap.Bool("bucket_sync", rt.Sync != nil),
		zap.Bool("global_key", cfg.GlobalKey != ""))
	return rt, nil
}

// MAX_RETRIES=0 means no retries; the scheduler spells that as negative.
func maxRetries(n int) int {
	if n == 0 {
		return -1
	}
	return n
}

// Run starts bucket sync and drives the scheduler until ctx ends or the
// scheduler is stopped.
func (rt *Runtime) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	if rt.Sync != nil {
		if err := rt.Sync.Start(gctx); err != nil {
			return err
		}
		g.Go(func() error {
			<-gctx.Done()
			return rt.Sync.Close()
		})
	}
	g.Go(func() error {
		defer cancel()
		return rt.Scheduler.Run(gctx)
	})
	return g.Wait()
}

// Close releases the Redis connection.
func (rt *Runtime) Close() error {
	var err error
	if rt.rdb != nil {
		err = multierr.Append(err, rt.rdb.Close())
	}
	return err
}

// SchedulePolls submits one recurring item per configured key and endpoint.
func (rt *Runtime) SchedulePolls() (int, error) {
	endpoints, err := rt.Config.Polls()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, key := range rt.Config.PollKeys {
		for _, e := range endpoints {
			if _, err := rt.Scheduler.Submit(queue.Request{
				Endpoint:        e,
				TenantKey:       key,
				RequeueInterval: rt.Config.PollInterval,
			}); err != nil {
				return n, errors.Wrapf(err, "schedule %s", e)
			}
			n++
		}
	}
	return n, nil
}
