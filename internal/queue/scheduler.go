// Package queue owns the pending request queue and the loop that admits
// items against rate-limit buckets and the circuit breaker.
package queue

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/SirClappington/prcworker/internal/bucket"
	"github.com/SirClappington/prcworker/internal/domain"
	"github.com/SirClappington/prcworker/internal/upstream"
)

var (
	ErrKeyRequired  = errors.New("endpoint requires a server key")
	ErrAwaitTimeout = errors.New("request did not complete before its deadline")
)

const (
	DefaultMaxRetries   = 3
	DefaultRetryDelay   = 10 * time.Second
	DefaultRetryJitter  = 5 * time.Second
	DefaultIdleInterval = 50 * time.Millisecond

	DefaultAwaitTimeout = 10 * time.Second
	DefaultPollInterval = 50 * time.Millisecond
)

// Doer performs one upstream call. *upstream.Client implements it.
type Doer interface {
	Do(ctx context.Context, d domain.Descriptor, tenantKey string, body []byte) (*upstream.Response, error)
	CloseIdle()
}

// Gate is the circuit breaker as seen by the scheduler.
type Gate interface {
	Allow() bool
	Record(isError bool)
}

// BucketSyncer shares reconciled bucket state with other replicas.
type BucketSyncer interface {
	SyncBucket(bucket.Snapshot)
}

// Broadcaster publishes results for external subscribers.
type Broadcaster interface {
	Publish(ctx context.Context, channel, payload string) (int64, error)
}

type Config struct {
	// MaxRetries of zero means DefaultMaxRetries; negative disables retries.
	MaxRetries     int
	RetryDelay     time.Duration
	RetryJitter    time.Duration
	RequestTimeout time.Duration
	IdleInterval   time.Duration
	// GlobalCredential selects the shared global bucket for endpoints that
	// may use it.
	GlobalCredential bool
	PublishResults   bool
}

func (c Config) withDefaults() Config {
	switch {
	case c.MaxRetries == 0:
		c.MaxRetries = DefaultMaxRetries
	case c.MaxRetries < 0:
		c.MaxRetries = 0
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.RetryJitter < 0 {
		c.RetryJitter = 0
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = domain.DefaultRequestTimeout
	}
	if c.IdleInterval <= 0 {
		c.IdleInterval = DefaultIdleInterval
	}
	return c
}

// Deps are the collaborators a Scheduler drives. Sync and Broadcaster are
// optional.
type Deps struct {
	Client      Doer
	Breaker     Gate
	Buckets     *bucket.Registry
	Sync        BucketSyncer
	Broadcaster Broadcaster
	Logger      *zap.Logger
}

type Option func(*Scheduler)

func WithClock(c clockwork.Clock) Option { return func(s *Scheduler) { s.clock = c } }

// WithRand replaces the uniform [0,1) source used for backoff jitter.
func WithRand(f func() float64) Option { return func(s *Scheduler) { s.rand = f } }

// Scheduler is the single owner of the pending queue. Every change to queue
// membership happens under mu; dispatch goroutines only hand items back
// through requeue and untrack.
type Scheduler struct {
	cfg     Config
	client  Doer
	breaker Gate
	buckets *bucket.Registry
	sync    BucketSyncer
	pub     Broadcaster
	logger  *zap.Logger
	clock   clockwork.Clock
	rand    func() float64

	mu       sync.Mutex
	pending  []*domain.QueueItem
	inflight map[string]*domain.QueueItem

	stopped atomic.Bool
	wg      sync.WaitGroup

	dispatchCtx context.Context
	abandon     context.CancelFunc
}

func New(cfg Config, deps Deps, opts ...Option) *Scheduler {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	buckets := deps.Buckets
	if buckets == nil {
		buckets = bucket.NewRegistry()
	}
	s := &Scheduler{
		cfg:      cfg.withDefaults(),
		client:   deps.Client,
		breaker:  deps.Breaker,
		buckets:  buckets,
		sync:     deps.Sync,
		pub:      deps.Broadcaster,
		logger:   logger.Named("scheduler"),
		clock:    clockwork.NewRealClock(),
		rand:     rand.Float64,
		inflight: make(map[string]*domain.QueueItem),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.dispatchCtx, s.abandon = context.WithCancel(context.Background())
	return s
}

// Predicate selects an existing item a new request may coalesce onto.
type Predicate func(*domain.QueueItem) bool

// SameRead matches items for the same endpoint and tenant.
func SameRead(e domain.Endpoint, tenantKey string) Predicate {
	return func(it *domain.QueueItem) bool {
		return it.Endpoint == e && it.TenantKey == tenantKey
	}
}

// Request describes one submission. RunAt zero means now.
type Request struct {
	Endpoint        domain.Endpoint
	TenantKey       string
	Body            []byte
	RunAt           time.Time
	RequeueInterval time.Duration
	// Dedup is honoured for idempotent endpoints only.
	Dedup Predicate
}

// Submit enqueues req, or returns an unfinished item it can share. Items
// submitted for a later time than the request (recurring polls) are not
// shared; items pushed back by a bucket defer or a retry still are.
func (s *Scheduler) Submit(req Request) (*domain.QueueItem, error) {
	d, ok := req.Endpoint.Describe()
	if !ok {
		return nil, domain.ErrUnknownEndpoint
	}
	if d.KeyRequired && req.TenantKey == "" {
		return nil, ErrKeyRequired
	}
	now := s.clock.Now()
	due := req.RunAt
	if due.Before(now) {
		due = now
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if req.Dedup != nil && d.Idempotent() {
		if it := s.findLocked(req.Dedup, due); it != nil {
			s.logger.Debug("request coalesced",
				zap.String("item", it.ID),
				zap.Stringer("endpoint", it.Endpoint))
			return it, nil
		}
	}

	item := domain.NewQueueItem(req.Endpoint, req.TenantKey, req.Body, req.RunAt, now, s.cfg.RequestTimeout)
	item.RequeueInterval = req.RequeueInterval
	s.pending = append(s.pending, item)
	return item, nil
}

func (s *Scheduler) findLocked(match Predicate, due time.Time) *domain.QueueItem {
	for _, it := range s.pending {
		if !it.Complete() && !it.ScheduledAt().After(due) && match(it) {
			return it
		}
	}
	for _, it := range s.inflight {
		if !it.Complete() && match(it) {
			return it
		}
	}
	return nil
}

// AwaitCompletion blocks until item completes. It gives up with
// ErrAwaitTimeout once the item is within timeout of its own expiry, however
// long the caller has waited so far. The item may still complete afterwards.
func (s *Scheduler) AwaitCompletion(ctx context.Context, item *domain.QueueItem, timeout, interval time.Duration) (*domain.QueueItem, error) {
	if timeout <= 0 {
		timeout = DefaultAwaitTimeout
	}
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := s.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		if item.Complete() {
			return item, nil
		}
		if !item.ExpiresAt().After(s.clock.Now().Add(timeout)) {
			return nil, ErrAwaitTimeout
		}
		select {
		case <-item.Done():
		case <-ticker.Chan():
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Len is the number of queued items, not counting in-flight dispatches.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *Scheduler) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight)
}

// Pending returns a copy of the queue in submission order.
func (s *Scheduler) Pending() []*domain.QueueItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.QueueItem, len(s.pending))
	copy(out, s.pending)
	return out
}

func (s *Scheduler) requeue(item *domain.QueueItem) {
	s.mu.Lock()
	delete(s.inflight, item.ID)
	s.pending = append(s.pending, item)
	s.mu.Unlock()
}

func (s *Scheduler) untrack(item *domain.QueueItem) {
	s.mu.Lock()
	delete(s.inflight, item.ID)
	s.mu.Unlock()
}

func (s *Scheduler) enqueue(item *domain.QueueItem) {
	s.mu.Lock()
	s.pending = append(s.pending, item)
	s.mu.Unlock()
}
