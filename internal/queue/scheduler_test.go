package queue

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/SirClappington/prcworker/internal/bucket"
	"github.com/SirClappington/prcworker/internal/domain"
	"github.com/SirClappington/prcworker/internal/upstream"
)

var start = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

type call struct {
	endpoint domain.Endpoint
	key      string
	body     []byte
}

// fakeDoer replays scripted replies. An optional gate channel holds every
// call until it is closed or receives a value.
type fakeDoer struct {
	mu      sync.Mutex
	calls   []call
	replies []func() (*upstream.Response, error)
	gate    chan struct{}
	closed  bool
}

func (f *fakeDoer) Do(_ context.Context, d domain.Descriptor, key string, body []byte) (*upstream.Response, error) {
	e, _ := domain.ParseEndpoint(d.Name)
	f.mu.Lock()
	f.calls = append(f.calls, call{endpoint: e, key: key, body: body})
	var reply func() (*upstream.Response, error)
	if len(f.replies) > 0 {
		reply = f.replies[0]
		f.replies = f.replies[1:]
	}
	gate := f.gate
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if reply == nil {
		return ok(`{"message":"Success"}`)()
	}
	return reply()
}

func (f *fakeDoer) CloseIdle() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

func (f *fakeDoer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func ok(body string) func() (*upstream.Response, error) {
	return reply(http.StatusOK, body, nil)
}

func reply(status int, body string, h http.Header) func() (*upstream.Response, error) {
	return func() (*upstream.Response, error) {
		if h == nil {
			h = http.Header{}
		}
		return &upstream.Response{StatusCode: status, Header: h, Body: []byte(body)}, nil
	}
}

func limited(limit, remaining int, reset time.Time) http.Header {
	h := http.Header{}
	h.Set(bucket.HeaderBucket, "b")
	h.Set(bucket.HeaderLimit, strconv.Itoa(limit))
	h.Set(bucket.HeaderRemaining, strconv.Itoa(remaining))
	h.Set(bucket.HeaderReset, strconv.FormatInt(reset.Unix(), 10))
	return h
}

type fakeGate struct {
	mu       sync.Mutex
	deny     bool
	recorded []bool
}

func (g *fakeGate) Allow() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return !g.deny
}

func (g *fakeGate) Record(isError bool) {
	g.mu.Lock()
	g.recorded = append(g.recorded, isError)
	g.mu.Unlock()
}

func (g *fakeGate) records() []bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]bool(nil), g.recorded...)
}

type fakeSync struct {
	mu    sync.Mutex
	snaps []bucket.Snapshot
}

func (f *fakeSync) SyncBucket(s bucket.Snapshot) {
	f.mu.Lock()
	f.snaps = append(f.snaps, s)
	f.mu.Unlock()
}

type fakePub struct {
	mu   sync.Mutex
	msgs map[string][]string
}

func (f *fakePub) Publish(_ context.Context, channel, payload string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.msgs == nil {
		f.msgs = make(map[string][]string)
	}
	f.msgs[channel] = append(f.msgs[channel], payload)
	return 1, nil
}

type harness struct {
	s       *Scheduler
	clock   *clockwork.FakeClock
	doer    *fakeDoer
	gate    *fakeGate
	buckets *bucket.Registry
}

func newHarness(t *testing.T, cfg Config, deps Deps) *harness {
	t.Helper()
	h := &harness{
		clock:   clockwork.NewFakeClockAt(start),
		doer:    &fakeDoer{},
		gate:    &fakeGate{},
		buckets: bucket.NewRegistry(),
	}
	deps.Client = h.doer
	deps.Breaker = h.gate
	deps.Buckets = h.buckets
	deps.Logger = zap.NewNop()
	h.s = New(cfg, deps, WithClock(h.clock), WithRand(func() float64 { return 0 }))
	return h
}

// step runs one tick and waits for anything it started.
func (h *harness) step() bool {
	removed := h.s.tick(h.clock.Now())
	h.s.wg.Wait()
	return removed
}

func TestSubmitValidates(t *testing.T) {
	h := newHarness(t, Config{}, Deps{})

	_, err := h.s.Submit(Request{Endpoint: domain.ServerInfo})
	require.ErrorIs(t, err, ErrKeyRequired)

	_, err = h.s.Submit(Request{Endpoint: domain.Endpoint(99), TenantKey: "k"})
	require.ErrorIs(t, err, domain.ErrUnknownEndpoint)

	_, err = h.s.Submit(Request{Endpoint: domain.ResetAPIKey})
	require.NoError(t, err)
	require.Equal(t, 1, h.s.Len())
}

func TestSuccessfulDispatch(t *testing.T) {
	h := newHarness(t, Config{}, Deps{})
	h.doer.replies = append(h.doer.replies, ok(`{"Name":"Liberty County","MaxPlayers":40,"JoinKey":7}`))

	item, err := h.s.Submit(Request{Endpoint: domain.ServerInfo, TenantKey: "k"})
	require.NoError(t, err)
	require.True(t, h.step())

	require.Equal(t, 0, h.s.Len())
	require.Equal(t, 0, h.s.InFlight())
	require.Equal(t, domain.Succeeded, item.Status())
	out := item.Outcome()
	require.True(t, out.Success)
	server, isServer := out.Result.(domain.Server)
	require.True(t, isServer)
	require.Equal(t, "Liberty County", server.Name)
	require.Equal(t, 40, server.MaxPlayers)
	require.Equal(t, []bool{false}, h.gate.records())
	require.Equal(t, "k", h.doer.calls[0].key)
}

func TestExhaustedBucketDefersPastReset(t *testing.T) {
	h := newHarness(t, Config{}, Deps{})
	reset := start.Add(5 * time.Second)
	key := domain.BucketKey(domain.ServerPlayers, "k", false)
	h.buckets.Get(key).Reconcile(bucket.Headers{Limit: 10, Remaining: 0, Reset: reset})

	item, err := h.s.Submit(Request{Endpoint: domain.ServerPlayers, TenantKey: "k"})
	require.NoError(t, err)

	require.False(t, h.step())
	require.Equal(t, reset.Add(time.Second), item.RunAt())
	require.Equal(t, reset.Add(time.Second).Add(domain.DefaultRequestTimeout), item.ExpiresAt())

	h.clock.Advance(5 * time.Second)
	require.False(t, h.step())
	require.Equal(t, 0, h.doer.callCount())

	h.clock.Advance(time.Second)
	require.True(t, h.step())
	require.Equal(t, 1, h.doer.callCount())
	require.True(t, item.Outcome().Success)
	// refilled to 10, one spent
	require.Equal(t, 9, h.buckets.Get(key).Snapshot().Remaining)
}

func TestRetryableErrorsThenSuccess(t *testing.T) {
	h := newHarness(t, Config{}, Deps{})
	h.doer.replies = append(h.doer.replies,
		reply(http.StatusInternalServerError, `{"code":1002,"message":"internal"}`, nil),
		reply(http.StatusBadGateway, `{"code":1001,"message":"roblox"}`, nil),
		ok(`{"Name":"x"}`),
	)

	item, err := h.s.Submit(Request{Endpoint: domain.ServerInfo, TenantKey: "k"})
	require.NoError(t, err)

	require.True(t, h.step())
	require.Equal(t, 1, item.Attempts())
	require.Equal(t, domain.Queued, item.Status())
	require.Equal(t, start.Add(DefaultRetryDelay), item.RunAt())
	require.Equal(t, 1, h.s.Len())

	require.False(t, h.step(), "not due before the backoff elapses")

	h.clock.Advance(DefaultRetryDelay)
	require.True(t, h.step())
	require.Equal(t, 2, item.Attempts())

	h.clock.Advance(DefaultRetryDelay)
	require.True(t, h.step())
	require.True(t, item.Complete())
	require.True(t, item.Outcome().Success)
	require.Equal(t, 2, item.Attempts())
	require.Equal(t, []bool{true, true, false}, h.gate.records())
}

func TestRetryableErrorExhaustsRetries(t *testing.T) {
	h := newHarness(t, Config{MaxRetries: 1}, Deps{})
	for i := 0; i < 2; i++ {
		h.doer.replies = append(h.doer.replies, reply(http.StatusTooManyRequests, `{"code":4001,"message":"slow down"}`, nil))
	}

	item, err := h.s.Submit(Request{Endpoint: domain.ServerInfo, TenantKey: "k"})
	require.NoError(t, err)
	require.True(t, h.step())
	h.clock.Advance(DefaultRetryDelay)
	require.True(t, h.step())

	out := item.Outcome()
	require.Equal(t, domain.Failed, item.Status())
	require.Equal(t, domain.CodeRateLimited, out.FailureCode)
	require.Equal(t, "slow down", out.FailureReason)
	require.Equal(t, 0, h.s.Len())
}

func TestTerminalErrorNotCountedByBreaker(t *testing.T) {
	h := newHarness(t, Config{}, Deps{})
	h.doer.replies = append(h.doer.replies, reply(http.StatusForbidden, `{"code":2002,"message":"invalid key"}`, nil))

	item, err := h.s.Submit(Request{Endpoint: domain.ServerInfo, TenantKey: "bad"})
	require.NoError(t, err)
	require.True(t, h.step())

	require.Equal(t, domain.CodeInvalidKey, item.Outcome().FailureCode)
	require.Equal(t, 0, item.Attempts())
	require.Equal(t, []bool{false}, h.gate.records())
}

func TestTransportErrorFailsFast(t *testing.T) {
	h := newHarness(t, Config{}, Deps{})
	h.doer.replies = append(h.doer.replies, func() (*upstream.Response, error) {
		return nil, errors.New("dial tcp: connection refused")
	})

	item, err := h.s.Submit(Request{Endpoint: domain.ServerInfo, TenantKey: "k"})
	require.NoError(t, err)
	require.True(t, h.step())

	out := item.Outcome()
	require.False(t, out.Success)
	require.Equal(t, domain.CodeUnknown, out.FailureCode)
	require.Contains(t, out.FailureReason, "connection refused")
	require.Equal(t, 0, item.Attempts())
	require.Empty(t, h.gate.records())
	require.Equal(t, 0, h.s.Len())

	b := h.buckets.Get(domain.BucketKey(domain.ServerInfo, "k", false))
	require.False(t, b.Snapshot().InUse)
}

func TestExpiredItemDropped(t *testing.T) {
	h := newHarness(t, Config{}, Deps{})
	item, err := h.s.Submit(Request{Endpoint: domain.ServerInfo, TenantKey: "k"})
	require.NoError(t, err)

	h.clock.Advance(domain.DefaultRequestTimeout + time.Second)
	require.True(t, h.step())
	require.Equal(t, domain.Expired, item.Status())
	require.False(t, item.Complete())
	require.Equal(t, 0, h.doer.callCount())
	require.Equal(t, 0, h.s.Len())

	select {
	case <-item.Done():
		t.Fatal("expired items never complete")
	default:
	}
}

func TestBreakerDenialBacksOffThenFails(t *testing.T) {
	h := newHarness(t, Config{}, Deps{})
	h.gate.deny = true

	item, err := h.s.Submit(Request{Endpoint: domain.ServerInfo, TenantKey: "k"})
	require.NoError(t, err)

	for attempt := 1; attempt <= DefaultMaxRetries; attempt++ {
		require.False(t, h.step())
		require.Equal(t, attempt, item.Attempts())
		require.Equal(t, h.clock.Now().Add(DefaultRetryDelay), item.RunAt())
		h.clock.Advance(DefaultRetryDelay)
	}

	require.True(t, h.step())
	out := item.Outcome()
	require.Equal(t, domain.Failed, item.Status())
	require.Equal(t, "max retries reached (circuit breaker)", out.FailureReason)
	require.Equal(t, 0, h.doer.callCount())
	require.Equal(t, 0, h.s.Len())
}

func TestUnknownLimitAllowsOneProbe(t *testing.T) {
	h := newHarness(t, Config{}, Deps{})
	release := make(chan struct{})
	h.doer.gate = release
	h.doer.replies = append(h.doer.replies, reply(http.StatusOK, `{}`, limited(10, 9, start.Add(time.Minute))))

	first, err := h.s.Submit(Request{Endpoint: domain.ServerInfo, TenantKey: "k"})
	require.NoError(t, err)
	second, err := h.s.Submit(Request{Endpoint: domain.ServerPlayers, TenantKey: "k"})
	require.NoError(t, err)

	require.True(t, h.s.tick(h.clock.Now()))
	require.False(t, h.s.tick(h.clock.Now()), "second request waits for the probe")
	require.Equal(t, domain.Queued, second.Status())

	close(release)
	h.s.wg.Wait()
	require.True(t, first.Outcome().Success)

	require.True(t, h.step())
	require.True(t, second.Complete())
	require.Equal(t, 2, h.doer.callCount())

	snap := h.buckets.Get(domain.BucketKey(domain.ServerInfo, "k", false)).Snapshot()
	require.Equal(t, 10, snap.Limit)
	require.Equal(t, 8, snap.Remaining)
}

func TestReadsCoalesce(t *testing.T) {
	h := newHarness(t, Config{}, Deps{})
	release := make(chan struct{})
	h.doer.gate = release

	a, err := h.s.Submit(Request{Endpoint: domain.ServerPlayers, TenantKey: "k", Dedup: SameRead(domain.ServerPlayers, "k")})
	require.NoError(t, err)
	b, err := h.s.Submit(Request{Endpoint: domain.ServerPlayers, TenantKey: "k", Dedup: SameRead(domain.ServerPlayers, "k")})
	require.NoError(t, err)
	require.Same(t, a, b)

	require.True(t, h.s.tick(h.clock.Now()))

	// in flight, still shared
	c, err := h.s.Submit(Request{Endpoint: domain.ServerPlayers, TenantKey: "k", Dedup: SameRead(domain.ServerPlayers, "k")})
	require.NoError(t, err)
	require.Same(t, a, c)

	other, err := h.s.Submit(Request{Endpoint: domain.ServerPlayers, TenantKey: "other", Dedup: SameRead(domain.ServerPlayers, "other")})
	require.NoError(t, err)
	require.NotSame(t, a, other)

	close(release)
	h.s.wg.Wait()

	results := make(chan *domain.QueueItem, 2)
	for i := 0; i < 2; i++ {
		go func() {
			got, _ := h.s.AwaitCompletion(context.Background(), a, 0, 0)
			results <- got
		}()
	}
	for i := 0; i < 2; i++ {
		got := <-results
		require.NotNil(t, got)
		require.True(t, got.Outcome().Success)
	}
	require.Equal(t, 1, h.doer.callCount())
}

func TestWritesNeverCoalesce(t *testing.T) {
	h := newHarness(t, Config{}, Deps{})
	body := []byte(`{"command":":h hello"}`)

	a, err := h.s.Submit(Request{Endpoint: domain.ServerCommand, TenantKey: "k", Body: body, Dedup: SameRead(domain.ServerCommand, "k")})
	require.NoError(t, err)
	b, err := h.s.Submit(Request{Endpoint: domain.ServerCommand, TenantKey: "k", Body: body, Dedup: SameRead(domain.ServerCommand, "k")})
	require.NoError(t, err)
	require.NotSame(t, a, b)
	require.Equal(t, 2, h.s.Len())
}

func TestReadsCoalesceOntoDeferredItem(t *testing.T) {
	h := newHarness(t, Config{}, Deps{})
	key := domain.BucketKey(domain.ServerPlayers, "k", false)
	h.buckets.Get(key).Reconcile(bucket.Headers{Limit: 10, Remaining: 0, Reset: start.Add(5 * time.Second)})

	a, err := h.s.Submit(Request{Endpoint: domain.ServerPlayers, TenantKey: "k", Dedup: SameRead(domain.ServerPlayers, "k")})
	require.NoError(t, err)
	require.False(t, h.step())
	require.Equal(t, start.Add(6*time.Second), a.RunAt())

	b, err := h.s.Submit(Request{Endpoint: domain.ServerPlayers, TenantKey: "k", Dedup: SameRead(domain.ServerPlayers, "k")})
	require.NoError(t, err)
	require.Same(t, a, b)
	require.Equal(t, 1, h.s.Len())

	h.clock.Advance(6 * time.Second)
	require.True(t, h.step())
	require.False(t, h.step())
	require.Equal(t, 1, h.doer.callCount())
	require.True(t, a.Outcome().Success)
}

func TestReadsCoalesceOntoRetryingItem(t *testing.T) {
	h := newHarness(t, Config{}, Deps{})
	h.doer.replies = append(h.doer.replies, reply(http.StatusInternalServerError, `{"code":1002,"message":"internal"}`, nil))

	a, err := h.s.Submit(Request{Endpoint: domain.ServerInfo, TenantKey: "k", Dedup: SameRead(domain.ServerInfo, "k")})
	require.NoError(t, err)
	require.True(t, h.step())
	require.Equal(t, 1, a.Attempts())
	require.Equal(t, start.Add(DefaultRetryDelay), a.RunAt())

	b, err := h.s.Submit(Request{Endpoint: domain.ServerInfo, TenantKey: "k", Dedup: SameRead(domain.ServerInfo, "k")})
	require.NoError(t, err)
	require.Same(t, a, b)
	require.Equal(t, 1, h.s.Len())

	h.clock.Advance(DefaultRetryDelay)
	require.True(t, h.step())
	require.False(t, h.step())
	require.Equal(t, 2, h.doer.callCount())
	require.True(t, a.Outcome().Success)
}

func TestReadDoesNotShareLaterPoll(t *testing.T) {
	h := newHarness(t, Config{}, Deps{})
	poll, err := h.s.Submit(Request{Endpoint: domain.ServerInfo, TenantKey: "k", RunAt: start.Add(time.Minute)})
	require.NoError(t, err)

	read, err := h.s.Submit(Request{Endpoint: domain.ServerInfo, TenantKey: "k", Dedup: SameRead(domain.ServerInfo, "k")})
	require.NoError(t, err)
	require.NotSame(t, poll, read)
}

func TestRecurringItemRequeued(t *testing.T) {
	h := newHarness(t, Config{}, Deps{})
	item, err := h.s.Submit(Request{Endpoint: domain.ServerStaff, TenantKey: "k", RequeueInterval: 15 * time.Second})
	require.NoError(t, err)
	require.True(t, h.step())
	require.True(t, item.Outcome().Success)

	pending := h.s.Pending()
	require.Len(t, pending, 1)
	next := pending[0]
	require.NotEqual(t, item.ID, next.ID)
	require.Equal(t, domain.ServerStaff, next.Endpoint)
	require.Equal(t, start.Add(15*time.Second), next.RunAt())
	require.Equal(t, 15*time.Second, next.RequeueInterval)
	require.Equal(t, 0, next.Attempts())
}

func TestReconciledBucketsAreShared(t *testing.T) {
	syncer := &fakeSync{}
	h := newHarness(t, Config{GlobalCredential: true}, Deps{Sync: syncer})
	h.doer.replies = append(h.doer.replies,
		reply(http.StatusOK, `{}`, limited(35, 34, start.Add(time.Minute))),
		ok(`{}`),
	)

	_, err := h.s.Submit(Request{Endpoint: domain.ServerInfo, TenantKey: "k"})
	require.NoError(t, err)
	require.True(t, h.step())

	require.Len(t, syncer.snaps, 1)
	require.Equal(t, domain.GlobalBucket, syncer.snaps[0].Key)
	require.Equal(t, 34, syncer.snaps[0].Remaining)

	// no headers, nothing to share
	_, err = h.s.Submit(Request{Endpoint: domain.ServerInfo, TenantKey: "k"})
	require.NoError(t, err)
	require.True(t, h.step())
	require.Len(t, syncer.snaps, 1)
}

func TestResultBroadcast(t *testing.T) {
	pub := &fakePub{}
	h := newHarness(t, Config{PublishResults: true}, Deps{Broadcaster: pub})
	h.doer.replies = append(h.doer.replies,
		ok(`{"Name":"x"}`),
		reply(http.StatusBadRequest, `{"code":3002,"message":"offline"}`, nil),
	)

	_, err := h.s.Submit(Request{Endpoint: domain.ServerInfo, TenantKey: "k"})
	require.NoError(t, err)
	require.True(t, h.step())
	_, err = h.s.Submit(Request{Endpoint: domain.ServerCommand, TenantKey: "k", Body: []byte(`{}`)})
	require.NoError(t, err)
	require.True(t, h.step())

	hashed := domain.HashKey("k")
	require.Equal(t, []string{hashed + `:ServerInfo:{"Name":"x"}`}, pub.msgs[UpdateChannel])
	require.Equal(t, []string{hashed + ":ServerCommand:3002:offline"}, pub.msgs[FailureChannel])
}

func TestBackoff(t *testing.T) {
	s := New(Config{RetryDelay: 10 * time.Second, RetryJitter: 5 * time.Second}, Deps{},
		WithRand(func() float64 { return 0.5 }))
	require.Equal(t, 10*time.Second, s.backoff(0))
	require.Equal(t, 12500*time.Millisecond, s.backoff(1))
	require.Equal(t, 17500*time.Millisecond, s.backoff(3))
}

func TestAwaitCompletion(t *testing.T) {
	t.Run("already complete", func(t *testing.T) {
		h := newHarness(t, Config{}, Deps{})
		item, err := h.s.Submit(Request{Endpoint: domain.ServerInfo, TenantKey: "k"})
		require.NoError(t, err)
		require.True(t, h.step())

		got, err := h.s.AwaitCompletion(context.Background(), item, 0, 0)
		require.NoError(t, err)
		require.Same(t, item, got)
	})

	t.Run("near expiry", func(t *testing.T) {
		h := newHarness(t, Config{}, Deps{})
		item, err := h.s.Submit(Request{Endpoint: domain.ServerInfo, TenantKey: "k"})
		require.NoError(t, err)

		h.clock.Advance(20 * time.Second)
		_, err = h.s.AwaitCompletion(context.Background(), item, 10*time.Second, 0)
		require.ErrorIs(t, err, ErrAwaitTimeout)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err = h.s.AwaitCompletion(ctx, item, time.Second, 0)
		require.ErrorIs(t, err, context.Canceled, "still waiting when ctx ends")
	})

	t.Run("completes while waiting", func(t *testing.T) {
		h := newHarness(t, Config{}, Deps{})
		item, err := h.s.Submit(Request{Endpoint: domain.ServerInfo, TenantKey: "k"})
		require.NoError(t, err)

		done := make(chan error, 1)
		go func() {
			_, err := h.s.AwaitCompletion(context.Background(), item, 0, 0)
			done <- err
		}()
		item.Succeed(domain.Message{Message: "ok"})
		require.NoError(t, <-done)
	})
}

func TestRunAndStop(t *testing.T) {
	defer goleak.VerifyNone(t)

	doer := &fakeDoer{}
	s := New(Config{IdleInterval: time.Millisecond}, Deps{Client: doer, Breaker: &fakeGate{}, Logger: zap.NewNop()})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	item, err := s.Submit(Request{Endpoint: domain.ServerPlayers, TenantKey: "k"})
	require.NoError(t, err)
	got, err := s.AwaitCompletion(ctx, item, time.Second, time.Millisecond)
	require.NoError(t, err)
	require.True(t, got.Outcome().Success)

	s.Stop()
	require.NoError(t, <-done)
	doer.mu.Lock()
	require.True(t, doer.closed)
	doer.mu.Unlock()
}
