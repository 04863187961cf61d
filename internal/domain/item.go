package domain

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	Queued     Status = "queued"
	Dispatched Status = "dispatched"
	Succeeded  Status = "succeeded"
	Failed     Status = "failed"
	Expired    Status = "expired"
)

// DefaultRequestTimeout is how long an item may sit in the queue past its
// RunAt before it is dropped.
const DefaultRequestTimeout = 30 * time.Second

// Outcome is the terminal state of a QueueItem as seen by callers.
type Outcome struct {
	Success       bool
	FailureCode   ErrorCode
	FailureReason string
	Result        any
}

// QueueItem is one pending or in-flight upstream request.
//
// Scheduling fields (RunAt, attempts) are only changed by the scheduler and
// terminal fields only by the dispatch that owns the item; the mutex makes
// both safe to read from waiting callers.
type QueueItem struct {
	ID              string
	Endpoint        Endpoint
	TenantKey       string
	Body            []byte
	RequeueInterval time.Duration
	Timeout         time.Duration

	mu       sync.Mutex
	sched    time.Time
	runAt    time.Time
	queuedAt time.Time
	attempts int
	status   Status
	outcome  Outcome
	done     chan struct{}
}

// NewQueueItem creates a queued item eligible to run at runAt.
func NewQueueItem(endpoint Endpoint, tenantKey string, body []byte, runAt, now time.Time, timeout time.Duration) *QueueItem {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	if runAt.IsZero() {
		runAt = now
	}
	return &QueueItem{
		ID:        uuid.NewString(),
		Endpoint:  endpoint,
		TenantKey: tenantKey,
		Body:      body,
		Timeout:   timeout,
		sched:     runAt,
		runAt:     runAt,
		queuedAt:  now,
		status:    Queued,
		done:      make(chan struct{}),
	}
}

// Recur returns a fresh item for the next run of a recurring poll.
func (q *QueueItem) Recur(now time.Time) *QueueItem {
	next := NewQueueItem(q.Endpoint, q.TenantKey, q.Body, now.Add(q.RequeueInterval), now, q.Timeout)
	next.RequeueInterval = q.RequeueInterval
	return next
}

func (q *QueueItem) RunAt() time.Time {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.runAt
}

// ScheduledAt is the run time the item was submitted with. Unlike RunAt it
// is not moved by bucket defers or retry backoff.
func (q *QueueItem) ScheduledAt() time.Time { return q.sched }

func (q *QueueItem) QueuedAt() time.Time {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.queuedAt
}

// ExpiresAt is derived from RunAt, so deferring an item moves its deadline too.
func (q *QueueItem) ExpiresAt() time.Time {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.runAt.Add(q.Timeout)
}

func (q *QueueItem) Attempts() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.attempts
}

func (q *QueueItem) Status() Status {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.status
}

// Defer moves the item's earliest run time without counting an attempt.
func (q *QueueItem) Defer(runAt time.Time) {
	q.mu.Lock()
	q.runAt = runAt
	q.mu.Unlock()
}

// Retry counts an attempt and reschedules the item. The returned value is the
// attempt count after the increment.
func (q *QueueItem) Retry(runAt func(attempts int) time.Time) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.attempts++
	q.runAt = runAt(q.attempts)
	return q.attempts
}

// Requeue puts a dispatched item back into the queued state.
func (q *QueueItem) Requeue(now time.Time) {
	q.mu.Lock()
	q.queuedAt = now
	q.status = Queued
	q.mu.Unlock()
}

func (q *QueueItem) MarkDispatched() {
	q.mu.Lock()
	q.status = Dispatched
	q.mu.Unlock()
}

// MarkExpired records that the item was dropped without ever completing.
func (q *QueueItem) MarkExpired() {
	q.mu.Lock()
	q.status = Expired
	q.mu.Unlock()
}

func (q *QueueItem) Succeed(result any) {
	q.finish(Succeeded, Outcome{Success: true, Result: result})
}

func (q *QueueItem) Fail(code ErrorCode, reason string) {
	q.finish(Failed, Outcome{FailureCode: code, FailureReason: reason})
}

func (q *QueueItem) finish(status Status, outcome Outcome) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.status == Succeeded || q.status == Failed {
		return
	}
	q.status = status
	q.outcome = outcome
	close(q.done)
}

// Complete reports whether the item reached a terminal success or failure.
func (q *QueueItem) Complete() bool {
	s := q.Status()
	return s == Succeeded || s == Failed
}

// Done is closed once the item completes. Expired items never close it.
func (q *QueueItem) Done() <-chan struct{} { return q.done }

func (q *QueueItem) Outcome() Outcome {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.outcome
}
