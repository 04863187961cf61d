// Package bucket tracks what is known about the upstream's rate-limit
// buckets. Limits are learned from response headers, never configured.
package bucket

import (
	"net/http"
	"strconv"
	"sync"
	"time"
)

// Unknown marks a limit or remaining count that has not been observed yet.
const Unknown = -1

const (
	HeaderBucket    = "X-RateLimit-Bucket"
	HeaderLimit     = "X-RateLimit-Limit"
	HeaderRemaining = "X-RateLimit-Remaining"
	HeaderReset     = "X-RateLimit-Reset"

	// defaultResetAfter is assumed when the upstream omits a reset time.
	defaultResetAfter = 120 * time.Second
	// resetMargin is added to a reset time before a deferred item may run.
	resetMargin = time.Second
)

// Decision is the outcome of Check.
type Decision int

const (
	Ready Decision = iota
	// Deferred means the bucket is exhausted until the returned time.
	Deferred
	// Busy means the limit is unknown and a probe is already in flight.
	Busy
)

// Snapshot is the serializable state of a bucket.
type Snapshot struct {
	Key       string    `json:"key"`
	ID        string    `json:"bucket,omitempty"`
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	Reset     time.Time `json:"reset"`
	InUse     bool      `json:"inUse"`
}

// Headers is the rate-limit information reported on one upstream response.
type Headers struct {
	ID        string
	Limit     int
	Remaining int
	Reset     time.Time
}

// Bucket holds the pessimistic local view of one upstream bucket.
type Bucket struct {
	mu        sync.Mutex
	key       string
	id        string
	limit     int
	remaining int
	reset     time.Time
	inUse     bool
}

func newBucket(key string) *Bucket {
	return &Bucket{key: key, limit: Unknown, remaining: Unknown}
}

func (b *Bucket) Key() string { return b.key }

// Check applies the refill rule and reports whether a dispatch may start.
// For Deferred the returned time is when the item should next be tried.
func (b *Bucket) Check(now time.Time) (Decision, time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.remaining == 0 {
		if now.Before(b.reset) {
			return Deferred, b.reset.Add(resetMargin)
		}
		b.remaining = b.limit
	}
	if b.remaining <= Unknown && b.inUse {
		return Busy, time.Time{}
	}
	return Ready, time.Time{}
}

// Acquire marks a dispatch as outstanding and spends one request
// speculatively. Remaining never goes below zero here.
func (b *Bucket) Acquire() {
	b.mu.Lock()
	b.inUse = true
	if b.remaining > 0 {
		b.remaining--
	}
	b.mu.Unlock()
}

// Release clears the in-use flag without learning anything new.
func (b *Bucket) Release() {
	b.mu.Lock()
	b.inUse = false
	b.mu.Unlock()
}

// Reconcile folds response headers into the bucket. Remaining is only taken
// from the server when the local value is unknown or exhausted, so that a
// decrement made by a concurrent dispatch is not overwritten.
func (b *Bucket) Reconcile(h Headers) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if h.ID != "" {
		b.id = h.ID
	}
	b.limit = h.Limit
	b.reset = h.Reset
	if b.remaining <= 0 {
		b.remaining = h.Remaining
	}
	b.inUse = false
}

func (b *Bucket) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Key:       b.key,
		ID:        b.id,
		Limit:     b.limit,
		Remaining: b.remaining,
		Reset:     b.reset,
		InUse:     b.inUse,
	}
}

// replace adopts a peer's view wholesale; the local in-use flag is kept
// because it describes dispatches made by this process.
func (b *Bucket) replace(s Snapshot) {
	b.id = s.ID
	b.limit = s.Limit
	b.remaining = s.Remaining
	b.reset = s.Reset
}

// ParseHeaders extracts rate-limit headers. It reports false when the
// response carries no bucket header at all. Malformed numbers become Unknown.
func ParseHeaders(h http.Header, now time.Time) (Headers, bool) {
	id := h.Get(HeaderBucket)
	if id == "" {
		return Headers{}, false
	}
	out := Headers{
		ID:        id,
		Limit:     intHeader(h, HeaderLimit),
		Remaining: intHeader(h, HeaderRemaining),
		Reset:     now.Add(defaultResetAfter),
	}
	if v, err := strconv.ParseInt(h.Get(HeaderReset), 10, 64); err == nil {
		out.Reset = time.Unix(v, 0).UTC()
	}
	return out, true
}

func intHeader(h http.Header, name string) int {
	v, err := strconv.Atoi(h.Get(name))
	if err != nil {
		return Unknown
	}
	return v
}
