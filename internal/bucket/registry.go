package bucket

import "sync"

// MergeResult says what Merge did with an incoming snapshot.
type MergeResult int

const (
	Ignored MergeResult = iota
	Adopted
	Replaced
	Lowered
)

func (r MergeResult) String() string {
	switch r {
	case Adopted:
		return "adopted"
	case Replaced:
		return "replaced"
	case Lowered:
		return "lowered"
	default:
		return "ignored"
	}
}

// Registry owns every bucket this process knows about. Buckets are created
// on first reference and never removed.
type Registry struct {
	mu      sync.RWMutex
	buckets map[string]*Bucket
}

func NewRegistry() *Registry {
	return &Registry{buckets: make(map[string]*Bucket)}
}

// Get returns the bucket for key, creating it with unknown limits.
func (r *Registry) Get(key string) *Bucket {
	r.mu.RLock()
	b, ok := r.buckets[key]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok = r.buckets[key]; !ok {
		b = newBucket(key)
		r.buckets[key] = b
	}
	return b
}

func (r *Registry) Lookup(key string) (*Bucket, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.buckets[key]
	return b, ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.buckets)
}

// Merge folds a peer's snapshot into the local view. A newer reset wins
// outright; an equal reset keeps the smaller remaining count; an older one
// is dropped.
func (r *Registry) Merge(s Snapshot) MergeResult {
	r.mu.Lock()
	b, ok := r.buckets[s.Key]
	if !ok {
		b = newBucket(s.Key)
		b.replace(s)
		r.buckets[s.Key] = b
		r.mu.Unlock()
		return Adopted
	}
	r.mu.Unlock()

	b.mu.Lock()
	defer b.mu.Unlock()
	switch {
	case s.Reset.After(b.reset):
		b.replace(s)
		return Replaced
	case s.Reset.Equal(b.reset):
		if s.Remaining < b.remaining {
			b.remaining = s.Remaining
			return Lowered
		}
	}
	return Ignored
}
