package storage

import (
	"context"
	"encoding/json"
	"reflect"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
)

type entry struct {
	value     any
	expiresAt time.Time
}

// MemoryStore is the process-local tier. Entries expire lazily on read and
// nothing bounds its size, so it only suits single-replica deployments.
type MemoryStore struct {
	mu      sync.Mutex
	clock   clockwork.Clock
	entries map[string]entry
}

func NewMemory(clock clockwork.Clock) *MemoryStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MemoryStore{clock: clock, entries: make(map[string]entry)}
}

func (m *MemoryStore) Tier() string { return "memory" }

func (m *MemoryStore) Set(_ context.Context, key string, value any, ttl time.Duration) error {
	m.mu.Lock()
	m.entries[key] = entry{value: value, expiresAt: m.clock.Now().Add(ttlOrDefault(ttl))}
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, key string, dst any) (bool, error) {
	m.mu.Lock()
	e, ok := m.entries[key]
	if ok && !m.clock.Now().Before(e.expiresAt) {
		delete(m.entries, key)
		ok = false
	}
	m.mu.Unlock()
	if !ok {
		return false, nil
	}
	return true, assign(dst, e.value)
}

// Len counts stored entries, including expired ones not yet read.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// assign copies value into dst directly when the types line up and falls
// back to a JSON round trip otherwise, matching what the Redis tier returns.
func assign(dst, value any) error {
	rv := reflect.ValueOf(dst)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return errors.New("storage: destination must be a non-nil pointer")
	}
	target := rv.Elem()
	if value == nil {
		target.Set(reflect.Zero(target.Type()))
		return nil
	}
	src := reflect.ValueOf(value)
	if src.Type().AssignableTo(target.Type()) {
		target.Set(src)
		return nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return errors.Wrap(err, "storage: encode cached value")
	}
	return errors.Wrap(json.Unmarshal(raw, dst), "storage: decode cached value")
}
