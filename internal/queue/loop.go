package queue

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/SirClappington/prcworker/internal/bucket"
	"github.com/SirClappington/prcworker/internal/domain"
)

// Run drives the queue until ctx is cancelled or Stop is called. On the way
// out it abandons outstanding upstream calls and waits for their dispatch
// goroutines to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler started",
		zap.Int("max_retries", s.cfg.MaxRetries),
		zap.Duration("request_timeout", s.cfg.RequestTimeout))
	defer s.shutdown()

	for !s.stopped.Load() && ctx.Err() == nil {
		if s.tick(s.clock.Now()) {
			continue
		}
		select {
		case <-ctx.Done():
		case <-s.clock.After(s.cfg.IdleInterval):
		}
	}
	return nil
}

// Stop makes Run return after its current tick.
func (s *Scheduler) Stop() { s.stopped.Store(true) }

func (s *Scheduler) shutdown() {
	s.abandon()
	if s.client != nil {
		s.client.CloseIdle()
	}
	s.wg.Wait()
	s.logger.Info("scheduler stopped", zap.Int("pending", s.Len()))
}

// tick scans the queue in submission order and removes at most one item.
// It reports whether an item was removed.
func (s *Scheduler) tick(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, item := range s.pending {
		if now.After(item.ExpiresAt()) {
			item.MarkExpired()
			s.removeLocked(i)
			s.logger.Info("request expired",
				zap.String("item", item.ID),
				zap.Stringer("endpoint", item.Endpoint),
				zap.Int("attempts", item.Attempts()))
			return true
		}
		if item.RunAt().After(now) {
			continue
		}

		d, ok := item.Endpoint.Describe()
		if !ok {
			item.Fail(domain.CodeUnknown, domain.ErrUnknownEndpoint.Error())
			s.removeLocked(i)
			return true
		}
		b := s.buckets.Get(domain.BucketKey(item.Endpoint, item.TenantKey, s.cfg.GlobalCredential))

		switch decision, until := b.Check(now); decision {
		case bucket.Deferred:
			item.Defer(until)
			s.logger.Debug("bucket exhausted, deferring",
				zap.String("bucket", b.Key()),
				zap.Time("run_at", until))
			continue
		case bucket.Busy:
			continue
		}

		if !s.breaker.Allow() {
			if item.Attempts() < s.cfg.MaxRetries {
				item.Retry(func(n int) time.Time { return now.Add(s.backoff(n - 1)) })
				return false
			}
			item.Fail(domain.CodeUnknown, "max retries reached (circuit breaker)")
			s.removeLocked(i)
			s.logger.Warn("request rejected by circuit breaker",
				zap.String("item", item.ID),
				zap.Stringer("endpoint", item.Endpoint))
			return true
		}

		b.Acquire()
		item.MarkDispatched()
		s.removeLocked(i)
		s.inflight[item.ID] = item
		s.wg.Add(1)
		go s.dispatch(item, d, b)
		return true
	}
	return false
}

func (s *Scheduler) removeLocked(i int) {
	copy(s.pending[i:], s.pending[i+1:])
	s.pending[len(s.pending)-1] = nil
	s.pending = s.pending[:len(s.pending)-1]
}
