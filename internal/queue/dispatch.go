package queue

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/SirClappington/prcworker/internal/bucket"
	"github.com/SirClappington/prcworker/internal/domain"
)

const (
	UpdateChannel  = "prcapiworker:update"
	FailureChannel = "prcapiworker:failure"

	publishTimeout = 5 * time.Second
)

// dispatch performs the upstream call for an accepted item and settles it:
// complete, failed, or back in the queue for another attempt.
func (s *Scheduler) dispatch(item *domain.QueueItem, d domain.Descriptor, b *bucket.Bucket) {
	defer s.wg.Done()

	log := s.logger.With(
		zap.String("item", item.ID),
		zap.Stringer("endpoint", item.Endpoint),
		zap.String("tenant", domain.HashKey(item.TenantKey)))

	resp, err := s.client.Do(s.dispatchCtx, d, item.TenantKey, item.Body)
	if err != nil {
		b.Release()
		s.untrack(item)
		item.Fail(domain.CodeUnknown, err.Error())
		log.Warn("upstream call failed", zap.Error(err))
		return
	}

	now := s.clock.Now()
	if h, ok := bucket.ParseHeaders(resp.Header, now); ok {
		b.Reconcile(h)
		if s.sync != nil {
			s.sync.SyncBucket(b.Snapshot())
		}
	} else {
		b.Release()
	}

	if resp.OK() {
		s.breaker.Record(false)
		result, err := d.Decode(resp.Body)
		if err != nil {
			log.Debug("result decoded partially", zap.Error(err))
		}
		s.untrack(item)
		item.Succeed(result)
		if item.RequeueInterval > 0 {
			s.enqueue(item.Recur(now))
		}
		s.broadcast(UpdateChannel, fmt.Sprintf("%s:%s:%s", domain.HashKey(item.TenantKey), item.Endpoint, resp.Body))
		return
	}

	uerr := domain.ParseUpstreamError(resp.Body)
	retryable := uerr.Code.Retryable()
	s.breaker.Record(retryable)

	if retryable && item.Attempts() < s.cfg.MaxRetries {
		attempt := item.Retry(func(n int) time.Time { return now.Add(s.backoff(n)) })
		item.Requeue(now)
		s.requeue(item)
		log.Info("retrying request",
			zap.Int("status", resp.StatusCode),
			zap.Stringer("code", uerr.Code),
			zap.Int("attempt", attempt),
			zap.Time("run_at", item.RunAt()))
		return
	}

	s.untrack(item)
	item.Fail(uerr.Code, uerr.Message)
	log.Warn("request failed",
		zap.Int("status", resp.StatusCode),
		zap.Stringer("code", uerr.Code),
		zap.String("message", uerr.Message),
		zap.Int("attempts", item.Attempts()))
	s.broadcast(FailureChannel, fmt.Sprintf("%s:%s:%d:%s", domain.HashKey(item.TenantKey), item.Endpoint, int(uerr.Code), uerr.Message))
}

// broadcast publishes payload without holding up the dispatch.
func (s *Scheduler) broadcast(channel, payload string) {
	if !s.cfg.PublishResults || s.pub == nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		if _, err := s.pub.Publish(ctx, channel, payload); err != nil {
			s.logger.Warn("result broadcast failed", zap.String("channel", channel), zap.Error(err))
		}
	}()
}

// backoff is the delay before retry number attempt. Only the jitter term
// grows with the attempt count.
func (s *Scheduler) backoff(attempt int) time.Duration {
	jitter := time.Duration(s.rand() * float64(s.cfg.RetryJitter))
	return s.cfg.RetryDelay + jitter*time.Duration(attempt)
}
