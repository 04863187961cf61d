// Package peersync keeps bucket state roughly consistent across replicas by
// broadcasting bucket snapshots over pub/sub and merging what peers send.
// Delivery is best-effort: a lost message only makes a replica's view of
// remaining quota less precise.
package peersync

import (
	"context"
	"encoding/json"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/SirClappington/prcworker/internal/bucket"
)

const (
	AliveChannel = "prcapiworker-alive"
	SyncChannel  = "prcapiworker-sync"

	// probeChance is how often a bucket is published while no peer has
	// been seen, so late joiners still discover their siblings.
	probeChance = 0.05

	publishTimeout = 5 * time.Second
)

type Option func(*Synchronizer)

// WithRand replaces the uniform [0,1) source used for probe publishing.
func WithRand(f func() float64) Option { return func(s *Synchronizer) { s.rand = f } }

// WithInstanceID fixes the id used for echo suppression.
func WithInstanceID(id string) Option { return func(s *Synchronizer) { s.id = id } }

// Synchronizer publishes local bucket changes and merges remote ones into
// a bucket.Registry.
type Synchronizer struct {
	id        string
	transport Transport
	buckets   *bucket.Registry
	rand      func() float64
	logger    *zap.Logger

	otherAlive atomic.Bool
	subscribed atomic.Bool

	sub Subscription
	wg  sync.WaitGroup
}

func New(transport Transport, buckets *bucket.Registry, logger *zap.Logger, opts ...Option) *Synchronizer {
	s := &Synchronizer{
		id:        uuid.NewString(),
		transport: transport,
		buckets:   buckets,
		rand:      rand.Float64,
		logger:    logger,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Synchronizer) ID() string { return s.id }

// OtherAlive reports whether another replica has ever been observed.
func (s *Synchronizer) OtherAlive() bool { return s.otherAlive.Load() }

// Start subscribes to both channels and announces this instance.
func (s *Synchronizer) Start(ctx context.Context) error {
	sub, err := s.transport.Subscribe(ctx, AliveChannel, SyncChannel)
	if err != nil {
		return errors.Wrap(err, "peersync: subscribe")
	}
	s.sub = sub
	s.subscribed.Store(true)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for m := range sub.Messages() {
			s.handle(m)
		}
	}()

	if _, err := s.transport.Publish(ctx, AliveChannel, s.id); err != nil {
		s.logger.Warn("announce failed", zap.Error(err))
	}
	s.logger.Info("bucket sync started", zap.String("instance", s.id))
	return nil
}

// Close unsubscribes and waits for pending publishes to finish.
func (s *Synchronizer) Close() error {
	var err error
	if s.sub != nil {
		err = s.sub.Close()
	}
	s.wg.Wait()
	return err
}

// SyncBucket broadcasts a bucket snapshot without blocking the caller.
func (s *Synchronizer) SyncBucket(snap bucket.Snapshot) {
	if !s.otherAlive.Load() && s.rand() >= probeChance {
		return
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		s.logger.Error("encode bucket", zap.String("bucket", snap.Key), zap.Error(err))
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		n, err := s.transport.Publish(ctx, SyncChannel, s.id+":"+string(raw))
		if err != nil {
			s.logger.Debug("bucket sync publish failed", zap.Error(err))
			return
		}
		// our own subscription is among the receivers
		self := int64(0)
		if s.subscribed.Load() {
			self = 1
		}
		if n > self {
			s.otherAlive.Store(true)
		}
	}()
}

func (s *Synchronizer) handle(m Message) {
	switch m.Channel {
	case AliveChannel:
		if m.Payload != "" && m.Payload != s.id {
			s.otherAlive.Store(true)
		}
	case SyncChannel:
		sender, payload, ok := strings.Cut(m.Payload, ":")
		if !ok || sender == s.id {
			return
		}
		s.otherAlive.Store(true)

		var snap bucket.Snapshot
		if err := json.Unmarshal([]byte(payload), &snap); err != nil || snap.Key == "" {
			s.logger.Debug("dropping malformed bucket sync", zap.String("sender", sender))
			return
		}
		res := s.buckets.Merge(snap)
		s.logger.Debug("bucket sync received",
			zap.String("bucket", snap.Key),
			zap.String("sender", sender),
			zap.Stringer("result", res))
	}
}
