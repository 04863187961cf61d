// Package breaker throttles outbound traffic while the upstream's recent
// error rate is high. It never closes admission completely: a fraction of
// requests always passes so recovery is noticed without a probe timer.
package breaker

import (
	"math"
	"math/rand"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

const (
	DefaultWindow = 20 * time.Second

	// ErrorThreshold is the error percentage at which admission starts
	// being gated.
	ErrorThreshold = 15.0
	// MinRequests in the current window before gating can start.
	MinRequests = 5

	gateMultiplier = 1.5
	minGate        = 75.0
	maxGate        = 95.0

	realertInterval = 5 * time.Minute
)

// Snapshot is the approximate state reported to notifiers.
type Snapshot struct {
	Errors       float64
	Requests     float64
	ErrorPercent float64
	Threshold    float64
	Open         bool
}

// Notifier receives state transitions. Calls are made on their own
// goroutine and failures are the notifier's business.
type Notifier interface {
	HighErrorRate(Snapshot)
	Recovered(Snapshot)
}

type Option func(*Breaker)

func WithClock(c clockwork.Clock) Option { return func(b *Breaker) { b.clock = c } }

// WithRand replaces the uniform [0,1) source used for gated admission.
func WithRand(f func() float64) Option { return func(b *Breaker) { b.rand = f } }

func WithNotifier(n Notifier) Option { return func(b *Breaker) { b.notifier = n } }

// Breaker keeps request and error counts for two adjacent fixed windows and
// blends them into an approximate sliding error rate. Counters are plain
// atomics: concurrent updates around a rollover may be lost, which only
// makes the rate slightly less exact.
type Breaker struct {
	window   time.Duration
	clock    clockwork.Clock
	rand     func() float64
	notifier Notifier
	logger   *zap.Logger

	index        atomic.Int64
	curRequests  atomic.Int64
	curErrors    atomic.Int64
	prevRequests atomic.Int64
	prevErrors   atomic.Int64

	open      atomic.Bool
	lastAlert atomic.Time
}

func New(window time.Duration, logger *zap.Logger, opts ...Option) *Breaker {
	if window < time.Second {
		window = DefaultWindow
	}
	b := &Breaker{
		window: window,
		clock:  clockwork.NewRealClock(),
		rand:   rand.Float64,
		logger: logger,
	}
	for _, o := range opts {
		o(b)
	}
	b.index.Store(b.windowIndex(b.clock.Now()))
	return b
}

func (b *Breaker) windowIndex(now time.Time) int64 {
	return now.Unix() / int64(b.window/time.Second)
}

// roll advances the windows lazily; there is no background timer.
func (b *Breaker) roll(now time.Time) {
	idx := b.windowIndex(now)
	for {
		cur := b.index.Load()
		if idx <= cur {
			return
		}
		if b.index.CompareAndSwap(cur, idx) {
			b.prevRequests.Store(b.curRequests.Swap(0))
			b.prevErrors.Store(b.curErrors.Swap(0))
			return
		}
	}
}

// Record counts one finished request.
func (b *Breaker) Record(isError bool) {
	b.roll(b.clock.Now())
	b.curRequests.Inc()
	if isError {
		b.curErrors.Inc()
	}
}

// previousWeight is the share of the previous window still considered.
func (b *Breaker) previousWeight(now time.Time) float64 {
	w := b.window.Seconds()
	into := float64(now.UnixMilli()%b.window.Milliseconds()) / 1000
	return (w - into) / w
}

func (b *Breaker) snapshot(now time.Time) Snapshot {
	weight := b.previousWeight(now)
	errs := float64(b.curErrors.Load()) + float64(b.prevErrors.Load())*weight
	reqs := float64(b.curRequests.Load()) + float64(b.prevRequests.Load())*weight
	s := Snapshot{Errors: errs, Requests: reqs, Threshold: ErrorThreshold, Open: b.open.Load()}
	if reqs > 0 {
		s.ErrorPercent = 100 * errs / reqs
	}
	return s
}

// Snapshot reports the current approximate error rate.
func (b *Breaker) Snapshot() Snapshot {
	now := b.clock.Now()
	b.roll(now)
	return b.snapshot(now)
}

// Allow decides whether one more request may go out now.
func (b *Breaker) Allow() bool {
	now := b.clock.Now()
	b.roll(now)
	s := b.snapshot(now)

	if s.ErrorPercent < ErrorThreshold || b.curRequests.Load() < MinRequests {
		if b.open.CompareAndSwap(true, false) {
			s.Open = false
			b.logger.Info("error rate back to normal", zap.Float64("error_percent", s.ErrorPercent))
			b.notify(func(n Notifier) { n.Recovered(s) })
		}
		return true
	}

	if b.open.CompareAndSwap(false, true) || now.Sub(b.lastAlert.Load()) >= realertInterval {
		b.lastAlert.Store(now)
		s.Open = true
		b.logger.Warn("high upstream error rate",
			zap.Float64("error_percent", s.ErrorPercent),
			zap.Float64("requests", s.Requests))
		b.notify(func(n Notifier) { n.HighErrorRate(s) })
	}
	return b.rand() >= gate(s.ErrorPercent)/100
}

// AdmitProbability is the chance Allow lets a request through once the
// breaker is gating at the given error percentage.
func AdmitProbability(errorPercent float64) float64 {
	if errorPercent < ErrorThreshold {
		return 1
	}
	return (100 - gate(errorPercent)) / 100
}

func gate(errorPercent float64) float64 {
	return math.Min(maxGate, math.Max(minGate, errorPercent*gateMultiplier))
}

func (b *Breaker) notify(f func(Notifier)) {
	if b.notifier == nil {
		return
	}
	go f(b.notifier)
}
