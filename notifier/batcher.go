// Package notifier coalesces bursts of keyed items into a single delayed
// action per key.
package notifier

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Flush outcomes.
const (
	OutcomeFlushed = "flushed"
	OutcomeSkipped = "skipped"
	OutcomeError   = "error"
)

var (
	flushes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "whatsapp_hub_notifier_flushes_total",
		Help: "Batch flushes by outcome",
	}, []string{"batcher", "outcome"})
	batchSize = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "whatsapp_hub_notifier_batch_size",
		Help:    "Number of items per flushed batch",
		Buckets: []float64{1, 2, 5, 10, 20, 50},
	}, []string{"batcher"})
	pendingKeys = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "whatsapp_hub_notifier_pending_keys",
		Help: "Keys with a scheduled flush",
	}, []string{"batcher"})
)

// Guard re-validates, right before acting, that the batch for key may
// still be delivered. Returning false discards the batch.
type Guard func(ctx context.Context, key string) (bool, error)

// Action performs the side effect for one batch.
type Action[T any] func(ctx context.Context, key string, items []T) error

type batch[T any] struct {
	items []T
	timer *time.Timer
}

// Batcher holds at most one pending flush timer per key.
type Batcher[T any] struct {
	name   string
	delay  time.Duration
	guard  Guard
	action Action[T]
	log    zerolog.Logger

	mu      sync.Mutex
	batches map[string]*batch[T]
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// OnFlush, when set, observes every finished flush. Used by tests.
	OnFlush func(key string, items []T, outcome string)
}

func New[T any](name string, delay time.Duration, guard Guard, action Action[T], log zerolog.Logger) *Batcher[T] {
	ctx, cancel := context.WithCancel(context.Background())
	return &Batcher[T]{
		name:    name,
		delay:   delay,
		guard:   guard,
		action:  action,
		log:     log.With().Str("component", "notifier").Str("batcher", name).Logger(),
		batches: make(map[string]*batch[T]),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Accumulate appends items to the pending batch for key and schedules a
// flush when none is pending.
func (b *Batcher[T]) Accumulate(key string, items ...T) {
	if len(items) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return
	}

	bt, exists := b.batches[key]
	if !exists {
		bt = &batch[T]{}
		b.batches[key] = bt
		b.wg.Add(1)
		bt.timer = time.AfterFunc(b.delay, func() {
			defer b.wg.Done()
			b.flush(key)
		})
		pendingKeys.WithLabelValues(b.name).Inc()
		b.log.Debug().Str("key", key).Dur("delay", b.delay).Msg("flush scheduled")
	}
	bt.items = append(bt.items, items...)
}

// Pending returns the number of items waiting for key.
func (b *Batcher[T]) Pending(key string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if bt, ok := b.batches[key]; ok {
		return len(bt.items)
	}
	return 0
}

// Scheduled reports whether a flush timer is outstanding for key.
func (b *Batcher[T]) Scheduled(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.batches[key]
	return ok
}

// FlushNow runs the pending flush for key immediately, if its timer has not
// fired yet.
func (b *Batcher[T]) FlushNow(key string) {
	b.mu.Lock()
	bt, ok := b.batches[key]
	if !ok || !bt.timer.Stop() {
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()

	defer b.wg.Done()
	b.flush(key)
}

// Stop cancels every pending timer, discarding their batches, and waits for
// running flushes to finish.
func (b *Batcher[T]) Stop() {
	b.mu.Lock()
	b.stopped = true
	for key, bt := range b.batches {
		if bt.timer.Stop() {
			delete(b.batches, key)
			pendingKeys.WithLabelValues(b.name).Dec()
			b.wg.Done()
		}
	}
	b.mu.Unlock()

	b.cancel()
	b.wg.Wait()
}

// Discard drops the pending batches whose key matches and cancels their
// timers. Unlike Stop the batcher keeps accepting items. A flush already
// running is not interrupted.
func (b *Batcher[T]) Discard(match func(key string) bool) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for key, bt := range b.batches {
		if !match(key) || !bt.timer.Stop() {
			continue
		}
		delete(b.batches, key)
		pendingKeys.WithLabelValues(b.name).Dec()
		b.wg.Done()
		n++
	}
	return n
}

// flush takes the batch out of the map before acting, so an Accumulate
// arriving while the action runs opens a new window.
func (b *Batcher[T]) flush(key string) {
	b.mu.Lock()
	bt, ok := b.batches[key]
	delete(b.batches, key)
	b.mu.Unlock()
	if !ok {
		return
	}
	pendingKeys.WithLabelValues(b.name).Dec()

	outcome := b.run(key, bt.items)
	flushes.WithLabelValues(b.name, outcome).Inc()
	if b.OnFlush != nil {
		b.OnFlush(key, bt.items, outcome)
	}
}

func (b *Batcher[T]) run(key string, items []T) (outcome string) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().Str("key", key).Interface("panic", r).Msg("flush panicked")
			outcome = OutcomeError
		}
	}()

	if b.guard != nil {
		allowed, err := b.guard(b.ctx, key)
		if err != nil {
			b.log.Warn().Err(err).Str("key", key).Int("items", len(items)).Msg("precondition check failed, batch dropped")
			return OutcomeError
		}
		if !allowed {
			b.log.Info().Str("key", key).Int("items", len(items)).Msg("precondition no longer holds, batch dropped")
			return OutcomeSkipped
		}
	}

	batchSize.WithLabelValues(b.name).Observe(float64(len(items)))
	if err := b.action(b.ctx, key, items); err != nil {
		b.log.Error().Err(err).Str("key", key).Int("items", len(items)).Msg("batch action failed")
		return OutcomeError
	}
	b.log.Debug().Str("key", key).Int("items", len(items)).Msg("batch flushed")
	return OutcomeFlushed
}
