// Package bus is the in-process transport of the memory runtime. It relays
// committed outbox messages to the handler registered for their destination,
// bounding concurrency per destination and parking messages that exhaust
// their retries. Messages sharing a destination and routing key are delivered
// one at a time in outbox order.
package bus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/chatbank/internal/messages"
	"github.com/chatbank/internal/retry"
	"github.com/chatbank/internal/saga"
	"github.com/chatbank/internal/storage"
)

// Handler processes one envelope. lastAttempt is true on the final delivery
// before the message is dead-lettered.
type Handler func(ctx context.Context, env messages.Envelope, lastAttempt bool) error

// OutboxSource is the committed outbox the relay drains.
type OutboxSource interface {
	Undelivered(limit int) []storage.OutboxMessage
	MarkDelivered(seq int64)
	Notify() <-chan struct{}
}

// DeadLetter is a message that exhausted its retries or failed permanently.
type DeadLetter = messages.DeadLetter

// Options configures a Bus.
type Options struct {
	MaxWorkers    int
	MaxAttempts   int
	RetryInterval time.Duration
	PollInterval  time.Duration
	BatchSize     int
}

// Bus routes outbox messages to destination handlers.
type Bus struct {
	source   OutboxSource
	opts     Options
	handlers map[messages.Destination]Handler
	sems     map[messages.Destination]*semaphore.Weighted
	inflight sync.WaitGroup
	pending  atomic.Int64

	laneMu sync.Mutex
	lanes  map[string]*lane

	mu   sync.Mutex
	dead []DeadLetter
}

// lane holds the messages waiting behind the one being delivered for a key.
type lane struct {
	queue []messages.Envelope
}

// New returns a bus draining source.
func New(source OutboxSource, opts Options) *Bus {
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = 8
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.RetryInterval < 0 {
		opts.RetryInterval = 0
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	return &Bus{
		source:   source,
		opts:     opts,
		handlers: make(map[messages.Destination]Handler),
		sems:     make(map[messages.Destination]*semaphore.Weighted),
		lanes:    make(map[string]*lane),
	}
}

// Register installs the handler for dest. It must be called before Run.
func (b *Bus) Register(dest messages.Destination, h Handler) {
	b.handlers[dest] = h
	b.sems[dest] = semaphore.NewWeighted(int64(b.opts.MaxWorkers))
}

// Run relays outbox messages until ctx is done, then waits for in-flight handlers.
func (b *Bus) Run(ctx context.Context) error {
	ticker := time.NewTicker(b.opts.PollInterval)
	defer ticker.Stop()
	log.Info().Int("max_workers", b.opts.MaxWorkers).Int("max_attempts", b.opts.MaxAttempts).Msg("memory bus started")

loop:
	for {
		if err := b.relay(ctx); err != nil {
			break
		}
		select {
		case <-ctx.Done():
			break loop
		case <-b.source.Notify():
		case <-ticker.C:
		}
	}
	b.inflight.Wait()
	log.Info().Msg("memory bus stopped")
	return nil
}

// Flush delivers every queued message synchronously, including messages
// produced while flushing. It is meant for tests and one-shot tools.
func (b *Bus) Flush(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch := b.source.Undelivered(b.opts.BatchSize)
		if len(batch) == 0 {
			b.inflight.Wait()
			if len(b.source.Undelivered(1)) == 0 {
				return nil
			}
			continue
		}
		for _, m := range batch {
			b.source.MarkDelivered(m.Sequence)
			b.deliver(ctx, m.Envelope)
		}
	}
}

// Pending returns the number of messages being delivered right now.
func (b *Bus) Pending() int64 {
	return b.pending.Load()
}

// DeadLetters returns a copy of the parked messages.
func (b *Bus) DeadLetters() []DeadLetter {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]DeadLetter(nil), b.dead...)
}

func (b *Bus) relay(ctx context.Context) error {
	for {
		batch := b.source.Undelivered(b.opts.BatchSize)
		if len(batch) == 0 {
			return nil
		}
		for _, m := range batch {
			env := m.Envelope
			dest, ok := env.Destination()
			if !ok || b.sems[dest] == nil {
				b.source.MarkDelivered(m.Sequence)
				b.park(env, dest, fmt.Errorf("no handler for kind %s", env.Kind), 0)
				continue
			}
			key := laneKey(dest, env)
			if b.join(key, env) {
				b.source.MarkDelivered(m.Sequence)
				continue
			}
			if err := b.sems[dest].Acquire(ctx, 1); err != nil {
				return err
			}
			b.source.MarkDelivered(m.Sequence)
			b.open(ctx, dest, key, env)
		}
	}
}

// laneKey groups envelopes that must not overtake each other.
func laneKey(dest messages.Destination, env messages.Envelope) string {
	if env.Key.Empty() {
		return string(dest) + "/msg:" + env.MessageID
	}
	return string(dest) + "/" + env.Key.String()
}

// join appends env to the open lane for key, if there is one.
func (b *Bus) join(key string, env messages.Envelope) bool {
	b.laneMu.Lock()
	defer b.laneMu.Unlock()
	l, ok := b.lanes[key]
	if !ok {
		return false
	}
	l.queue = append(l.queue, env)
	return true
}

// open starts a lane for key holding one worker of dest until it drains.
// Only relay opens lanes, so no lane for key can appear while it waits for a worker.
func (b *Bus) open(ctx context.Context, dest messages.Destination, key string, first messages.Envelope) {
	b.laneMu.Lock()
	l := &lane{queue: []messages.Envelope{first}}
	b.lanes[key] = l
	b.laneMu.Unlock()

	b.inflight.Add(1)
	go func() {
		defer b.inflight.Done()
		defer b.sems[dest].Release(1)
		for {
			b.laneMu.Lock()
			if len(l.queue) == 0 {
				delete(b.lanes, key)
				b.laneMu.Unlock()
				return
			}
			env := l.queue[0]
			l.queue = l.queue[1:]
			b.laneMu.Unlock()

			b.deliver(context.WithoutCancel(ctx), env)
		}
	}()
}

// deliver runs the handler with fixed-interval retries and parks the message
// when they run out.
func (b *Bus) deliver(ctx context.Context, env messages.Envelope) {
	dest, ok := env.Destination()
	h := b.handlers[dest]
	if !ok || h == nil {
		b.park(env, dest, fmt.Errorf("no handler for kind %s", env.Kind), 0)
		return
	}
	b.pending.Add(1)
	defer b.pending.Add(-1)

	cfg := retry.FixedRetryConfig(b.opts.MaxAttempts, b.opts.RetryInterval)
	cfg.ShouldRetry = func(err error) bool { return !saga.IsPermanent(err) }
	logger := log.With().Str("destination", string(dest)).Str("kind", string(env.Kind)).Str("message_id", env.MessageID).Logger()

	attempt := 0
	result := retry.RetryWithBackoff(ctx, cfg, func(ctx context.Context) error {
		attempt++
		return h(ctx, env, attempt >= b.opts.MaxAttempts)
	}, &logger)
	if !result.Success {
		b.park(env, dest, result.LastError, result.Attempts)
	}
}

func (b *Bus) park(env messages.Envelope, dest messages.Destination, err error, attempts int) {
	log.Error().Err(err).
		Str("destination", string(dest)).
		Str("kind", string(env.Kind)).
		Str("message_id", env.MessageID).
		Int("attempts", attempts).
		Msg("message dead-lettered")
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dead = append(b.dead, DeadLetter{
		Envelope:    env,
		Destination: dest,
		Error:       err.Error(),
		Attempts:    attempts,
		FailedAt:    time.Now().UTC(),
	})
}
