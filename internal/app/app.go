// Package app wires the sagas, the store, and a transport into a runnable
// runtime. The memory runtime keeps everything in process; the postgres
// runtime persists to PostgreSQL and delivers through River.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/chatbank/internal/bus"
	"github.com/chatbank/internal/config"
	"github.com/chatbank/internal/conversation"
	"github.com/chatbank/internal/jobqueue"
	"github.com/chatbank/internal/mandate"
	"github.com/chatbank/internal/messages"
	"github.com/chatbank/internal/outbound"
	"github.com/chatbank/internal/session"
	"github.com/chatbank/internal/storage"
	"github.com/chatbank/internal/storage/memory"
	"github.com/chatbank/internal/storage/postgres"
)

// Handler is the delivery function a transport calls for one destination.
type Handler func(ctx context.Context, env messages.Envelope, lastAttempt bool) error

type transport interface {
	register(dest messages.Destination, h Handler)
	run(ctx context.Context) error
	publish(ctx context.Context, envs ...messages.Envelope) error
	deadLetters(ctx context.Context, limit int) ([]messages.DeadLetter, error)
}

// Options overrides collaborators, mainly for tests.
type Options struct {
	Sink     outbound.Sink
	Provider mandate.Provider
	Clock    func() time.Time
}

// App is a wired runtime.
type App struct {
	cfg       *config.Config
	store     storage.Store
	mirror    *session.Mirror
	transport transport
}

// New builds the runtime selected by cfg.Runtime.
func New(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	sink := opts.Sink
	if sink == nil {
		var err error
		if sink, err = newSink(cfg); err != nil {
			return nil, err
		}
	}
	provider := opts.Provider
	if provider == nil {
		var err error
		if provider, err = newProvider(cfg); err != nil {
			return nil, err
		}
	}

	a := &App{cfg: cfg}
	switch cfg.Runtime {
	case config.RuntimePostgres:
		if err := a.buildPostgres(ctx, opts.Clock); err != nil {
			return nil, err
		}
	default:
		a.buildMemory(opts.Clock)
	}

	a.mirror = session.NewMirror(a.store.Sessions(), session.Options{
		TTL:       cfg.Session.TTL,
		CacheTTL:  cfg.Session.CacheTTL,
		CacheSize: cfg.Session.CacheSize,
		Clock:     opts.Clock,
	})
	conversations := conversation.NewOrchestrator(a.mirror, conversation.Options{
		MandateMaxAmount: cfg.MandateMaxAmount(),
		Clock:            opts.Clock,
	}).Consumer(a.store)
	mandates := mandate.NewOrchestrator(opts.Clock).Consumer(a.store)
	worker := mandate.NewProviderWorker(provider, a.store, opts.Clock)

	a.transport.register(messages.DestinationConversation, func(ctx context.Context, env messages.Envelope, _ bool) error {
		return conversations.Consume(ctx, env)
	})
	a.transport.register(messages.DestinationMandate, func(ctx context.Context, env messages.Envelope, _ bool) error {
		return mandates.Consume(ctx, env)
	})
	a.transport.register(messages.DestinationMandateProvider, worker.Handle)
	a.transport.register(messages.DestinationExternal, func(ctx context.Context, env messages.Envelope, _ bool) error {
		return sink.Deliver(ctx, env)
	})

	log.Info().
		Str("runtime", cfg.Runtime).
		Str("sink", cfg.Outbound.Sink).
		Str("provider", provider.Name()).
		Msg("runtime wired")
	return a, nil
}

func (a *App) buildMemory(clock func() time.Time) {
	store := memory.New(memory.Options{InboxRetention: a.cfg.Inbox.Retention, Clock: clock})
	a.store = store
	a.transport = &memoryTransport{
		store: store,
		bus: bus.New(store, bus.Options{
			MaxWorkers:    a.cfg.Queue.MaxWorkers,
			MaxAttempts:   a.cfg.Queue.MaxAttempts,
			RetryInterval: a.cfg.Queue.RetryInterval,
		}),
		sweepInterval: a.cfg.Inbox.SweepInterval,
		retention:     a.cfg.Saga.FinalizedRetention,
		clock:         clock,
	}
}

func (a *App) buildPostgres(ctx context.Context, clock func() time.Time) error {
	pool, err := postgres.NewPool(ctx, a.cfg.Database.URL, a.cfg.Database.MaxConns)
	if err != nil {
		return err
	}
	store := postgres.New(pool, postgres.Options{InboxRetention: a.cfg.Inbox.Retention, Clock: clock})

	qcfg := jobqueue.DefaultQueueConfig()
	qcfg.MaxWorkers = a.cfg.Queue.MaxWorkers
	qcfg.MaxAttempts = a.cfg.Queue.MaxAttempts
	qcfg.RetryInterval = a.cfg.Queue.RetryInterval
	qcfg.SweepInterval = a.cfg.Inbox.SweepInterval
	qcfg.FinalizedRetention = a.cfg.Saga.FinalizedRetention

	jq, err := jobqueue.NewJobQueue(pool, qcfg, store)
	if err != nil {
		pool.Close()
		return err
	}
	store.SetEnqueuer(jq)
	a.store = store
	a.transport = &riverTransport{jq: jq}
	return nil
}

// Store returns the runtime's store.
func (a *App) Store() storage.Store {
	return a.store
}

// Mirror returns the session mirror the conversation saga writes through.
func (a *App) Mirror() *session.Mirror {
	return a.mirror
}

// Publish injects envelopes as if they arrived from upstream.
func (a *App) Publish(ctx context.Context, envs ...messages.Envelope) error {
	for _, env := range envs {
		if _, ok := env.Destination(); !ok {
			return fmt.Errorf("%w: %s", messages.ErrUnknownKind, env.Kind)
		}
	}
	return a.transport.publish(ctx, envs...)
}

// DeadLetters lists up to limit parked messages.
func (a *App) DeadLetters(ctx context.Context, limit int) ([]messages.DeadLetter, error) {
	return a.transport.deadLetters(ctx, limit)
}

// Run delivers messages until ctx is done.
func (a *App) Run(ctx context.Context) error {
	return a.transport.run(ctx)
}

// Close releases the store.
func (a *App) Close() error {
	return a.store.Close()
}

func newSink(cfg *config.Config) (outbound.Sink, error) {
	if cfg.Outbound.Sink == config.SinkHTTP {
		return outbound.NewHTTPSink(cfg.Outbound.Endpoint, cfg.Outbound.Token)
	}
	return outbound.NewLogSink(), nil
}

func newProvider(cfg *config.Config) (mandate.Provider, error) {
	if cfg.Mandate.Provider == "http" {
		return mandate.NewHTTPProvider("http", cfg.Mandate.ProviderURL, cfg.Mandate.APIKey, cfg.Mandate.Rate)
	}
	return mandate.NewSandboxProvider(), nil
}

type memoryTransport struct {
	store         *memory.Store
	bus           *bus.Bus
	sweepInterval time.Duration
	retention     time.Duration
	clock         func() time.Time
}

func (t *memoryTransport) register(dest messages.Destination, h Handler) {
	t.bus.Register(dest, bus.Handler(h))
}

func (t *memoryTransport) run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return t.bus.Run(ctx) })
	g.Go(func() error { return t.sweepLoop(ctx) })
	return g.Wait()
}

func (t *memoryTransport) sweepLoop(ctx context.Context) error {
	ticker := time.NewTicker(t.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			now := t.clock().UTC()
			res, err := t.store.Sweep(ctx, now, now.Add(-t.retention))
			if err != nil {
				log.Error().Err(err).Msg("sweep failed")
				continue
			}
			log.Info().
				Int64("inbox", res.Inbox).
				Int64("sessions", res.Sessions).
				Int64("conversations", res.Conversations).
				Msg("sweep completed")
		}
	}
}

func (t *memoryTransport) publish(ctx context.Context, envs ...messages.Envelope) error {
	return t.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		return tx.Enqueue(ctx, envs...)
	})
}

func (t *memoryTransport) deadLetters(ctx context.Context, limit int) ([]messages.DeadLetter, error) {
	dead := t.bus.DeadLetters()
	if limit > 0 && len(dead) > limit {
		dead = dead[len(dead)-limit:]
	}
	return dead, nil
}

// flush drains the memory outbox synchronously.
func (t *memoryTransport) flush(ctx context.Context) error {
	return t.bus.Flush(ctx)
}

type riverTransport struct {
	jq *jobqueue.JobQueue
}

func (t *riverTransport) register(dest messages.Destination, h Handler) {
	t.jq.Register(dest, jobqueue.Handler(h))
}

func (t *riverTransport) run(ctx context.Context) error {
	if err := t.jq.Start(ctx); err != nil {
		return fmt.Errorf("start job queue: %w", err)
	}
	<-ctx.Done()
	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return t.jq.Stop(stopCtx)
}

func (t *riverTransport) publish(ctx context.Context, envs ...messages.Envelope) error {
	return t.jq.Publish(ctx, envs...)
}

func (t *riverTransport) deadLetters(ctx context.Context, limit int) ([]messages.DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	return t.jq.DeadLetters(ctx, limit)
}

// Flush delivers every queued message synchronously on the memory runtime.
// It returns an error on the postgres runtime, where River owns delivery.
func (a *App) Flush(ctx context.Context) error {
	mt, ok := a.transport.(*memoryTransport)
	if !ok {
		return fmt.Errorf("flush is only supported by the memory runtime")
	}
	return mt.flush(ctx)
}
