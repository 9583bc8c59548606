// Package saga holds the delivery-side machinery shared by every saga:
// inbox deduplication, per-key serialization, and the optimistic-concurrency
// retry loop around one unit of work.
package saga

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/chatbank/internal/messages"
	"github.com/chatbank/internal/retry"
	"github.com/chatbank/internal/storage"
)

// Handler applies one message inside a transaction that has already claimed
// the message in the inbox.
type Handler interface {
	Apply(ctx context.Context, tx storage.Tx, env messages.Envelope) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, tx storage.Tx, env messages.Envelope) error

// Apply calls f.
func (f HandlerFunc) Apply(ctx context.Context, tx storage.Tx, env messages.Envelope) error {
	return f(ctx, tx, env)
}

// ConflictRetryConfig is the reload-and-reapply policy used when a write
// loses an optimistic-concurrency race.
func ConflictRetryConfig() retry.RetryConfig {
	return retry.RetryConfig{
		MaxRetries: 5,
		BaseDelay:  10 * time.Millisecond,
		MaxDelay:   250 * time.Millisecond,
		Multiplier: 2.0,
		Jitter:     true,
		LogRetries: true,
	}
}

// Consumer delivers envelopes to a Handler exactly once per consumer id.
type Consumer struct {
	name     string
	store    storage.Store
	handler  Handler
	locks    *KeyedLocker
	conflict retry.RetryConfig
}

// NewConsumer returns a consumer recording inbox claims under name.
func NewConsumer(name string, store storage.Store, handler Handler) *Consumer {
	return &Consumer{
		name:     name,
		store:    store,
		handler:  handler,
		locks:    NewKeyedLocker(),
		conflict: ConflictRetryConfig(),
	}
}

// Name returns the consumer id.
func (c *Consumer) Name() string {
	return c.name
}

// WithConflictRetry overrides the concurrency-conflict retry policy.
func (c *Consumer) WithConflictRetry(cfg retry.RetryConfig) *Consumer {
	c.conflict = cfg
	return c
}

// Consume runs the handler for env. A redelivered message is acknowledged
// without effect. Concurrency conflicts and unique violations reload and
// reapply the whole transaction.
func (c *Consumer) Consume(ctx context.Context, env messages.Envelope) error {
	if env.MessageID == "" {
		return Permanent(fmt.Errorf("%s: envelope without message id", c.name))
	}

	logger := log.With().
		Str("consumer", c.name).
		Str("kind", string(env.Kind)).
		Str("message_id", env.MessageID).
		Str("correlation_id", env.Key.CorrelationID).
		Logger()

	unlock := c.locks.Lock(env.Key.String())
	defer unlock()

	cfg := c.conflict
	cfg.ShouldRetry = storage.Retryable

	duplicate := false
	result := retry.RetryWithBackoff(ctx, cfg, func(ctx context.Context) error {
		duplicate = false
		return c.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
			claimed, err := tx.ClaimInbox(ctx, env.MessageID, c.name)
			if err != nil {
				return fmt.Errorf("claim inbox: %w", err)
			}
			if !claimed {
				duplicate = true
				return nil
			}
			return c.handler.Apply(ctx, tx, env)
		})
	}, &logger)

	if !result.Success {
		err := result.LastError
		if storage.Retryable(err) {
			logger.Warn().Err(err).Int("attempts", result.Attempts).Msg("giving up after repeated conflicts")
		}
		if errors.Is(err, context.Canceled) {
			return err
		}
		return fmt.Errorf("%s: consume %s: %w", c.name, env.Kind, err)
	}
	if duplicate {
		logger.Debug().Msg("duplicate delivery acknowledged")
		return nil
	}
	logger.Debug().Int("attempts", result.Attempts).Msg("message consumed")
	return nil
}
