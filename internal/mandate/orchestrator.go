// Package mandate runs the bank-mandate setup saga and the worker that talks
// to the mandate provider on its behalf.
package mandate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/chatbank/internal/messages"
	"github.com/chatbank/internal/saga"
	"github.com/chatbank/internal/storage"
	"github.com/chatbank/pkg/models"
)

// ConsumerID is the inbox consumer id of the mandate saga.
const ConsumerID = "mandate"

// Orchestrator applies mandate events to persisted mandate sagas.
type Orchestrator struct {
	clock func() time.Time
}

// NewOrchestrator returns a mandate orchestrator. A nil clock uses time.Now.
func NewOrchestrator(clock func() time.Time) *Orchestrator {
	if clock == nil {
		clock = time.Now
	}
	return &Orchestrator{clock: clock}
}

// Consumer wraps the orchestrator with inbox deduplication and conflict retry.
func (o *Orchestrator) Consumer(store storage.Store) *saga.Consumer {
	return saga.NewConsumer(ConsumerID, store, o)
}

// Apply handles one envelope inside tx.
func (o *Orchestrator) Apply(ctx context.Context, tx storage.Tx, env messages.Envelope) error {
	cid := env.Key.CorrelationID
	if cid == "" {
		return saga.Permanent(fmt.Errorf("mandate message %s without correlation id", env.MessageID))
	}
	msg, err := messages.Decode(env)
	if err != nil {
		return saga.Permanent(err)
	}

	logger := log.With().
		Str("consumer", ConsumerID).
		Str("kind", string(env.Kind)).
		Str("message_id", env.MessageID).
		Str("correlation_id", cid).
		Logger()

	current, err := tx.FindMandate(ctx, cid)
	isNew := false
	switch {
	case errors.Is(err, storage.ErrNotFound):
		if env.Kind != messages.KindStartMandateSetup {
			logger.Info().Msg("no mandate saga for message")
			return nil
		}
		current = &models.MandateSaga{CorrelationID: cid, State: models.MandateInitial}
		isNew = true
	case err != nil:
		return fmt.Errorf("load mandate: %w", err)
	}

	t, ok := lookup(current.State, env.Kind)
	if !ok {
		logger.Debug().Str("state", string(current.State)).Msg("no transition for message")
		return nil
	}

	next := current.Clone()
	out := t(next, msg)
	if out.Ignored != "" {
		logger.Debug().Str("state", string(current.State)).Str("reason", out.Ignored).Msg("message acknowledged without effect")
		return nil
	}
	if out.Next != "" {
		next.State = out.Next
	}

	if isNew {
		err = tx.InsertMandate(ctx, next)
	} else {
		err = tx.UpdateMandate(ctx, next)
	}
	if err != nil {
		return fmt.Errorf("persist mandate %s: %w", cid, err)
	}

	if len(out.Commands) > 0 {
		key := models.RoutingKey{CorrelationID: cid, Phone: next.Phone}
		now := o.clock()
		envs := make([]messages.Envelope, 0, len(out.Commands))
		for i, cmd := range out.Commands {
			derived, err := messages.Derive(env, i, cmd, key, now)
			if err != nil {
				return fmt.Errorf("wrap %s: %w", cmd.Kind(), err)
			}
			envs = append(envs, derived)
		}
		if err := tx.Enqueue(ctx, envs...); err != nil {
			return fmt.Errorf("enqueue commands: %w", err)
		}
	}

	if next.State != current.State {
		logger.Info().Str("from", string(current.State)).Str("to", string(next.State)).Msg("mandate transition")
	}
	return nil
}
