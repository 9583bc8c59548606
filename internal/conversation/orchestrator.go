// Package conversation drives the per-user onboarding and PIN-gated
// transaction saga.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/chatbank/internal/messages"
	"github.com/chatbank/internal/saga"
	"github.com/chatbank/internal/session"
	"github.com/chatbank/internal/storage"
	"github.com/chatbank/pkg/models"
)

// ConsumerID is the inbox consumer id of the conversation saga.
const ConsumerID = "conversation"

// Options configures an Orchestrator.
type Options struct {
	MandateMaxAmount decimal.Decimal
	Clock            func() time.Time
}

// Orchestrator applies conversation events to persisted saga instances.
type Orchestrator struct {
	mirror    *session.Mirror
	maxAmount decimal.Decimal
	clock     func() time.Time
}

// NewOrchestrator returns an orchestrator writing session labels through mirror.
func NewOrchestrator(mirror *session.Mirror, opts Options) *Orchestrator {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Orchestrator{mirror: mirror, maxAmount: opts.MandateMaxAmount, clock: opts.Clock}
}

// Consumer wraps the orchestrator with inbox deduplication and conflict retry.
func (o *Orchestrator) Consumer(store storage.Store) *saga.Consumer {
	return saga.NewConsumer(ConsumerID, store, o)
}

// Apply handles one envelope inside tx.
func (o *Orchestrator) Apply(ctx context.Context, tx storage.Tx, env messages.Envelope) error {
	msg, err := messages.Decode(env)
	if err != nil {
		return saga.Permanent(err)
	}

	logger := log.With().
		Str("consumer", ConsumerID).
		Str("kind", string(env.Kind)).
		Str("message_id", env.MessageID).
		Logger()

	key := env.Key
	if intent, ok := msg.(messages.IntentDetected); ok && key.Phone == "" {
		key.Phone = intent.Phone
	}

	current, err := tx.FindConversation(ctx, key)
	isNew := false
	switch {
	case errors.Is(err, storage.ErrNotFound):
		current = o.create(key, msg)
		if current == nil {
			logger.Info().Str("key", key.String()).Msg("no conversation saga for message")
			return nil
		}
		isNew = true
	case err != nil:
		return fmt.Errorf("load conversation: %w", err)
	}

	if current.Finalized() && env.Kind == messages.KindIntentDetected {
		// A finalized saga only matches by correlation id; a new utterance opens a fresh one.
		if fresh := o.create(models.RoutingKey{Phone: key.Phone}, msg); fresh != nil {
			current, isNew = fresh, true
		}
	}
	if current.Finalized() {
		logger.Debug().Str("correlation_id", current.CorrelationID).Msg("conversation saga finalized, message ignored")
		return nil
	}

	logger = logger.With().Str("correlation_id", current.CorrelationID).Logger()

	t, ok := lookup(current.State, env.Kind)
	if !ok {
		logger.Debug().Str("state", string(current.State)).Msg("no transition for message")
		return nil
	}

	next := current.Clone()
	out := t(next, msg, Input{CauseID: env.MessageID, MandateMaxAmount: o.maxAmount})
	if out.Ignored != "" && len(out.Commands) == 0 && out.Next == "" && !out.Finalize && !isNew {
		logger.Debug().Str("state", string(current.State)).Str("reason", out.Ignored).Msg("message acknowledged without effect")
		return nil
	}
	if out.Next != "" {
		next.State = out.Next
	}
	if out.Finalize {
		next.State = models.StateFinal
	}

	stateChanged := isNew || next.State != current.State
	if stateChanged || next.UserID != current.UserID {
		rec := o.mirror.Record(next.Phone, next.UserID, string(next.State), lastMessage(msg))
		if err := tx.UpsertSession(ctx, rec); err != nil {
			return fmt.Errorf("mirror session: %w", err)
		}
		next.SessionID = rec.SessionID
		mirrored := *rec
		tx.AfterCommit(func() { o.mirror.Observe(mirrored) })
	}

	if isNew {
		err = tx.InsertConversation(ctx, next)
	} else {
		err = tx.UpdateConversation(ctx, next)
	}
	if err != nil {
		return fmt.Errorf("persist conversation %s: %w", next.CorrelationID, err)
	}

	if err := o.enqueue(ctx, tx, env, next, out.Commands); err != nil {
		return err
	}

	if stateChanged {
		logger.Info().Str("from", string(current.State)).Str("to", string(next.State)).Int("commands", len(out.Commands)).Msg("conversation transition")
	} else {
		logger.Debug().Str("state", string(next.State)).Int("commands", len(out.Commands)).Msg("conversation updated")
	}
	return nil
}

// create builds a saga for a message that found no live instance, or nil when
// the message does not open one.
func (o *Orchestrator) create(key models.RoutingKey, msg messages.Message) *models.ConversationSaga {
	switch m := msg.(type) {
	case messages.IntentDetected:
		phone := strings.TrimSpace(m.Phone)
		if phone == "" {
			phone = key.Phone
		}
		if phone == "" {
			return nil
		}
		cid := key.CorrelationID
		if cid == "" {
			cid = uuid.NewString()
		}
		return &models.ConversationSaga{CorrelationID: cid, Phone: phone, SessionID: m.SessionID, State: models.StateInitial}
	case messages.TransferCompleted, messages.TransferFailed:
		if key.CorrelationID == "" {
			return nil
		}
		return &models.ConversationSaga{CorrelationID: key.CorrelationID, UserID: key.UserID, Phone: key.Phone, State: models.StateInitial}
	default:
		return nil
	}
}

func (o *Orchestrator) enqueue(ctx context.Context, tx storage.Tx, cause messages.Envelope, s *models.ConversationSaga, cmds []messages.Message) error {
	if len(cmds) == 0 {
		return nil
	}
	key := models.RoutingKey{CorrelationID: s.CorrelationID, UserID: s.UserID, Phone: s.Phone}
	now := o.clock()
	envs := make([]messages.Envelope, 0, len(cmds))
	for i, cmd := range cmds {
		env, err := messages.Derive(cause, i, cmd, key, now)
		if err != nil {
			return fmt.Errorf("wrap %s: %w", cmd.Kind(), err)
		}
		envs = append(envs, env)
	}
	if err := tx.Enqueue(ctx, envs...); err != nil {
		return fmt.Errorf("enqueue commands: %w", err)
	}
	return nil
}

func lastMessage(msg messages.Message) string {
	if intent, ok := msg.(messages.IntentDetected); ok {
		return intent.Text
	}
	return ""
}
