package mandate

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/chatbank/internal/messages"
	"github.com/chatbank/internal/saga"
	"github.com/chatbank/internal/storage"
	"github.com/chatbank/pkg/models"
)

// ProviderConsumerID is the inbox consumer id of the provider worker.
const ProviderConsumerID = "mandate_provider"

// ProviderWorker executes CreateMandateRequest commands against a Provider
// and replies to the mandate saga through the outbox.
type ProviderWorker struct {
	provider Provider
	store    storage.Store
	clock    func() time.Time
}

// NewProviderWorker returns a worker for provider. A nil clock uses time.Now.
func NewProviderWorker(provider Provider, store storage.Store, clock func() time.Time) *ProviderWorker {
	if clock == nil {
		clock = time.Now
	}
	return &ProviderWorker{provider: provider, store: store, clock: clock}
}

// Handle creates the customer and the mandate, then enqueues MandateCreated.
// A permanent failure, or any failure on the last attempt, enqueues
// MandateSetupFailed instead. Other failures are returned for redelivery.
func (w *ProviderWorker) Handle(ctx context.Context, env messages.Envelope, lastAttempt bool) error {
	msg, err := messages.Decode(env)
	if err != nil {
		return saga.Permanent(err)
	}
	req, ok := msg.(messages.CreateMandateRequest)
	if !ok {
		return saga.Permanent(fmt.Errorf("provider worker cannot handle %s", env.Kind))
	}
	cid := req.CorrelationID
	if cid == "" {
		cid = env.Key.CorrelationID
	}
	if cid == "" {
		return saga.Permanent(fmt.Errorf("mandate request %s without correlation id", env.MessageID))
	}

	logger := log.With().
		Str("consumer", ProviderConsumerID).
		Str("message_id", env.MessageID).
		Str("correlation_id", cid).
		Str("provider", w.provider.Name()).
		Logger()

	reply, err := w.call(ctx, env.MessageID, cid, req)
	if err != nil {
		if !saga.IsPermanent(err) && !lastAttempt {
			logger.Warn().Err(err).Msg("mandate provider call failed, will retry")
			return err
		}
		logger.Error().Err(err).Bool("last_attempt", lastAttempt).Msg("mandate setup failed")
		reply = messages.MandateSetupFailed{Reason: err.Error()}
	}

	key := models.RoutingKey{CorrelationID: cid, Phone: req.Phone}
	out, err := messages.Derive(env, 0, reply, key, w.clock())
	if err != nil {
		return saga.Permanent(err)
	}
	err = w.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		claimed, err := tx.ClaimInbox(ctx, env.MessageID, ProviderConsumerID)
		if err != nil || !claimed {
			return err
		}
		return tx.Enqueue(ctx, out)
	})
	if err != nil {
		return fmt.Errorf("enqueue provider reply: %w", err)
	}
	logger.Info().Str("reply", string(reply.Kind())).Msg("mandate provider replied")
	return nil
}

// call keys provider requests by the request message id, so redeliveries of
// one request are replayed while a later setup attempt gets fresh keys.
func (w *ProviderWorker) call(ctx context.Context, requestID, cid string, req messages.CreateMandateRequest) (messages.Message, error) {
	customer, err := w.provider.CreateCustomer(ctx, CustomerRequest{
		IdempotencyKey: requestID + "/customer",
		FullName:       req.FullName,
		Phone:          req.Phone,
		BVN:            req.BVN,
	})
	if err != nil {
		return nil, err
	}
	mandate, err := w.provider.CreateMandate(ctx, MandateRequest{
		IdempotencyKey: requestID + "/mandate",
		CustomerID:     customer.ID,
		MaxAmount:      req.MaxAmount,
		Reference:      cid,
	})
	if err != nil {
		return nil, err
	}
	return messages.MandateCreated{MandateID: mandate.ID, Provider: w.provider.Name(), CustomerID: customer.ID}, nil
}
