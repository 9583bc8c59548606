package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatbank/internal/messages"
	"github.com/chatbank/internal/storage"
	"github.com/chatbank/pkg/models"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func newTestStore() (*Store, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	return New(Options{InboxRetention: time.Hour, Clock: clock.Now}), clock
}

func TestInsertAndFindConversationByEachKey(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore()

	err := s.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		return tx.InsertConversation(ctx, &models.ConversationSaga{
			CorrelationID: "c-1", Phone: "+2348000000001", UserID: "u-1", State: models.StateReady,
		})
	})
	require.NoError(t, err)

	for _, key := range []models.RoutingKey{
		{CorrelationID: "c-1"},
		{UserID: "u-1"},
		{Phone: "+2348000000001"},
		{CorrelationID: "missing", Phone: "+2348000000001"},
	} {
		saga, err := s.GetConversation(ctx, key)
		require.NoError(t, err, key.String())
		assert.Equal(t, "c-1", saga.CorrelationID)
		assert.Equal(t, int64(1), saga.ConcurrencyToken)
	}

	_, err = s.GetConversation(ctx, models.RoutingKey{Phone: "+2340000000000"})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestInsertRejectsSecondLivePhone(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore()

	insert := func(cid string) error {
		return s.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
			return tx.InsertConversation(ctx, &models.ConversationSaga{CorrelationID: cid, Phone: "p", State: models.StateInitial})
		})
	}
	require.NoError(t, insert("c-1"))
	assert.ErrorIs(t, insert("c-2"), storage.ErrDuplicate)
	assert.ErrorIs(t, insert("c-1"), storage.ErrDuplicate)
}

func TestFinalizedSagaFreesPhone(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore()

	require.NoError(t, s.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		return tx.InsertConversation(ctx, &models.ConversationSaga{CorrelationID: "c-1", Phone: "p", State: models.StateFinal})
	}))
	require.NoError(t, s.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		return tx.InsertConversation(ctx, &models.ConversationSaga{CorrelationID: "c-2", Phone: "p", State: models.StateInitial})
	}))

	saga, err := s.GetConversation(ctx, models.RoutingKey{Phone: "p"})
	require.NoError(t, err)
	assert.Equal(t, "c-2", saga.CorrelationID)
}

func TestUpdateWithStaleTokenConflicts(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore()
	require.NoError(t, s.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		return tx.InsertConversation(ctx, &models.ConversationSaga{CorrelationID: "c-1", Phone: "p", State: models.StateInitial})
	}))

	first, err := s.GetConversation(ctx, models.RoutingKey{CorrelationID: "c-1"})
	require.NoError(t, err)
	second := first.Clone()

	first.State = models.StateAskFullName
	require.NoError(t, s.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		return tx.UpdateConversation(ctx, first)
	}))
	assert.Equal(t, int64(2), first.ConcurrencyToken)

	second.State = models.StateFinal
	err = s.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		return tx.UpdateConversation(ctx, second)
	})
	assert.ErrorIs(t, err, storage.ErrConcurrencyConflict)

	stored, err := s.GetConversation(ctx, models.RoutingKey{CorrelationID: "c-1"})
	require.NoError(t, err)
	assert.Equal(t, models.StateAskFullName, stored.State)
}

func TestFailedTransactionLeavesNothing(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore()
	boom := errors.New("boom")
	hookRan := false

	err := s.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		claimed, err := tx.ClaimInbox(ctx, "m-1", "conversation")
		require.NoError(t, err)
		require.True(t, claimed)
		require.NoError(t, tx.InsertConversation(ctx, &models.ConversationSaga{CorrelationID: "c-1", Phone: "p"}))
		env, err := messages.New(messages.PromptFullName{Phone: "p"}, models.RoutingKey{CorrelationID: "c-1"}, time.Now())
		require.NoError(t, err)
		require.NoError(t, tx.Enqueue(ctx, env))
		tx.AfterCommit(func() { hookRan = true })
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.False(t, hookRan)
	assert.Empty(t, s.Outbox())

	_, err = s.GetConversation(ctx, models.RoutingKey{CorrelationID: "c-1"})
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, s.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		claimed, err := tx.ClaimInbox(ctx, "m-1", "conversation")
		require.NoError(t, err)
		assert.True(t, claimed, "claim from the rolled back transaction must not survive")
		return nil
	}))
}

func TestEnqueueFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore()
	s.FailEnqueue(func(kind messages.Kind) error {
		if kind == messages.KindPromptNin {
			return errors.New("outbox unavailable")
		}
		return nil
	})

	err := s.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		if err := tx.InsertConversation(ctx, &models.ConversationSaga{CorrelationID: "c-1", Phone: "p"}); err != nil {
			return err
		}
		env, err := messages.New(messages.PromptNin{Phone: "p"}, models.RoutingKey{}, time.Now())
		if err != nil {
			return err
		}
		return tx.Enqueue(ctx, env)
	})
	require.Error(t, err)
	assert.Empty(t, s.ListConversations())
}

func TestInboxClaimIsOncePerConsumer(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore()

	claim := func(consumer string) bool {
		var got bool
		require.NoError(t, s.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
			var err error
			got, err = tx.ClaimInbox(ctx, "m-1", consumer)
			return err
		}))
		return got
	}
	assert.True(t, claim("conversation"))
	assert.False(t, claim("conversation"))
	assert.True(t, claim("mandate"))
}

func TestOutboxSequenceAndDelivery(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore()

	require.NoError(t, s.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		a, _ := messages.New(messages.PromptNin{Phone: "p"}, models.RoutingKey{}, time.Now())
		b, _ := messages.New(messages.PromptBvn{Phone: "p"}, models.RoutingKey{}, time.Now())
		return tx.Enqueue(ctx, a, b)
	}))

	select {
	case <-s.Notify():
	default:
		t.Fatal("expected commit notification")
	}

	pending := s.Undelivered(10)
	require.Len(t, pending, 2)
	assert.Equal(t, int64(1), pending[0].Sequence)
	assert.Equal(t, messages.KindPromptNin, pending[0].Envelope.Kind)
	assert.Equal(t, int64(2), pending[1].Sequence)

	s.MarkDelivered(1)
	pending = s.Undelivered(10)
	require.Len(t, pending, 1)
	assert.Equal(t, messages.KindPromptBvn, pending[0].Envelope.Kind)
}

func TestSessionUpsertKeepsLiveIdentity(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestStore()
	sessions := s.Sessions()

	first := &models.SessionRecord{Phone: "p", StateLabel: "AskNin", ExpiresAt: clock.now.Add(time.Hour)}
	require.NoError(t, sessions.Put(ctx, first))
	require.NotEmpty(t, first.SessionID)

	require.NoError(t, s.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		return tx.UpsertSession(ctx, &models.SessionRecord{Phone: "p", UserID: "u-1", StateLabel: "AskBvn", ExpiresAt: clock.now.Add(time.Hour)})
	}))

	rec, err := sessions.GetByPhone(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, first.SessionID, rec.SessionID)
	assert.Equal(t, "AskBvn", rec.StateLabel)

	byUser, err := sessions.GetByUser(ctx, "u-1")
	require.NoError(t, err)
	assert.Equal(t, first.SessionID, byUser.SessionID)

	clock.now = clock.now.Add(2 * time.Hour)
	_, err = sessions.GetByID(ctx, first.SessionID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	renewed := &models.SessionRecord{Phone: "p", StateLabel: "Initial", ExpiresAt: clock.now.Add(time.Hour)}
	require.NoError(t, sessions.Put(ctx, renewed))
	assert.NotEqual(t, first.SessionID, renewed.SessionID)
	assert.Empty(t, renewed.UserID)
}

func TestSweep(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestStore()
	start := clock.now

	require.NoError(t, s.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		if _, err := tx.ClaimInbox(ctx, "m-1", "conversation"); err != nil {
			return err
		}
		if err := tx.InsertConversation(ctx, &models.ConversationSaga{CorrelationID: "done", Phone: "a", State: models.StateFinal}); err != nil {
			return err
		}
		if err := tx.InsertConversation(ctx, &models.ConversationSaga{CorrelationID: "live", Phone: "b", State: models.StateReady}); err != nil {
			return err
		}
		return tx.UpsertSession(ctx, &models.SessionRecord{Phone: "a", ExpiresAt: start.Add(30 * time.Minute)})
	}))

	res, err := s.Sweep(ctx, start.Add(2*time.Hour), start.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, storage.SweepResult{Inbox: 1, Sessions: 1, Conversations: 1}, res)

	_, err = s.GetConversation(ctx, models.RoutingKey{CorrelationID: "live"})
	assert.NoError(t, err)
	_, err = s.GetConversation(ctx, models.RoutingKey{CorrelationID: "done"})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestMandateTokenCheck(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore()
	require.NoError(t, s.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		return tx.InsertMandate(ctx, &models.MandateSaga{CorrelationID: "c-1", State: models.MandateAwaitingApproval})
	}))

	m, err := s.GetMandate(ctx, "c-1")
	require.NoError(t, err)
	stale := m.Clone()
	m.MandateID = "mdt-1"
	require.NoError(t, s.InTx(ctx, func(ctx context.Context, tx storage.Tx) error { return tx.UpdateMandate(ctx, m) }))

	err = s.InTx(ctx, func(ctx context.Context, tx storage.Tx) error { return tx.UpdateMandate(ctx, stale) })
	assert.ErrorIs(t, err, storage.ErrConcurrencyConflict)
}
