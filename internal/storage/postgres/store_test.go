package postgres

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatbank/internal/database"
	"github.com/chatbank/internal/messages"
	"github.com/chatbank/internal/storage"
	"github.com/chatbank/pkg/models"
)

type recordingEnqueuer struct {
	mu   sync.Mutex
	envs []messages.Envelope
	err  error
}

func (r *recordingEnqueuer) EnqueueTx(ctx context.Context, tx pgx.Tx, envs []messages.Envelope) error {
	if r.err != nil {
		return r.err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.envs = append(r.envs, envs...)
	return nil
}

func openStore(t *testing.T) (*Store, *recordingEnqueuer) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping database test in short mode")
	}
	url := os.Getenv("CHATBANK_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("CHATBANK_TEST_DATABASE_URL not set")
	}

	db, err := database.NewDB(url)
	require.NoError(t, err)
	_, err = database.Migrate(context.Background(), db)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	pool, err := NewPool(context.Background(), url, 4)
	require.NoError(t, err)
	store := New(pool, Options{})
	enq := &recordingEnqueuer{}
	store.SetEnqueuer(enq)
	t.Cleanup(func() { _ = store.Close() })
	return store, enq
}

func phone() string {
	return "+234" + uuid.NewString()[:8]
}

func TestMapError(t *testing.T) {
	assert.ErrorIs(t, mapError("op", pgx.ErrNoRows), storage.ErrNotFound)
	assert.ErrorIs(t, mapError("op", &pgconn.PgError{Code: uniqueViolation, ConstraintName: "conversation_sagas_live_phone"}), storage.ErrDuplicate)
	other := mapError("op", errors.New("boom"))
	assert.False(t, storage.Retryable(other))
	assert.EqualError(t, other, "op: boom")
}

func TestJSONBNullsEmptyPayload(t *testing.T) {
	assert.Nil(t, jsonb(nil))
	assert.Equal(t, `{"a":1}`, jsonb([]byte(`{"a":1}`)))
}

// conversationRow feeds scanConversation without a database.
type conversationRow []any

func (r conversationRow) Scan(dest ...any) error {
	if len(dest) != len(r) {
		return errors.New("column count mismatch")
	}
	for i, d := range dest {
		switch d := d.(type) {
		case *string:
			*d = r[i].(string)
		case *bool:
			*d = r[i].(bool)
		case *time.Time:
			*d = r[i].(time.Time)
		case *int64:
			*d = r[i].(int64)
		default:
			return errors.New("unsupported destination")
		}
	}
	return nil
}

func readyRow(kind, payload string) conversationRow {
	now := time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)
	return conversationRow{"c-1", "u-1", "+2348000000001", "s-1", string(models.StateAwaitingPinValidate),
		"Jane Doe", "12345678901", "22222222222", kind, payload,
		false, "", now, now, int64(4)}
}

func TestScanConversationDecodesPendingIntent(t *testing.T) {
	saga, err := scanConversation(readyRow("Transfer", `{"to_account":"111111","bank_code":"001","amount":"5000"}`))
	require.NoError(t, err)
	require.IsType(t, models.PendingTransfer{}, saga.Pending)
	assert.Equal(t, "111111", saga.Pending.(models.PendingTransfer).Transfer.ToAccount)
}

func TestScanConversationDropsUnreadablePendingIntent(t *testing.T) {
	for name, row := range map[string]conversationRow{
		"bad json":     readyRow("Transfer", "{not json"),
		"unknown type": readyRow("Teleport", "{}"),
	} {
		t.Run(name, func(t *testing.T) {
			saga, err := scanConversation(row)
			require.NoError(t, err)
			assert.Nil(t, saga.Pending)
			assert.Equal(t, models.StateAwaitingPinValidate, saga.State)
			assert.Equal(t, int64(4), saga.ConcurrencyToken)
		})
	}
}

func TestConversationRoundTrip(t *testing.T) {
	store, enq := openStore(t)
	ctx := context.Background()
	p := phone()
	cid := uuid.NewString()

	env, err := messages.New(messages.PromptFullName{Phone: p}, models.RoutingKey{CorrelationID: cid}, time.Now())
	require.NoError(t, err)

	err = store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		claimed, err := tx.ClaimInbox(ctx, env.MessageID, "test")
		require.NoError(t, err)
		require.True(t, claimed)
		saga := &models.ConversationSaga{
			CorrelationID: cid,
			Phone:         p,
			State:         models.StateAwaitingPinValidate,
			Pending: models.PendingTransfer{Transfer: models.TransferPayload{
				ToAccount: "0123456789", BankCode: "058", Amount: decimal.RequireFromString("2500.50"),
			}},
		}
		if err := tx.InsertConversation(ctx, saga); err != nil {
			return err
		}
		return tx.Enqueue(ctx, env)
	})
	require.NoError(t, err)
	assert.Len(t, enq.envs, 1)

	got, err := store.GetConversation(ctx, models.RoutingKey{Phone: p})
	require.NoError(t, err)
	assert.Equal(t, cid, got.CorrelationID)
	assert.Equal(t, int64(1), got.ConcurrencyToken)
	transfer, ok := got.Pending.(models.PendingTransfer)
	require.True(t, ok)
	assert.True(t, transfer.Transfer.Amount.Equal(decimal.RequireFromString("2500.50")))

	err = store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		claimed, err := tx.ClaimInbox(ctx, env.MessageID, "test")
		require.NoError(t, err)
		assert.False(t, claimed)
		return nil
	})
	require.NoError(t, err)

	stale := got.Clone()
	got.Pending = nil
	got.State = models.StateReady
	require.NoError(t, store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		return tx.UpdateConversation(ctx, got)
	}))
	err = store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		return tx.UpdateConversation(ctx, stale)
	})
	assert.ErrorIs(t, err, storage.ErrConcurrencyConflict)

	err = store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		return tx.InsertConversation(ctx, &models.ConversationSaga{CorrelationID: uuid.NewString(), Phone: p, State: models.StateInitial})
	})
	assert.ErrorIs(t, err, storage.ErrDuplicate)
}

func TestRollbackDiscardsWrites(t *testing.T) {
	store, enq := openStore(t)
	ctx := context.Background()
	enq.err = errors.New("queue down")
	cid := uuid.NewString()

	env, err := messages.New(messages.Nudge{Type: messages.NudgeGreeting}, models.RoutingKey{CorrelationID: cid}, time.Now())
	require.NoError(t, err)
	err = store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		if err := tx.InsertConversation(ctx, &models.ConversationSaga{CorrelationID: cid, Phone: phone(), State: models.StateInitial}); err != nil {
			return err
		}
		return tx.Enqueue(ctx, env)
	})
	require.Error(t, err)

	_, err = store.GetConversation(ctx, models.RoutingKey{CorrelationID: cid})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSessionUpsertKeepsIdentity(t *testing.T) {
	store, _ := openStore(t)
	ctx := context.Background()
	p := phone()
	sessions := store.Sessions()

	first := &models.SessionRecord{Phone: p, UserID: "u-" + p, StateLabel: "AskNin", ExpiresAt: time.Now().Add(time.Hour)}
	require.NoError(t, sessions.Put(ctx, first))
	require.NotEmpty(t, first.SessionID)

	second := &models.SessionRecord{Phone: p, StateLabel: "AskBvn", ExpiresAt: time.Now().Add(time.Hour)}
	require.NoError(t, sessions.Put(ctx, second))
	assert.Equal(t, first.SessionID, second.SessionID)
	assert.Equal(t, "u-"+p, second.UserID)

	byUser, err := sessions.GetByUser(ctx, "u-"+p)
	require.NoError(t, err)
	assert.Equal(t, "AskBvn", byUser.StateLabel)
}
