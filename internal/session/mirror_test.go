package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatbank/internal/storage"
	"github.com/chatbank/internal/storage/memory"
	"github.com/chatbank/pkg/models"
)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func newMirror() (*Mirror, *memory.Store, *clock) {
	c := &clock{now: time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)}
	store := memory.New(memory.Options{Clock: c.Now})
	return NewMirror(store.Sessions(), Options{TTL: time.Hour, CacheSize: 16, Clock: c.Now}), store, c
}

func TestGetOrCreateSessionIsStablePerPhone(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newMirror()

	first, err := m.GetOrCreateSession(ctx, "+2348000000001")
	require.NoError(t, err)
	assert.Equal(t, string(models.StateInitial), first.StateLabel)

	again, err := m.GetOrCreateSession(ctx, "+2348000000001")
	require.NoError(t, err)
	assert.Equal(t, first.SessionID, again.SessionID)

	_, err = m.GetOrCreateSession(ctx, "  ")
	assert.Error(t, err)
}

func TestSetStateAndUser(t *testing.T) {
	ctx := context.Background()
	m, store, c := newMirror()

	rec, err := m.GetOrCreateSession(ctx, "p")
	require.NoError(t, err)

	c.now = c.now.Add(30 * time.Minute)
	require.NoError(t, m.SetState(ctx, rec.SessionID, string(models.StateAskNin)))
	require.NoError(t, m.SetUser(ctx, rec.SessionID, "u-1"))

	label, err := m.GetState(ctx, rec.SessionID)
	require.NoError(t, err)
	assert.Equal(t, string(models.StateAskNin), label)

	byUser, err := m.GetSessionByUser(ctx, "u-1")
	require.NoError(t, err)
	assert.Equal(t, rec.SessionID, byUser.SessionID)
	assert.Equal(t, c.now.Add(time.Hour), byUser.ExpiresAt, "mutation refreshes the TTL")

	stored, err := store.Sessions().GetByPhone(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, "u-1", stored.UserID)
}

func TestExpiredSessionIsRecreated(t *testing.T) {
	ctx := context.Background()
	m, _, c := newMirror()

	rec, err := m.GetOrCreateSession(ctx, "p")
	require.NoError(t, err)

	c.now = c.now.Add(2 * time.Hour)
	_, err = m.GetState(ctx, rec.SessionID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.ErrorIs(t, m.SetState(ctx, rec.SessionID, "Ready"), storage.ErrNotFound)

	fresh, err := m.GetOrCreateSession(ctx, "p")
	require.NoError(t, err)
	assert.NotEqual(t, rec.SessionID, fresh.SessionID)
	assert.Equal(t, string(models.StateInitial), fresh.StateLabel)
}

func TestObserveServesCommittedWrites(t *testing.T) {
	ctx := context.Background()
	m, store, _ := newMirror()

	rec := m.Record("p", "u-9", string(models.StateAwaitingKyc), "hello")
	require.NoError(t, store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		if err := tx.UpsertSession(ctx, rec); err != nil {
			return err
		}
		tx.AfterCommit(func() { m.Observe(*rec) })
		return nil
	}))

	got, err := m.GetSessionByPhone(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, string(models.StateAwaitingKyc), got.StateLabel)
	assert.Equal(t, "hello", got.LastMessage)

	m.Invalidate("p")
	got, err = m.GetSessionByPhone(ctx, "p")
	require.NoError(t, err, "a cache miss reads through to the store")
	assert.Equal(t, rec.SessionID, got.SessionID)
}

func TestLookupMissing(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newMirror()
	_, err := m.GetSessionByPhone(ctx, "nobody")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = m.GetSessionByUser(ctx, "nobody")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestGetOrCreateSessionRefreshesExpiry(t *testing.T) {
	ctx := context.Background()
	m, store, c := newMirror()

	first, err := m.GetOrCreateSession(ctx, "p")
	require.NoError(t, err)
	require.NoError(t, m.SetState(ctx, first.SessionID, string(models.StateAwaitingPinValidate)))

	c.now = c.now.Add(50 * time.Minute)
	touched, err := m.GetOrCreateSession(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, first.SessionID, touched.SessionID)
	assert.Equal(t, c.now.Add(time.Hour), touched.ExpiresAt)
	assert.Equal(t, string(models.StateAwaitingPinValidate), touched.StateLabel, "touching keeps the label")

	c.now = c.now.Add(20 * time.Minute)
	again, err := m.GetOrCreateSession(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, first.SessionID, again.SessionID, "an accessed session outlives its original expiry")

	stored, err := store.Sessions().GetByID(ctx, first.SessionID)
	require.NoError(t, err)
	assert.Equal(t, c.now.Add(time.Hour), stored.ExpiresAt)
}

func TestMirrorsConvergeThroughStore(t *testing.T) {
	ctx := context.Background()
	c := &clock{now: time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)}
	store := memory.New(memory.Options{Clock: c.Now})
	ingress := NewMirror(store.Sessions(), Options{TTL: time.Hour, Clock: c.Now})
	worker := NewMirror(store.Sessions(), Options{TTL: time.Hour, Clock: c.Now})

	rec, err := ingress.GetOrCreateSession(ctx, "p")
	require.NoError(t, err)
	label, err := ingress.GetState(ctx, rec.SessionID)
	require.NoError(t, err)
	assert.Equal(t, string(models.StateInitial), label)

	next := worker.Record("p", "", string(models.StateAskNin), "Jane Doe")
	require.NoError(t, store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		if err := tx.UpsertSession(ctx, next); err != nil {
			return err
		}
		tx.AfterCommit(func() { worker.Observe(*next) })
		return nil
	}))

	label, err = ingress.GetState(ctx, rec.SessionID)
	require.NoError(t, err)
	assert.Equal(t, string(models.StateAskNin), label)
	byPhone, err := ingress.GetSessionByPhone(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, string(models.StateAskNin), byPhone.StateLabel)
}
