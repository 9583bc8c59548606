package saga

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatbank/internal/messages"
	"github.com/chatbank/internal/retry"
	"github.com/chatbank/internal/storage"
	"github.com/chatbank/internal/storage/memory"
	"github.com/chatbank/pkg/models"
)

func envelope(t *testing.T, msg messages.Message, key models.RoutingKey) messages.Envelope {
	t.Helper()
	env, err := messages.New(msg, key, time.Now())
	require.NoError(t, err)
	return env
}

func TestConsumeDeduplicatesByMessageID(t *testing.T) {
	ctx := context.Background()
	store := memory.New(memory.Options{})
	var calls int32
	c := NewConsumer("conversation", store, HandlerFunc(func(ctx context.Context, tx storage.Tx, env messages.Envelope) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}))

	env := envelope(t, messages.NinVerified{}, models.RoutingKey{CorrelationID: "c-1"})
	require.NoError(t, c.Consume(ctx, env))
	require.NoError(t, c.Consume(ctx, env))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestConsumeRetriesConflicts(t *testing.T) {
	ctx := context.Background()
	store := memory.New(memory.Options{})
	attempts := 0
	c := NewConsumer("conversation", store, HandlerFunc(func(ctx context.Context, tx storage.Tx, env messages.Envelope) error {
		attempts++
		if attempts < 3 {
			return fmt.Errorf("update: %w", storage.ErrConcurrencyConflict)
		}
		return nil
	})).WithConflictRetry(retry.FixedRetryConfig(5, time.Millisecond))

	env := envelope(t, messages.NinVerified{}, models.RoutingKey{CorrelationID: "c-1"})
	require.NoError(t, c.Consume(ctx, env))
	assert.Equal(t, 3, attempts)
}

func TestConsumeDoesNotRetryOtherErrors(t *testing.T) {
	ctx := context.Background()
	store := memory.New(memory.Options{})
	attempts := 0
	boom := errors.New("provider unavailable")
	c := NewConsumer("mandate", store, HandlerFunc(func(ctx context.Context, tx storage.Tx, env messages.Envelope) error {
		attempts++
		return boom
	})).WithConflictRetry(retry.FixedRetryConfig(5, time.Millisecond))

	env := envelope(t, messages.MandateApproved{MandateID: "m"}, models.RoutingKey{CorrelationID: "c-1"})
	err := c.Consume(ctx, env)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, attempts)

	// The failed attempt rolled back its inbox claim, so redelivery runs again.
	_ = c.Consume(ctx, env)
	assert.Equal(t, 2, attempts)
}

func TestConsumeRejectsMissingMessageID(t *testing.T) {
	c := NewConsumer("conversation", memory.New(memory.Options{}), HandlerFunc(func(context.Context, storage.Tx, messages.Envelope) error {
		return nil
	}))
	err := c.Consume(context.Background(), messages.Envelope{Kind: messages.KindNinVerified})
	assert.True(t, IsPermanent(err))
}

func TestPermanent(t *testing.T) {
	assert.NoError(t, Permanent(nil))
	cause := errors.New("bad payload")
	err := fmt.Errorf("wrap: %w", Permanent(cause))
	assert.True(t, IsPermanent(err))
	assert.ErrorIs(t, err, cause)
	assert.False(t, IsPermanent(cause))
}

func TestKeyedLockerSerializesPerKey(t *testing.T) {
	locker := NewKeyedLocker()
	var active, maxActive int32
	var wg sync.WaitGroup

	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locker.Lock("phone:1")
			defer unlock()
			n := atomic.AddInt32(&active, 1)
			for {
				m := atomic.LoadInt32(&maxActive)
				if n <= m || atomic.CompareAndSwapInt32(&maxActive, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&active, -1)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&maxActive))
	assert.Equal(t, 0, locker.Len())
}

func TestKeyedLockerIndependentKeys(t *testing.T) {
	locker := NewKeyedLocker()
	unlockA := locker.Lock("a")
	done := make(chan struct{})
	go func() {
		unlock := locker.Lock("b")
		unlock()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on b blocked behind a")
	}
	unlockA()
}
