// Package storage defines the persistence contract shared by the sagas, the
// session mirror, and the reliability substrate.
//
// All writes that belong to one message happen through a single Tx: the saga
// row, the inbox claim, the outbox messages, and the session mirror either all
// commit or none do.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/chatbank/internal/messages"
	"github.com/chatbank/pkg/models"
)

var (
	// ErrNotFound is returned when a lookup matches nothing live.
	ErrNotFound = errors.New("not found")
	// ErrConcurrencyConflict is returned when a row changed since it was loaded.
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	// ErrDuplicate is returned when an insert collides with a live row.
	ErrDuplicate = errors.New("duplicate")
)

// Retryable reports whether err is resolved by reloading and retrying the transaction.
func Retryable(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict) || errors.Is(err, ErrDuplicate)
}

// OutboxMessage is one envelope queued by a committed transaction.
type OutboxMessage struct {
	Sequence    int64             `json:"sequence"`
	Envelope    messages.Envelope `json:"envelope"`
	CreatedAt   time.Time         `json:"created_at"`
	DeliveredAt *time.Time        `json:"delivered_at,omitempty"`
}

// Tx is one unit of work.
type Tx interface {
	// ClaimInbox records the delivery of messageID to consumerID. It returns
	// false when that consumer has already consumed the message.
	ClaimInbox(ctx context.Context, messageID, consumerID string) (bool, error)

	FindConversation(ctx context.Context, key models.RoutingKey) (*models.ConversationSaga, error)
	InsertConversation(ctx context.Context, saga *models.ConversationSaga) error
	// UpdateConversation writes saga if its ConcurrencyToken still matches the
	// stored row, then increments the token on both.
	UpdateConversation(ctx context.Context, saga *models.ConversationSaga) error

	FindMandate(ctx context.Context, correlationID string) (*models.MandateSaga, error)
	InsertMandate(ctx context.Context, saga *models.MandateSaga) error
	UpdateMandate(ctx context.Context, saga *models.MandateSaga) error

	// UpsertSession writes the record keyed by phone, refreshing its TTL.
	// The stored session id is written back into rec.
	UpsertSession(ctx context.Context, rec *models.SessionRecord) error

	// Enqueue appends envelopes to the outbox.
	Enqueue(ctx context.Context, envs ...messages.Envelope) error

	// AfterCommit registers fn to run once the transaction has committed.
	AfterCommit(fn func())
}

// Store opens units of work and serves reads outside them.
type Store interface {
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	GetConversation(ctx context.Context, key models.RoutingKey) (*models.ConversationSaga, error)
	GetMandate(ctx context.Context, correlationID string) (*models.MandateSaga, error)
	Sessions() SessionStore

	// Sweep deletes inbox rows and sessions expired at now and finalized
	// conversations last updated before finalizedBefore.
	Sweep(ctx context.Context, now, finalizedBefore time.Time) (SweepResult, error)

	Close() error
}

// SessionStore persists session mirror records.
type SessionStore interface {
	// GetByPhone returns the live session for phone or ErrNotFound.
	GetByPhone(ctx context.Context, phone string) (*models.SessionRecord, error)
	// GetByID returns the live session or ErrNotFound.
	GetByID(ctx context.Context, sessionID string) (*models.SessionRecord, error)
	// GetByUser returns the live session linked to userID or ErrNotFound.
	GetByUser(ctx context.Context, userID string) (*models.SessionRecord, error)
	// Put writes rec keyed by phone, replacing any expired row.
	Put(ctx context.Context, rec *models.SessionRecord) error
}

// SweepResult counts rows removed by Store.Sweep.
type SweepResult struct {
	Inbox         int64 `json:"inbox"`
	Sessions      int64 `json:"sessions"`
	Conversations int64 `json:"conversations"`
}
