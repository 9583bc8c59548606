// Package session keeps the chat-session mirror: a per-phone record of the
// conversation state label for the channel adapter and the intent detector.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog/log"

	"github.com/chatbank/internal/storage"
	"github.com/chatbank/pkg/models"
)

// Options configures a Mirror. CacheTTL bounds how long a cached record is
// served without going back to the store.
type Options struct {
	TTL       time.Duration
	CacheTTL  time.Duration
	CacheSize int
	Clock     func() time.Time
}

// Mirror is a read-through cache over a storage.SessionStore. Expired
// records behave as absent; every access through GetOrCreateSession and every
// mutation refreshes the expiry. State labels are always read from the store
// so mirrors in other processes see a transition as soon as it commits.
type Mirror struct {
	store storage.SessionStore
	cache *expirable.LRU[string, models.SessionRecord]
	ttl   time.Duration
	clock func() time.Time
}

// NewMirror returns a mirror over store.
func NewMirror(store storage.SessionStore, opts Options) *Mirror {
	if opts.TTL <= 0 {
		opts.TTL = 24 * time.Hour
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 2 * time.Second
	}
	if opts.CacheTTL > opts.TTL {
		opts.CacheTTL = opts.TTL
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = 4096
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Mirror{
		store: store,
		cache: expirable.NewLRU[string, models.SessionRecord](opts.CacheSize, nil, opts.CacheTTL),
		ttl:   opts.TTL,
		clock: opts.Clock,
	}
}

// TTL returns the idle lifetime of a session.
func (m *Mirror) TTL() time.Duration {
	return m.ttl
}

// GetOrCreateSession returns the live session for phone with its expiry
// pushed forward, creating one when none exists or the previous one expired.
func (m *Mirror) GetOrCreateSession(ctx context.Context, phone string) (*models.SessionRecord, error) {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return nil, fmt.Errorf("phone is required")
	}
	rec, err := m.store.GetByPhone(ctx, phone)
	if err == nil {
		return m.touch(ctx, rec)
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	rec = m.Record(phone, "", string(models.StateInitial), "")
	if err := m.store.Put(ctx, rec); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	m.Observe(*rec)
	log.Debug().Str("session_id", rec.SessionID).Msg("session created")
	return rec, nil
}

// GetSessionByPhone returns the live session for phone or storage.ErrNotFound.
// It always reads the store.
func (m *Mirror) GetSessionByPhone(ctx context.Context, phone string) (*models.SessionRecord, error) {
	rec, err := m.store.GetByPhone(ctx, phone)
	if err != nil {
		return nil, err
	}
	m.Observe(*rec)
	return rec, nil
}

// GetSessionByUser returns the live session linked to userID or storage.ErrNotFound.
func (m *Mirror) GetSessionByUser(ctx context.Context, userID string) (*models.SessionRecord, error) {
	if rec, ok := m.cached(userKey(userID)); ok {
		return rec, nil
	}
	rec, err := m.store.GetByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	m.Observe(*rec)
	return rec, nil
}

// GetSession returns the live session by id or storage.ErrNotFound.
func (m *Mirror) GetSession(ctx context.Context, sessionID string) (*models.SessionRecord, error) {
	if rec, ok := m.cached(idKey(sessionID)); ok {
		return rec, nil
	}
	rec, err := m.store.GetByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	m.Observe(*rec)
	return rec, nil
}

// GetState returns the state label of a live session, read from the store.
func (m *Mirror) GetState(ctx context.Context, sessionID string) (string, error) {
	rec, err := m.store.GetByID(ctx, sessionID)
	if err != nil {
		return "", err
	}
	m.Observe(*rec)
	return rec.StateLabel, nil
}

// SetState writes label onto a live session.
func (m *Mirror) SetState(ctx context.Context, sessionID, label string) error {
	return m.mutate(ctx, sessionID, func(rec *models.SessionRecord) {
		rec.StateLabel = label
	})
}

// SetUser links a live session to userID.
func (m *Mirror) SetUser(ctx context.Context, sessionID, userID string) error {
	return m.mutate(ctx, sessionID, func(rec *models.SessionRecord) {
		rec.UserID = userID
	})
}

func (m *Mirror) mutate(ctx context.Context, sessionID string, apply func(rec *models.SessionRecord)) error {
	rec, err := m.store.GetByID(ctx, sessionID)
	if err != nil {
		return err
	}
	previous := *rec
	apply(rec)
	now := m.clock().UTC()
	rec.LastUpdated = now
	rec.ExpiresAt = now.Add(m.ttl)
	if err := m.store.Put(ctx, rec); err != nil {
		return fmt.Errorf("update session %s: %w", sessionID, err)
	}
	m.forget(previous)
	m.Observe(*rec)
	return nil
}

// touch extends the expiry of a live record. Empty fields make the store keep
// whatever label, user and last message it holds.
func (m *Mirror) touch(ctx context.Context, rec *models.SessionRecord) (*models.SessionRecord, error) {
	now := m.clock().UTC()
	refresh := &models.SessionRecord{
		SessionID:   rec.SessionID,
		Phone:       rec.Phone,
		LastUpdated: now,
		ExpiresAt:   now.Add(m.ttl),
	}
	if err := m.store.Put(ctx, refresh); err != nil {
		return nil, fmt.Errorf("refresh session %s: %w", rec.SessionID, err)
	}
	m.forget(*rec)
	m.Observe(*refresh)
	return refresh, nil
}

// Record builds a fresh session record for phone with a full TTL, for
// writing through storage.Tx.UpsertSession.
func (m *Mirror) Record(phone, userID, label, lastMessage string) *models.SessionRecord {
	now := m.clock().UTC()
	return &models.SessionRecord{
		Phone:       phone,
		UserID:      userID,
		StateLabel:  label,
		LastMessage: lastMessage,
		LastUpdated: now,
		ExpiresAt:   now.Add(m.ttl),
	}
}

// Observe refreshes the cache with a record that was durably written.
func (m *Mirror) Observe(rec models.SessionRecord) {
	if rec.SessionID == "" || rec.Expired(m.clock()) {
		return
	}
	m.cache.Add(idKey(rec.SessionID), rec)
	m.cache.Add(phoneKey(rec.Phone), rec)
	if rec.UserID != "" {
		m.cache.Add(userKey(rec.UserID), rec)
	}
}

// Invalidate drops any cached entry for phone.
func (m *Mirror) Invalidate(phone string) {
	if rec, ok := m.cache.Peek(phoneKey(phone)); ok {
		m.forget(rec)
	}
	m.cache.Remove(phoneKey(phone))
}

func (m *Mirror) forget(rec models.SessionRecord) {
	m.cache.Remove(idKey(rec.SessionID))
	m.cache.Remove(phoneKey(rec.Phone))
	if rec.UserID != "" {
		m.cache.Remove(userKey(rec.UserID))
	}
}

func (m *Mirror) cached(key string) (*models.SessionRecord, bool) {
	rec, ok := m.cache.Get(key)
	if !ok {
		return nil, false
	}
	if rec.Expired(m.clock()) {
		m.forget(rec)
		return nil, false
	}
	return &rec, true
}

func idKey(id string) string       { return "id:" + id }
func phoneKey(phone string) string { return "phone:" + phone }
func userKey(userID string) string { return "user:" + userID }
