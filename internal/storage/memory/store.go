// Package memory is an in-process implementation of storage.Store.
//
// Transactions are serialized and applied copy-on-write, so a failed unit of
// work leaves nothing behind. Committed outbox messages are exposed to the
// in-process relay through Undelivered and MarkDelivered.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chatbank/internal/messages"
	"github.com/chatbank/internal/storage"
	"github.com/chatbank/pkg/models"
)

type inboxKey struct {
	messageID  string
	consumerID string
}

type tables struct {
	conversations map[string]*models.ConversationSaga
	mandates      map[string]*models.MandateSaga
	sessions      map[string]*models.SessionRecord
	inbox         map[inboxKey]*models.InboxRecord
}

func (t *tables) shallowCopy() *tables {
	c := &tables{
		conversations: make(map[string]*models.ConversationSaga, len(t.conversations)),
		mandates:      make(map[string]*models.MandateSaga, len(t.mandates)),
		sessions:      make(map[string]*models.SessionRecord, len(t.sessions)),
		inbox:         make(map[inboxKey]*models.InboxRecord, len(t.inbox)),
	}
	for k, v := range t.conversations {
		c.conversations[k] = v
	}
	for k, v := range t.mandates {
		c.mandates[k] = v
	}
	for k, v := range t.sessions {
		c.sessions[k] = v
	}
	for k, v := range t.inbox {
		c.inbox[k] = v
	}
	return c
}

// Options configures a Store.
type Options struct {
	InboxRetention time.Duration
	Clock          func() time.Time
}

// Store keeps all tables in memory.
type Store struct {
	mu        sync.Mutex
	data      *tables
	outbox    []storage.OutboxMessage
	seq       int64
	inboxTTL  time.Duration
	clock     func() time.Time
	notify    chan struct{}
	txFailure func(kind messages.Kind) error
}

// New returns an empty store.
func New(opts Options) *Store {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.InboxRetention <= 0 {
		opts.InboxRetention = 7 * 24 * time.Hour
	}
	return &Store{
		data: &tables{
			conversations: map[string]*models.ConversationSaga{},
			mandates:      map[string]*models.MandateSaga{},
			sessions:      map[string]*models.SessionRecord{},
			inbox:         map[inboxKey]*models.InboxRecord{},
		},
		inboxTTL: opts.InboxRetention,
		clock:    opts.Clock,
		notify:   make(chan struct{}, 1),
	}
}

// FailEnqueue makes Enqueue fail for the given kind, for exercising rollback.
// Passing nil clears the hook.
func (s *Store) FailEnqueue(fn func(kind messages.Kind) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txFailure = fn
}

// InTx runs fn in a serialized unit of work.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx storage.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	tx := &memTx{store: s, data: s.data.shallowCopy(), now: s.clock().UTC()}
	if err := fn(ctx, tx); err != nil {
		s.mu.Unlock()
		return err
	}
	s.data = tx.data
	for _, env := range tx.pending {
		s.seq++
		s.outbox = append(s.outbox, storage.OutboxMessage{Sequence: s.seq, Envelope: env, CreatedAt: tx.now})
	}
	s.mu.Unlock()

	if len(tx.pending) > 0 {
		select {
		case s.notify <- struct{}{}:
		default:
		}
	}
	for _, hook := range tx.hooks {
		hook()
	}
	return nil
}

// Notify is signalled after a commit that queued outbox messages.
func (s *Store) Notify() <-chan struct{} {
	return s.notify
}

// Undelivered returns up to limit outbox messages in sequence order.
func (s *Store) Undelivered(limit int) []storage.OutboxMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]storage.OutboxMessage, 0, limit)
	for _, m := range s.outbox {
		if m.DeliveredAt != nil {
			continue
		}
		out = append(out, m)
		if len(out) == limit {
			break
		}
	}
	return out
}

// MarkDelivered flags an outbox message as relayed and compacts delivered rows.
func (s *Store) MarkDelivered(seq int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock().UTC()
	for i := range s.outbox {
		if s.outbox[i].Sequence == seq {
			s.outbox[i].DeliveredAt = &now
		}
	}
	kept := s.outbox[:0]
	for _, m := range s.outbox {
		if m.DeliveredAt == nil {
			kept = append(kept, m)
		}
	}
	s.outbox = kept
}

// Outbox returns a copy of every pending outbox message.
func (s *Store) Outbox() []storage.OutboxMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]storage.OutboxMessage(nil), s.outbox...)
}

// GetConversation resolves key against committed state.
func (s *Store) GetConversation(ctx context.Context, key models.RoutingKey) (*models.ConversationSaga, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	saga := findConversation(s.data, key)
	if saga == nil {
		return nil, storage.ErrNotFound
	}
	return saga.Clone(), nil
}

// ListConversations returns every stored conversation saga ordered by creation.
func (s *Store) ListConversations() []*models.ConversationSaga {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.ConversationSaga, 0, len(s.data.conversations))
	for _, c := range s.data.conversations {
		out = append(out, c.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// GetMandate returns the committed mandate saga.
func (s *Store) GetMandate(ctx context.Context, correlationID string) (*models.MandateSaga, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.data.mandates[correlationID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return m.Clone(), nil
}

// Sessions returns the session view of the store.
func (s *Store) Sessions() storage.SessionStore {
	return sessionStore{s}
}

// Sweep removes expired and retained-out rows.
func (s *Store) Sweep(ctx context.Context, now, finalizedBefore time.Time) (storage.SweepResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res storage.SweepResult
	for k, rec := range s.data.inbox {
		if !now.Before(rec.ExpiresAt) {
			delete(s.data.inbox, k)
			res.Inbox++
		}
	}
	for k, rec := range s.data.sessions {
		if rec.Expired(now) {
			delete(s.data.sessions, k)
			res.Sessions++
		}
	}
	for k, saga := range s.data.conversations {
		if saga.Finalized() && saga.UpdatedAt.Before(finalizedBefore) {
			delete(s.data.conversations, k)
			res.Conversations++
		}
	}
	return res, nil
}

// Close is a no-op.
func (s *Store) Close() error {
	return nil
}

func findConversation(t *tables, key models.RoutingKey) *models.ConversationSaga {
	if key.CorrelationID != "" {
		if saga, ok := t.conversations[key.CorrelationID]; ok {
			return saga
		}
	}
	if key.UserID != "" {
		for _, saga := range t.conversations {
			if !saga.Finalized() && saga.UserID == key.UserID {
				return saga
			}
		}
	}
	if key.Phone != "" {
		for _, saga := range t.conversations {
			if !saga.Finalized() && saga.Phone == key.Phone {
				return saga
			}
		}
	}
	return nil
}

func findSessionByPhone(t *tables, phone string) *models.SessionRecord {
	for _, rec := range t.sessions {
		if rec.Phone == phone {
			return rec
		}
	}
	return nil
}

type memTx struct {
	store   *Store
	data    *tables
	now     time.Time
	pending []messages.Envelope
	hooks   []func()
}

func (tx *memTx) ClaimInbox(ctx context.Context, messageID, consumerID string) (bool, error) {
	if strings.TrimSpace(messageID) == "" || strings.TrimSpace(consumerID) == "" {
		return false, fmt.Errorf("message id and consumer id are required")
	}
	key := inboxKey{messageID: messageID, consumerID: consumerID}
	if rec, ok := tx.data.inbox[key]; ok {
		updated := *rec
		updated.ReceiveCount++
		tx.data.inbox[key] = &updated
		return updated.ConsumedAt == nil, nil
	}
	consumed := tx.now
	tx.data.inbox[key] = &models.InboxRecord{
		MessageID:    messageID,
		ConsumerID:   consumerID,
		ReceivedAt:   tx.now,
		ConsumedAt:   &consumed,
		ReceiveCount: 1,
		ExpiresAt:    tx.now.Add(tx.store.inboxTTL),
	}
	return true, nil
}

func (tx *memTx) FindConversation(ctx context.Context, key models.RoutingKey) (*models.ConversationSaga, error) {
	saga := findConversation(tx.data, key)
	if saga == nil {
		return nil, storage.ErrNotFound
	}
	return saga.Clone(), nil
}

func (tx *memTx) InsertConversation(ctx context.Context, saga *models.ConversationSaga) error {
	if saga.CorrelationID == "" {
		return fmt.Errorf("correlation id is required")
	}
	if _, ok := tx.data.conversations[saga.CorrelationID]; ok {
		return fmt.Errorf("insert conversation %s: %w", saga.CorrelationID, storage.ErrDuplicate)
	}
	if saga.Phone != "" {
		for _, other := range tx.data.conversations {
			if !other.Finalized() && other.Phone == saga.Phone {
				return fmt.Errorf("insert conversation for phone: %w", storage.ErrDuplicate)
			}
		}
	}
	saga.CreatedAt = tx.now
	saga.UpdatedAt = tx.now
	saga.ConcurrencyToken = 1
	tx.data.conversations[saga.CorrelationID] = saga.Clone()
	return nil
}

func (tx *memTx) UpdateConversation(ctx context.Context, saga *models.ConversationSaga) error {
	stored, ok := tx.data.conversations[saga.CorrelationID]
	if !ok {
		return fmt.Errorf("update conversation %s: %w", saga.CorrelationID, storage.ErrNotFound)
	}
	if stored.ConcurrencyToken != saga.ConcurrencyToken {
		return fmt.Errorf("update conversation %s: %w", saga.CorrelationID, storage.ErrConcurrencyConflict)
	}
	saga.ConcurrencyToken++
	saga.UpdatedAt = tx.now
	tx.data.conversations[saga.CorrelationID] = saga.Clone()
	return nil
}

func (tx *memTx) FindMandate(ctx context.Context, correlationID string) (*models.MandateSaga, error) {
	m, ok := tx.data.mandates[correlationID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return m.Clone(), nil
}

func (tx *memTx) InsertMandate(ctx context.Context, saga *models.MandateSaga) error {
	if saga.CorrelationID == "" {
		return fmt.Errorf("correlation id is required")
	}
	if _, ok := tx.data.mandates[saga.CorrelationID]; ok {
		return fmt.Errorf("insert mandate %s: %w", saga.CorrelationID, storage.ErrDuplicate)
	}
	saga.CreatedAt = tx.now
	saga.UpdatedAt = tx.now
	saga.ConcurrencyToken = 1
	tx.data.mandates[saga.CorrelationID] = saga.Clone()
	return nil
}

func (tx *memTx) UpdateMandate(ctx context.Context, saga *models.MandateSaga) error {
	stored, ok := tx.data.mandates[saga.CorrelationID]
	if !ok {
		return fmt.Errorf("update mandate %s: %w", saga.CorrelationID, storage.ErrNotFound)
	}
	if stored.ConcurrencyToken != saga.ConcurrencyToken {
		return fmt.Errorf("update mandate %s: %w", saga.CorrelationID, storage.ErrConcurrencyConflict)
	}
	saga.ConcurrencyToken++
	saga.UpdatedAt = tx.now
	tx.data.mandates[saga.CorrelationID] = saga.Clone()
	return nil
}

func (tx *memTx) UpsertSession(ctx context.Context, rec *models.SessionRecord) error {
	return putSession(tx.data, rec, tx.now)
}

func (tx *memTx) Enqueue(ctx context.Context, envs ...messages.Envelope) error {
	for _, env := range envs {
		if hook := tx.store.txFailure; hook != nil {
			if err := hook(env.Kind); err != nil {
				return err
			}
		}
		tx.pending = append(tx.pending, env)
	}
	return nil
}

func (tx *memTx) AfterCommit(fn func()) {
	tx.hooks = append(tx.hooks, fn)
}

// putSession merges rec into the row for rec.Phone. A live row keeps its
// session id and any user id or last message rec leaves empty.
func putSession(t *tables, rec *models.SessionRecord, now time.Time) error {
	if strings.TrimSpace(rec.Phone) == "" {
		return fmt.Errorf("session phone is required")
	}
	if existing := findSessionByPhone(t, rec.Phone); existing != nil {
		if existing.Expired(now) {
			delete(t.sessions, existing.SessionID)
		} else {
			rec.SessionID = existing.SessionID
			if rec.UserID == "" {
				rec.UserID = existing.UserID
			}
			if rec.LastMessage == "" {
				rec.LastMessage = existing.LastMessage
			}
			if rec.StateLabel == "" {
				rec.StateLabel = existing.StateLabel
			}
		}
	}
	if rec.SessionID == "" {
		rec.SessionID = uuid.NewString()
	}
	if rec.LastUpdated.IsZero() {
		rec.LastUpdated = now
	}
	stored := *rec
	t.sessions[rec.SessionID] = &stored
	return nil
}

type sessionStore struct {
	s *Store
}

func (ss sessionStore) GetByPhone(ctx context.Context, phone string) (*models.SessionRecord, error) {
	ss.s.mu.Lock()
	defer ss.s.mu.Unlock()
	rec := findSessionByPhone(ss.s.data, phone)
	return ss.live(rec)
}

func (ss sessionStore) GetByID(ctx context.Context, sessionID string) (*models.SessionRecord, error) {
	ss.s.mu.Lock()
	defer ss.s.mu.Unlock()
	return ss.live(ss.s.data.sessions[sessionID])
}

func (ss sessionStore) GetByUser(ctx context.Context, userID string) (*models.SessionRecord, error) {
	ss.s.mu.Lock()
	defer ss.s.mu.Unlock()
	if userID == "" {
		return nil, storage.ErrNotFound
	}
	for _, rec := range ss.s.data.sessions {
		if rec.UserID == userID {
			return ss.live(rec)
		}
	}
	return nil, storage.ErrNotFound
}

func (ss sessionStore) Put(ctx context.Context, rec *models.SessionRecord) error {
	ss.s.mu.Lock()
	defer ss.s.mu.Unlock()
	next := ss.s.data.shallowCopy()
	if err := putSession(next, rec, ss.s.clock().UTC()); err != nil {
		return err
	}
	ss.s.data = next
	return nil
}

func (ss sessionStore) live(rec *models.SessionRecord) (*models.SessionRecord, error) {
	if rec == nil || rec.Expired(ss.s.clock().UTC()) {
		return nil, storage.ErrNotFound
	}
	c := *rec
	return &c, nil
}

var _ storage.Store = (*Store)(nil)
