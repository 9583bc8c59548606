// Package postgres implements storage.Store on a pgx connection pool.
//
// Outbox messages are not kept in a table of their own: Enqueue hands them to
// an Enqueuer that inserts queue jobs on the same transaction, so a saga write
// and the commands it emits commit together.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/chatbank/internal/messages"
	"github.com/chatbank/internal/storage"
	"github.com/chatbank/pkg/models"
)

const uniqueViolation = "23505"

// Enqueuer publishes envelopes as part of an open transaction.
type Enqueuer interface {
	EnqueueTx(ctx context.Context, tx pgx.Tx, envs []messages.Envelope) error
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Options configures a Store.
type Options struct {
	InboxRetention time.Duration
	Clock          func() time.Time
}

// Store is the PostgreSQL storage.Store.
type Store struct {
	pool     *pgxpool.Pool
	enqueuer Enqueuer
	inboxTTL time.Duration
	clock    func() time.Time
}

// NewPool opens a pgx pool for databaseURL and pings it.
func NewPool(ctx context.Context, databaseURL string, maxConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return pool, nil
}

// New returns a store on pool. Enqueue fails until SetEnqueuer is called.
func New(pool *pgxpool.Pool, opts Options) *Store {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.InboxRetention <= 0 {
		opts.InboxRetention = 7 * 24 * time.Hour
	}
	return &Store{pool: pool, inboxTTL: opts.InboxRetention, clock: opts.Clock}
}

// SetEnqueuer installs the publisher used by Tx.Enqueue.
func (s *Store) SetEnqueuer(e Enqueuer) {
	s.enqueuer = e
}

// Pool returns the underlying pool.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

func (s *Store) now() time.Time {
	return s.clock().UTC()
}

// InTx runs fn in a database transaction and runs AfterCommit hooks once it commits.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx storage.Tx) error) error {
	dbtx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err := dbtx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			log.Warn().Err(err).Msg("rollback failed")
		}
	}()

	tx := &pgTx{store: s, tx: dbtx, q: dbtx, now: s.now()}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := dbtx.Commit(ctx); err != nil {
		return mapError("commit", err)
	}
	for _, hook := range tx.hooks {
		hook()
	}
	return nil
}

// GetConversation resolves key outside a transaction.
func (s *Store) GetConversation(ctx context.Context, key models.RoutingKey) (*models.ConversationSaga, error) {
	return findConversation(ctx, s.pool, key)
}

// GetMandate returns the stored mandate saga.
func (s *Store) GetMandate(ctx context.Context, correlationID string) (*models.MandateSaga, error) {
	return findMandate(ctx, s.pool, correlationID)
}

// Sessions returns the session view of the store.
func (s *Store) Sessions() storage.SessionStore {
	return sessionStore{s: s}
}

// Sweep deletes expired inbox rows and sessions and retained-out finalized conversations.
func (s *Store) Sweep(ctx context.Context, now, finalizedBefore time.Time) (storage.SweepResult, error) {
	var res storage.SweepResult
	tag, err := s.pool.Exec(ctx, `DELETE FROM saga_inbox WHERE expiration_time <= $1`, now)
	if err != nil {
		return res, fmt.Errorf("sweep inbox: %w", err)
	}
	res.Inbox = tag.RowsAffected()

	tag, err = s.pool.Exec(ctx, `DELETE FROM sessions WHERE expires_at <= $1`, now)
	if err != nil {
		return res, fmt.Errorf("sweep sessions: %w", err)
	}
	res.Sessions = tag.RowsAffected()

	tag, err = s.pool.Exec(ctx, `DELETE FROM conversation_sagas WHERE current_state = $1 AND updated_at < $2`,
		string(models.StateFinal), finalizedBefore)
	if err != nil {
		return res, fmt.Errorf("sweep conversations: %w", err)
	}
	res.Conversations = tag.RowsAffected()
	return res, nil
}

// Close closes the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

type pgTx struct {
	store *Store
	tx    pgx.Tx
	q     querier
	now   time.Time
	hooks []func()
}

func (t *pgTx) ClaimInbox(ctx context.Context, messageID, consumerID string) (bool, error) {
	if strings.TrimSpace(messageID) == "" || strings.TrimSpace(consumerID) == "" {
		return false, fmt.Errorf("message id and consumer id are required")
	}
	var claimed bool
	err := t.q.QueryRow(ctx, `
		INSERT INTO saga_inbox (message_id, consumer_id, received_at, consumed_at, receive_count, expiration_time)
		VALUES ($1, $2, $3, $3, 1, $4)
		ON CONFLICT (message_id, consumer_id)
		DO UPDATE SET receive_count = saga_inbox.receive_count + 1
		RETURNING (xmax = 0) OR consumed_at IS NULL`,
		messageID, consumerID, t.now, t.now.Add(t.store.inboxTTL),
	).Scan(&claimed)
	if err != nil {
		return false, mapError("claim inbox", err)
	}
	return claimed, nil
}

func (t *pgTx) FindConversation(ctx context.Context, key models.RoutingKey) (*models.ConversationSaga, error) {
	return findConversation(ctx, t.q, key)
}

func (t *pgTx) InsertConversation(ctx context.Context, saga *models.ConversationSaga) error {
	if saga.CorrelationID == "" {
		return fmt.Errorf("correlation id is required")
	}
	kind, payload, err := models.EncodePendingIntent(saga.Pending)
	if err != nil {
		return err
	}
	_, err = t.q.Exec(ctx, `
		INSERT INTO conversation_sagas (
			correlation_id, user_id, phone, session_id, current_state,
			temp_name, temp_nin, temp_bvn, pending_intent_type, pending_intent_payload,
			preview_published, last_failure_reason, created_at, updated_at, concurrency_token
		) VALUES (
			$1, NULLIF($2, ''), $3, NULLIF($4, ''), $5,
			NULLIF($6, ''), NULLIF($7, ''), NULLIF($8, ''), NULLIF($9, ''), $10,
			$11, NULLIF($12, ''), $13, $13, 1
		)`,
		saga.CorrelationID, saga.UserID, saga.Phone, saga.SessionID, string(saga.State),
		saga.TempName, saga.TempNIN, saga.TempBVN, kind, jsonb(payload),
		saga.PreviewPublished, saga.LastFailureReason, t.now,
	)
	if err != nil {
		return mapError("insert conversation "+saga.CorrelationID, err)
	}
	saga.CreatedAt = t.now
	saga.UpdatedAt = t.now
	saga.ConcurrencyToken = 1
	return nil
}

func (t *pgTx) UpdateConversation(ctx context.Context, saga *models.ConversationSaga) error {
	kind, payload, err := models.EncodePendingIntent(saga.Pending)
	if err != nil {
		return err
	}
	tag, err := t.q.Exec(ctx, `
		UPDATE conversation_sagas SET
			user_id = NULLIF($2, ''), phone = $3, session_id = NULLIF($4, ''), current_state = $5,
			temp_name = NULLIF($6, ''), temp_nin = NULLIF($7, ''), temp_bvn = NULLIF($8, ''),
			pending_intent_type = NULLIF($9, ''), pending_intent_payload = $10,
			preview_published = $11, last_failure_reason = NULLIF($12, ''),
			updated_at = $13, concurrency_token = concurrency_token + 1
		WHERE correlation_id = $1 AND concurrency_token = $14`,
		saga.CorrelationID, saga.UserID, saga.Phone, saga.SessionID, string(saga.State),
		saga.TempName, saga.TempNIN, saga.TempBVN, kind, jsonb(payload),
		saga.PreviewPublished, saga.LastFailureReason, t.now, saga.ConcurrencyToken,
	)
	if err != nil {
		return mapError("update conversation "+saga.CorrelationID, err)
	}
	if tag.RowsAffected() == 0 {
		return t.missOrConflict(ctx, "conversation_sagas", saga.CorrelationID)
	}
	saga.ConcurrencyToken++
	saga.UpdatedAt = t.now
	return nil
}

func (t *pgTx) FindMandate(ctx context.Context, correlationID string) (*models.MandateSaga, error) {
	return findMandate(ctx, t.q, correlationID)
}

func (t *pgTx) InsertMandate(ctx context.Context, saga *models.MandateSaga) error {
	if saga.CorrelationID == "" {
		return fmt.Errorf("correlation id is required")
	}
	_, err := t.q.Exec(ctx, `
		INSERT INTO mandate_sagas (
			correlation_id, current_state, mandate_id, provider_name, phone, full_name,
			max_amount, last_failure_reason, created_at, updated_at, concurrency_token
		) VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), NULLIF($5, ''), NULLIF($6, ''),
			$7::numeric, NULLIF($8, ''), $9, $9, 1)`,
		saga.CorrelationID, string(saga.State), saga.MandateID, saga.ProviderName, saga.Phone, saga.FullName,
		saga.MaxAmount.String(), saga.LastFailureReason, t.now,
	)
	if err != nil {
		return mapError("insert mandate "+saga.CorrelationID, err)
	}
	saga.CreatedAt = t.now
	saga.UpdatedAt = t.now
	saga.ConcurrencyToken = 1
	return nil
}

func (t *pgTx) UpdateMandate(ctx context.Context, saga *models.MandateSaga) error {
	tag, err := t.q.Exec(ctx, `
		UPDATE mandate_sagas SET
			current_state = $2, mandate_id = NULLIF($3, ''), provider_name = NULLIF($4, ''),
			phone = NULLIF($5, ''), full_name = NULLIF($6, ''), max_amount = $7::numeric,
			last_failure_reason = NULLIF($8, ''), updated_at = $9, concurrency_token = concurrency_token + 1
		WHERE correlation_id = $1 AND concurrency_token = $10`,
		saga.CorrelationID, string(saga.State), saga.MandateID, saga.ProviderName, saga.Phone, saga.FullName,
		saga.MaxAmount.String(), saga.LastFailureReason, t.now, saga.ConcurrencyToken,
	)
	if err != nil {
		return mapError("update mandate "+saga.CorrelationID, err)
	}
	if tag.RowsAffected() == 0 {
		return t.missOrConflict(ctx, "mandate_sagas", saga.CorrelationID)
	}
	saga.ConcurrencyToken++
	saga.UpdatedAt = t.now
	return nil
}

func (t *pgTx) UpsertSession(ctx context.Context, rec *models.SessionRecord) error {
	return upsertSession(ctx, t.q, rec, t.now)
}

func (t *pgTx) Enqueue(ctx context.Context, envs ...messages.Envelope) error {
	if len(envs) == 0 {
		return nil
	}
	if t.store.enqueuer == nil {
		return fmt.Errorf("enqueue: no enqueuer configured")
	}
	if err := t.store.enqueuer.EnqueueTx(ctx, t.tx, envs); err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	return nil
}

func (t *pgTx) AfterCommit(fn func()) {
	t.hooks = append(t.hooks, fn)
}

// missOrConflict tells a vanished row from a stale token after an update matched nothing.
func (t *pgTx) missOrConflict(ctx context.Context, table, correlationID string) error {
	var exists bool
	err := t.q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM `+table+` WHERE correlation_id = $1)`, correlationID).Scan(&exists)
	if err != nil {
		return mapError("check "+table, err)
	}
	if !exists {
		return fmt.Errorf("update %s %s: %w", table, correlationID, storage.ErrNotFound)
	}
	return fmt.Errorf("update %s %s: %w", table, correlationID, storage.ErrConcurrencyConflict)
}

const conversationColumns = `
	correlation_id, COALESCE(user_id, ''), phone, COALESCE(session_id, ''), current_state,
	COALESCE(temp_name, ''), COALESCE(temp_nin, ''), COALESCE(temp_bvn, ''),
	COALESCE(pending_intent_type, ''), COALESCE(pending_intent_payload::text, ''),
	preview_published, COALESCE(last_failure_reason, ''), created_at, updated_at, concurrency_token`

// findConversation tries the correlation id, then the live saga of the user,
// then the live saga of the phone.
func findConversation(ctx context.Context, q querier, key models.RoutingKey) (*models.ConversationSaga, error) {
	if key.CorrelationID != "" {
		saga, err := scanConversation(q.QueryRow(ctx, `SELECT `+conversationColumns+`
			FROM conversation_sagas WHERE correlation_id = $1`, key.CorrelationID))
		if !errors.Is(err, storage.ErrNotFound) {
			return saga, err
		}
	}
	if key.UserID != "" {
		saga, err := scanConversation(q.QueryRow(ctx, `SELECT `+conversationColumns+`
			FROM conversation_sagas WHERE user_id = $1 AND current_state <> $2
			ORDER BY created_at DESC LIMIT 1`, key.UserID, string(models.StateFinal)))
		if !errors.Is(err, storage.ErrNotFound) {
			return saga, err
		}
	}
	if key.Phone != "" {
		saga, err := scanConversation(q.QueryRow(ctx, `SELECT `+conversationColumns+`
			FROM conversation_sagas WHERE phone = $1 AND current_state <> $2`, key.Phone, string(models.StateFinal)))
		if !errors.Is(err, storage.ErrNotFound) {
			return saga, err
		}
	}
	return nil, storage.ErrNotFound
}

func scanConversation(row pgx.Row) (*models.ConversationSaga, error) {
	var (
		s       models.ConversationSaga
		state   string
		kind    string
		payload string
	)
	err := row.Scan(&s.CorrelationID, &s.UserID, &s.Phone, &s.SessionID, &state,
		&s.TempName, &s.TempNIN, &s.TempBVN, &kind, &payload,
		&s.PreviewPublished, &s.LastFailureReason, &s.CreatedAt, &s.UpdatedAt, &s.ConcurrencyToken)
	if err != nil {
		return nil, mapError("scan conversation", err)
	}
	s.State = models.ConversationState(state)
	// An unreadable pending intent loads as none; the PIN gate then tells the user.
	if s.Pending, err = models.DecodePendingIntent(kind, []byte(payload)); err != nil {
		log.Warn().Err(err).
			Str("correlation_id", s.CorrelationID).
			Str("pending_intent_type", kind).
			Msg("dropping unreadable pending intent")
		s.Pending = nil
	}
	return &s, nil
}

func findMandate(ctx context.Context, q querier, correlationID string) (*models.MandateSaga, error) {
	var (
		m      models.MandateSaga
		state  string
		amount string
	)
	err := q.QueryRow(ctx, `
		SELECT correlation_id, current_state, COALESCE(mandate_id, ''), COALESCE(provider_name, ''),
			COALESCE(phone, ''), COALESCE(full_name, ''), max_amount::text,
			COALESCE(last_failure_reason, ''), created_at, updated_at, concurrency_token
		FROM mandate_sagas WHERE correlation_id = $1`, correlationID,
	).Scan(&m.CorrelationID, &state, &m.MandateID, &m.ProviderName, &m.Phone, &m.FullName, &amount,
		&m.LastFailureReason, &m.CreatedAt, &m.UpdatedAt, &m.ConcurrencyToken)
	if err != nil {
		return nil, mapError("find mandate "+correlationID, err)
	}
	m.State = models.MandateState(state)
	if m.MaxAmount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("mandate %s max_amount: %w", correlationID, err)
	}
	return &m, nil
}

// upsertSession merges rec into the row for its phone. A live row keeps its
// session id and any field rec leaves empty; an expired row is replaced.
func upsertSession(ctx context.Context, q querier, rec *models.SessionRecord, now time.Time) error {
	if strings.TrimSpace(rec.Phone) == "" {
		return fmt.Errorf("session phone is required")
	}
	if rec.SessionID == "" {
		rec.SessionID = uuid.NewString()
	}
	if rec.LastUpdated.IsZero() {
		rec.LastUpdated = now
	}
	err := q.QueryRow(ctx, `
		INSERT INTO sessions (session_id, user_id, phone, state_label, last_message, last_updated, expires_at)
		VALUES ($1, NULLIF($2, ''), $3, $4, NULLIF($5, ''), $6, $7)
		ON CONFLICT (phone) DO UPDATE SET
			session_id = CASE WHEN sessions.expires_at <= $8 THEN EXCLUDED.session_id ELSE sessions.session_id END,
			user_id = CASE WHEN sessions.expires_at <= $8 THEN EXCLUDED.user_id
				ELSE COALESCE(EXCLUDED.user_id, sessions.user_id) END,
			state_label = CASE WHEN EXCLUDED.state_label = '' AND sessions.expires_at > $8 THEN sessions.state_label
				ELSE EXCLUDED.state_label END,
			last_message = CASE WHEN sessions.expires_at <= $8 THEN EXCLUDED.last_message
				ELSE COALESCE(EXCLUDED.last_message, sessions.last_message) END,
			last_updated = EXCLUDED.last_updated,
			expires_at = EXCLUDED.expires_at
		RETURNING session_id, COALESCE(user_id, ''), state_label, COALESCE(last_message, '')`,
		rec.SessionID, rec.UserID, rec.Phone, rec.StateLabel, rec.LastMessage, rec.LastUpdated, rec.ExpiresAt, now,
	).Scan(&rec.SessionID, &rec.UserID, &rec.StateLabel, &rec.LastMessage)
	if err != nil {
		return mapError("upsert session", err)
	}
	return nil
}

type sessionStore struct {
	s *Store
}

const sessionColumns = `session_id, COALESCE(user_id, ''), phone, state_label, COALESCE(last_message, ''), last_updated, expires_at`

func (ss sessionStore) get(ctx context.Context, where string, arg string) (*models.SessionRecord, error) {
	var rec models.SessionRecord
	err := ss.s.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE `+where+` AND expires_at > $2
		ORDER BY last_updated DESC LIMIT 1`, arg, ss.s.now(),
	).Scan(&rec.SessionID, &rec.UserID, &rec.Phone, &rec.StateLabel, &rec.LastMessage, &rec.LastUpdated, &rec.ExpiresAt)
	if err != nil {
		return nil, mapError("get session", err)
	}
	return &rec, nil
}

func (ss sessionStore) GetByPhone(ctx context.Context, phone string) (*models.SessionRecord, error) {
	return ss.get(ctx, "phone = $1", phone)
}

func (ss sessionStore) GetByID(ctx context.Context, sessionID string) (*models.SessionRecord, error) {
	return ss.get(ctx, "session_id = $1", sessionID)
}

func (ss sessionStore) GetByUser(ctx context.Context, userID string) (*models.SessionRecord, error) {
	if userID == "" {
		return nil, storage.ErrNotFound
	}
	return ss.get(ctx, "user_id = $1", userID)
}

func (ss sessionStore) Put(ctx context.Context, rec *models.SessionRecord) error {
	return upsertSession(ctx, ss.s.pool, rec, ss.s.now())
}

// jsonb returns nil for an empty payload so the column is written as NULL.
func jsonb(payload []byte) any {
	if len(payload) == 0 {
		return nil
	}
	return string(payload)
}

// mapError translates driver errors into storage sentinels.
func mapError(op string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, storage.ErrNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%s: %s: %w", op, pgErr.ConstraintName, storage.ErrDuplicate)
	}
	return fmt.Errorf("%s: %w", op, err)
}

var _ storage.Store = (*Store)(nil)
