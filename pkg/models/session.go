package models

import "time"

// SessionRecord mirrors the conversation state for the ingress layer.
// It expires after a TTL that every mutation refreshes.
type SessionRecord struct {
	SessionID   string    `json:"session_id" db:"session_id"`
	UserID      string    `json:"user_id,omitempty" db:"user_id"`
	Phone       string    `json:"phone" db:"phone"`
	StateLabel  string    `json:"conversation_state" db:"state_label"`
	LastMessage string    `json:"last_message,omitempty" db:"last_message"`
	LastUpdated time.Time `json:"last_updated" db:"last_updated"`
	ExpiresAt   time.Time `json:"expires_at" db:"expires_at"`
}

// Expired reports whether the record is past its TTL at now.
func (r *SessionRecord) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

// InboxRecord is one row of the per-consumer dedupe ledger.
type InboxRecord struct {
	MessageID    string     `json:"message_id" db:"message_id"`
	ConsumerID   string     `json:"consumer_id" db:"consumer_id"`
	ReceivedAt   time.Time  `json:"received_at" db:"received_at"`
	ConsumedAt   *time.Time `json:"consumed_at,omitempty" db:"consumed_at"`
	ReceiveCount int        `json:"receive_count" db:"receive_count"`
	ExpiresAt    time.Time  `json:"expiration_time" db:"expiration_time"`
}
