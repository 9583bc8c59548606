package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Saga models

// ConversationState is one node of the conversation state machine.
type ConversationState string

const (
	StateInitial             ConversationState = "Initial"
	StateAskFullName         ConversationState = "AskFullName"
	StateAskNin              ConversationState = "AskNin"
	StateNinValidating       ConversationState = "NinValidating"
	StateAskBvn              ConversationState = "AskBvn"
	StateBvnValidating       ConversationState = "BvnValidating"
	StateAwaitingKyc         ConversationState = "AwaitingKyc"
	StateAwaitingBankLink    ConversationState = "AwaitingBankLink"
	StateAwaitingPinSetup    ConversationState = "AwaitingPinSetup"
	StateAwaitingPinValidate ConversationState = "AwaitingPinValidate"
	StateReady               ConversationState = "Ready"
	StateFinal               ConversationState = "Final"
)

// ConversationStates lists every conversation state in onboarding order.
var ConversationStates = []ConversationState{
	StateInitial,
	StateAskFullName,
	StateAskNin,
	StateNinValidating,
	StateAskBvn,
	StateBvnValidating,
	StateAwaitingKyc,
	StateAwaitingBankLink,
	StateAwaitingPinSetup,
	StateAwaitingPinValidate,
	StateReady,
	StateFinal,
}

// Valid reports whether s is a known conversation state.
func (s ConversationState) Valid() bool {
	for _, known := range ConversationStates {
		if s == known {
			return true
		}
	}
	return false
}

// Failure codes recorded in LastFailureReason.
const (
	FailureSignup   = "SignupFailed"
	FailureKyc      = "KycRejected"
	FailureBankLink = "BankLinkFailed"
)

// ConversationSaga is the persisted instance of the per-conversation saga.
type ConversationSaga struct {
	CorrelationID     string            `json:"correlation_id" db:"correlation_id"`
	UserID            string            `json:"user_id,omitempty" db:"user_id"` // durable id once signup succeeds
	Phone             string            `json:"phone" db:"phone"`
	SessionID         string            `json:"session_id,omitempty" db:"session_id"`
	State             ConversationState `json:"current_state" db:"current_state"`
	TempName          string            `json:"temp_name,omitempty" db:"temp_name"`
	TempNIN           string            `json:"-" db:"temp_nin"`
	TempBVN           string            `json:"-" db:"temp_bvn"`
	Pending           PendingIntent     `json:"-" db:"-"`
	PreviewPublished  bool              `json:"preview_published" db:"preview_published"`
	LastFailureReason string            `json:"last_failure_reason,omitempty" db:"last_failure_reason"`
	CreatedAt         time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at" db:"updated_at"`
	ConcurrencyToken  int64             `json:"concurrency_token" db:"concurrency_token"`
}

// Finalized reports whether the saga reached its terminal state.
func (s *ConversationSaga) Finalized() bool {
	return s.State == StateFinal
}

// Clone returns a copy safe to mutate without touching s.
func (s *ConversationSaga) Clone() *ConversationSaga {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}

// MandateState is one node of the mandate setup state machine.
type MandateState string

const (
	MandateInitial          MandateState = "Initial"
	MandateAwaitingApproval MandateState = "AwaitingApproval"
	MandateReady            MandateState = "Ready"
	MandateFailed           MandateState = "Failed"
)

// MandateSaga is the persisted instance of one bank-mandate setup attempt.
// It shares its correlation id with the owning ConversationSaga.
type MandateSaga struct {
	CorrelationID     string          `json:"correlation_id" db:"correlation_id"`
	State             MandateState    `json:"current_state" db:"current_state"`
	MandateID         string          `json:"mandate_id,omitempty" db:"mandate_id"`
	ProviderName      string          `json:"provider_name,omitempty" db:"provider_name"`
	Phone             string          `json:"phone" db:"phone"`
	FullName          string          `json:"full_name,omitempty" db:"full_name"`
	MaxAmount         decimal.Decimal `json:"max_amount" db:"max_amount"`
	LastFailureReason string          `json:"last_failure_reason,omitempty" db:"last_failure_reason"`
	CreatedAt         time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at" db:"updated_at"`
	ConcurrencyToken  int64           `json:"concurrency_token" db:"concurrency_token"`
}

// Clone returns a copy safe to mutate without touching s.
func (s *MandateSaga) Clone() *MandateSaga {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}

// RoutingKey identifies the saga an inbound message belongs to.
// Lookups try CorrelationID, then UserID, then Phone.
type RoutingKey struct {
	CorrelationID string `json:"correlation_id,omitempty"`
	UserID        string `json:"user_id,omitempty"`
	Phone         string `json:"phone,omitempty"`
}

// Empty reports whether no field of the key is set.
func (k RoutingKey) Empty() bool {
	return k.CorrelationID == "" && k.UserID == "" && k.Phone == ""
}

// String returns the most specific non-empty component, used for lock striping and logs.
func (k RoutingKey) String() string {
	switch {
	case k.CorrelationID != "":
		return "cid:" + k.CorrelationID
	case k.UserID != "":
		return "uid:" + k.UserID
	case k.Phone != "":
		return "phone:" + k.Phone
	default:
		return ""
	}
}
