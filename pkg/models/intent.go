package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// IntentType is the user intent extracted upstream from free text.
type IntentType string

const (
	IntentSignup   IntentType = "Signup"
	IntentTransfer IntentType = "Transfer"
	IntentBillPay  IntentType = "BillPay"
	IntentGreeting IntentType = "Greeting"
	IntentUnknown  IntentType = "Unknown"
)

// Sensitive reports whether the intent moves money and must pass the PIN gate.
func (t IntentType) Sensitive() bool {
	return t == IntentTransfer || t == IntentBillPay
}

// ErrInvalidPayload is returned when an intent payload fails validation.
var ErrInvalidPayload = errors.New("invalid intent payload")

// TransferPayload describes a bank transfer awaiting execution.
type TransferPayload struct {
	ToAccount   string          `json:"to_account"`
	BankCode    string          `json:"bank_code"`
	Amount      decimal.Decimal `json:"amount"`
	Narration   string          `json:"narration,omitempty"`
	RecurringID string          `json:"recurring_id,omitempty"`
}

// Validate checks the fields needed to execute the transfer.
func (p TransferPayload) Validate() error {
	if strings.TrimSpace(p.ToAccount) == "" {
		return fmt.Errorf("%w: to_account is required", ErrInvalidPayload)
	}
	if strings.TrimSpace(p.BankCode) == "" {
		return fmt.Errorf("%w: bank_code is required", ErrInvalidPayload)
	}
	if !p.Amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidPayload)
	}
	return nil
}

// BillPayPayload describes a bill payment awaiting execution.
type BillPayPayload struct {
	Biller      string          `json:"biller"`
	Product     string          `json:"product,omitempty"`
	CustomerRef string          `json:"customer_ref"`
	Amount      decimal.Decimal `json:"amount"`
	RecurringID string          `json:"recurring_id,omitempty"`
}

// Validate checks the fields needed to execute the bill payment.
func (p BillPayPayload) Validate() error {
	if strings.TrimSpace(p.Biller) == "" {
		return fmt.Errorf("%w: biller is required", ErrInvalidPayload)
	}
	if strings.TrimSpace(p.CustomerRef) == "" {
		return fmt.Errorf("%w: customer_ref is required", ErrInvalidPayload)
	}
	if !p.Amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidPayload)
	}
	return nil
}

// SignupPayload carries the identity fields collected during onboarding.
type SignupPayload struct {
	FullName string `json:"full_name"`
	NIN      string `json:"nin"`
	BVN      string `json:"bvn"`
	Phone    string `json:"phone"`
}

// PendingIntent is a sensitive operation held until the PIN gate clears.
// The concrete types are PendingTransfer and PendingBillPay.
type PendingIntent interface {
	IntentType() IntentType
	Validate() error
	isPendingIntent()
}

// PendingTransfer is a stashed transfer.
type PendingTransfer struct {
	Transfer TransferPayload
}

func (PendingTransfer) IntentType() IntentType { return IntentTransfer }
func (p PendingTransfer) Validate() error { return p.Transfer.Validate() }
func (PendingTransfer) isPendingIntent() {}

// PendingBillPay is a stashed bill payment.
type PendingBillPay struct {
	BillPay BillPayPayload
}

func (PendingBillPay) IntentType() IntentType { return IntentBillPay }
func (p PendingBillPay) Validate() error { return p.BillPay.Validate() }
func (PendingBillPay) isPendingIntent() {}

// EncodePendingIntent converts p into the persisted (type, payload) pair.
// A nil intent encodes as two empty values so both columns stay NULL together.
func EncodePendingIntent(p PendingIntent) (string, []byte, error) {
	if p == nil {
		return "", nil, nil
	}
	var (
		payload []byte
		err     error
	)
	switch v := p.(type) {
	case PendingTransfer:
		payload, err = json.Marshal(v.Transfer)
	case PendingBillPay:
		payload, err = json.Marshal(v.BillPay)
	default:
		return "", nil, fmt.Errorf("unsupported pending intent %T", p)
	}
	if err != nil {
		return "", nil, fmt.Errorf("encode pending intent: %w", err)
	}
	return string(p.IntentType()), payload, nil
}

// DecodePendingIntent rebuilds a pending intent from its persisted pair.
// Empty type and payload decode to nil.
func DecodePendingIntent(kind string, payload []byte) (PendingIntent, error) {
	if kind == "" && len(payload) == 0 {
		return nil, nil
	}
	switch IntentType(kind) {
	case IntentTransfer:
		var t TransferPayload
		if err := json.Unmarshal(payload, &t); err != nil {
			return nil, fmt.Errorf("decode pending transfer: %w", err)
		}
		return PendingTransfer{Transfer: t}, nil
	case IntentBillPay:
		var b BillPayPayload
		if err := json.Unmarshal(payload, &b); err != nil {
			return nil, fmt.Errorf("decode pending bill payment: %w", err)
		}
		return PendingBillPay{BillPay: b}, nil
	default:
		return nil, fmt.Errorf("unknown pending intent type %q", kind)
	}
}
