package messages

import (
	"github.com/shopspring/decimal"

	"github.com/chatbank/pkg/models"
)

// Message is any payload carried by an Envelope.
type Message interface {
	Kind() Kind
}

// Conversation events

// IntentDetected is published by the intent detector for each user utterance.
type IntentDetected struct {
	Phone     string                  `json:"phone"`
	SessionID string                  `json:"session_id,omitempty"`
	Intent    models.IntentType       `json:"intent"`
	Text      string                  `json:"text,omitempty"`
	Transfer  *models.TransferPayload `json:"transfer_payload,omitempty"`
	BillPay   *models.BillPayPayload  `json:"bill_payload,omitempty"`
	Signup    *models.SignupPayload   `json:"signup_payload,omitempty"`
}

type FullNameProvided struct {
	FullName string `json:"full_name"`
}

type NinProvided struct {
	NIN string `json:"nin"`
}

type BvnProvided struct {
	BVN string `json:"bvn"`
}

type NinVerified struct{}

type NinRejected struct {
	Reason string `json:"reason,omitempty"`
}

type BvnVerified struct{}

type BvnRejected struct {
	Reason string `json:"reason,omitempty"`
}

type SignupSucceeded struct {
	UserID string `json:"user_id"`
}

type SignupFailed struct {
	Reason string `json:"reason,omitempty"`
}

type KycApproved struct{}

type KycRejected struct {
	Reason string `json:"reason,omitempty"`
}

// MandateReady tells the conversation saga that the bank mandate is usable.
type MandateReady struct {
	MandateID string `json:"mandate_id"`
	Provider  string `json:"provider"`
}

type BankLinkSucceeded struct{}

type BankLinkFailed struct {
	Reason string `json:"reason,omitempty"`
}

type PinSetupCompleted struct{}

type PinValidated struct{}

type PinInvalid struct {
	Reason string `json:"reason,omitempty"`
}

type TransferCompleted struct {
	Reference string `json:"reference"`
}

type TransferFailed struct {
	Reason    string `json:"reason,omitempty"`
	Reference string `json:"reference,omitempty"`
}

type RecurringExecuted struct {
	RecurringID string `json:"recurring_id"`
}

type RecurringFailed struct {
	RecurringID string `json:"recurring_id,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

type RecurringCancelled struct {
	RecurringID string `json:"recurring_id"`
}

// Mandate events

// StartMandateSetup opens a mandate saga for the conversation's correlation id.
type StartMandateSetup struct {
	FullName  string          `json:"full_name"`
	Phone     string          `json:"phone"`
	BVN       string          `json:"bvn"`
	MaxAmount decimal.Decimal `json:"max_amount"`
}

// MandateCreated is the provider worker's reply once customer and mandate exist.
type MandateCreated struct {
	MandateID  string `json:"mandate_id"`
	Provider   string `json:"provider"`
	CustomerID string `json:"customer_id,omitempty"`
}

// MandateApproved is the provider's approval webhook, consumed by the mandate saga only.
type MandateApproved struct {
	MandateID string `json:"mandate_id"`
	Provider  string `json:"provider"`
}

type MandateSetupFailed struct {
	Reason string `json:"reason"`
}

// Commands

// CreateMandateRequest asks the provider worker to create customer and mandate.
type CreateMandateRequest struct {
	CorrelationID string          `json:"correlation_id"`
	FullName      string          `json:"full_name"`
	Phone         string          `json:"phone"`
	BVN           string          `json:"bvn"`
	MaxAmount     decimal.Decimal `json:"max_amount"`
}

type PromptFullName struct {
	Phone string `json:"phone"`
}

type PromptNin struct {
	Phone string `json:"phone"`
}

type PromptBvn struct {
	Phone string `json:"phone"`
}

type ValidateNin struct {
	Phone string `json:"phone"`
	NIN   string `json:"nin"`
}

type ValidateBvn struct {
	Phone string `json:"phone"`
	BVN   string `json:"bvn"`
}

type Signup struct {
	Payload models.SignupPayload `json:"payload"`
}

type StartKyc struct {
	UserID string `json:"user_id"`
	Phone  string `json:"phone"`
}

type InitiatePinSetup struct {
	UserID string `json:"user_id,omitempty"`
	Phone  string `json:"phone"`
}

// NudgeType selects the canned message the channel adapter renders.
type NudgeType string

const (
	NudgeSignupRequired    NudgeType = "SignupRequired"
	NudgeGreeting          NudgeType = "Greeting"
	NudgeUnknown           NudgeType = "Unknown"
	NudgeAlreadyRegistered NudgeType = "AlreadyRegistered"
	NudgeInvalidIntent     NudgeType = "InvalidIntent"
	NudgeInvalidNin        NudgeType = "InvalidNin"
	NudgeInvalidBvn        NudgeType = "InvalidBvn"
	NudgeSignupFailed      NudgeType = "SignupFailed"
	NudgeKycRejected       NudgeType = "KycRejected"
	NudgeBankLinkFailed    NudgeType = "BankLinkFailed"
	NudgeBadPin            NudgeType = "BadPin"
	NudgeRequestPin        NudgeType = "RequestPin"
	NudgeNoPendingIntent   NudgeType = "NoPendingIntent"
	NudgeTransferFailed    NudgeType = "TransferFailed"
)

type Nudge struct {
	Type  NudgeType `json:"type"`
	Phone string    `json:"phone"`
	Text  string    `json:"text,omitempty"`
}

type PreviewRequest struct {
	CorrelationID string `json:"correlation_id"`
	TransactionID string `json:"transaction_id,omitempty"`
	BillID        string `json:"bill_id,omitempty"`
}

type TransferRequest struct {
	UserID    string                 `json:"user_id,omitempty"`
	Payload   models.TransferPayload `json:"payload"`
	Reference string                 `json:"reference"`
}

type BillPayRequest struct {
	UserID    string                `json:"user_id,omitempty"`
	Payload   models.BillPayPayload `json:"payload"`
	Reference string                `json:"reference"`
}

func (IntentDetected) Kind() Kind       { return KindIntentDetected }
func (FullNameProvided) Kind() Kind     { return KindFullNameProvided }
func (NinProvided) Kind() Kind          { return KindNinProvided }
func (BvnProvided) Kind() Kind          { return KindBvnProvided }
func (NinVerified) Kind() Kind          { return KindNinVerified }
func (NinRejected) Kind() Kind          { return KindNinRejected }
func (BvnVerified) Kind() Kind          { return KindBvnVerified }
func (BvnRejected) Kind() Kind          { return KindBvnRejected }
func (SignupSucceeded) Kind() Kind      { return KindSignupSucceeded }
func (SignupFailed) Kind() Kind         { return KindSignupFailed }
func (KycApproved) Kind() Kind          { return KindKycApproved }
func (KycRejected) Kind() Kind          { return KindKycRejected }
func (MandateReady) Kind() Kind         { return KindMandateReady }
func (BankLinkSucceeded) Kind() Kind    { return KindBankLinkSucceeded }
func (BankLinkFailed) Kind() Kind       { return KindBankLinkFailed }
func (PinSetupCompleted) Kind() Kind    { return KindPinSetupCompleted }
func (PinValidated) Kind() Kind         { return KindPinValidated }
func (PinInvalid) Kind() Kind           { return KindPinInvalid }
func (TransferCompleted) Kind() Kind    { return KindTransferCompleted }
func (TransferFailed) Kind() Kind       { return KindTransferFailed }
func (RecurringExecuted) Kind() Kind    { return KindRecurringExecuted }
func (RecurringFailed) Kind() Kind      { return KindRecurringFailed }
func (RecurringCancelled) Kind() Kind   { return KindRecurringCancelled }
func (StartMandateSetup) Kind() Kind    { return KindStartMandateSetup }
func (MandateCreated) Kind() Kind       { return KindMandateCreated }
func (MandateApproved) Kind() Kind      { return KindMandateApproved }
func (MandateSetupFailed) Kind() Kind   { return KindMandateSetupFailed }
func (CreateMandateRequest) Kind() Kind { return KindCreateMandateRequest }
func (PromptFullName) Kind() Kind       { return KindPromptFullName }
func (PromptNin) Kind() Kind            { return KindPromptNin }
func (PromptBvn) Kind() Kind            { return KindPromptBvn }
func (ValidateNin) Kind() Kind          { return KindValidateNin }
func (ValidateBvn) Kind() Kind          { return KindValidateBvn }
func (Signup) Kind() Kind               { return KindSignup }
func (StartKyc) Kind() Kind             { return KindStartKyc }
func (InitiatePinSetup) Kind() Kind     { return KindInitiatePinSetup }
func (Nudge) Kind() Kind                { return KindNudge }
func (PreviewRequest) Kind() Kind       { return KindPreviewRequest }
func (TransferRequest) Kind() Kind      { return KindTransferRequest }
func (BillPayRequest) Kind() Kind       { return KindBillPayRequest }

var factories = map[Kind]func() Message{
	KindIntentDetected:       func() Message { return &IntentDetected{} },
	KindFullNameProvided:     func() Message { return &FullNameProvided{} },
	KindNinProvided:          func() Message { return &NinProvided{} },
	KindBvnProvided:          func() Message { return &BvnProvided{} },
	KindNinVerified:          func() Message { return &NinVerified{} },
	KindNinRejected:          func() Message { return &NinRejected{} },
	KindBvnVerified:          func() Message { return &BvnVerified{} },
	KindBvnRejected:          func() Message { return &BvnRejected{} },
	KindSignupSucceeded:      func() Message { return &SignupSucceeded{} },
	KindSignupFailed:         func() Message { return &SignupFailed{} },
	KindKycApproved:          func() Message { return &KycApproved{} },
	KindKycRejected:          func() Message { return &KycRejected{} },
	KindMandateReady:         func() Message { return &MandateReady{} },
	KindBankLinkSucceeded:    func() Message { return &BankLinkSucceeded{} },
	KindBankLinkFailed:       func() Message { return &BankLinkFailed{} },
	KindPinSetupCompleted:    func() Message { return &PinSetupCompleted{} },
	KindPinValidated:         func() Message { return &PinValidated{} },
	KindPinInvalid:           func() Message { return &PinInvalid{} },
	KindTransferCompleted:    func() Message { return &TransferCompleted{} },
	KindTransferFailed:       func() Message { return &TransferFailed{} },
	KindRecurringExecuted:    func() Message { return &RecurringExecuted{} },
	KindRecurringFailed:      func() Message { return &RecurringFailed{} },
	KindRecurringCancelled:   func() Message { return &RecurringCancelled{} },
	KindStartMandateSetup:    func() Message { return &StartMandateSetup{} },
	KindMandateCreated:       func() Message { return &MandateCreated{} },
	KindMandateApproved:      func() Message { return &MandateApproved{} },
	KindMandateSetupFailed:   func() Message { return &MandateSetupFailed{} },
	KindCreateMandateRequest: func() Message { return &CreateMandateRequest{} },
	KindPromptFullName:       func() Message { return &PromptFullName{} },
	KindPromptNin:            func() Message { return &PromptNin{} },
	KindPromptBvn:            func() Message { return &PromptBvn{} },
	KindValidateNin:          func() Message { return &ValidateNin{} },
	KindValidateBvn:          func() Message { return &ValidateBvn{} },
	KindSignup:               func() Message { return &Signup{} },
	KindStartKyc:             func() Message { return &StartKyc{} },
	KindInitiatePinSetup:     func() Message { return &InitiatePinSetup{} },
	KindNudge:                func() Message { return &Nudge{} },
	KindPreviewRequest:       func() Message { return &PreviewRequest{} },
	KindTransferRequest:      func() Message { return &TransferRequest{} },
	KindBillPayRequest:       func() Message { return &BillPayRequest{} },
}
