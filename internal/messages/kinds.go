// Package messages defines the contracts exchanged between the sagas, the
// mandate provider worker, and the external collaborators.
//
// Every message travels inside an Envelope. The Kind of the message decides
// its Destination, which the transports map onto queues.
package messages

// Kind names one message contract on the wire.
type Kind string

// Inbound events consumed by the conversation saga.
const (
	KindIntentDetected     Kind = "intent.detected"
	KindFullNameProvided   Kind = "fullname.provided"
	KindNinProvided        Kind = "nin.provided"
	KindBvnProvided        Kind = "bvn.provided"
	KindNinVerified        Kind = "nin.verified"
	KindNinRejected        Kind = "nin.rejected"
	KindBvnVerified        Kind = "bvn.verified"
	KindBvnRejected        Kind = "bvn.rejected"
	KindSignupSucceeded    Kind = "signup.succeeded"
	KindSignupFailed       Kind = "signup.failed"
	KindKycApproved        Kind = "kyc.approved"
	KindKycRejected        Kind = "kyc.rejected"
	KindMandateReady       Kind = "mandate.ready"
	KindBankLinkSucceeded  Kind = "banklink.succeeded"
	KindBankLinkFailed     Kind = "banklink.failed"
	KindPinSetupCompleted  Kind = "pin.setup_completed"
	KindPinValidated       Kind = "pin.validated"
	KindPinInvalid         Kind = "pin.invalid"
	KindTransferCompleted  Kind = "transfer.completed"
	KindTransferFailed     Kind = "transfer.failed"
	KindRecurringExecuted  Kind = "recurring.executed"
	KindRecurringFailed    Kind = "recurring.failed"
	KindRecurringCancelled Kind = "recurring.cancelled"
)

// Events consumed by the mandate saga.
const (
	KindStartMandateSetup  Kind = "mandate.start_setup"
	KindMandateCreated     Kind = "mandate.created"
	KindMandateApproved    Kind = "mandate.approved"
	KindMandateSetupFailed Kind = "mandate.setup_failed"
)

// Commands for the mandate provider worker and external collaborators.
const (
	KindCreateMandateRequest Kind = "mandate.create_request"
	KindPromptFullName       Kind = "prompt.fullname"
	KindPromptNin            Kind = "prompt.nin"
	KindPromptBvn            Kind = "prompt.bvn"
	KindValidateNin          Kind = "identity.validate_nin"
	KindValidateBvn          Kind = "identity.validate_bvn"
	KindSignup               Kind = "account.signup"
	KindStartKyc             Kind = "kyc.start"
	KindInitiatePinSetup     Kind = "pin.initiate_setup"
	KindNudge                Kind = "nudge"
	KindPreviewRequest       Kind = "preview.request"
	KindTransferRequest      Kind = "transfer.request"
	KindBillPayRequest       Kind = "billpay.request"
)

// Destination is the consumer group a kind is delivered to.
type Destination string

const (
	DestinationConversation    Destination = "conversation"
	DestinationMandate         Destination = "mandate"
	DestinationMandateProvider Destination = "mandate_provider"
	DestinationExternal        Destination = "external"
)

// Destinations lists every destination a transport must serve.
var Destinations = []Destination{
	DestinationConversation,
	DestinationMandate,
	DestinationMandateProvider,
	DestinationExternal,
}

var routes = map[Kind]Destination{
	KindIntentDetected:     DestinationConversation,
	KindFullNameProvided:   DestinationConversation,
	KindNinProvided:        DestinationConversation,
	KindBvnProvided:        DestinationConversation,
	KindNinVerified:        DestinationConversation,
	KindNinRejected:        DestinationConversation,
	KindBvnVerified:        DestinationConversation,
	KindBvnRejected:        DestinationConversation,
	KindSignupSucceeded:    DestinationConversation,
	KindSignupFailed:       DestinationConversation,
	KindKycApproved:        DestinationConversation,
	KindKycRejected:        DestinationConversation,
	KindMandateReady:       DestinationConversation,
	KindBankLinkSucceeded:  DestinationConversation,
	KindBankLinkFailed:     DestinationConversation,
	KindPinSetupCompleted:  DestinationConversation,
	KindPinValidated:       DestinationConversation,
	KindPinInvalid:         DestinationConversation,
	KindTransferCompleted:  DestinationConversation,
	KindTransferFailed:     DestinationConversation,
	KindRecurringExecuted:  DestinationConversation,
	KindRecurringFailed:    DestinationConversation,
	KindRecurringCancelled: DestinationConversation,

	KindStartMandateSetup:  DestinationMandate,
	KindMandateCreated:     DestinationMandate,
	KindMandateApproved:    DestinationMandate,
	KindMandateSetupFailed: DestinationMandate,

	KindCreateMandateRequest: DestinationMandateProvider,

	KindPromptFullName:   DestinationExternal,
	KindPromptNin:        DestinationExternal,
	KindPromptBvn:        DestinationExternal,
	KindValidateNin:      DestinationExternal,
	KindValidateBvn:      DestinationExternal,
	KindSignup:           DestinationExternal,
	KindStartKyc:         DestinationExternal,
	KindInitiatePinSetup: DestinationExternal,
	KindNudge:            DestinationExternal,
	KindPreviewRequest:   DestinationExternal,
	KindTransferRequest:  DestinationExternal,
	KindBillPayRequest:   DestinationExternal,
}

// Destination returns where messages of kind k are delivered.
// Unknown kinds report false.
func (k Kind) Destination() (Destination, bool) {
	d, ok := routes[k]
	return d, ok
}

// Known reports whether k is a registered kind.
func (k Kind) Known() bool {
	_, ok := routes[k]
	return ok
}
