package conversation

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/chatbank/internal/messages"
	"github.com/chatbank/pkg/models"
)

// anyState marks a dispatch row that applies when no exact (state, kind) row exists.
const anyState models.ConversationState = "*"

// Input carries the per-delivery facts a transition may need besides the saga.
type Input struct {
	CauseID          string
	MandateMaxAmount decimal.Decimal
}

// Outcome is what a transition decided. An empty Next keeps the current state.
type Outcome struct {
	Next     models.ConversationState
	Commands []messages.Message
	Finalize bool
	// Ignored explains why a matched row decided to do nothing.
	Ignored string
}

// transition mutates the saga copy it is given and returns the outcome.
type transition func(s *models.ConversationSaga, msg messages.Message, in Input) Outcome

type dispatchKey struct {
	state models.ConversationState
	kind  messages.Kind
}

var dispatch = map[dispatchKey]transition{
	{models.StateInitial, messages.KindIntentDetected}: initialIntent,

	{models.StateAskFullName, messages.KindFullNameProvided}: fullNameProvided,
	{models.StateAskNin, messages.KindNinProvided}:           ninProvided,
	{models.StateNinValidating, messages.KindNinVerified}:    ninVerified,
	{models.StateNinValidating, messages.KindNinRejected}:    ninRejected,
	{models.StateAskBvn, messages.KindBvnProvided}:           bvnProvided,
	{models.StateBvnValidating, messages.KindBvnVerified}:    bvnVerified,
	{models.StateBvnValidating, messages.KindBvnRejected}:    bvnRejected,

	{models.StateAwaitingKyc, messages.KindSignupSucceeded}: signupSucceeded,
	{models.StateAwaitingKyc, messages.KindSignupFailed}:    signupFailed,

	{models.StateAwaitingBankLink, messages.KindKycApproved}:  kycApproved,
	{models.StateAwaitingBankLink, messages.KindKycRejected}:  kycRejected,
	{models.StateAwaitingBankLink, messages.KindMandateReady}: mandateReady,

	{models.StateAwaitingPinSetup, messages.KindBankLinkSucceeded}: bankLinkSucceeded,
	{models.StateAwaitingPinSetup, messages.KindBankLinkFailed}:    bankLinkFailed,

	{models.StateAwaitingPinValidate, messages.KindPinInvalid}:        pinInvalid,
	{models.StateAwaitingPinValidate, messages.KindPinSetupCompleted}: pinSetupCompleted,
	{models.StateAwaitingPinValidate, messages.KindPinValidated}:      pinValidated,
	{models.StateAwaitingPinValidate, messages.KindIntentDetected}:    awaitingPinIntent,

	{models.StateReady, messages.KindIntentDetected}: readyIntent,

	{anyState, messages.KindIntentDetected}:     otherIntent,
	{anyState, messages.KindTransferCompleted}:  transferCompleted,
	{anyState, messages.KindTransferFailed}:     transferFailed,
	{anyState, messages.KindRecurringExecuted}:  recurringExecuted,
	{anyState, messages.KindRecurringFailed}:    recurringFailed,
	{anyState, messages.KindRecurringCancelled}: recurringCancelled,
}

// lookup returns the exact row for (state, kind), falling back to the AnyState row.
func lookup(state models.ConversationState, kind messages.Kind) (transition, bool) {
	if t, ok := dispatch[dispatchKey{state, kind}]; ok {
		return t, true
	}
	t, ok := dispatch[dispatchKey{anyState, kind}]
	return t, ok
}

func nudge(s *models.ConversationSaga, t messages.NudgeType, text string) messages.Nudge {
	return messages.Nudge{Type: t, Phone: s.Phone, Text: text}
}

func stay(cmds ...messages.Message) Outcome {
	return Outcome{Commands: cmds}
}

func moveTo(next models.ConversationState, cmds ...messages.Message) Outcome {
	return Outcome{Next: next, Commands: cmds}
}

// Onboarding

func initialIntent(s *models.ConversationSaga, msg messages.Message, in Input) Outcome {
	intent := msg.(messages.IntentDetected)
	switch intent.Intent {
	case models.IntentSignup:
		return moveTo(models.StateAskFullName, messages.PromptFullName{Phone: s.Phone})
	case models.IntentTransfer, models.IntentBillPay:
		return moveTo(models.StateAskFullName,
			nudge(s, messages.NudgeSignupRequired, ""),
			messages.PromptFullName{Phone: s.Phone})
	case models.IntentGreeting:
		return stay(nudge(s, messages.NudgeGreeting, ""))
	default:
		return stay(nudge(s, messages.NudgeUnknown, ""))
	}
}

func fullNameProvided(s *models.ConversationSaga, msg messages.Message, in Input) Outcome {
	name := msg.(messages.FullNameProvided).FullName
	if blank(name) {
		return stay(messages.PromptFullName{Phone: s.Phone})
	}
	s.TempName = name
	return moveTo(models.StateAskNin, messages.PromptNin{Phone: s.Phone})
}

func ninProvided(s *models.ConversationSaga, msg messages.Message, in Input) Outcome {
	nin := msg.(messages.NinProvided).NIN
	if blank(nin) {
		return stay(messages.PromptNin{Phone: s.Phone})
	}
	s.TempNIN = nin
	return moveTo(models.StateNinValidating, messages.ValidateNin{Phone: s.Phone, NIN: nin})
}

// blank reports an answer with no visible characters. Other answers are kept
// exactly as the user typed them.
func blank(answer string) bool {
	return strings.TrimSpace(answer) == ""
}

func ninVerified(s *models.ConversationSaga, msg messages.Message, in Input) Outcome {
	return moveTo(models.StateAskBvn, messages.PromptBvn{Phone: s.Phone})
}

func ninRejected(s *models.ConversationSaga, msg messages.Message, in Input) Outcome {
	return moveTo(models.StateAskNin, nudge(s, messages.NudgeInvalidNin, msg.(messages.NinRejected).Reason))
}

func bvnProvided(s *models.ConversationSaga, msg messages.Message, in Input) Outcome {
	bvn := msg.(messages.BvnProvided).BVN
	if blank(bvn) {
		return stay(messages.PromptBvn{Phone: s.Phone})
	}
	s.TempBVN = bvn
	return moveTo(models.StateBvnValidating, messages.ValidateBvn{Phone: s.Phone, BVN: bvn})
}

func bvnVerified(s *models.ConversationSaga, msg messages.Message, in Input) Outcome {
	return moveTo(models.StateAwaitingKyc, messages.Signup{Payload: models.SignupPayload{
		FullName: s.TempName,
		NIN:      s.TempNIN,
		BVN:      s.TempBVN,
		Phone:    s.Phone,
	}})
}

func bvnRejected(s *models.ConversationSaga, msg messages.Message, in Input) Outcome {
	return moveTo(models.StateAskBvn, nudge(s, messages.NudgeInvalidBvn, msg.(messages.BvnRejected).Reason))
}

func signupSucceeded(s *models.ConversationSaga, msg messages.Message, in Input) Outcome {
	userID := strings.TrimSpace(msg.(messages.SignupSucceeded).UserID)
	if userID == "" {
		return Outcome{Ignored: "signup succeeded without user id"}
	}
	s.UserID = userID
	return moveTo(models.StateAwaitingBankLink, messages.StartKyc{UserID: userID, Phone: s.Phone})
}

func signupFailed(s *models.ConversationSaga, msg messages.Message, in Input) Outcome {
	s.LastFailureReason = models.FailureSignup
	return Outcome{
		Commands: []messages.Message{nudge(s, messages.NudgeSignupFailed, msg.(messages.SignupFailed).Reason)},
		Finalize: true,
	}
}

// Bank link and PIN setup

func kycApproved(s *models.ConversationSaga, msg messages.Message, in Input) Outcome {
	return stay(messages.StartMandateSetup{
		FullName:  s.TempName,
		Phone:     s.Phone,
		BVN:       s.TempBVN,
		MaxAmount: in.MandateMaxAmount,
	})
}

func kycRejected(s *models.ConversationSaga, msg messages.Message, in Input) Outcome {
	s.LastFailureReason = models.FailureKyc
	return stay(nudge(s, messages.NudgeKycRejected, msg.(messages.KycRejected).Reason))
}

func mandateReady(s *models.ConversationSaga, msg messages.Message, in Input) Outcome {
	return moveTo(models.StateAwaitingPinSetup)
}

func bankLinkSucceeded(s *models.ConversationSaga, msg messages.Message, in Input) Outcome {
	return moveTo(models.StateAwaitingPinValidate, messages.InitiatePinSetup{UserID: s.UserID, Phone: s.Phone})
}

func bankLinkFailed(s *models.ConversationSaga, msg messages.Message, in Input) Outcome {
	s.LastFailureReason = models.FailureBankLink
	return moveTo(models.StateAwaitingBankLink, nudge(s, messages.NudgeBankLinkFailed, msg.(messages.BankLinkFailed).Reason))
}

func pinInvalid(s *models.ConversationSaga, msg messages.Message, in Input) Outcome {
	return stay(nudge(s, messages.NudgeBadPin, msg.(messages.PinInvalid).Reason))
}

func pinSetupCompleted(s *models.ConversationSaga, msg messages.Message, in Input) Outcome {
	return moveTo(models.StateReady)
}

// PIN gate

func pinValidated(s *models.ConversationSaga, msg messages.Message, in Input) Outcome {
	cmd, ok := dispatchPending(s, in)
	if !ok {
		return moveTo(models.StateReady, nudge(s, messages.NudgeNoPendingIntent, ""))
	}
	return moveTo(models.StateReady, cmd)
}

func awaitingPinIntent(s *models.ConversationSaga, msg messages.Message, in Input) Outcome {
	intent := msg.(messages.IntentDetected)
	if !intent.Intent.Sensitive() {
		return otherIntent(s, msg, in)
	}
	if !stash(s, intent) {
		return stay(nudge(s, messages.NudgeInvalidIntent, ""))
	}
	return stay(nudge(s, messages.NudgeRequestPin, ""))
}

func readyIntent(s *models.ConversationSaga, msg messages.Message, in Input) Outcome {
	intent := msg.(messages.IntentDetected)
	if !intent.Intent.Sensitive() {
		return otherIntent(s, msg, in)
	}
	if !stash(s, intent) {
		return stay(nudge(s, messages.NudgeInvalidIntent, ""))
	}
	return moveTo(models.StateAwaitingPinValidate, nudge(s, messages.NudgeRequestPin, ""))
}

func otherIntent(s *models.ConversationSaga, msg messages.Message, in Input) Outcome {
	switch msg.(messages.IntentDetected).Intent {
	case models.IntentGreeting:
		return stay(nudge(s, messages.NudgeGreeting, ""))
	case models.IntentSignup:
		return stay(nudge(s, messages.NudgeAlreadyRegistered, ""))
	case models.IntentTransfer, models.IntentBillPay:
		return stay(nudge(s, messages.NudgeInvalidIntent, ""))
	default:
		return stay(nudge(s, messages.NudgeUnknown, ""))
	}
}

// stash stores the intent's payload as the pending intent. It reports false
// when the payload is missing or invalid, leaving any earlier pending intent.
func stash(s *models.ConversationSaga, intent messages.IntentDetected) bool {
	var pending models.PendingIntent
	switch intent.Intent {
	case models.IntentTransfer:
		if intent.Transfer == nil {
			return false
		}
		pending = models.PendingTransfer{Transfer: *intent.Transfer}
	case models.IntentBillPay:
		if intent.BillPay == nil {
			return false
		}
		pending = models.PendingBillPay{BillPay: *intent.BillPay}
	default:
		return false
	}
	if pending.Validate() != nil {
		return false
	}
	s.Pending = pending
	return true
}

// dispatchPending turns the pending intent into its money-movement command
// and clears it. A new request re-arms the completion preview.
func dispatchPending(s *models.ConversationSaga, in Input) (messages.Message, bool) {
	var cmd messages.Message
	switch p := s.Pending.(type) {
	case models.PendingTransfer:
		cmd = messages.TransferRequest{UserID: s.UserID, Payload: p.Transfer, Reference: messages.Reference(in.CauseID)}
	case models.PendingBillPay:
		cmd = messages.BillPayRequest{UserID: s.UserID, Payload: p.BillPay, Reference: messages.Reference(in.CauseID)}
	default:
		return nil, false
	}
	s.Pending = nil
	s.PreviewPublished = false
	return cmd, true
}

// Any state

func transferCompleted(s *models.ConversationSaga, msg messages.Message, in Input) Outcome {
	if s.PreviewPublished {
		return Outcome{Ignored: "preview already published"}
	}
	s.PreviewPublished = true
	return stay(messages.PreviewRequest{
		CorrelationID: s.CorrelationID,
		TransactionID: msg.(messages.TransferCompleted).Reference,
	})
}

func transferFailed(s *models.ConversationSaga, msg messages.Message, in Input) Outcome {
	return stay(nudge(s, messages.NudgeTransferFailed, msg.(messages.TransferFailed).Reason))
}

func recurringExecuted(s *models.ConversationSaga, msg messages.Message, in Input) Outcome {
	cmd, ok := dispatchPending(s, in)
	if !ok {
		return Outcome{Ignored: "no pending intent"}
	}
	return stay(cmd)
}

func recurringFailed(s *models.ConversationSaga, msg messages.Message, in Input) Outcome {
	return moveTo(models.StateAwaitingPinValidate)
}

func recurringCancelled(s *models.ConversationSaga, msg messages.Message, in Input) Outcome {
	if s.Pending == nil {
		return Outcome{Ignored: "no pending intent"}
	}
	s.Pending = nil
	return stay()
}
