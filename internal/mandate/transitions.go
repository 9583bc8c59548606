package mandate

import (
	"github.com/chatbank/internal/messages"
	"github.com/chatbank/pkg/models"
)

// Outcome is what a mandate transition decided. An empty Next keeps the state.
type Outcome struct {
	Next     models.MandateState
	Commands []messages.Message
	Ignored  string
}

type transition func(s *models.MandateSaga, msg messages.Message) Outcome

type dispatchKey struct {
	state models.MandateState
	kind  messages.Kind
}

var dispatch = map[dispatchKey]transition{
	{models.MandateInitial, messages.KindStartMandateSetup}:           startSetup,
	{models.MandateFailed, messages.KindStartMandateSetup}:            startSetup,
	{models.MandateAwaitingApproval, messages.KindStartMandateSetup}:  alreadyRequested,
	{models.MandateAwaitingApproval, messages.KindMandateCreated}:     mandateCreated,
	{models.MandateAwaitingApproval, messages.KindMandateApproved}:    mandateApproved,
	{models.MandateAwaitingApproval, messages.KindMandateSetupFailed}: setupFailed,
	{models.MandateReady, messages.KindStartMandateSetup}:             reemitReady,
}

func lookup(state models.MandateState, kind messages.Kind) (transition, bool) {
	t, ok := dispatch[dispatchKey{state, kind}]
	return t, ok
}

func startSetup(s *models.MandateSaga, msg messages.Message) Outcome {
	start := msg.(messages.StartMandateSetup)
	s.Phone = start.Phone
	s.FullName = start.FullName
	s.MaxAmount = start.MaxAmount
	s.LastFailureReason = ""
	return Outcome{
		Next: models.MandateAwaitingApproval,
		Commands: []messages.Message{messages.CreateMandateRequest{
			CorrelationID: s.CorrelationID,
			FullName:      start.FullName,
			Phone:         start.Phone,
			BVN:           start.BVN,
			MaxAmount:     start.MaxAmount,
		}},
	}
}

func alreadyRequested(s *models.MandateSaga, msg messages.Message) Outcome {
	return Outcome{Ignored: "mandate request already in flight"}
}

func mandateCreated(s *models.MandateSaga, msg messages.Message) Outcome {
	created := msg.(messages.MandateCreated)
	s.MandateID = created.MandateID
	s.ProviderName = created.Provider
	return Outcome{}
}

func mandateApproved(s *models.MandateSaga, msg messages.Message) Outcome {
	approved := msg.(messages.MandateApproved)
	if approved.MandateID != "" {
		s.MandateID = approved.MandateID
	}
	if approved.Provider != "" {
		s.ProviderName = approved.Provider
	}
	return Outcome{
		Next:     models.MandateReady,
		Commands: []messages.Message{messages.MandateReady{MandateID: s.MandateID, Provider: s.ProviderName}},
	}
}

func setupFailed(s *models.MandateSaga, msg messages.Message) Outcome {
	reason := msg.(messages.MandateSetupFailed).Reason
	s.LastFailureReason = reason
	return Outcome{
		Next:     models.MandateFailed,
		Commands: []messages.Message{messages.Nudge{Type: messages.NudgeBankLinkFailed, Phone: s.Phone, Text: reason}},
	}
}

func reemitReady(s *models.MandateSaga, msg messages.Message) Outcome {
	return Outcome{Commands: []messages.Message{messages.MandateReady{MandateID: s.MandateID, Provider: s.ProviderName}}}
}
