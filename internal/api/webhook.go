package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/chatbank/internal/messages"
	"github.com/chatbank/pkg/models"
)

// Mandate provider webhook event types
const (
	MandateEventApproved = "mandate.approved"
	MandateEventFailed   = "mandate.failed"
)

// maxWebhookBody bounds the provider callback body.
const maxWebhookBody = 64 << 10

// webhookNamespace seeds message ids so a redelivered provider event maps to the same message.
var webhookNamespace = uuid.MustParse("0b6f3c5e-2f7a-4c1d-8a57-93e6d2b4c0f9")

// MandateWebhookEvent is a callback from the mandate provider.
type MandateWebhookEvent struct {
	EventID   string `json:"event_id"`
	Event     string `json:"event"`
	Reference string `json:"reference"` // correlation id sent as the mandate reference
	MandateID string `json:"mandate_id"`
	Provider  string `json:"provider"`
	Reason    string `json:"reason,omitempty"`
}

// MandateWebhookHandler turns provider callbacks into mandate saga events
type MandateWebhookHandler struct {
	runtime       Runtime
	webhookSecret string
}

// NewMandateWebhookHandler creates a new mandate webhook handler
func NewMandateWebhookHandler(runtime Runtime, webhookSecret string) *MandateWebhookHandler {
	return &MandateWebhookHandler{runtime: runtime, webhookSecret: webhookSecret}
}

// HandleWebhook processes one provider callback
func (h *MandateWebhookHandler) HandleWebhook(c echo.Context) error {
	// Read the raw body
	body, err := io.ReadAll(http.MaxBytesReader(c.Response(), c.Request().Body, maxWebhookBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return c.JSON(http.StatusRequestEntityTooLarge, map[string]string{
				"error": "request body too large",
			})
		}
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "failed to read request body",
		})
	}

	// Verify webhook signature
	signature := c.Request().Header.Get("X-Mandate-Signature")
	if !h.verifySignature(body, signature) {
		return c.JSON(http.StatusUnauthorized, map[string]string{
			"error": "invalid webhook signature",
		})
	}

	var event MandateWebhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "invalid JSON payload",
		})
	}

	env, err := event.Envelope(time.Now())
	if err != nil {
		log.Warn().Err(err).Str("event", event.Event).Msg("rejected mandate webhook")
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": err.Error(),
		})
	}

	if err := h.runtime.Publish(c.Request().Context(), env); err != nil {
		log.Error().Err(err).Str("event_id", event.EventID).Msg("failed to publish mandate webhook")
		// Non-2xx makes the provider retry; the derived message id dedupes the retry.
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "failed to accept event",
		})
	}

	log.Info().
		Str("event_id", event.EventID).
		Str("event", event.Event).
		Str("correlation_id", event.Reference).
		Msg("mandate webhook accepted")
	return c.JSON(http.StatusOK, map[string]string{
		"status":     "accepted",
		"message_id": env.MessageID,
	})
}

// verifySignature checks the hex HMAC-SHA256 of body. With no secret configured every request passes.
func (h *MandateWebhookHandler) verifySignature(body []byte, signature string) bool {
	if h.webhookSecret == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(signature), []byte(SignWebhook(h.webhookSecret, body))) == 1
}

// SignWebhook returns the signature the provider sends for body.
func SignWebhook(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Envelope converts the event into the mandate saga message it reports.
func (e MandateWebhookEvent) Envelope(now time.Time) (messages.Envelope, error) {
	if strings.TrimSpace(e.EventID) == "" {
		return messages.Envelope{}, fmt.Errorf("event_id is required")
	}
	if strings.TrimSpace(e.Reference) == "" {
		return messages.Envelope{}, fmt.Errorf("reference is required")
	}

	var msg messages.Message
	switch e.Event {
	case MandateEventApproved:
		msg = messages.MandateApproved{MandateID: e.MandateID, Provider: e.Provider}
	case MandateEventFailed:
		reason := e.Reason
		if reason == "" {
			reason = "mandate rejected by provider"
		}
		msg = messages.MandateSetupFailed{Reason: reason}
	default:
		return messages.Envelope{}, fmt.Errorf("unsupported event %q", e.Event)
	}

	env, err := messages.New(msg, models.RoutingKey{CorrelationID: e.Reference}, now)
	if err != nil {
		return messages.Envelope{}, err
	}
	env.MessageID = uuid.NewSHA1(webhookNamespace, []byte(e.Provider+"/"+e.EventID)).String()
	return env, nil
}
