package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/chatbank/internal/messages"
	"github.com/chatbank/internal/storage"
	"github.com/chatbank/pkg/models"
)

// ConversationResponse is a conversation saga with its pending intent type.
type ConversationResponse struct {
	*models.ConversationSaga
	PendingIntent models.IntentType `json:"pending_intent,omitempty"`
}

// PublishRequest is the body of POST /api/v1/messages.
type PublishRequest struct {
	MessageID string            `json:"message_id,omitempty"`
	Kind      messages.Kind     `json:"kind"`
	Key       models.RoutingKey `json:"key"`
	Payload   json.RawMessage   `json:"payload,omitempty"`
}

func (s *Server) getConversation(c echo.Context) error {
	saga, err := s.runtime.Store().GetConversation(c.Request().Context(), models.RoutingKey{CorrelationID: c.Param("id")})
	if err != nil {
		return storeError(err)
	}
	resp := ConversationResponse{ConversationSaga: saga}
	if saga.Pending != nil {
		resp.PendingIntent = saga.Pending.IntentType()
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) getMandate(c echo.Context) error {
	m, err := s.runtime.Store().GetMandate(c.Request().Context(), c.Param("id"))
	if err != nil {
		return storeError(err)
	}
	return c.JSON(http.StatusOK, m)
}

func (s *Server) getSession(c echo.Context) error {
	rec, err := s.runtime.Store().Sessions().GetByPhone(c.Request().Context(), c.Param("phone"))
	if err != nil {
		return storeError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (s *Server) getDeadLetters(c echo.Context) error {
	limit := 100
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		limit = n
	}
	dead, err := s.runtime.DeadLetters(c.Request().Context(), limit)
	if err != nil {
		log.Error().Err(err).Msg("failed to list dead letters")
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list dead letters")
	}
	if dead == nil {
		dead = []messages.DeadLetter{}
	}
	return c.JSON(http.StatusOK, map[string]any{"dead_letters": dead, "count": len(dead)})
}

func (s *Server) publishMessage(c echo.Context) error {
	var req PublishRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	env, err := req.Envelope(time.Now())
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := s.runtime.Publish(c.Request().Context(), env); err != nil {
		log.Error().Err(err).Str("kind", string(env.Kind)).Msg("failed to publish message")
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to publish message")
	}
	return c.JSON(http.StatusAccepted, map[string]string{"message_id": env.MessageID})
}

// Envelope validates the request and builds the envelope to publish.
func (r PublishRequest) Envelope(now time.Time) (messages.Envelope, error) {
	if !r.Kind.Known() {
		return messages.Envelope{}, errors.New("unknown message kind " + string(r.Kind))
	}
	if r.Key.Empty() {
		return messages.Envelope{}, errors.New("routing key requires a correlation id, user id, or phone")
	}
	payload := json.RawMessage("{}")
	if len(r.Payload) > 0 {
		payload = r.Payload
	}
	id := strings.TrimSpace(r.MessageID)
	if id == "" {
		id = uuid.NewString()
	}
	env := messages.Envelope{
		MessageID: id,
		Kind:      r.Kind,
		Key:       r.Key,
		Payload:   payload,
		CreatedAt: now.UTC(),
	}
	if _, err := messages.Decode(env); err != nil {
		return messages.Envelope{}, err
	}
	return env, nil
}

// storeError maps storage errors to HTTP errors.
func storeError(err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "not found")
	}
	log.Error().Err(err).Msg("store lookup failed")
	return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
}
