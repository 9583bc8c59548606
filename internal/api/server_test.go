package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatbank/internal/api/auth"
	"github.com/chatbank/internal/app"
	"github.com/chatbank/internal/config"
	"github.com/chatbank/internal/outbound"
	"github.com/chatbank/pkg/models"
)

func newTestServer(t *testing.T, secret string) (*Server, *app.App) {
	t.Helper()
	cfg, err := config.LoadConfig(filepath.Join(t.TempDir(), "missing.toml"))
	require.NoError(t, err)
	cfg.Queue.RetryInterval = time.Millisecond

	rt, err := app.New(context.Background(), cfg, app.Options{Sink: outbound.NewRecorder(64)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close() })

	srv, err := NewServer(rt, Options{JWTSecret: secret, WebhookSecret: "whsec"})
	require.NoError(t, err)
	return srv, rt
}

func do(t *testing.T, srv *Server, method, path, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t, "")
	rec := do(t, srv, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"healthy"}`, rec.Body.String())
}

func TestPublishThenInspect(t *testing.T) {
	srv, rt := newTestServer(t, "")
	phone := "+2348000000010"

	rec := do(t, srv, http.MethodPost, "/api/v1/messages",
		`{"kind":"intent.detected","key":{"phone":"`+phone+`"},"payload":{"phone":"`+phone+`","intent":"Signup"}}`, "")
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	require.NoError(t, rt.Flush(context.Background()))

	saga, err := rt.Store().GetConversation(context.Background(), models.RoutingKey{Phone: phone})
	require.NoError(t, err)

	rec = do(t, srv, http.MethodGet, "/api/v1/sagas/conversation/"+saga.CorrelationID, "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, string(models.StateAskFullName), got["current_state"])
	assert.Equal(t, phone, got["phone"])

	rec = do(t, srv, http.MethodGet, "/api/v1/sessions/"+phone, "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"conversation_state":"AskFullName"`)

	rec = do(t, srv, http.MethodGet, "/api/v1/sagas/mandate/"+saga.CorrelationID, "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, srv, http.MethodGet, "/api/v1/dead-letters?limit=5", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"dead_letters":[],"count":0}`, rec.Body.String())
}

func TestPublishValidation(t *testing.T) {
	srv, _ := newTestServer(t, "")
	cases := map[string]string{
		"unknown kind":  `{"kind":"nope","key":{"phone":"p"}}`,
		"empty key":     `{"kind":"intent.detected","payload":{}}`,
		"bad payload":   `{"kind":"nin.provided","key":{"phone":"p"},"payload":{"nin":42}}`,
		"not json":      `{`,
		"array payload": `{"kind":"intent.detected","key":{"phone":"p"},"payload":[1]}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			rec := do(t, srv, http.MethodPost, "/api/v1/messages", body, "")
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}

	rec := do(t, srv, http.MethodGet, "/api/v1/dead-letters?limit=zero", "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminRoutesRequireToken(t *testing.T) {
	srv, _ := newTestServer(t, "s3cret")

	assert.Equal(t, http.StatusOK, do(t, srv, http.MethodGet, "/health", "", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, srv, http.MethodGet, "/api/v1/dead-letters", "", "").Code)

	tokens, err := auth.NewTokenService("s3cret")
	require.NoError(t, err)
	token, err := tokens.IssueToken("ops", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, do(t, srv, http.MethodGet, "/api/v1/dead-letters", "", token).Code)
}
