package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndValidate(t *testing.T) {
	svc, err := NewTokenService("s3cret")
	require.NoError(t, err)

	token, err := svc.IssueToken("ops", time.Minute)
	require.NoError(t, err)
	claims, err := svc.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "ops", claims.Subject)
	assert.Equal(t, "admin", claims.Scope)

	other, err := NewTokenService("different")
	require.NoError(t, err)
	_, err = other.ValidateToken(token)
	assert.Error(t, err)

	expired, err := svc.IssueToken("ops", -time.Minute)
	require.NoError(t, err)
	_, err = svc.ValidateToken(expired)
	assert.Error(t, err)

	_, err = NewTokenService(" ")
	assert.Error(t, err)
}

func TestRequireAuth(t *testing.T) {
	svc, err := NewTokenService("s3cret")
	require.NoError(t, err)
	token, err := svc.IssueToken("ops", time.Minute)
	require.NoError(t, err)

	e := echo.New()
	e.GET("/x", func(c echo.Context) error {
		return c.String(http.StatusOK, ClaimsFromContext(c).Subject)
	}, RequireAuth(svc))

	cases := map[string]struct {
		header string
		code   int
	}{
		"missing":   {"", http.StatusUnauthorized},
		"malformed": {"Token " + token, http.StatusUnauthorized},
		"invalid":   {"Bearer nope", http.StatusUnauthorized},
		"valid":     {"Bearer " + token, http.StatusOK},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/x", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)
			assert.Equal(t, tc.code, rec.Code)
			if tc.code == http.StatusOK {
				assert.Equal(t, "ops", rec.Body.String())
			}
		})
	}
}
