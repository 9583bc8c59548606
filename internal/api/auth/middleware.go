package auth

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// ContextKey represents keys for context values
type ContextKey string

// ClaimsContextKey holds the validated *JWTClaims of the request.
const ClaimsContextKey ContextKey = "claims"

// RequireAuth creates bearer-token authentication middleware
func RequireAuth(tokenService *TokenService) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			// Extract token from Authorization header
			authHeader := c.Request().Header.Get("Authorization")
			if authHeader == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "Authorization header required")
			}

			// Check Bearer token format
			tokenParts := strings.Split(authHeader, " ")
			if len(tokenParts) != 2 || tokenParts[0] != "Bearer" {
				return echo.NewHTTPError(http.StatusUnauthorized, "Invalid authorization header format")
			}

			claims, err := tokenService.ValidateToken(tokenParts[1])
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "Invalid or expired token")
			}

			c.Set(string(ClaimsContextKey), claims)
			return next(c)
		}
	}
}

// ClaimsFromContext returns the claims RequireAuth stored, or nil.
func ClaimsFromContext(c echo.Context) *JWTClaims {
	claims, _ := c.Get(string(ClaimsContextKey)).(*JWTClaims)
	return claims
}
