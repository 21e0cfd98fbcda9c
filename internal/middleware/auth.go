package middleware

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/avoronov/accounts/internal/logging"
	"github.com/avoronov/accounts/internal/tokens"
)

type AuthMiddleware struct {
	AccessSecret []byte
}

func NewAuthMiddleware(accessSecret []byte) *AuthMiddleware {
	return &AuthMiddleware{AccessSecret: accessSecret}
}

// RequireAuth verifies the access token from the accessToken cookie or the
// Authorization header and attaches the identity claims to the context.
func (m *AuthMiddleware) RequireAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		l := logging.FromContext(c.Request().Context()).With("middleware", "require_auth")

		tokenStr := tokenFromRequest(c)
		if tokenStr == "" {
			return echo.NewHTTPError(http.StatusUnauthorized, "missing access token")
		}

		claims, err := tokens.AccessClaimsFromToken(tokenStr, m.AccessSecret)
		if err != nil {
			if tokens.IsExpired(err) {
				l.Warn("auth_failed", "status", 401, "reason", "access token expired")
			} else {
				l.Warn("auth_failed", "status", 401, "reason", "invalid access token", "error", err)
			}
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid access token")
		}

		userID, err := claims.UserID()
		if err != nil {
			l.Warn("auth_failed", "status", 401, "reason", "bad subject claim")
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid access token")
		}

		c.Set("userID", userID)
		c.Set("claims", claims)
		return next(c)
	}
}

func tokenFromRequest(c echo.Context) string {
	if cookie, err := c.Cookie("accessToken"); err == nil && cookie.Value != "" {
		return cookie.Value
	}

	auth := c.Request().Header.Get(echo.HeaderAuthorization)
	if after, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return after
	}
	return ""
}
