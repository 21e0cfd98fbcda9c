package httpserver

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/avoronov/accounts/internal/middleware"
)

type Deps struct {
	Accounts      *AccountHTTP
	Auth          *middleware.AuthMiddleware
	SearchEnabled bool
}

func Register(e *echo.Echo, d *Deps) {
	e.GET("/health/live", func(c echo.Context) error { return c.NoContent(http.StatusOK) })
	e.GET("/health/ready", func(c echo.Context) error { return c.NoContent(http.StatusOK) })

	e.POST("/register", d.Accounts.Register)
	e.POST("/login", d.Accounts.Login)
	e.GET("/refresh-token", d.Accounts.RefreshToken)

	private := e.Group("")
	private.Use(d.Auth.RequireAuth)

	private.POST("/logout", d.Accounts.Logout)
	private.POST("/change-password", d.Accounts.ChangePassword)
	private.GET("/get-users", d.Accounts.GetUsers)
	private.GET("/current-user", d.Accounts.CurrentUser)
	if d.SearchEnabled {
		private.GET("/search-users", d.Accounts.SearchUsers)
	}
}
