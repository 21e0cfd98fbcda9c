package httpserver

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/avoronov/accounts/internal/logging"
	"github.com/avoronov/accounts/internal/service"
	"github.com/avoronov/accounts/internal/tokens"
)

type AccountHTTP struct {
	Svc *service.AccountService
}

type registerRequest struct {
	FullName string `json:"fullName"`
	Email    string `json:"email"`
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Username string `json:"username"`
	Password string `json:"password"`
}

type changePasswordRequest struct {
	OldPassword string `json:"oldPassword"`
	NewPassword string `json:"newPassword"`
}

func (h *AccountHTTP) Register(c echo.Context) error {
	ctx := c.Request().Context()
	l := logging.FromContext(ctx).With("handler", "register")

	var req registerRequest
	if err := c.Bind(&req); err != nil {
		l.Warn("register_error", "status", 400, "error", err)
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}

	user, err := h.Svc.Register(ctx, req.FullName, req.Email, req.Username, req.Password)
	if err != nil {
		return httpError(err)
	}

	return c.JSON(http.StatusCreated, user)
}

func (h *AccountHTTP) Login(c echo.Context) error {
	ctx := c.Request().Context()
	l := logging.FromContext(ctx).With("handler", "login")

	var req loginRequest
	if err := c.Bind(&req); err != nil {
		l.Warn("login_error", "status", 400, "error", err)
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}

	user, pair, err := h.Svc.Login(ctx, req.Username, req.Email, req.Password)
	if err != nil {
		return httpError(err)
	}

	setTokenCookies(c, pair)

	return c.JSON(http.StatusOK, echo.Map{
		"user":         user,
		"accessToken":  pair.AccessToken,
		"refreshToken": pair.RefreshToken,
	})
}

func (h *AccountHTTP) RefreshToken(c echo.Context) error {
	ctx := c.Request().Context()

	incoming := ""
	if cookie, err := c.Cookie("refreshToken"); err == nil {
		incoming = cookie.Value
	}
	if incoming == "" {
		var req struct {
			RefreshToken string `json:"refreshToken"`
		}
		if err := c.Bind(&req); err == nil {
			incoming = req.RefreshToken
		}
	}

	pair, err := h.Svc.Refresh(ctx, incoming)
	if err != nil {
		return httpError(err)
	}

	setTokenCookies(c, pair)

	return c.JSON(http.StatusOK, echo.Map{
		"accessToken":  pair.AccessToken,
		"refreshToken": pair.RefreshToken,
	})
}

func (h *AccountHTTP) Logout(c echo.Context) error {
	ctx := c.Request().Context()

	userID, ok := c.Get("userID").(uint)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "missing access token")
	}

	if err := h.Svc.Logout(ctx, userID); err != nil {
		return httpError(err)
	}

	c.SetCookie(DeleteCookie("accessToken", "/"))
	c.SetCookie(DeleteCookie("refreshToken", "/"))

	return c.JSON(http.StatusOK, echo.Map{
		"message": "logged out",
	})
}

func (h *AccountHTTP) ChangePassword(c echo.Context) error {
	ctx := c.Request().Context()
	l := logging.FromContext(ctx).With("handler", "change_password")

	userID, ok := c.Get("userID").(uint)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "missing access token")
	}

	var req changePasswordRequest
	if err := c.Bind(&req); err != nil {
		l.Warn("change_password_error", "status", 400, "error", err)
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}

	if err := h.Svc.ChangePassword(ctx, userID, req.OldPassword, req.NewPassword); err != nil {
		return httpError(err)
	}

	return c.JSON(http.StatusOK, echo.Map{})
}

func (h *AccountHTTP) CurrentUser(c echo.Context) error {
	claims, ok := c.Get("claims").(*tokens.AccessClaims)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "missing access token")
	}

	return c.JSON(http.StatusOK, claims)
}

func (h *AccountHTTP) GetUsers(c echo.Context) error {
	users, err := h.Svc.Users(c.Request().Context())
	if err != nil {
		return httpError(err)
	}

	return c.JSON(http.StatusOK, users)
}

func (h *AccountHTTP) SearchUsers(c echo.Context) error {
	query := c.QueryParam("q")
	if query == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query parameter q is required")
	}

	from, _ := strconv.Atoi(c.QueryParam("from"))
	size, err := strconv.Atoi(c.QueryParam("size"))
	if err != nil || size <= 0 || size > 100 {
		size = 20
	}

	total, users, err := h.Svc.SearchUsers(c.Request().Context(), query, from, size)
	if err != nil {
		return httpError(err)
	}

	return c.JSON(http.StatusOK, echo.Map{
		"total": total,
		"users": users,
	})
}

func setTokenCookies(c echo.Context, pair *service.TokenPair) {
	c.SetCookie(CreateCookie("accessToken", pair.AccessToken, "/", pair.AccessExp))

	refreshCookie := CreateCookie("refreshToken", pair.RefreshToken, "/", pair.RefreshExp)
	refreshCookie.MaxAge = refreshCookieMaxAge
	c.SetCookie(refreshCookie)
}
