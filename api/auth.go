package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/clarinet-dicom/clarinet/auth"
)

// loginRequest carries the login form. The username field holds the
// account email.
type loginRequest struct {
	Username string `json:"username" form:"username"`
	Password string `json:"password" form:"password"`
}

// Login authenticates the credentials and sets the session cookie. Bad
// credentials come back as 400, not 401, so clients can distinguish a
// failed login from a stale session.
func (h *Handler) Login(c echo.Context) error {
	var req loginRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed login request")
	}
	if req.Username == "" || req.Password == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "username and password are required")
	}

	userAgent := c.Request().UserAgent()
	session, _, err := h.auth.Login(c.Request().Context(), req.Username, req.Password, c.RealIP(), userAgent)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid username or password")
		}
		return err
	}

	c.SetCookie(auth.SessionCookie(h.settings.Session.CookieName, session, h.settings.Server.Debug))
	return c.NoContent(http.StatusNoContent)
}

// Logout invalidates the session and clears the cookie. A missing cookie
// is not an error; logout is idempotent.
func (h *Handler) Logout(c echo.Context) error {
	if cookie, err := c.Cookie(h.settings.Session.CookieName); err == nil && cookie.Value != "" {
		if err := h.auth.Logout(c.Request().Context(), cookie.Value); err != nil {
			return err
		}
	}
	c.SetCookie(auth.ClearSessionCookie(h.settings.Session.CookieName, h.settings.Server.Debug))
	return c.NoContent(http.StatusNoContent)
}

// Me returns the authenticated user.
func (h *Handler) Me(c echo.Context) error {
	return c.JSON(http.StatusOK, auth.UserFromContext(c))
}
