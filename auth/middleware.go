package auth

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/clarinet-dicom/clarinet/common"
	"github.com/clarinet-dicom/clarinet/store"
)

// userContextKey is where the middleware stores the resolved user.
const userContextKey = "clarinet.user"

// SessionCookie builds the session cookie for a freshly issued token.
// Secure is dropped in debug mode so local HTTP setups work.
func SessionCookie(name string, session *store.AccessToken, debug bool) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    session.Token,
		Path:     "/",
		Expires:  session.ExpiresAt,
		HttpOnly: true,
		Secure:   !debug,
		SameSite: http.SameSiteLaxMode,
	}
}

// ClearSessionCookie builds the expired cookie sent on logout.
func ClearSessionCookie(name string, debug bool) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   !debug,
		SameSite: http.SameSiteLaxMode,
	}
}

// Middleware validates the session cookie on every request and puts the
// user into the echo context. Requests without a valid session are
// rejected with 401.
func Middleware(service *Service, cookieName string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			token := ""
			if cookie, err := c.Cookie(cookieName); err == nil {
				token = cookie.Value
			}
			user, err := service.Validate(c.Request().Context(), token, c.RealIP())
			if err != nil {
				return echo.NewHTTPError(common.HTTPStatus(err), err.Error())
			}
			c.Set(userContextKey, user)
			return next(c)
		}
	}
}

// RequireRole gates a route group on a role name. Superusers pass every
// gate.
func RequireRole(role string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			user := UserFromContext(c)
			if user == nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "no session")
			}
			if !user.HasRole(role) {
				return echo.NewHTTPError(http.StatusForbidden, "missing role "+role)
			}
			return next(c)
		}
	}
}

// UserFromContext returns the authenticated user set by Middleware, or nil.
func UserFromContext(c echo.Context) *store.User {
	user, _ := c.Get(userContextKey).(*store.User)
	return user
}
