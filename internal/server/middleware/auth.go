package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

const XAdminToken = "x-admin-token"

// AdminToken accepts a request carrying token either as a bearer token or
// in the x-admin-token header. An empty token disables the check.
func AdminToken(token string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		if token == "" {
			return next
		}
		want := []byte(token)
		return func(c echo.Context) error {
			got := c.Request().Header.Get(XAdminToken)
			if got == "" {
				auth := c.Request().Header.Get(echo.HeaderAuthorization)
				got = strings.TrimPrefix(auth, "Bearer ")
				if got == auth {
					got = ""
				}
			}
			if got == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing admin token")
			}
			if subtle.ConstantTimeCompare([]byte(got), want) != 1 {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid admin token")
			}
			return next(c)
		}
	}
}
