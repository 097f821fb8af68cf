package httpserver

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// authOK accepts the bridge password as ?password=, a Bearer token or
// X-Auth-Token. An empty expected password disables the check.
func authOK(r *http.Request, expected string) bool {
	if expected == "" {
		return true
	}
	if r == nil {
		return false
	}
	if q := r.URL.Query().Get("password"); q != "" && same(q, expected) {
		return true
	}
	ah := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(ah), "bearer ") {
		if same(strings.TrimSpace(ah[len("Bearer "):]), expected) {
			return true
		}
	}
	if x := r.Header.Get("X-Auth-Token"); x != "" && same(x, expected) {
		return true
	}
	return false
}

func same(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// requirePassword rejects requests without the bridge password. Health checks
// and CORS preflights pass through.
func requirePassword(password string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			r := c.Request()
			if r.URL.Path == "/healthz" || r.Method == http.MethodOptions {
				return next(c)
			}
			if !authOK(r, password) {
				return c.JSON(http.StatusUnauthorized, errorBody{Error: "unauthorized"})
			}
			return next(c)
		}
	}
}
