package middleware // middleware provides shared request processing for handlers

import (
    "net/http" // http package defines standard HTTP status codes

    "github.com/labstack/echo/v4" // echo provides middleware chaining and context

    "github.com/powimod/comaint/internal/api"
)

// RequireConnected rejects anonymous callers with 401. It assumes the
// Session middleware already ran and initialized the identity keys;
// a missing key is a wiring bug and is treated as anonymous.
func RequireConnected() echo.MiddlewareFunc {
    return func(next echo.HandlerFunc) echo.HandlerFunc {
        return func(c echo.Context) error {
            if !boolKey(c, CtxConnected) {
                return respondError(c, http.StatusUnauthorized, api.KindUnauthorized,
                    "authentication required")
            }
            return next(c)
        }
    }
}

// RequireConfirmed additionally rejects sessions still pending
// registration-code validation. Pending sessions may only hit the
// validation endpoint itself.
func RequireConfirmed() echo.MiddlewareFunc {
    return func(next echo.HandlerFunc) echo.HandlerFunc {
        return func(c echo.Context) error {
            if !boolKey(c, CtxConnected) {
                return respondError(c, http.StatusUnauthorized, api.KindUnauthorized,
                    "authentication required")
            }
            if !boolKey(c, CtxConfirmed) {
                return respondError(c, http.StatusUnauthorized, api.KindUnauthorized,
                    "account not validated")
            }
            return next(c)
        }
    }
}

// RequireAdministrator rejects non-administrator sessions with 403.
func RequireAdministrator() echo.MiddlewareFunc {
    return func(next echo.HandlerFunc) echo.HandlerFunc {
        return func(c echo.Context) error {
            if !boolKey(c, CtxConnected) {
                return respondError(c, http.StatusUnauthorized, api.KindUnauthorized,
                    "authentication required")
            }
            if !boolKey(c, CtxAdministrator) {
                return respondError(c, http.StatusForbidden, api.KindUnauthorized,
                    "administrator privileges required")
            }
            return next(c)
        }
    }
}

func boolKey(c echo.Context, key string) bool {
    v, ok := c.Get(key).(bool)
    return ok && v
}
