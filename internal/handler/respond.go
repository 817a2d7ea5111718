package handler

import (
    "github.com/labstack/echo/v4"

    "github.com/powimod/comaint/internal/api"
    "github.com/powimod/comaint/internal/middleware"
)

// respondJSON writes a success payload, merging any staged
// identity-context update under the reserved field. Handlers that
// change auth state stage a context through the middleware package;
// everything else passes through untouched.
func respondJSON(c echo.Context, status int, payload echo.Map) error {
    if ctx, ok := middleware.StagedContext(c); ok {
        payload[api.ContextField] = ctx
    }
    return c.JSON(status, payload)
}

// respondError writes the uniform error body. Every non-2xx response
// of the API carries this shape.
func respondError(c echo.Context, status int, kind api.ErrorKind, message string) error {
    return c.JSON(status, api.ErrorResponse{Message: message, Error: kind})
}

// setPairHeaders stages a renewed credential pair on the response.
func setPairHeaders(c echo.Context, access, refresh string) {
    h := c.Response().Header()
    h.Set(api.HeaderAccessToken, access)
    h.Set(api.HeaderRefreshToken, refresh)
}

// clearPairHeaders instructs the client to drop both stored tokens.
func clearPairHeaders(c echo.Context) {
    setPairHeaders(c, "", "")
}
