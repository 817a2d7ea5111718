package handler // declare the package name; contains HTTP handlers

import (
    "context"      // context carries the ping deadline
    "database/sql" // sql.DB exposes PingContext for the readiness probe
    "net/http"     // net/http provides status codes and response helpers
    "time"         // time builds the ping timeout

    "github.com/labstack/echo/v4" // echo is the web framework used for this project
)

// Health answers liveness and readiness probes. Liveness is implicit
// in answering at all; readiness additionally pings the database,
// since every credential operation needs it. Issuing tokens against
// an unreachable token store would hand out refresh tokens that can
// never rotate.
func Health(db *sql.DB) echo.HandlerFunc {
    return func(c echo.Context) error {
        ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
        defer cancel()
        if err := db.PingContext(ctx); err != nil {
            return c.JSON(http.StatusServiceUnavailable, echo.Map{"status": "degraded"})
        }
        return c.JSON(http.StatusOK, echo.Map{"status": "ok"})
    }
}
