package router // package router defines how HTTP routes are registered for the API

import (
	"database/sql" // database handle passed through to the health probe

	"github.com/labstack/echo/v4"  // import the Echo web framework to handle routing
	"github.com/redis/go-redis/v9" // Redis backs the rate limiter on credential endpoints

	"github.com/powimod/comaint/internal/auth"       // session authority driven by the gate
	"github.com/powimod/comaint/internal/config"     // rate limit configuration
	"github.com/powimod/comaint/internal/handler"    // import the handlers that implement business logic
	"github.com/powimod/comaint/internal/middleware" // session gate, guards and rate limiting
)

// RegisterRoutes registers routes that do not require authentication
// on the provided Echo instance. Currently it exposes only a health
// check, used by load balancers and monitoring to verify the service
// is up.
func RegisterRoutes(e *echo.Echo, db *sql.DB) {
	e.GET("/healthz", handler.Health(db))
}

// RegisterAuth wires the session gate ahead of every API route and
// registers the auth endpoints. The gate resolves the caller's
// identity from the credential headers on each request; per-route
// guards enforce authorization on top of the identity fields it
// leaves in the context.
//
// Credential-issuing endpoints (register, login, validate) sit behind
// the Redis token-bucket limiter so password guessing and code
// guessing stay expensive.
func RegisterAuth(e *echo.Echo, a *handler.AuthHandler, sessions *auth.SessionService,
	rlCfg config.RateLimitConfig, rdb *redis.Client, allowEmulation bool) {

	v1 := e.Group("/api/v1")
	v1.Use(middleware.Session(sessions, allowEmulation))

	g := v1.Group("/auth")

	limited := g.Group("")
	limited.Use(middleware.NewTokenBucket(rlCfg, rdb))
	limited.POST("/register", a.Register)
	limited.POST("/login", a.Login)
	// Validation runs under a pending session, so it sits behind the
	// gate like everything else but only needs a connected caller.
	limited.POST("/validate", a.Validate, middleware.RequireConnected())

	g.POST("/logout", a.Logout)
	g.POST("/refresh", a.Refresh)
	g.GET("/context", a.Context)
}

// RegisterAdmin registers the administrative account operations under
// /api/v1/admin. The group installs its own session gate; echo groups
// do not inherit middleware across separately created prefixes.
func RegisterAdmin(e *echo.Echo, adm *handler.AdminHandler, sessions *auth.SessionService, allowEmulation bool) {
	g := e.Group("/api/v1/admin")
	g.Use(middleware.Session(sessions, allowEmulation))
	g.Use(middleware.RequireConfirmed(), middleware.RequireAdministrator())
	g.POST("/accounts/:id/unlock", adm.UnlockAccount)
	g.POST("/accounts/:id/revoke-sessions", adm.RevokeSessions)
}
