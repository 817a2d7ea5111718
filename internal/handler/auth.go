package handler

import (
	"context"      // provides context with cancellation for DB calls
	"database/sql" // SQL database interactions
	"errors"       // sentinel matching for repository/service failures
	"log"          // best-effort event publication logging
	"net/http"     // HTTP status codes and primitives
	"strings"      // string manipulation utilities
	"time"         // timeouts for DB calls

	"github.com/labstack/echo/v4" // Echo framework for HTTP routing

	"github.com/powimod/comaint/internal/api"        // wire-level contract
	"github.com/powimod/comaint/internal/auth"       // session authority
	"github.com/powimod/comaint/internal/config"     // app configuration
	"github.com/powimod/comaint/internal/middleware" // identity context keys and staging
	"github.com/powimod/comaint/internal/model"      // user and context models
	"github.com/powimod/comaint/internal/queue"      // broker event payloads
	"github.com/powimod/comaint/internal/repository" // DB repositories
	"github.com/powimod/comaint/internal/utils"      // helper functions (hashing, codes)
)

// RegistrationPublisher delivers the validation code of a new account
// to the mailer queue. Optional; nil disables publication.
type RegistrationPublisher interface {
	PublishUserRegistered(ctx context.Context, ev queue.UserRegisteredEvent) error
}

// AuthHandler bundles dependencies for auth endpoints.
type AuthHandler struct {
	Cfg       config.Config
	Users     *repository.UserRepo
	Sessions  *auth.SessionService
	Publisher RegistrationPublisher
}

func NewAuthHandler(cfg config.Config, u *repository.UserRepo, s *auth.SessionService, p RegistrationPublisher) *AuthHandler {
	return &AuthHandler{Cfg: cfg, Users: u, Sessions: s, Publisher: p}
}

// ----- DTOs -----

type registerReq struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}
type loginReq struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}
type validateReq struct {
	Code int `json:"code"`
}

type userPart struct {
	ID        uint64 `json:"id"`
	Email     string `json:"email"`
	Confirmed bool   `json:"confirmed"`
}

// Register: create an unconfirmed user, hand the validation code to
// the mailer queue and return an initial (unconfirmed) token pair.
func (h *AuthHandler) Register(c echo.Context) error {
	var req registerReq
	if err := c.Bind(&req); err != nil {
		return respondError(c, http.StatusBadRequest, api.KindInvalidRequest, "invalid body")
	}
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	if req.Email == "" || req.Password == "" {
		return respondError(c, http.StatusBadRequest, api.KindInvalidRequest, "email/password required")
	}
	if len(req.Password) < 8 {
		return respondError(c, http.StatusBadRequest, api.KindInvalidRequest, "password too short")
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	code, err := utils.NewValidationCode()
	if err != nil {
		return respondError(c, http.StatusInternalServerError, api.KindInternal, "create user failed")
	}
	uid, err := h.Users.Create(ctx, req.Email, req.Password, code, h.Cfg.BcryptCost)
	if err != nil {
		if errors.Is(err, repository.ErrEmailExists) {
			return respondError(c, http.StatusConflict, api.KindInvalidRequest, "email already exists")
		}
		return respondError(c, http.StatusInternalServerError, api.KindInternal, "create user failed")
	}
	u, err := h.Users.GetByID(ctx, uid)
	if err != nil {
		return respondError(c, http.StatusInternalServerError, api.KindInternal, "load user failed")
	}

	pair, err := h.Sessions.IssueInitialPair(ctx, u)
	if err != nil {
		return respondError(c, http.StatusInternalServerError, api.KindInternal, "issue tokens failed")
	}

	if h.Publisher != nil {
		ev := queue.UserRegisteredEvent{
			UserID:         uid,
			Email:          u.Email,
			ValidationCode: code,
			RegisteredAt:   time.Now().UTC().Format(time.RFC3339),
		}
		if err := h.Publisher.PublishUserRegistered(ctx, ev); err != nil {
			// The mailer will not see this account until the user
			// retries; registration itself still succeeded.
			log.Printf("auth: user-registered publish failed for %q: %v", u.Email, err)
		}
	}

	setPairHeaders(c, pair.AccessToken, pair.RefreshToken)
	middleware.StageContext(c, model.IdentityContext{Email: u.Email, Connected: true})
	return respondJSON(c, http.StatusCreated, echo.Map{
		"user": userPart{ID: uid, Email: u.Email},
	})
}

// Validate: check the registration code for the pending session and
// upgrade it to a confirmed one.
func (h *AuthHandler) Validate(c echo.Context) error {
	var req validateReq
	if err := c.Bind(&req); err != nil {
		return respondError(c, http.StatusBadRequest, api.KindInvalidRequest, "invalid body")
	}
	uid, _ := c.Get(middleware.CtxUserID).(uint64)
	if uid == 0 {
		return respondError(c, http.StatusUnauthorized, api.KindUnauthorized, "authentication required")
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	u, err := h.Users.GetByID(ctx, uid)
	if err != nil {
		return respondError(c, http.StatusInternalServerError, api.KindInternal, "load user failed")
	}
	if !u.Confirmed {
		if u.ValidationCode == nil || *u.ValidationCode != req.Code {
			return respondError(c, http.StatusUnauthorized, api.KindUnauthorized, "invalid validation code")
		}
		if err := h.Users.Confirm(ctx, uid); err != nil {
			return respondError(c, http.StatusInternalServerError, api.KindInternal, "confirm failed")
		}
		u.Confirmed = true
	}

	pair, err := h.Sessions.IssueConfirmedPair(ctx, u)
	if err != nil {
		if errors.Is(err, auth.ErrAccountLocked) {
			return respondError(c, http.StatusUnauthorized, api.KindUnauthorized, "account locked")
		}
		return respondError(c, http.StatusInternalServerError, api.KindInternal, "issue tokens failed")
	}
	// The pending session's refresh record is superseded; drop it so
	// no orphan rows accumulate.
	if old, _ := c.Get(middleware.CtxRefreshID).(string); old != "" {
		_ = h.Sessions.Revoke(ctx, old)
	}

	setPairHeaders(c, pair.AccessToken, pair.RefreshToken)
	middleware.StageContext(c, model.IdentityContext{
		Email:          u.Email,
		Connected:      true,
		Administrator:  u.Administrator,
		CompanyPresent: u.CompanyID != nil,
	})
	return respondJSON(c, http.StatusOK, echo.Map{
		"user": userPart{ID: u.ID, Email: u.Email, Confirmed: true},
	})
}

// Login: verify credentials and return a fresh pair. Unconfirmed
// accounts get a pending pair so they can still validate their code.
func (h *AuthHandler) Login(c echo.Context) error {
	var req loginReq
	if err := c.Bind(&req); err != nil {
		return respondError(c, http.StatusBadRequest, api.KindInvalidRequest, "invalid body")
	}
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	if req.Email == "" || req.Password == "" {
		return respondError(c, http.StatusBadRequest, api.KindInvalidRequest, "email/password required")
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	u, err := h.Users.GetByEmail(ctx, req.Email)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return respondError(c, http.StatusUnauthorized, api.KindUnauthorized, "invalid credentials")
		}
		return respondError(c, http.StatusInternalServerError, api.KindInternal, "query failed")
	}
	if !utils.VerifyPassword(u.PasswordHash, req.Password) {
		return respondError(c, http.StatusUnauthorized, api.KindUnauthorized, "invalid credentials")
	}

	var pair auth.Pair
	if u.Confirmed {
		pair, err = h.Sessions.IssueConfirmedPair(ctx, u)
	} else {
		pair, err = h.Sessions.IssueInitialPair(ctx, u)
	}
	if err != nil {
		if errors.Is(err, auth.ErrAccountLocked) {
			return respondError(c, http.StatusUnauthorized, api.KindUnauthorized, "account locked")
		}
		return respondError(c, http.StatusInternalServerError, api.KindInternal, "issue tokens failed")
	}

	setPairHeaders(c, pair.AccessToken, pair.RefreshToken)
	middleware.StageContext(c, model.IdentityContext{
		Email:          u.Email,
		Connected:      true,
		Administrator:  u.Confirmed && u.Administrator,
		CompanyPresent: u.CompanyID != nil,
	})
	return respondJSON(c, http.StatusOK, echo.Map{
		"user": userPart{ID: u.ID, Email: u.Email, Confirmed: u.Confirmed},
	})
}

// Logout: revoke the current session's refresh record and clear the
// stored credentials. Idempotent; logging out twice is not an error.
func (h *AuthHandler) Logout(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	if refreshID, _ := c.Get(middleware.CtxRefreshID).(string); refreshID != "" {
		if err := h.Sessions.Revoke(ctx, refreshID); err != nil {
			return respondError(c, http.StatusInternalServerError, api.KindInternal, "logout failed")
		}
	}

	clearPairHeaders(c)
	middleware.StageContext(c, model.AnonymousContext())
	return respondJSON(c, http.StatusOK, echo.Map{})
}

// Refresh: explicit rotation endpoint. The session middleware
// performs the rotation when the refresh header is present; a renewed
// pair staged on the response is the proof it did. A caller arriving
// here on a still-valid access token did not rotate anything and gets
// told to send its refresh token instead.
func (h *AuthHandler) Refresh(c echo.Context) error {
	if c.Response().Header().Get(api.HeaderRefreshToken) == "" {
		return respondError(c, http.StatusUnauthorized, api.KindUnauthorized, "refresh token required")
	}
	return respondJSON(c, http.StatusOK, echo.Map{})
}

// Context: return the caller's current identity context without
// touching any state.
func (h *AuthHandler) Context(c echo.Context) error {
	connected, _ := c.Get(middleware.CtxConnected).(bool)
	if !connected {
		return c.JSON(http.StatusOK, model.AnonymousContext())
	}
	email, _ := c.Get(middleware.CtxEmail).(string)
	admin, _ := c.Get(middleware.CtxAdministrator).(bool)
	companyID, _ := c.Get(middleware.CtxCompanyID).(*uint64)
	return c.JSON(http.StatusOK, model.IdentityContext{
		Email:          email,
		Connected:      true,
		Administrator:  admin,
		CompanyPresent: companyID != nil,
	})
}
