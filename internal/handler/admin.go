package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/powimod/comaint/internal/api"
	"github.com/powimod/comaint/internal/auth"
	"github.com/powimod/comaint/internal/repository"
)

// AdminHandler exposes the out-of-band account operations reserved to
// administrators.
type AdminHandler struct {
	Users    *repository.UserRepo
	Sessions *auth.SessionService
}

func NewAdminHandler(u *repository.UserRepo, s *auth.SessionService) *AdminHandler {
	return &AdminHandler{Users: u, Sessions: s}
}

// UnlockAccount clears the account-locked flag set by replay
// detection. The user signs in again from scratch afterwards; no
// token is minted here.
func (h *AdminHandler) UnlockAccount(c echo.Context) error {
	uid, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || uid == 0 {
		return respondError(c, http.StatusBadRequest, api.KindInvalidRequest, "invalid user id")
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	if err := h.Users.Unlock(ctx, uid); err != nil {
		return respondError(c, http.StatusInternalServerError, api.KindInternal, "unlock failed")
	}
	return respondJSON(c, http.StatusOK, echo.Map{"user_id": uid, "locked": false})
}

// RevokeSessions terminates every session of a user. The user's
// access tokens stay verifiable until they expire; what dies here is
// the ability to renew them.
func (h *AdminHandler) RevokeSessions(c echo.Context) error {
	uid, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || uid == 0 {
		return respondError(c, http.StatusBadRequest, api.KindInvalidRequest, "invalid user id")
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	if err := h.Sessions.RevokeAllForUser(ctx, uid); err != nil {
		return respondError(c, http.StatusInternalServerError, api.KindInternal, "revoke failed")
	}
	return respondJSON(c, http.StatusOK, echo.Map{"user_id": uid})
}
