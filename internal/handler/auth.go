package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/jinjjij/Capstone-Qbank/internal/apperr"
	appI18n "github.com/jinjjij/Capstone-Qbank/internal/i18n"
	"github.com/jinjjij/Capstone-Qbank/internal/model"
	"github.com/jinjjij/Capstone-Qbank/internal/store"
)

const sessionCookieName = "session"

// BcryptCost is the work factor of every stored password hash.
const BcryptCost = 12

// bcryptCost is a variable so tests can lower it.
var bcryptCost = BcryptCost

// HashPassword hashes a password for storage.
func HashPassword(password string) ([]byte, error) {
	return bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
}

const (
	minPasswordLen = 8
	maxPasswordLen = 72
)

type credentials struct {
	Email    string `json:"email" validate:"required,email,max=254"`
	Password string `json:"password" validate:"required"`
}

func (c *credentials) normalize() {
	c.Email = normalizeEmail(c.Email)
}

type passwordChange struct {
	CurrentPassword string `json:"currentPassword" validate:"required"`
	NewPassword     string `json:"newPassword" validate:"required"`
}

func normalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// checkPassword enforces the length bounds. bcrypt ignores bytes past 72,
// so the upper bound is in bytes.
func checkPassword(p string) error {
	if len([]rune(p)) < minPasswordLen || len(p) > maxPasswordLen {
		return apperr.Errorf(apperr.InvalidField, "password must be %d to %d bytes", minPasswordLen, maxPasswordLen)
	}
	return nil
}

// loadUser resolves the session cookie to a user when there is one. Requests
// without a valid session continue anonymously.
func (h *Handler) loadUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(sessionCookieName)
		if err != nil || cookie.Value == "" {
			next.ServeHTTP(w, r)
			return
		}

		authSess, err := h.store.GetAuthSession(r.Context(), cookie.Value)
		if errors.Is(err, store.ErrNotFound) {
			next.ServeHTTP(w, r)
			return
		}
		if err != nil {
			h.fail(w, r, err)
			return
		}

		user, err := h.store.GetUserByID(r.Context(), authSess.UserID)
		if errors.Is(err, store.ErrNotFound) {
			next.ServeHTTP(w, r)
			return
		}
		if err != nil {
			h.fail(w, r, err)
			return
		}
		user.IsAdmin = user.IsAdmin || h.cfg.IsAdminIdentity(user.ID, user.Email)

		ctx := model.ContextWithUser(r.Context(), user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireUser rejects anonymous requests.
func (h *Handler) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if model.UserFromContext(r.Context()) == nil {
			h.fail(w, r, apperr.Errorf(apperr.Unauthorized, "no session"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := model.UserFromContext(r.Context())
		if user == nil || !user.IsAdmin {
			failWith(w, apperr.Forbidden, appI18n.T(r.Context(), string(apperr.Forbidden)))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) setSessionCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(h.cfg.SessionTTL.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   h.cfg.SecureCookies,
	})
}

func (h *Handler) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   h.cfg.SecureCookies,
	})
}

func (h *Handler) startSession(w http.ResponseWriter, r *http.Request, userID int64) error {
	token, err := h.store.CreateAuthSession(r.Context(), userID, h.cfg.SessionTTL)
	if err != nil {
		return err
	}
	h.setSessionCookie(w, token)
	return nil
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if err := decodeJSON(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	req.normalize()
	if err := h.check(&req); err != nil {
		h.fail(w, r, err)
		return
	}

	user, err := h.store.GetUserByEmail(r.Context(), req.Email)
	if errors.Is(err, store.ErrNotFound) {
		failWith(w, apperr.Unauthorized, appI18n.T(r.Context(), "InvalidCredentials"))
		return
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		slog.Info("failed login", "email", req.Email)
		failWith(w, apperr.Unauthorized, appI18n.T(r.Context(), "InvalidCredentials"))
		return
	}

	if err := h.startSession(w, r, user.ID); err != nil {
		h.fail(w, r, err)
		return
	}
	user.IsAdmin = user.IsAdmin || h.cfg.IsAdminIdentity(user.ID, user.Email)
	slog.Info("user logged in", "user_id", user.ID)
	writeData(w, http.StatusOK, map[string]any{"user": user})
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(sessionCookieName)
	if err == nil && cookie.Value != "" {
		if err := h.store.DeleteAuthSession(r.Context(), cookie.Value); err != nil {
			slog.Error("failed to delete auth session", "error", err)
		}
	}
	h.clearSessionCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	user := model.UserFromContext(r.Context())
	if err := h.store.DeleteUserSessions(r.Context(), user.ID); err != nil {
		h.fail(w, r, err)
		return
	}
	h.clearSessionCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleSignup(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if err := decodeJSON(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	req.normalize()
	if err := h.check(&req); err != nil {
		h.fail(w, r, err)
		return
	}
	if err := checkPassword(req.Password); err != nil {
		h.fail(w, r, err)
		return
	}

	hash, err := HashPassword(req.Password)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	user, err := h.store.CreateUser(r.Context(), model.User{
		Email:        req.Email,
		PasswordHash: string(hash),
	})
	if errors.Is(err, store.ErrConflict) {
		failWith(w, apperr.Conflict, appI18n.T(r.Context(), "EmailTaken"))
		return
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	user.IsAdmin = h.cfg.IsAdminIdentity(user.ID, user.Email)
	writeData(w, http.StatusCreated, map[string]any{"user": user})
}

func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, model.UserFromContext(r.Context()))
}

func (h *Handler) handleDeleteMe(w http.ResponseWriter, r *http.Request) {
	user := model.UserFromContext(r.Context())
	if err := h.store.DeleteUser(r.Context(), user.ID); err != nil {
		h.fail(w, r, err)
		return
	}
	h.clearSessionCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

// handleChangePassword replaces the password and signs out every other
// session of the user.
func (h *Handler) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	var req passwordChange
	if err := h.decode(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	if err := checkPassword(req.NewPassword); err != nil {
		h.fail(w, r, err)
		return
	}

	user := model.UserFromContext(r.Context())
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.CurrentPassword)); err != nil {
		failWith(w, apperr.InvalidField, appI18n.T(r.Context(), "WrongPassword"))
		return
	}

	hash, err := HashPassword(req.NewPassword)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.store.UpdatePasswordHash(r.Context(), user.ID, string(hash)); err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.store.DeleteUserSessions(r.Context(), user.ID); err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.startSession(w, r, user.ID); err != nil {
		h.fail(w, r, err)
		return
	}
	slog.Info("password changed", "user_id", user.ID)
	writeOK(w)
}
