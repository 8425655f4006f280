package handler

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/pavelanni/assessor/internal/apperr"
	appI18n "github.com/pavelanni/assessor/internal/i18n"
	"github.com/pavelanni/assessor/internal/model"
	"github.com/pavelanni/assessor/internal/store"
)

const sessionCookieName = "session"

// userView is the public shape of a user.
type userView struct {
	ID          string         `json:"id"`
	Username    string         `json:"username"`
	DisplayName string         `json:"displayName"`
	Role        model.UserRole `json:"role"`
	Active      bool           `json:"active"`
}

func newUserView(u *model.User) userView {
	return userView{ID: u.ID, Username: u.Username, DisplayName: u.DisplayName, Role: u.Role, Active: u.Active}
}

// requireAuth accepts a Bearer token or a session cookie and puts the user in the context.
func (h *Handler) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, err := h.authenticate(r)
		if err != nil {
			if !errors.Is(err, apperr.ErrUnauthorized) {
				slog.Error("authentication failed", "error", err)
			}
			writeError(w, r, apperr.ErrUnauthorized)
			return
		}
		ctx := model.ContextWithUser(r.Context(), user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (h *Handler) authenticate(r *http.Request) (*model.User, error) {
	ctx := r.Context()
	var userID string
	if authz := r.Header.Get("Authorization"); authz != "" {
		token, ok := strings.CutPrefix(authz, "Bearer ")
		if !ok {
			return nil, apperr.ErrUnauthorized
		}
		claims, err := h.tokens.Parse(strings.TrimSpace(token))
		if err != nil {
			return nil, fmt.Errorf("%v: %w", err, apperr.ErrUnauthorized)
		}
		userID = claims.Subject
	} else {
		cookie, err := r.Cookie(sessionCookieName)
		if err != nil || cookie.Value == "" {
			return nil, apperr.ErrUnauthorized
		}
		authSess, err := h.store.GetAuthSession(ctx, cookie.Value)
		if err != nil {
			return nil, fmt.Errorf("get auth session: %w", err)
		}
		if authSess == nil {
			return nil, apperr.ErrUnauthorized
		}
		userID = authSess.UserID
	}

	user, err := h.store.GetUserByID(ctx, userID)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil, apperr.ErrUnauthorized
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	if !user.Active {
		return nil, apperr.ErrUnauthorized
	}
	return user, nil
}

// requireRole returns middleware that checks the user has one of the allowed roles.
func requireRole(allowed ...model.UserRole) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user := model.UserFromContext(r.Context())
			if user == nil {
				writeError(w, r, apperr.ErrUnauthorized)
				return
			}
			for _, role := range allowed {
				if user.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			writeError(w, r, apperr.ErrForbidden)
		})
	}
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token   string   `json:"token"`
	User    userView `json:"user"`
	Message string   `json:"message"`
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	ctx := r.Context()

	user, err := h.store.GetUserByUsername(ctx, req.Username)
	if err != nil && !errors.Is(err, apperr.ErrNotFound) {
		writeError(w, r, fmt.Errorf("get user: %w", err))
		return
	}
	if user == nil || !user.Active ||
		bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)) != nil {
		writeJSON(w, http.StatusUnauthorized, errorResponse{
			Error: appI18n.T(ctx, "InvalidCredentials"),
			Code:  "invalid_credentials",
		})
		return
	}

	token, err := h.tokens.Issue(user)
	if err != nil {
		writeError(w, r, fmt.Errorf("issue token: %w", err))
		return
	}
	cookieToken, err := h.store.CreateAuthSession(ctx, user.ID)
	if err != nil {
		writeError(w, r, fmt.Errorf("create auth session: %w", err))
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    cookieToken,
		Path:     "/",
		MaxAge:   int(store.AuthSessionTTL.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   h.config.SecureCookies,
	})
	slog.Info("user logged in", "user", user.ID, "role", user.Role)

	writeJSON(w, http.StatusOK, loginResponse{
		Token:   token,
		User:    newUserView(user),
		Message: appI18n.Td(ctx, "Welcome", map[string]any{"Name": user.DisplayName}),
	})
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(sessionCookieName)
	if err == nil && cookie.Value != "" {
		if err := h.store.DeleteAuthSession(r.Context(), cookie.Value); err != nil {
			slog.Warn("failed to delete auth session", "error", err)
		}
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.config.SecureCookies,
	})
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}
