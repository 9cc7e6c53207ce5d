package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/augmentos/cloud-relay-go/internal/audit"
	apperrors "github.com/augmentos/cloud-relay-go/internal/errors"
	"github.com/augmentos/cloud-relay-go/internal/httputil"
	"github.com/augmentos/cloud-relay-go/internal/middleware"
	"github.com/augmentos/cloud-relay-go/internal/service"
)

type sessionQueries interface {
	View(userID string) (*service.SessionView, error)
	LogoutUser(ctx context.Context, userID string) error
}

type appManager interface {
	Install(ctx context.Context, userID, packageName string) error
	Uninstall(ctx context.Context, userID, packageName string) error
	UpdateSettings(ctx context.Context, userID, packageName string, settings json.RawMessage) error
}

// SessionHandler is the authenticated REST surface over a user's live session and
// installed apps. Routes expect AuthMiddleware in front of them.
type SessionHandler struct {
	sessions sessionQueries
	apps     appManager
}

func NewSessionHandler(sessions sessionQueries, apps appManager) *SessionHandler {
	return &SessionHandler{sessions: sessions, apps: apps}
}

func (h *SessionHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/sessions/me", h.GetSession)
	r.Delete("/sessions/me", h.Logout)
	r.Post("/apps/{packageName}/install", h.InstallApp)
	r.Post("/apps/{packageName}/uninstall", h.UninstallApp)
	r.Post("/apps/{packageName}/settings", h.UpdateSettings)

	return r
}

// GET /api/sessions/me
func (h *SessionHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == "" {
		httputil.WriteError(w, apperrors.Unauthorized("Unauthorized"))
		return
	}

	view, err := h.sessions.View(userID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, view)
}

// DELETE /api/sessions/me
// Ends the session from outside the glasses, e.g. from the companion app.
func (h *SessionHandler) Logout(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == "" {
		httputil.WriteError(w, apperrors.Unauthorized("Unauthorized"))
		return
	}

	if err := h.sessions.LogoutUser(r.Context(), userID); err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// POST /api/apps/{packageName}/install
func (h *SessionHandler) InstallApp(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == "" {
		httputil.WriteError(w, apperrors.Unauthorized("Unauthorized"))
		return
	}
	packageName := chi.URLParam(r, "packageName")

	if err := h.apps.Install(r.Context(), userID, packageName); err != nil {
		if !apperrors.IsAppError(err) {
			log.Error().Err(err).Str("userId", userID).Str("packageName", packageName).Msg("failed to install app")
		}
		httputil.WriteError(w, err)
		return
	}

	audit.LogFromRequest(r, audit.Event{
		Type:        audit.EventAppInstall,
		UserID:      userID,
		PackageName: packageName,
	})
	httputil.WriteJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// POST /api/apps/{packageName}/uninstall
func (h *SessionHandler) UninstallApp(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == "" {
		httputil.WriteError(w, apperrors.Unauthorized("Unauthorized"))
		return
	}
	packageName := chi.URLParam(r, "packageName")

	if err := h.apps.Uninstall(r.Context(), userID, packageName); err != nil {
		httputil.WriteError(w, err)
		return
	}

	audit.LogFromRequest(r, audit.Event{
		Type:        audit.EventAppUninstall,
		UserID:      userID,
		PackageName: packageName,
	})
	httputil.WriteJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// POST /api/apps/{packageName}/settings
// Body is the full settings object; it replaces what is stored.
func (h *SessionHandler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == "" {
		httputil.WriteError(w, apperrors.Unauthorized("Unauthorized"))
		return
	}
	packageName := chi.URLParam(r, "packageName")

	var settings json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		httputil.WriteError(w, apperrors.ValidationError("invalid request body"))
		return
	}

	if err := h.apps.UpdateSettings(r.Context(), userID, packageName, settings); err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]bool{"success": true})
}
