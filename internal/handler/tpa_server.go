package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/augmentos/cloud-relay-go/internal/audit"
	"github.com/augmentos/cloud-relay-go/internal/broker"
	apperrors "github.com/augmentos/cloud-relay-go/internal/errors"
	"github.com/augmentos/cloud-relay-go/internal/httputil"
	"github.com/augmentos/cloud-relay-go/internal/model"
	"github.com/augmentos/cloud-relay-go/internal/util"
)

type apiKeyVerifier interface {
	VerifyAPIKey(ctx context.Context, packageName, apiKey string) error
}

type serverRegistrar interface {
	Register(ctx context.Context, params model.RegisterTpaServerParams) (*model.TpaServer, error)
}

type registrationPublisher interface {
	PublishServerRegistered(ctx context.Context, ev broker.ServerRegistered) error
}

// TpaServerHandler accepts registrations from TPA server processes. A registration
// means the process restarted, so every instance reconnects its dormant connections
// for that package.
type TpaServerHandler struct {
	keys      apiKeyVerifier
	servers   serverRegistrar
	publisher registrationPublisher
}

func NewTpaServerHandler(keys apiKeyVerifier, servers serverRegistrar, publisher registrationPublisher) *TpaServerHandler {
	return &TpaServerHandler{
		keys:      keys,
		servers:   servers,
		publisher: publisher,
	}
}

func (h *TpaServerHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/register", h.Register)
	return r
}

type registerServerRequest struct {
	PackageName string `json:"packageName"`
	APIKey      string `json:"apiKey"`
	ServerURL   string `json:"serverUrl"`
}

// POST /api/tpa-server/register
func (h *TpaServerHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerServerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, apperrors.ValidationError("invalid request body"))
		return
	}
	if !util.IsValidPackageName(req.PackageName) {
		httputil.WriteError(w, apperrors.ValidationError("invalid packageName"))
		return
	}
	if !util.IsValidServerURL(req.ServerURL) {
		httputil.WriteError(w, apperrors.ValidationError("invalid serverUrl"))
		return
	}

	ctx := r.Context()

	if err := h.keys.VerifyAPIKey(ctx, req.PackageName, req.APIKey); err != nil {
		if apperrors.HasCode(err, apperrors.ErrCodeAuthenticationFailure) {
			audit.LogFromRequest(r, audit.Event{
				Type:        audit.EventTpaAuthFailure,
				PackageName: req.PackageName,
				Details:     map[string]any{"route": "register"},
			})
		}
		httputil.WriteError(w, err)
		return
	}

	server, err := h.servers.Register(ctx, model.RegisterTpaServerParams{
		PackageName: req.PackageName,
		ServerURL:   req.ServerURL,
	})
	if err != nil {
		log.Error().Err(err).Str("packageName", req.PackageName).Msg("failed to persist tpa server registration")
		httputil.WriteError(w, apperrors.Database(err))
		return
	}
	if server == nil {
		httputil.WriteError(w, apperrors.NotFound("App"))
		return
	}

	err = h.publisher.PublishServerRegistered(ctx, broker.ServerRegistered{
		PackageName:  server.PackageName,
		ServerURL:    server.ServerURL,
		RegisteredAt: server.RegisteredAt,
	})
	if err != nil {
		log.Error().Err(err).Str("packageName", req.PackageName).Msg("failed to publish tpa server registration")
		httputil.WriteError(w, apperrors.External("redis", err))
		return
	}

	audit.LogFromRequest(r, audit.Event{
		Type:        audit.EventServerRegistered,
		PackageName: server.PackageName,
		Details:     map[string]any{"serverUrl": server.ServerURL},
	})

	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"registeredAt": server.RegisteredAt,
	})
}
