package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	apperrors "github.com/augmentos/cloud-relay-go/internal/errors"
	"github.com/augmentos/cloud-relay-go/internal/metrics"
	"github.com/augmentos/cloud-relay-go/internal/model"
	"github.com/augmentos/cloud-relay-go/internal/util"
)

// SessionRequest is the webhook body asking a TPA server to dial in.
type SessionRequest struct {
	Type                  string `json:"type"`
	SessionID             string `json:"sessionId"`
	UserID                string `json:"userId"`
	PackageName           string `json:"packageName"`
	Timestamp             string `json:"timestamp"`
	AugmentOSWebsocketURL string `json:"augmentOSWebsocketUrl"`
}

type appLookup interface {
	App(ctx context.Context, packageName string) (*model.App, error)
}

// WebhookService triggers TPA sessions by POSTing to the app's webhook URL.
type WebhookService struct {
	apps   appLookup
	wsURL  string
	client *http.Client
}

func NewWebhookService(apps appLookup, publicWSURL string, timeout time.Duration) *WebhookService {
	return &WebhookService{
		apps:  apps,
		wsURL: publicWSURL,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

// Dispatch implements tpa.Dispatcher. Any non-2xx response is a failure; the body
// is ignored.
func (s *WebhookService) Dispatch(ctx context.Context, sessionID, userID, packageName string) error {
	app, err := s.apps.App(ctx, packageName)
	if err != nil {
		return err
	}
	if app == nil {
		return apperrors.NotFound("app")
	}
	if !util.IsValidServerURL(app.WebhookURL) {
		log.Warn().Str("packageName", packageName).Str("url", app.WebhookURL).Msg("invalid webhook URL rejected")
		return apperrors.External("tpa webhook", fmt.Errorf("invalid webhook URL"))
	}

	body, err := json.Marshal(SessionRequest{
		Type:                  "session_request",
		SessionID:             sessionID,
		UserID:                userID,
		PackageName:           packageName,
		Timestamp:             time.Now().UTC().Format(time.RFC3339Nano),
		AugmentOSWebsocketURL: s.wsURL,
	})
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, app.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return apperrors.External("tpa webhook", fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := s.client.Do(req)
	elapsed := time.Since(start)

	if err != nil {
		metrics.WebhookDuration.WithLabelValues("error").Observe(elapsed.Seconds())
		log.Error().
			Err(err).
			Str("packageName", packageName).
			Str("sessionId", sessionID).
			Dur("elapsed", elapsed).
			Msg("tpa webhook error")
		return apperrors.External("tpa webhook", err)
	}
	defer resp.Body.Close()

	metrics.WebhookDuration.WithLabelValues(strconv.Itoa(resp.StatusCode)).Observe(elapsed.Seconds())

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Error().
			Str("packageName", packageName).
			Str("sessionId", sessionID).
			Int("status", resp.StatusCode).
			Dur("elapsed", elapsed).
			Msg("tpa webhook failed")
		return apperrors.External("tpa webhook", fmt.Errorf("webhook failed with status %d", resp.StatusCode))
	}

	log.Info().
		Str("packageName", packageName).
		Str("sessionId", sessionID).
		Int("status", resp.StatusCode).
		Dur("elapsed", elapsed).
		Msg("tpa webhook sent")
	return nil
}
