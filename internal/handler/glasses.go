package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/augmentos/cloud-relay-go/internal/audit"
	"github.com/augmentos/cloud-relay-go/internal/auth"
	apperrors "github.com/augmentos/cloud-relay-go/internal/errors"
	"github.com/augmentos/cloud-relay-go/internal/metrics"
	"github.com/augmentos/cloud-relay-go/internal/middleware"
	"github.com/augmentos/cloud-relay-go/internal/protocol"
	"github.com/augmentos/cloud-relay-go/internal/service"
	"github.com/augmentos/cloud-relay-go/internal/session"
	"github.com/augmentos/cloud-relay-go/internal/ws"
)

// GlassesHandler serves /glasses-ws.
type GlassesHandler struct {
	upgrader  websocket.Upgrader
	verifier  auth.Verifier
	sessions  *service.SessionService
	lifecycle *service.AppLifecycleService
	initWait  time.Duration
	pongWait  time.Duration
}

func NewGlassesHandler(
	upgrader websocket.Upgrader,
	verifier auth.Verifier,
	sessions *service.SessionService,
	lifecycle *service.AppLifecycleService,
	initWait time.Duration,
	pongWait time.Duration,
) *GlassesHandler {
	return &GlassesHandler{
		upgrader:  upgrader,
		verifier:  verifier,
		sessions:  sessions,
		lifecycle: lifecycle,
		initWait:  initWait,
		pongWait:  pongWait,
	}
}

// GET /glasses-ws
func (h *GlassesHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raw, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Msg("glasses upgrade failed")
		return
	}
	conn := ws.New(raw)
	// Phones drop off networks without a close frame; silence ends the socket so the
	// grace timer can start.
	conn.KeepAlive(h.pongWait, h.pongWait*9/10)
	conn.Start()

	ctx := r.Context()

	init, ok := h.awaitInit(conn)
	if !ok {
		return
	}

	token := middleware.ExtractToken(r)
	if token == "" {
		token = init.AuthToken
	}
	userID, err := h.verifier.Verify(token)
	if err != nil {
		audit.LogFromRequest(r, audit.Event{
			Type:    audit.EventGlassesAuthFailure,
			Details: map[string]any{"error": err.Error()},
		})
		_ = conn.SendJSON(protocol.NewGlassesConnectionError(err))
		conn.Close(protocol.CloseAuthFailure, "authentication failed")
		return
	}

	sess, resumed, err := h.sessions.CreateOrResume(ctx, userID, conn)
	if err != nil {
		log.Error().Err(err).Str("userId", userID).Msg("failed to open session")
		_ = conn.SendJSON(protocol.NewGlassesConnectionError(err))
		conn.Close(protocol.CloseInternalError, "session unavailable")
		return
	}
	_ = conn.SendJSON(h.sessions.ConnectionAck(sess, resumed))

	logger := log.With().Str("sessionId", sess.ID).Str("userId", userID).Logger()
	logger.Info().Bool("resumed", resumed).Str("remoteAddr", conn.RemoteAddr()).Msg("glasses connected")

	h.serve(ctx, conn, sess, logger)

	h.sessions.GlassesDisconnected(sess, conn)
}

// awaitInit reads frames until connection_init arrives. Anything else first is a
// protocol violation.
func (h *GlassesHandler) awaitInit(conn *ws.Conn) (protocol.ConnectionInit, bool) {
	timer := time.NewTimer(h.initWait)
	defer timer.Stop()

	select {
	case frame, ok := <-conn.Frames():
		if !ok {
			return protocol.ConnectionInit{}, false
		}
		if !frame.Binary {
			msg, err := protocol.DecodeGlasses(frame.Data)
			if init, ok := msg.(protocol.ConnectionInit); err == nil && ok {
				return init, true
			}
		}
		err := apperrors.MalformedMessage("expected connection_init")
		_ = conn.SendJSON(protocol.NewGlassesConnectionError(err))
		conn.Close(protocol.ClosePolicyViolation, "expected connection_init")
		return protocol.ConnectionInit{}, false

	case <-timer.C:
		err := apperrors.MalformedMessage("connection_init not received")
		_ = conn.SendJSON(protocol.NewGlassesConnectionError(err))
		conn.Close(protocol.ClosePolicyViolation, "connection_init timeout")
		return protocol.ConnectionInit{}, false
	}
}

// serve is the per-connection dispatch loop. It returns when the socket is gone or
// the user logged out.
func (h *GlassesHandler) serve(ctx context.Context, conn *ws.Conn, sess *session.UserSession, logger zerolog.Logger) {
	for frame := range conn.Frames() {
		if frame.Binary {
			h.sessions.HandleAudio(sess.ID, protocol.AudioChunk{Data: frame.Data, ReceivedAt: frame.ReceivedAt})
			continue
		}

		msg, err := protocol.DecodeGlasses(frame.Data)
		if err != nil {
			metrics.MalformedFrames.WithLabelValues("glasses").Inc()
			logger.Debug().Err(err).Msg("dropping malformed glasses frame")
			_ = conn.SendJSON(protocol.NewGlassesConnectionError(err))
			continue
		}

		switch m := msg.(type) {
		case protocol.Event:
			h.sessions.PublishEvent(sess.ID, m)

		case protocol.StartApp:
			// Activation waits for the TPA to dial back; the read loop must keep going.
			go func(packageName string) {
				_ = h.lifecycle.StartApp(context.Background(), sess, packageName)
			}(m.PackageName)

		case protocol.StopApp:
			h.lifecycle.StopApp(sess, m.PackageName)

		case protocol.GlassesPhotoResponse:
			h.sessions.HandlePhotoResponse(sess, m)

		case protocol.Logout:
			logger.Info().Msg("glasses logout")
			h.sessions.Logout(ctx, sess)
			return

		case protocol.ConnectionInit:
			logger.Debug().Msg("ignoring repeated connection_init")

		case protocol.Custom:
			logger.Debug().Str("type", m.Type).Msg("dropping unhandled glasses message")
		}
	}
}
