package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	apperrors "github.com/augmentos/cloud-relay-go/internal/errors"
	"github.com/augmentos/cloud-relay-go/internal/metrics"
	"github.com/augmentos/cloud-relay-go/internal/protocol"
	"github.com/augmentos/cloud-relay-go/internal/service"
	"github.com/augmentos/cloud-relay-go/internal/tpa"
	"github.com/augmentos/cloud-relay-go/internal/ws"
)

// TpaHandler serves /tpa-ws, where TPA servers dial in after a webhook.
type TpaHandler struct {
	upgrader websocket.Upgrader
	manager  *tpa.Manager
	sessions *service.SessionService
	initWait time.Duration
}

func NewTpaHandler(upgrader websocket.Upgrader, manager *tpa.Manager, sessions *service.SessionService, initWait time.Duration) *TpaHandler {
	return &TpaHandler{
		upgrader: upgrader,
		manager:  manager,
		sessions: sessions,
		initWait: initWait,
	}
}

// GET /tpa-ws
func (h *TpaHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raw, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Msg("tpa upgrade failed")
		return
	}
	conn := ws.New(raw)
	conn.Start()

	init, ok := h.awaitInit(conn)
	if !ok {
		return
	}

	sess, tpaConn, gen, err := h.manager.HandleInit(r.Context(), conn, init)
	if err != nil {
		// HandleInit has already reported the error and closed the socket.
		return
	}

	logger := log.With().
		Str("sessionId", sess.ID).
		Str("userId", sess.UserID).
		Str("packageName", init.PackageName).
		Logger()

	for frame := range conn.Frames() {
		if frame.Binary {
			logger.Debug().Int("bytes", len(frame.Data)).Msg("dropping binary frame from tpa")
			continue
		}

		msg, err := protocol.DecodeTpa(frame.Data)
		if err != nil {
			metrics.MalformedFrames.WithLabelValues("tpa").Inc()
			logger.Debug().Err(err).Msg("rejecting malformed tpa frame")
			_ = conn.SendJSON(protocol.NewConnectionError(err))
			continue
		}

		if err := h.sessions.HandleTpaMessage(sess, init.PackageName, msg); err != nil {
			logger.Debug().Err(err).Msg("tpa message rejected")
			_ = conn.SendJSON(protocol.NewConnectionError(err))
		}
	}

	code, reason := conn.CloseStatus()
	h.manager.HandleClose(sess, tpaConn, gen, code, reason)
}

func (h *TpaHandler) awaitInit(conn *ws.Conn) (protocol.TpaConnectionInit, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), h.initWait)
	defer cancel()

	select {
	case frame, ok := <-conn.Frames():
		if !ok {
			return protocol.TpaConnectionInit{}, false
		}
		var err error = apperrors.MalformedMessage("expected tpa_connection_init")
		if !frame.Binary {
			msg, decodeErr := protocol.DecodeTpa(frame.Data)
			if init, ok := msg.(protocol.TpaConnectionInit); decodeErr == nil && ok {
				return init, true
			}
			if decodeErr != nil {
				err = decodeErr
			}
		}
		metrics.MalformedFrames.WithLabelValues("tpa").Inc()
		_ = conn.SendJSON(protocol.NewConnectionError(err))
		conn.Close(protocol.ClosePolicyViolation, "expected tpa_connection_init")
		return protocol.TpaConnectionInit{}, false

	case <-ctx.Done():
		_ = conn.SendJSON(protocol.NewConnectionError(apperrors.MalformedMessage("tpa_connection_init not received")))
		conn.Close(protocol.ClosePolicyViolation, "tpa_connection_init timeout")
		return protocol.TpaConnectionInit{}, false
	}
}
