package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/augmentos/cloud-relay-go/internal/audit"
	apperrors "github.com/augmentos/cloud-relay-go/internal/errors"
	"github.com/augmentos/cloud-relay-go/internal/metrics"
	"github.com/augmentos/cloud-relay-go/internal/protocol"
	"github.com/augmentos/cloud-relay-go/internal/router"
	"github.com/augmentos/cloud-relay-go/internal/session"
	"github.com/augmentos/cloud-relay-go/internal/stream"
	"github.com/augmentos/cloud-relay-go/internal/subscription"
	"github.com/augmentos/cloud-relay-go/internal/tpa"
)

type installedAppsLoader interface {
	InstalledApps(ctx context.Context, userID string) ([]string, error)
}

// SessionService owns the session table: glasses binding, the grace period and
// session teardown. It is also the tpa.Listener that turns connection changes into
// glasses notices.
type SessionService struct {
	table    *session.Table
	registry *subscription.Registry
	router   *router.Router
	tpa      *tpa.Manager
	apps     installedAppsLoader
	grace    time.Duration
	now      func() time.Time
	newID    func() string
}

func NewSessionService(
	table *session.Table,
	registry *subscription.Registry,
	streamRouter *router.Router,
	tpaManager *tpa.Manager,
	apps installedAppsLoader,
	grace time.Duration,
) *SessionService {
	return &SessionService{
		table:    table,
		registry: registry,
		router:   streamRouter,
		tpa:      tpaManager,
		apps:     apps,
		grace:    grace,
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// SessionView is the REST representation of a session.
type SessionView struct {
	session.Snapshot
	Subscriptions map[string][]string `json:"subscriptions"`
}

func (s *SessionService) Get(sessionID string) (*session.UserSession, bool) {
	return s.table.Get(sessionID)
}

func (s *SessionService) ByUser(userID string) (*session.UserSession, bool) {
	return s.table.ByUser(userID)
}

// CreateOrResume binds sock to the user's session. A session that is still within
// its grace period is resumed in place; otherwise a fresh one is created and any
// stale state is torn down.
func (s *SessionService) CreateOrResume(ctx context.Context, userID string, sock session.Socket) (*session.UserSession, bool, error) {
	now := s.now()

	if sess, ok := s.table.ByUser(userID); ok {
		if prev, ok := sess.Resume(sock, now, s.grace); ok {
			s.resumed(ctx, sess, prev)
			return sess, true, nil
		}
	}

	installed, err := s.apps.InstalledApps(ctx, userID)
	if err != nil {
		return nil, false, err
	}

	var prev session.Socket
	sess, stale, created := s.table.GetOrCreate(userID,
		func(existing *session.UserSession) bool {
			p, ok := existing.Resume(sock, now, s.grace)
			prev = p
			return ok
		},
		func() *session.UserSession {
			fresh := session.New(s.newID(), userID, installed, now)
			fresh.Resume(sock, now, s.grace)
			return fresh
		},
	)

	if stale != nil {
		lastState := stale.State()
		if glasses, ok := stale.Terminate(); ok {
			if glasses != nil {
				glasses.Close(protocol.CloseSuperseded, "session replaced")
			}
			s.teardown(stale, lastState, protocol.CloseSessionExpired, "session expired", "expired")
		}
	}

	if !created {
		s.resumed(ctx, sess, prev)
		return sess, true, nil
	}

	metrics.RecordSessionCreated()
	log.Info().
		Str("sessionId", sess.ID).
		Str("userId", userID).
		Int("installedApps", len(installed)).
		Msg("session created")
	audit.Log(ctx, audit.Event{
		Type:      audit.EventSessionCreate,
		UserID:    userID,
		SessionID: sess.ID,
	})
	return sess, false, nil
}

// resumed runs after sock was bound to an existing session. An indexed session
// only lacks a glasses socket while disconnected, so a nil prev means the glasses
// are coming back from the grace period.
func (s *SessionService) resumed(ctx context.Context, sess *session.UserSession, prev session.Socket) {
	if prev != nil {
		prev.Close(protocol.CloseSuperseded, "superseded by a new connection")
		audit.Log(ctx, audit.Event{
			Type:      audit.EventSessionSuperseded,
			UserID:    sess.UserID,
			SessionID: sess.ID,
		})
	} else {
		metrics.SessionsResumed.Inc()
		metrics.RecordSessionTransition(string(session.StateDisconnected), string(session.StateActive))
		s.notifyConnectionState(sess, "connected")
	}

	log.Info().
		Str("sessionId", sess.ID).
		Str("userId", sess.UserID).
		Bool("superseded", prev != nil).
		Msg("session resumed")
	audit.Log(ctx, audit.Event{
		Type:      audit.EventSessionResume,
		UserID:    sess.UserID,
		SessionID: sess.ID,
	})
}

// GlassesDisconnected starts the grace period for sess if sock is still its bound
// socket. TPA connections keep running.
func (s *SessionService) GlassesDisconnected(sess *session.UserSession, sock session.Socket) {
	gen, ok := sess.MarkDisconnected(sock, s.now())
	if !ok {
		return
	}

	metrics.RecordSessionTransition(string(session.StateActive), string(session.StateDisconnected))
	log.Info().
		Str("sessionId", sess.ID).
		Str("userId", sess.UserID).
		Dur("grace", s.grace).
		Msg("glasses disconnected")

	s.notifyConnectionState(sess, "disconnected")
	sess.StartGraceTimer(gen, s.grace, func() { s.expire(sess, gen) })
}

func (s *SessionService) expire(sess *session.UserSession, gen uint64) {
	if !sess.Expire(gen) {
		return
	}
	s.teardown(sess, session.StateDisconnected, protocol.CloseSessionExpired, "session expired", "expired")
	audit.Log(context.Background(), audit.Event{
		Type:      audit.EventSessionExpire,
		UserID:    sess.UserID,
		SessionID: sess.ID,
	})
}

// Logout ends sess immediately. It reports false if the session had already ended.
func (s *SessionService) Logout(ctx context.Context, sess *session.UserSession) bool {
	lastState := sess.State()
	glasses, ok := sess.Terminate()
	if !ok {
		return false
	}
	if glasses != nil {
		glasses.Close(protocol.CloseNormal, "logout")
	}
	s.teardown(sess, lastState, protocol.CloseSessionExpired, "user logged out", "logout")
	audit.Log(ctx, audit.Event{
		Type:      audit.EventLogout,
		UserID:    sess.UserID,
		SessionID: sess.ID,
	})
	return true
}

// LogoutUser is Logout by user id.
func (s *SessionService) LogoutUser(ctx context.Context, userID string) error {
	sess, ok := s.table.ByUser(userID)
	if !ok || !s.Logout(ctx, sess) {
		return apperrors.SessionNotFound()
	}
	return nil
}

// Sweep expires disconnected sessions whose grace timer was lost. It returns how
// many were torn down.
func (s *SessionService) Sweep(now time.Time) int {
	swept := 0
	for _, sess := range s.table.All() {
		if !sess.ExpireIfStale(now, s.grace) {
			continue
		}
		s.teardown(sess, session.StateDisconnected, protocol.CloseSessionExpired, "session expired", "expired")
		swept++
	}
	return swept
}

// Shutdown ends every session on process exit. TPAs see a service-restart close
// and are expected to wait for the next webhook.
func (s *SessionService) Shutdown() {
	for _, sess := range s.table.All() {
		lastState := sess.State()
		glasses, ok := sess.Terminate()
		if !ok {
			continue
		}
		if glasses != nil {
			glasses.Close(protocol.CloseServiceRestart, "server shutting down")
		}
		s.teardown(sess, lastState, protocol.CloseServiceRestart, "server shutting down", "shutdown")
	}
}

// teardown releases everything an ended session holds.
func (s *SessionService) teardown(sess *session.UserSession, lastState session.State, code int, reason, endReason string) {
	apps := s.tpa.CloseAll(sess, code, reason)
	s.registry.ClearSession(sess.ID)
	s.table.Remove(sess)
	metrics.RecordSessionEnded(string(lastState), endReason)

	log.Info().
		Str("sessionId", sess.ID).
		Str("userId", sess.UserID).
		Str("reason", endReason).
		Strs("closedApps", apps).
		Msg("session ended")
}

// notifyConnectionState tells every running TPA whether the glasses are reachable.
func (s *SessionService) notifyConnectionState(sess *session.UserSession, status string) {
	data, _ := json.Marshal(map[string]string{"status": status})
	msg := protocol.ForStream(sess.ID, stream.Of(stream.GlassesConnectionState), data, s.now().UTC())
	sess.ForEachActiveApp(sess.ActiveApps(), func(packageName string, sock session.TpaSocket) {
		if err := sock.SendJSON(msg); err != nil {
			metrics.RecordDroppedSend("tpa")
		}
	})
}

// ConnectionAck describes sess to the glasses client.
func (s *SessionService) ConnectionAck(sess *session.UserSession, resumed bool) protocol.GlassesConnectionAck {
	snap := sess.Snapshot()
	return protocol.GlassesConnectionAck{
		Type:           protocol.TypeConnectionAck,
		SessionID:      sess.ID,
		UserID:         sess.UserID,
		Resumed:        resumed,
		ActiveApps:     snap.ActiveApps,
		LoadingApps:    snap.LoadingApps,
		Subscriptions:  s.registry.Snapshot(sess.ID),
		IsTranscribing: snap.IsTranscribing,
		Timestamp:      s.now().UTC(),
	}
}

func (s *SessionService) View(userID string) (*SessionView, error) {
	sess, ok := s.table.ByUser(userID)
	if !ok {
		return nil, apperrors.SessionNotFound()
	}
	return &SessionView{
		Snapshot:      sess.Snapshot(),
		Subscriptions: s.registry.Snapshot(sess.ID),
	}, nil
}

// Event sources

// PublishEvent routes a glasses or speech event to subscribed TPAs.
func (s *SessionService) PublishEvent(sessionID string, ev protocol.Event) int {
	return s.router.Route(sessionID, ev, s.now().UTC())
}

func (s *SessionService) HandleAudio(sessionID string, chunk protocol.AudioChunk) int {
	return s.router.RouteAudio(sessionID, chunk)
}

// HandlePhotoResponse delivers a photo to the TPA that requested it.
func (s *SessionService) HandlePhotoResponse(sess *session.UserSession, m protocol.GlassesPhotoResponse) bool {
	packageName, ok := sess.TakePhotoRequest(m.RequestID)
	if !ok {
		log.Debug().Str("sessionId", sess.ID).Str("requestId", m.RequestID).Msg("photo response without request")
		return false
	}
	return s.router.DeliverTo(sess.ID, packageName, protocol.NewPhotoResponse(m.RequestID, m.PhotoURL))
}

// HandleTpaMessage applies one frame from an ACTIVE TPA connection. Returned errors
// are reported on that connection only; it stays open.
func (s *SessionService) HandleTpaMessage(sess *session.UserSession, packageName string, msg protocol.TpaMessage) error {
	switch m := msg.(type) {
	case protocol.SubscriptionUpdate:
		var err error
		applied := sess.WithActiveApp(packageName, func() {
			_, err = s.registry.SetSubscriptions(sess.ID, packageName, m.Subscriptions)
		})
		if err != nil {
			return err
		}
		if !applied {
			return apperrors.ValidationError("app connection is not active")
		}
		log.Debug().
			Str("sessionId", sess.ID).
			Str("packageName", packageName).
			Strs("subscriptions", m.Subscriptions).
			Msg("subscriptions updated")
		s.updateTranscribing(sess)

	case protocol.DisplayRequest:
		s.sendToGlasses(sess, protocol.NewGlassesDisplayEvent(packageName, m))

	case protocol.MediaControl:
		s.sendToGlasses(sess, protocol.NewGlassesMediaControl(packageName, m))

	case protocol.PhotoRequest:
		sess.AddPhotoRequest(m.RequestID, packageName)
		s.sendToGlasses(sess, protocol.NewGlassesPhotoRequest(packageName, m))

	case protocol.TpaConnectionInit:
		return apperrors.MalformedMessage("connection already initialized")

	case protocol.Custom:
		log.Debug().
			Str("sessionId", sess.ID).
			Str("packageName", packageName).
			Str("type", m.Type).
			Msg("dropping unhandled tpa message")
	}
	return nil
}

func (s *SessionService) sendToGlasses(sess *session.UserSession, v any) {
	if !sess.SendToGlasses(v) {
		metrics.RecordDroppedSend("glasses")
	}
}

// clearSubscriptions drops packageName's subscriptions unless a new connection for
// it already exists.
func (s *SessionService) clearSubscriptions(sess *session.UserSession, packageName string) {
	sess.WithoutApp(packageName, func() { s.registry.Clear(sess.ID, packageName) })
	s.updateTranscribing(sess)
}

// updateTranscribing recomputes whether speech recognition is needed and tells the
// glasses when the microphone demand changes.
func (s *SessionService) updateTranscribing(sess *session.UserSession) {
	required := s.registry.IsTranscribingRequired(sess.ID)
	if !sess.SetTranscribing(required) {
		return
	}
	log.Debug().Str("sessionId", sess.ID).Bool("isTranscribing", required).Msg("transcription demand changed")
	sess.SendToGlasses(protocol.NewMicrophoneStateChange(required))
}

// tpa.Listener

func (s *SessionService) AppRunning(sess *session.UserSession, packageName string) {
	s.sendToGlasses(sess, protocol.NewAppStateChange(packageName, protocol.AppRunning, ""))
}

func (s *SessionService) AppReconnecting(sess *session.UserSession, packageName string) {
	s.sendToGlasses(sess, protocol.NewAppStateChange(packageName, protocol.AppReconnecting, "connection lost"))
}

func (s *SessionService) AppStopped(sess *session.UserSession, packageName, reason string, permanent bool) {
	s.clearSubscriptions(sess, packageName)
	status := protocol.AppStopped
	if permanent {
		status = protocol.AppFailed
	}
	s.sendToGlasses(sess, protocol.NewAppStateChange(packageName, status, reason))
}
