// Package tpa manages the WebSocket connections between sessions and TPA backends:
// webhook activation, the connection handshake, health checks and reconnection.
package tpa

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/augmentos/cloud-relay-go/internal/audit"
	apperrors "github.com/augmentos/cloud-relay-go/internal/errors"
	"github.com/augmentos/cloud-relay-go/internal/metrics"
	"github.com/augmentos/cloud-relay-go/internal/protocol"
	"github.com/augmentos/cloud-relay-go/internal/session"
)

// Dispatcher asks a TPA server to open a connection for a session.
type Dispatcher interface {
	Dispatch(ctx context.Context, sessionID, userID, packageName string) error
}

// AppCatalog is the read side of the app store the manager needs.
type AppCatalog interface {
	VerifyAPIKey(ctx context.Context, packageName, apiKey string) error
	UserSettings(ctx context.Context, userID, packageName string) (json.RawMessage, error)
}

// Listener is told about connection changes the glasses and the session service
// care about. Calls happen outside the session lock.
type Listener interface {
	AppRunning(sess *session.UserSession, packageName string)
	AppReconnecting(sess *session.UserSession, packageName string)
	// AppStopped reports a connection that ended without an intentional stop from
	// the relay. permanent is set when reconnection was exhausted.
	AppStopped(sess *session.UserSession, packageName, reason string, permanent bool)
}

type nopListener struct{}

func (nopListener) AppRunning(*session.UserSession, string)                 {}
func (nopListener) AppReconnecting(*session.UserSession, string)            {}
func (nopListener) AppStopped(*session.UserSession, string, string, bool) {}

type Config struct {
	ActivationTimeout   time.Duration
	HealthCheckInterval time.Duration
	MaxMissedPongs      int
	ReconnectBaseDelay  time.Duration
	ReconnectAttempts   int
	// RestartConcurrency bounds the server-restart fan-out.
	RestartConcurrency int
}

type Manager struct {
	table      *session.Table
	dispatcher Dispatcher
	catalog    AppCatalog
	cfg        Config
	now        func() time.Time

	mu       sync.RWMutex
	listener Listener
}

func NewManager(table *session.Table, dispatcher Dispatcher, catalog AppCatalog, cfg Config) *Manager {
	if cfg.MaxMissedPongs <= 0 {
		cfg.MaxMissedPongs = 2
	}
	if cfg.RestartConcurrency <= 0 {
		cfg.RestartConcurrency = 16
	}
	return &Manager{
		table:      table,
		dispatcher: dispatcher,
		catalog:    catalog,
		cfg:        cfg,
		now:        time.Now,
		listener:   nopListener{},
	}
}

// SetListener wires the session service in after construction; the two depend on
// each other.
func (m *Manager) SetListener(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listener = l
}

func (m *Manager) getListener() Listener {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listener
}

func (m *Manager) retryPolicy() RetryPolicy {
	return RetryPolicy{BaseDelay: m.cfg.ReconnectBaseDelay, MaxAttempts: m.cfg.ReconnectAttempts}
}

// Activate brings packageName's connection for sess to ACTIVE. It is a no-op when the
// connection is ACTIVE or ACK_PENDING, joins an activation already in flight, and
// otherwise calls the webhook and waits for the TPA to dial back.
func (m *Manager) Activate(ctx context.Context, sess *session.UserSession, packageName string) error {
	conn, action, ready, err := sess.BeginActivation(packageName)
	if err != nil {
		return err
	}

	switch action {
	case session.ActivationExisting:
		return nil
	case session.ActivationJoined:
		return m.join(ctx, conn, ready)
	}

	metrics.RecordTpaTransition(string(session.ConnConnecting))
	err = m.run(ctx, sess, conn, ready)
	if err != nil && conn.State() == session.ConnUnhealthy {
		// A running app was restarted and failed again; keep it on the retry path.
		m.scheduleReconnect(sess, conn, m.retryPolicy())
	}
	return err
}

// run dispatches the webhook and waits for the dial-back, failing the activation on
// timeout. The caller owns the activation.
func (m *Manager) run(ctx context.Context, sess *session.UserSession, conn *session.TpaConnection, ready <-chan struct{}) error {
	start := m.now()
	logger := log.With().
		Str("sessionId", sess.ID).
		Str("userId", sess.UserID).
		Str("packageName", conn.PackageName).
		Logger()

	if err := m.dispatcher.Dispatch(ctx, sess.ID, sess.UserID, conn.PackageName); err != nil {
		logger.Warn().Err(err).Msg("webhook dispatch failed")
		metrics.Activations.WithLabelValues("webhook_error").Inc()
		return m.fail(sess, conn, ready, err)
	}

	timer := time.NewTimer(m.cfg.ActivationTimeout)
	defer timer.Stop()

	select {
	case <-ready:
		err := conn.ActivationErr()
		if err == nil {
			metrics.Activations.WithLabelValues("ok").Inc()
			metrics.ActivationDuration.Observe(m.now().Sub(start).Seconds())
		} else {
			metrics.Activations.WithLabelValues(outcome(err)).Inc()
		}
		return err
	case <-timer.C:
		logger.Warn().Dur("timeout", m.cfg.ActivationTimeout).Msg("tpa did not connect in time")
		metrics.Activations.WithLabelValues("timeout").Inc()
		return m.fail(sess, conn, ready, apperrors.ActivationTimeout(conn.PackageName))
	case <-ctx.Done():
		metrics.Activations.WithLabelValues("cancelled").Inc()
		return m.fail(sess, conn, ready, ctx.Err())
	}
}

func (m *Manager) join(ctx context.Context, conn *session.TpaConnection, ready <-chan struct{}) error {
	timer := time.NewTimer(m.cfg.ActivationTimeout)
	defer timer.Stop()

	select {
	case <-ready:
		return conn.ActivationErr()
	case <-timer.C:
		return apperrors.ActivationTimeout(conn.PackageName)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) fail(sess *session.UserSession, conn *session.TpaConnection, ready <-chan struct{}, err error) error {
	sock, removed := sess.FailActivation(conn, ready, err)
	if sock != nil {
		sock.Close(protocol.CloseTryAgainLater, "activation failed")
	}
	if removed {
		metrics.RecordTpaTransition(string(session.ConnClosed))
	}

	// The TPA may have completed the handshake just before the failure landed.
	select {
	case <-ready:
		return conn.ActivationErr()
	default:
		return err
	}
}

// HandleInit runs the TPA side of the handshake for a freshly dialed socket. On
// success the connection is ACTIVE and the ack has been queued. On failure an error
// frame has been sent and the socket closed; auth failures are never retried.
func (m *Manager) HandleInit(ctx context.Context, sock session.TpaSocket, init protocol.TpaConnectionInit) (*session.UserSession, *session.TpaConnection, uint64, error) {
	logger := log.With().
		Str("sessionId", init.SessionID).
		Str("packageName", init.PackageName).
		Logger()

	sess, ok := m.table.Get(init.SessionID)
	if !ok || sess.State() == session.StateExpired {
		err := apperrors.SessionNotFound()
		logger.Info().Msg("tpa dialed for unknown session")
		_ = sock.SendJSON(protocol.NewConnectionError(err))
		sock.Close(protocol.CloseSessionGone, "session not found")
		return nil, nil, 0, err
	}
	logger = logger.With().Str("userId", sess.UserID).Logger()

	if err := m.catalog.VerifyAPIKey(ctx, init.PackageName, init.APIKey); err != nil {
		if !apperrors.HasCode(err, apperrors.ErrCodeAuthenticationFailure) {
			logger.Error().Err(err).Msg("api key verification failed")
			_ = sock.SendJSON(protocol.NewConnectionError(err))
			sock.Close(protocol.CloseInternalError, "verification unavailable")
			return nil, nil, 0, err
		}

		audit.Log(ctx, audit.Event{
			Type:        audit.EventTpaAuthFailure,
			UserID:      sess.UserID,
			SessionID:   sess.ID,
			PackageName: init.PackageName,
		})
		metrics.Activations.WithLabelValues("auth_failure").Inc()
		_ = sock.SendJSON(protocol.NewConnectionError(err))
		sock.Close(protocol.CloseAuthFailure, "invalid api key")

		if rejected, wasActive := sess.RejectActivation(init.PackageName, err); rejected {
			metrics.RecordTpaTransition(string(session.ConnClosed))
			if wasActive {
				m.getListener().AppStopped(sess, init.PackageName, "authentication failed", true)
			}
		}
		return nil, nil, 0, err
	}

	if !sess.IsInstalled(init.PackageName) && !sess.IsActive(init.PackageName) && !sess.IsLoading(init.PackageName) {
		err := apperrors.AppNotInstalled(init.PackageName)
		logger.Warn().Msg("tpa dialed for an app the user has not installed")
		_ = sock.SendJSON(protocol.NewConnectionError(err))
		sock.Close(protocol.ClosePolicyViolation, "app not installed")
		return nil, nil, 0, err
	}

	settings, err := m.catalog.UserSettings(ctx, sess.UserID, init.PackageName)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to load app settings, sending defaults")
		settings = nil
	}

	conn, gen, prev, err := sess.AcceptDialIn(init.PackageName, sock)
	if err != nil {
		_ = sock.SendJSON(protocol.NewConnectionError(err))
		sock.Close(protocol.CloseSessionGone, "session ended")
		return nil, nil, 0, err
	}
	metrics.RecordTpaTransition(string(session.ConnAckPending))
	if prev != nil && prev != sock {
		prev.Close(protocol.CloseSuperseded, "replaced by a new connection")
	}

	ack := protocol.NewConnectionAck(sess.ID, settings, m.cfg.HealthCheckInterval)
	if !sess.CompleteActivation(conn, gen, ack, m.now()) {
		err := apperrors.TransientConnection("handshake interrupted", nil)
		sock.Close(protocol.CloseInternalError, "handshake interrupted")
		m.HandleClose(sess, conn, gen, protocol.CloseAbnormal, "handshake interrupted")
		return nil, nil, 0, err
	}
	metrics.RecordTpaTransition(string(session.ConnActive))
	logger.Info().Uint64("generation", gen).Msg("tpa connection active")

	m.startHeartbeat(sess, conn, gen, sock)
	m.getListener().AppRunning(sess, init.PackageName)
	return sess, conn, gen, nil
}

// HandleClose classifies a closed TPA socket. Transient closes of a running app
// schedule reconnection; everything else ends the app.
func (m *Manager) HandleClose(sess *session.UserSession, conn *session.TpaConnection, gen uint64, code int, reason string) {
	transient := protocol.IsTransientClose(code)
	outcome, wasActive := sess.ConnectionClosed(conn, gen, transient)

	logger := log.With().
		Str("sessionId", sess.ID).
		Str("packageName", conn.PackageName).
		Int("code", code).
		Str("reason", reason).
		Logger()

	switch outcome {
	case session.CloseReconnect:
		logger.Warn().Msg("tpa connection lost, reconnecting")
		metrics.RecordTpaTransition(string(session.ConnUnhealthy))
		m.beginReconnect(sess, conn)
	case session.CloseTerminal:
		logger.Info().Msg("tpa connection closed")
		metrics.RecordTpaTransition(string(session.ConnClosed))
		// A close during activation is reported to the activation waiter instead.
		if !wasActive {
			return
		}
		if reason == "" {
			reason = "connection closed"
		}
		m.getListener().AppStopped(sess, conn.PackageName, reason, false)
	}
}

func (m *Manager) beginReconnect(sess *session.UserSession, conn *session.TpaConnection) {
	m.getListener().AppReconnecting(sess, conn.PackageName)
	m.scheduleReconnect(sess, conn, m.retryPolicy())
}

func (m *Manager) scheduleReconnect(sess *session.UserSession, conn *session.TpaConnection, policy RetryPolicy) {
	if policy.Exhausted() {
		m.giveUp(sess, conn, policy)
		return
	}
	conn.ScheduleRetry(policy.Delay(), func() {
		m.attemptReconnect(sess, conn, policy)
	})
}

func (m *Manager) attemptReconnect(sess *session.UserSession, conn *session.TpaConnection, policy RetryPolicy) {
	ready, ok := sess.BeginReconnect(conn)
	if !ok {
		return
	}
	metrics.ReconnectAttempts.Inc()
	metrics.RecordTpaTransition(string(session.ConnConnecting))

	log.Info().
		Str("sessionId", sess.ID).
		Str("packageName", conn.PackageName).
		Int("attempt", policy.Attempt+1).
		Int("maxAttempts", policy.MaxAttempts).
		Msg("reconnecting tpa")

	if err := m.run(context.Background(), sess, conn, ready); err == nil {
		return
	}
	m.scheduleReconnect(sess, conn, policy.Next())
}

func (m *Manager) giveUp(sess *session.UserSession, conn *session.TpaConnection, policy RetryPolicy) {
	if !sess.GiveUp(conn) {
		return
	}
	metrics.PermanentDisconnects.Inc()
	metrics.RecordTpaTransition(string(session.ConnClosed))
	log.Warn().
		Str("sessionId", sess.ID).
		Str("packageName", conn.PackageName).
		Int("attempts", policy.Attempt).
		Msg("tpa reconnection exhausted")
	m.getListener().AppStopped(sess, conn.PackageName, "reconnection attempts exhausted", true)
}

// Stop closes packageName's connection on purpose; no reconnection follows. It
// reports whether the app was running or loading.
func (m *Manager) Stop(sess *session.UserSession, packageName string, code int, reason string) bool {
	sock, existed := sess.RemoveApp(packageName)
	if sock != nil {
		_ = sock.SendJSON(protocol.NewAppStopped(reason))
		sock.Close(code, reason)
	}
	if existed {
		metrics.RecordTpaTransition(string(session.ConnClosed))
	}
	return existed
}

// CloseAll tears down every connection of sess, cancelling pending reconnects.
func (m *Manager) CloseAll(sess *session.UserSession, code int, reason string) []string {
	closed := sess.TakeConnections()
	out := make([]string, 0, len(closed))
	for _, c := range closed {
		if c.Socket != nil {
			_ = c.Socket.SendJSON(protocol.NewAppStopped(reason))
			c.Socket.Close(code, reason)
		}
		metrics.RecordTpaTransition(string(session.ConnClosed))
		out = append(out, c.PackageName)
	}
	return out
}

// HandleServerRegistration re-activates packageName in every local session that
// was running it: connections waiting on a backoff timer are retried at once, and
// apps that gave up are started again. It returns the number of sessions touched.
func (m *Manager) HandleServerRegistration(ctx context.Context, packageName string) int {
	sem := make(chan struct{}, m.cfg.RestartConcurrency)
	var wg sync.WaitGroup
	triggered := 0

	for _, sess := range m.table.All() {
		if sess.State() == session.StateExpired {
			continue
		}

		conn := sess.Connection(packageName)
		switch {
		case conn != nil && conn.State() == session.ConnUnhealthy:
			triggered++
			wg.Add(1)
			sem <- struct{}{}
			go func(sess *session.UserSession, conn *session.TpaConnection) {
				defer wg.Done()
				defer func() { <-sem }()
				m.attemptReconnect(sess, conn, m.retryPolicy())
			}(sess, conn)

		case conn == nil && sess.IsRecoverable(packageName):
			triggered++
			wg.Add(1)
			sem <- struct{}{}
			go func(sess *session.UserSession) {
				defer wg.Done()
				defer func() { <-sem }()
				if err := m.Activate(ctx, sess, packageName); err != nil {
					log.Warn().Err(err).
						Str("sessionId", sess.ID).
						Str("packageName", packageName).
						Msg("restart activation failed")
				}
			}(sess)
		}
	}

	wg.Wait()
	if triggered > 0 {
		log.Info().Str("packageName", packageName).Int("sessions", triggered).Msg("tpa server restart recovery")
	}
	return triggered
}

// startHeartbeat pings the TPA every interval until its socket closes. Missing
// MaxMissedPongs pongs in a row marks the connection UNHEALTHY and starts
// reconnection.
func (m *Manager) startHeartbeat(sess *session.UserSession, conn *session.TpaConnection, gen uint64, sock session.TpaSocket) {
	if m.cfg.HealthCheckInterval <= 0 {
		return
	}
	sock.OnPong(func() { conn.RecordPong(m.now()) })

	go func() {
		ticker := time.NewTicker(m.cfg.HealthCheckInterval)
		defer ticker.Stop()

		for {
			select {
			case <-sock.Done():
				return
			case <-ticker.C:
				if conn.HeartbeatTick(gen, m.cfg.MaxMissedPongs) {
					log.Warn().
						Str("sessionId", sess.ID).
						Str("packageName", conn.PackageName).
						Int("missedPongs", m.cfg.MaxMissedPongs).
						Msg("tpa heartbeat missed, marking unhealthy")
					metrics.RecordTpaTransition(string(session.ConnUnhealthy))
					sock.Close(protocol.CloseGoingAway, "heartbeat timeout")
					m.beginReconnect(sess, conn)
					return
				}
				if current, g := conn.Socket(); current != sock || g != gen {
					return
				}
				if err := sock.Ping(); err != nil {
					return
				}
			}
		}
	}()
}

func outcome(err error) string {
	switch apperrors.GetCode(err) {
	case apperrors.ErrCodeAuthenticationFailure:
		return "auth_failure"
	case apperrors.ErrCodeActivationTimeout:
		return "timeout"
	default:
		return "error"
	}
}
