package service

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog/log"

	apperrors "github.com/augmentos/cloud-relay-go/internal/errors"
	"github.com/augmentos/cloud-relay-go/internal/protocol"
	"github.com/augmentos/cloud-relay-go/internal/router"
	"github.com/augmentos/cloud-relay-go/internal/session"
	"github.com/augmentos/cloud-relay-go/internal/tpa"
	"github.com/augmentos/cloud-relay-go/internal/util"
)

type appStore interface {
	Install(ctx context.Context, userID, packageName string) error
	Uninstall(ctx context.Context, userID, packageName string) (bool, error)
	UpdateSettings(ctx context.Context, userID, packageName string, settings json.RawMessage) error
}

// AppLifecycleService starts, stops, installs and uninstalls apps, keeping the
// live session in step with the user store.
type AppLifecycleService struct {
	sessions *SessionService
	tpa      *tpa.Manager
	store    appStore
	router   *router.Router
}

func NewAppLifecycleService(sessions *SessionService, tpaManager *tpa.Manager, store appStore, streamRouter *router.Router) *AppLifecycleService {
	return &AppLifecycleService{
		sessions: sessions,
		tpa:      tpaManager,
		store:    store,
		router:   streamRouter,
	}
}

// StartApp activates packageName for sess and blocks until it is running or the
// activation failed. Failures are also reported to the glasses as app_start_error.
func (s *AppLifecycleService) StartApp(ctx context.Context, sess *session.UserSession, packageName string) error {
	if !sess.IsInstalled(packageName) {
		err := apperrors.AppNotInstalled(packageName)
		s.sessions.sendToGlasses(sess, protocol.NewAppStartError(packageName, err))
		return err
	}
	if sess.IsActive(packageName) {
		s.sessions.sendToGlasses(sess, protocol.NewAppStateChange(packageName, protocol.AppRunning, ""))
		return nil
	}

	s.sessions.sendToGlasses(sess, protocol.NewAppStateChange(packageName, protocol.AppLoading, ""))

	if err := s.tpa.Activate(ctx, sess, packageName); err != nil {
		log.Warn().
			Err(err).
			Str("sessionId", sess.ID).
			Str("packageName", packageName).
			Msg("app start failed")
		s.sessions.sendToGlasses(sess, protocol.NewAppStartError(packageName, err))
		return err
	}
	return nil
}

// StopApp ends packageName's connection on purpose and clears its subscriptions.
// It reports whether the app was running or loading.
func (s *AppLifecycleService) StopApp(sess *session.UserSession, packageName string) bool {
	stopped := s.tpa.Stop(sess, packageName, protocol.CloseAppStopped, "App stopped")
	s.sessions.clearSubscriptions(sess, packageName)
	if stopped {
		log.Info().Str("sessionId", sess.ID).Str("packageName", packageName).Msg("app stopped")
		s.sessions.sendToGlasses(sess, protocol.NewAppStateChange(packageName, protocol.AppStopped, "stopped by user"))
	}
	return stopped
}

func (s *AppLifecycleService) Install(ctx context.Context, userID, packageName string) error {
	if !util.IsValidPackageName(packageName) {
		return apperrors.ValidationError("invalid package name")
	}
	if err := s.store.Install(ctx, userID, packageName); err != nil {
		return err
	}
	if sess, ok := s.sessions.ByUser(userID); ok {
		sess.AddInstalledApp(packageName)
	}
	return nil
}

// Uninstall removes packageName for userID, stopping it first if it is running.
func (s *AppLifecycleService) Uninstall(ctx context.Context, userID, packageName string) error {
	removed, err := s.store.Uninstall(ctx, userID, packageName)
	if err != nil {
		return err
	}
	if !removed {
		return apperrors.AppNotInstalled(packageName)
	}
	if sess, ok := s.sessions.ByUser(userID); ok {
		s.StopApp(sess, packageName)
		sess.RemoveInstalledApp(packageName)
	}
	return nil
}

// UpdateSettings stores settings and pushes them to the running TPA, if any.
func (s *AppLifecycleService) UpdateSettings(ctx context.Context, userID, packageName string, settings json.RawMessage) error {
	if err := s.store.UpdateSettings(ctx, userID, packageName, settings); err != nil {
		return err
	}
	if sess, ok := s.sessions.ByUser(userID); ok {
		s.router.DeliverTo(sess.ID, packageName, protocol.NewSettingsUpdate(packageName, settings))
	}
	return nil
}
