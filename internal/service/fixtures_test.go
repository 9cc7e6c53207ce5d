package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	apperrors "github.com/augmentos/cloud-relay-go/internal/errors"
	"github.com/augmentos/cloud-relay-go/internal/protocol"
	"github.com/augmentos/cloud-relay-go/internal/router"
	"github.com/augmentos/cloud-relay-go/internal/session"
	"github.com/augmentos/cloud-relay-go/internal/session/sessiontest"
	"github.com/augmentos/cloud-relay-go/internal/subscription"
	"github.com/augmentos/cloud-relay-go/internal/tpa"
)

const (
	testUser = "u@example.com"
	testPkg  = "com.acme.app"
	otherPkg = "com.acme.other"
	testKey  = "secret-key"
)

// fakeStore stands in for AppCatalogService in session and lifecycle tests.
type fakeStore struct {
	mu        sync.Mutex
	installed map[string][]string
	settings  map[string]json.RawMessage
	loadErr   error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		installed: map[string][]string{testUser: {testPkg, otherPkg}},
		settings:  map[string]json.RawMessage{},
	}
}

func (f *fakeStore) InstalledApps(_ context.Context, userID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	return append([]string(nil), f.installed[userID]...), nil
}

func (f *fakeStore) VerifyAPIKey(_ context.Context, _, apiKey string) error {
	if apiKey != testKey {
		return apperrors.AuthenticationFailure("invalid API key")
	}
	return nil
}

func (f *fakeStore) UserSettings(_ context.Context, _, packageName string) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.settings[packageName], nil
}

func (f *fakeStore) Install(_ context.Context, userID, packageName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.installed[userID] = append(f.installed[userID], packageName)
	return nil
}

func (f *fakeStore) Uninstall(_ context.Context, userID, packageName string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	apps := f.installed[userID]
	for i, pkg := range apps {
		if pkg == packageName {
			f.installed[userID] = append(apps[:i], apps[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) UpdateSettings(_ context.Context, _, packageName string, settings json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settings[packageName] = settings
	return nil
}

// dialBackDispatcher plays a TPA server that dials in for every webhook.
type dialBackDispatcher struct {
	mu      sync.Mutex
	m       *tpa.Manager
	err     error
	calls   int
	sockets map[string][]*sessiontest.Socket
}

func (d *dialBackDispatcher) Dispatch(_ context.Context, sessionID, _, packageName string) error {
	d.mu.Lock()
	d.calls++
	if d.err != nil {
		d.mu.Unlock()
		return d.err
	}
	sock := sessiontest.NewSocket()
	d.sockets[packageName] = append(d.sockets[packageName], sock)
	m := d.m
	d.mu.Unlock()

	go func() {
		_, _, _, _ = m.HandleInit(context.Background(), sock, protocol.TpaConnectionInit{
			SessionID:   sessionID,
			PackageName: packageName,
			APIKey:      testKey,
		})
	}()
	return nil
}

func (d *dialBackDispatcher) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

// Last returns the newest TPA socket dialed for packageName.
func (d *dialBackDispatcher) Last(packageName string) *sessiontest.Socket {
	d.mu.Lock()
	defer d.mu.Unlock()
	socks := d.sockets[packageName]
	if len(socks) == 0 {
		return nil
	}
	return socks[len(socks)-1]
}

type fixture struct {
	registry   *subscription.Registry
	table      *session.Table
	tpa        *tpa.Manager
	store      *fakeStore
	dispatcher *dialBackDispatcher
	sessions   *SessionService
	lifecycle  *AppLifecycleService
}

func newFixture(t *testing.T, grace time.Duration) *fixture {
	t.Helper()

	table := session.NewTable()
	registry := subscription.NewRegistry()
	rt := router.New(table, registry, nil)
	store := newFakeStore()
	dispatcher := &dialBackDispatcher{sockets: map[string][]*sessiontest.Socket{}}

	manager := tpa.NewManager(table, dispatcher, store, tpa.Config{
		ActivationTimeout:  time.Second,
		ReconnectBaseDelay: 10 * time.Millisecond,
		ReconnectAttempts:  2,
	})
	dispatcher.m = manager

	sessions := NewSessionService(table, registry, rt, manager, store, grace)
	manager.SetListener(sessions)

	return &fixture{
		registry:   registry,
		table:      table,
		tpa:        manager,
		store:      store,
		dispatcher: dispatcher,
		sessions:   sessions,
		lifecycle:  NewAppLifecycleService(sessions, manager, store, rt),
	}
}

// connect opens a session for testUser on a fresh glasses socket.
func (f *fixture) connect(t *testing.T) (*session.UserSession, *sessiontest.Socket) {
	t.Helper()
	glasses := sessiontest.NewSocket()
	sess, _, err := f.sessions.CreateOrResume(context.Background(), testUser, glasses)
	require.NoError(t, err)
	return sess, glasses
}

// start runs packageName and returns its TPA socket once the glasses were told
// it is running.
func (f *fixture) start(t *testing.T, sess *session.UserSession, glasses *sessiontest.Socket, packageName string) *sessiontest.Socket {
	t.Helper()
	require.NoError(t, f.lifecycle.StartApp(context.Background(), sess, packageName))
	require.Eventually(t, func() bool {
		for _, m := range glasses.MessagesOfType("app_state_change") {
			if m["packageName"] == packageName && m["status"] == "running" {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
	sock := f.dispatcher.Last(packageName)
	require.NotNil(t, sock)
	return sock
}

func statuses(sock *sessiontest.Socket, packageName string) []string {
	var out []string
	for _, m := range sock.MessagesOfType("app_state_change") {
		if m["packageName"] == packageName {
			out = append(out, m["status"].(string))
		}
	}
	return out
}
