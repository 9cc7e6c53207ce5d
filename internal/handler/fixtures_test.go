package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/augmentos/cloud-relay-go/internal/auth"
	apperrors "github.com/augmentos/cloud-relay-go/internal/errors"
	"github.com/augmentos/cloud-relay-go/internal/router"
	"github.com/augmentos/cloud-relay-go/internal/service"
	"github.com/augmentos/cloud-relay-go/internal/session"
	"github.com/augmentos/cloud-relay-go/internal/subscription"
	"github.com/augmentos/cloud-relay-go/internal/tpa"
	"github.com/augmentos/cloud-relay-go/internal/ws"
)

const (
	testSecret = "test-secret-test-secret-test-secret"
	testUser   = "u@example.com"
	testPkg    = "com.acme.app"
	testKey    = "secret-key"
)

type fakeCatalog struct {
	mu        sync.Mutex
	installed []string
	settings  map[string]json.RawMessage
}

func (f *fakeCatalog) InstalledApps(context.Context, string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.installed...), nil
}

func (f *fakeCatalog) VerifyAPIKey(_ context.Context, _, apiKey string) error {
	if apiKey != testKey {
		return apperrors.AuthenticationFailure("invalid API key")
	}
	return nil
}

func (f *fakeCatalog) UserSettings(_ context.Context, _, packageName string) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.settings[packageName], nil
}

func (f *fakeCatalog) Install(_ context.Context, _, packageName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.installed = append(f.installed, packageName)
	return nil
}

func (f *fakeCatalog) Uninstall(_ context.Context, _, packageName string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, pkg := range f.installed {
		if pkg == packageName {
			f.installed = append(f.installed[:i], f.installed[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeCatalog) UpdateSettings(_ context.Context, _, packageName string, settings json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settings[packageName] = settings
	return nil
}

// tpaServer plays a TPA server: every webhook makes it dial /tpa-ws.
type tpaServer struct {
	t      *testing.T
	url    string
	apiKey string
	conns  chan *websocket.Conn
}

func (s *tpaServer) Dispatch(_ context.Context, sessionID, _, packageName string) error {
	go func() {
		c, _, err := websocket.DefaultDialer.Dial(s.url, nil)
		if err != nil {
			s.t.Logf("tpa dial failed: %v", err)
			return
		}
		_ = c.WriteJSON(map[string]string{
			"type":        "tpa_connection_init",
			"sessionId":   sessionID,
			"packageName": packageName,
			"apiKey":      s.apiKey,
		})
		s.conns <- c
	}()
	return nil
}

type relay struct {
	server   *httptest.Server
	catalog  *fakeCatalog
	tpa      *tpaServer
	table    *session.Table
	sessions *service.SessionService
}

func newRelay(t *testing.T) *relay {
	t.Helper()
	return newRelayWithPongWait(t, time.Minute)
}

func newRelayWithPongWait(t *testing.T, pongWait time.Duration) *relay {
	t.Helper()

	table := session.NewTable()
	registry := subscription.NewRegistry()
	rt := router.New(table, registry, nil)
	catalog := &fakeCatalog{installed: []string{testPkg}, settings: map[string]json.RawMessage{}}
	dispatcher := &tpaServer{t: t, apiKey: testKey, conns: make(chan *websocket.Conn, 4)}

	manager := tpa.NewManager(table, dispatcher, catalog, tpa.Config{
		ActivationTimeout:  2 * time.Second,
		ReconnectBaseDelay: 10 * time.Millisecond,
		ReconnectAttempts:  1,
	})
	sessions := service.NewSessionService(table, registry, rt, manager, catalog, time.Minute)
	manager.SetListener(sessions)
	lifecycle := service.NewAppLifecycleService(sessions, manager, catalog, rt)

	upgrader := ws.NewUpgrader(nil)
	r := chi.NewRouter()
	r.Get("/glasses-ws", NewGlassesHandler(upgrader, auth.NewJWTVerifier(testSecret), sessions, lifecycle, 500*time.Millisecond, pongWait).ServeHTTP)
	r.Get("/tpa-ws", NewTpaHandler(upgrader, manager, sessions, 500*time.Millisecond).ServeHTTP)

	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		sessions.Shutdown()
		srv.Close()
	})
	dispatcher.url = wsURL(srv, "/tpa-ws")

	return &relay{server: srv, catalog: catalog, tpa: dispatcher, table: table, sessions: sessions}
}

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

func signToken(t *testing.T, userID string) string {
	t.Helper()
	token, err := auth.Sign(testSecret, userID, nil)
	require.NoError(t, err)
	return token
}

// dialGlasses connects and completes the handshake, returning the ack.
func (r *relay) dialGlasses(t *testing.T) (*websocket.Conn, map[string]any) {
	t.Helper()
	header := http.Header{"Authorization": {"Bearer " + signToken(t, testUser)}}
	c, _, err := websocket.DefaultDialer.Dial(wsURL(r.server, "/glasses-ws"), header)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	require.NoError(t, c.WriteJSON(map[string]string{"type": "connection_init"}))
	ack := readFrame(t, c)
	require.Equal(t, "connection_ack", ack["type"])
	return c, ack
}

func readFrame(t *testing.T, c *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	var m map[string]any
	require.NoError(t, c.ReadJSON(&m))
	return m
}

// readUntil skips frames until one of type msgType arrives.
func readUntil(t *testing.T, c *websocket.Conn, msgType string) map[string]any {
	t.Helper()
	for {
		m := readFrame(t, c)
		if m["type"] == msgType {
			return m
		}
	}
}

// readClose reads until the peer closes and returns the close code.
func readClose(t *testing.T, c *websocket.Conn) int {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		if _, _, err := c.ReadMessage(); err != nil {
			var ce *websocket.CloseError
			require.ErrorAs(t, err, &ce)
			return ce.Code
		}
	}
}
