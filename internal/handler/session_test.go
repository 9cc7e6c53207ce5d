package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	apperrors "github.com/augmentos/cloud-relay-go/internal/errors"
	"github.com/augmentos/cloud-relay-go/internal/middleware"
	"github.com/augmentos/cloud-relay-go/internal/service"
	"github.com/augmentos/cloud-relay-go/internal/session"
)

type mockSessions struct{ mock.Mock }

func (m *mockSessions) View(userID string) (*service.SessionView, error) {
	args := m.Called(userID)
	if v := args.Get(0); v != nil {
		return v.(*service.SessionView), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockSessions) LogoutUser(ctx context.Context, userID string) error {
	return m.Called(ctx, userID).Error(0)
}

type mockApps struct{ mock.Mock }

func (m *mockApps) Install(ctx context.Context, userID, packageName string) error {
	return m.Called(ctx, userID, packageName).Error(0)
}

func (m *mockApps) Uninstall(ctx context.Context, userID, packageName string) error {
	return m.Called(ctx, userID, packageName).Error(0)
}

func (m *mockApps) UpdateSettings(ctx context.Context, userID, packageName string, settings json.RawMessage) error {
	return m.Called(ctx, userID, packageName, settings).Error(0)
}

func authed(method, target, body string) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	return req.WithContext(middleware.WithUserID(req.Context(), testUser))
}

func TestSessionHandler_GetSession(t *testing.T) {
	t.Run("returns the live session", func(t *testing.T) {
		sessions := &mockSessions{}
		sessions.On("View", testUser).Return(&service.SessionView{
			Snapshot: session.Snapshot{
				SessionID:  "sess-1",
				UserID:     testUser,
				State:      session.StateActive,
				ActiveApps: []string{testPkg},
			},
			Subscriptions: map[string][]string{testPkg: {"button_press"}},
		}, nil)

		rec := httptest.NewRecorder()
		NewSessionHandler(sessions, &mockApps{}).Routes().ServeHTTP(rec, authed(http.MethodGet, "/sessions/me", ""))

		assert.Equal(t, http.StatusOK, rec.Code)
		var resp map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "sess-1", resp["sessionId"])
		assert.Equal(t, "ACTIVE", resp["state"])
		assert.Contains(t, resp["subscriptions"], testPkg)
	})

	t.Run("404 without a session", func(t *testing.T) {
		sessions := &mockSessions{}
		sessions.On("View", testUser).Return(nil, apperrors.SessionNotFound())

		rec := httptest.NewRecorder()
		NewSessionHandler(sessions, &mockApps{}).Routes().ServeHTTP(rec, authed(http.MethodGet, "/sessions/me", ""))

		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Contains(t, rec.Body.String(), "SESSION_NOT_FOUND")
	})

	t.Run("401 without a user", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/sessions/me", nil)
		NewSessionHandler(&mockSessions{}, &mockApps{}).Routes().ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestSessionHandler_Logout(t *testing.T) {
	sessions := &mockSessions{}
	sessions.On("LogoutUser", mock.Anything, testUser).Return(nil)

	rec := httptest.NewRecorder()
	NewSessionHandler(sessions, &mockApps{}).Routes().ServeHTTP(rec, authed(http.MethodDelete, "/sessions/me", ""))

	assert.Equal(t, http.StatusOK, rec.Code)
	sessions.AssertExpectations(t)
}

func TestSessionHandler_Apps(t *testing.T) {
	tests := []struct {
		name       string
		setup      func(apps *mockApps)
		target     string
		body       string
		wantStatus int
	}{
		{
			name:       "install",
			target:     "/apps/" + testPkg + "/install",
			setup:      func(apps *mockApps) { apps.On("Install", mock.Anything, testUser, testPkg).Return(nil) },
			wantStatus: http.StatusOK,
		},
		{
			name:   "install unknown app",
			target: "/apps/" + testPkg + "/install",
			setup: func(apps *mockApps) {
				apps.On("Install", mock.Anything, testUser, testPkg).Return(apperrors.NotFound("App"))
			},
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "uninstall",
			target:     "/apps/" + testPkg + "/uninstall",
			setup:      func(apps *mockApps) { apps.On("Uninstall", mock.Anything, testUser, testPkg).Return(nil) },
			wantStatus: http.StatusOK,
		},
		{
			name:   "uninstall app that is not installed",
			target: "/apps/" + testPkg + "/uninstall",
			setup: func(apps *mockApps) {
				apps.On("Uninstall", mock.Anything, testUser, testPkg).Return(apperrors.AppNotInstalled(testPkg))
			},
			wantStatus: http.StatusForbidden,
		},
		{
			name:   "update settings",
			target: "/apps/" + testPkg + "/settings",
			body:   `{"units":"metric"}`,
			setup: func(apps *mockApps) {
				apps.On("UpdateSettings", mock.Anything, testUser, testPkg, json.RawMessage(`{"units":"metric"}`)).Return(nil)
			},
			wantStatus: http.StatusOK,
		},
		{
			name:       "update settings with invalid json",
			target:     "/apps/" + testPkg + "/settings",
			body:       `{"units":`,
			setup:      func(apps *mockApps) {},
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			apps := &mockApps{}
			tt.setup(apps)

			rec := httptest.NewRecorder()
			NewSessionHandler(&mockSessions{}, apps).Routes().ServeHTTP(rec, authed(http.MethodPost, tt.target, tt.body))

			assert.Equal(t, tt.wantStatus, rec.Code)
			apps.AssertExpectations(t)
		})
	}
}
