package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/augmentos/cloud-relay-go/internal/broker"
	apperrors "github.com/augmentos/cloud-relay-go/internal/errors"
	"github.com/augmentos/cloud-relay-go/internal/model"
)

type mockKeys struct{ mock.Mock }

func (m *mockKeys) VerifyAPIKey(ctx context.Context, packageName, apiKey string) error {
	return m.Called(ctx, packageName, apiKey).Error(0)
}

type mockRegistrar struct{ mock.Mock }

func (m *mockRegistrar) Register(ctx context.Context, params model.RegisterTpaServerParams) (*model.TpaServer, error) {
	args := m.Called(ctx, params)
	if s := args.Get(0); s != nil {
		return s.(*model.TpaServer), args.Error(1)
	}
	return nil, args.Error(1)
}

type mockPublisher struct{ mock.Mock }

func (m *mockPublisher) PublishServerRegistered(ctx context.Context, ev broker.ServerRegistered) error {
	return m.Called(ctx, ev).Error(0)
}

func registerRequest(body any) *http.Request {
	b, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, "/register", bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func TestTpaServerHandler_Register(t *testing.T) {
	registeredAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	valid := map[string]string{
		"packageName": testPkg,
		"apiKey":      testKey,
		"serverUrl":   "https://tpa.acme.com",
	}

	t.Run("persists and publishes the registration", func(t *testing.T) {
		keys, servers, pub := &mockKeys{}, &mockRegistrar{}, &mockPublisher{}
		keys.On("VerifyAPIKey", mock.Anything, testPkg, testKey).Return(nil)
		servers.On("Register", mock.Anything, model.RegisterTpaServerParams{
			PackageName: testPkg,
			ServerURL:   "https://tpa.acme.com",
		}).Return(&model.TpaServer{PackageName: testPkg, ServerURL: "https://tpa.acme.com", RegisteredAt: registeredAt}, nil)
		pub.On("PublishServerRegistered", mock.Anything, broker.ServerRegistered{
			PackageName:  testPkg,
			ServerURL:    "https://tpa.acme.com",
			RegisteredAt: registeredAt,
		}).Return(nil)

		rec := httptest.NewRecorder()
		NewTpaServerHandler(keys, servers, pub).Routes().ServeHTTP(rec, registerRequest(valid))

		assert.Equal(t, http.StatusOK, rec.Code)
		var resp map[string]any
		assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, true, resp["success"])
		keys.AssertExpectations(t)
		servers.AssertExpectations(t)
		pub.AssertExpectations(t)
	})

	t.Run("rejects a bad api key without persisting", func(t *testing.T) {
		keys, servers, pub := &mockKeys{}, &mockRegistrar{}, &mockPublisher{}
		keys.On("VerifyAPIKey", mock.Anything, testPkg, testKey).Return(apperrors.AuthenticationFailure("invalid API key"))

		rec := httptest.NewRecorder()
		NewTpaServerHandler(keys, servers, pub).Routes().ServeHTTP(rec, registerRequest(valid))

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		servers.AssertNotCalled(t, "Register", mock.Anything, mock.Anything)
		pub.AssertNotCalled(t, "PublishServerRegistered", mock.Anything, mock.Anything)
	})

	t.Run("reports a failed publish", func(t *testing.T) {
		keys, servers, pub := &mockKeys{}, &mockRegistrar{}, &mockPublisher{}
		keys.On("VerifyAPIKey", mock.Anything, testPkg, testKey).Return(nil)
		servers.On("Register", mock.Anything, mock.Anything).
			Return(&model.TpaServer{PackageName: testPkg, ServerURL: "https://tpa.acme.com", RegisteredAt: registeredAt}, nil)
		pub.On("PublishServerRegistered", mock.Anything, mock.Anything).Return(errors.New("redis down"))

		rec := httptest.NewRecorder()
		NewTpaServerHandler(keys, servers, pub).Routes().ServeHTTP(rec, registerRequest(valid))

		assert.Equal(t, http.StatusBadGateway, rec.Code)
	})

	t.Run("reports a failed insert", func(t *testing.T) {
		keys, servers, pub := &mockKeys{}, &mockRegistrar{}, &mockPublisher{}
		keys.On("VerifyAPIKey", mock.Anything, testPkg, testKey).Return(nil)
		servers.On("Register", mock.Anything, mock.Anything).Return(nil, errors.New("connection refused"))

		rec := httptest.NewRecorder()
		NewTpaServerHandler(keys, servers, pub).Routes().ServeHTTP(rec, registerRequest(valid))

		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		pub.AssertNotCalled(t, "PublishServerRegistered", mock.Anything, mock.Anything)
	})

	t.Run("404 when the app left the catalog", func(t *testing.T) {
		keys, servers, pub := &mockKeys{}, &mockRegistrar{}, &mockPublisher{}
		keys.On("VerifyAPIKey", mock.Anything, testPkg, testKey).Return(nil)
		servers.On("Register", mock.Anything, mock.Anything).Return(nil, nil)

		rec := httptest.NewRecorder()
		NewTpaServerHandler(keys, servers, pub).Routes().ServeHTTP(rec, registerRequest(valid))

		assert.Equal(t, http.StatusNotFound, rec.Code)
		pub.AssertNotCalled(t, "PublishServerRegistered", mock.Anything, mock.Anything)
	})

	tests := []struct {
		name string
		body any
	}{
		{"invalid package name", map[string]string{"packageName": "no dots", "apiKey": testKey, "serverUrl": "https://tpa.acme.com"}},
		{"invalid server url", map[string]string{"packageName": testPkg, "apiKey": testKey, "serverUrl": "ftp://tpa.acme.com"}},
		{"missing server url", map[string]string{"packageName": testPkg, "apiKey": testKey}},
		{"not an object", []int{1, 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			keys := &mockKeys{}
			rec := httptest.NewRecorder()
			NewTpaServerHandler(keys, &mockRegistrar{}, &mockPublisher{}).Routes().ServeHTTP(rec, registerRequest(tt.body))

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			keys.AssertNotCalled(t, "VerifyAPIKey", mock.Anything, mock.Anything, mock.Anything)
		})
	}
}
