package httputil

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/augmentos/cloud-relay-go/internal/errors"
)

func TestWriteError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   apperrors.ErrorCode
	}{
		{"not installed", apperrors.AppNotInstalled("com.acme.app"), http.StatusForbidden, apperrors.ErrCodeAppNotInstalled},
		{"activation timeout", apperrors.ActivationTimeout("com.acme.app"), http.StatusGatewayTimeout, apperrors.ErrCodeActivationTimeout},
		{"session missing", apperrors.SessionNotFound(), http.StatusNotFound, apperrors.ErrCodeSessionNotFound},
		{"bad stream", apperrors.InvalidStreamType("x"), http.StatusBadRequest, apperrors.ErrCodeInvalidStreamType},
		{"plain error", errors.New("boom"), http.StatusInternalServerError, apperrors.ErrCodeInternal},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			WriteError(rec, tc.err)

			assert.Equal(t, tc.wantStatus, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

			var body ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tc.wantCode, body.Code)
			assert.NotEmpty(t, body.Error)
		})
	}
}
