package httputil

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/openclaw/wa-relay-server-go/internal/errors"
)

func TestWriteError(t *testing.T) {
	tests := []struct {
		name           string
		err            error
		expectedStatus int
		expectedCode   apperrors.ErrorCode
	}{
		{"duplicate name", apperrors.DuplicateName("Sales"), http.StatusConflict, apperrors.ErrCodeDuplicateName},
		{"session unavailable", apperrors.SessionUnavailable("awaiting_pairing"), http.StatusConflict, apperrors.ErrCodeSessionUnavailable},
		{"transport not ready", apperrors.TransportNotReady(), http.StatusServiceUnavailable, apperrors.ErrCodeTransportNotReady},
		{"not found", apperrors.NotFound("Session"), http.StatusNotFound, apperrors.ErrCodeNotFound},
		{"missing field", apperrors.MissingRequired("name"), http.StatusBadRequest, apperrors.ErrCodeMissingRequired},
		{"rate limited", apperrors.RateLimitExceeded(), http.StatusTooManyRequests, apperrors.ErrCodeRateLimitExceeded},
		{"plain error", errors.New("boom"), http.StatusInternalServerError, apperrors.ErrCodeInternal},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			WriteError(rec, tc.err)

			assert.Equal(t, tc.expectedStatus, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

			var body ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tc.expectedCode, body.Code)
			assert.NotEmpty(t, body.Error)
		})
	}
}

func TestWriteErrorHidesInternalMessages(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, errors.New("pq: connection refused"))

	assert.NotContains(t, rec.Body.String(), "connection refused")
}
