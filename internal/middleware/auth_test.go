package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

const testToken = "0123456789abcdef0123456789abcdef"

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestAuthMiddleware(t *testing.T) {
	t.Run("passes with valid bearer token", func(t *testing.T) {
		handler := NewAuthMiddleware(testToken).Handler(okHandler())

		req := httptest.NewRequest(http.MethodGet, "/v1/instances", nil)
		req.Header.Set("Authorization", "Bearer "+testToken)
		rec := httptest.NewRecorder()

		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("passes with query token", func(t *testing.T) {
		handler := NewAuthMiddleware(testToken).Handler(okHandler())

		req := httptest.NewRequest(http.MethodGet, "/v1/instances/Sales/events?token="+testToken, nil)
		rec := httptest.NewRecorder()

		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("rejects missing token", func(t *testing.T) {
		handler := NewAuthMiddleware(testToken).Handler(okHandler())

		req := httptest.NewRequest(http.MethodGet, "/v1/instances", nil)
		rec := httptest.NewRecorder()

		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Contains(t, rec.Body.String(), "UNAUTHORIZED")
	})

	t.Run("rejects wrong token", func(t *testing.T) {
		handler := NewAuthMiddleware(testToken).Handler(okHandler())

		req := httptest.NewRequest(http.MethodGet, "/v1/instances", nil)
		req.Header.Set("Authorization", "Bearer nope")
		rec := httptest.NewRecorder()

		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Contains(t, rec.Body.String(), "INVALID_TOKEN")
	})

	t.Run("rejects non-bearer scheme", func(t *testing.T) {
		handler := NewAuthMiddleware(testToken).Handler(okHandler())

		req := httptest.NewRequest(http.MethodGet, "/v1/instances", nil)
		req.Header.Set("Authorization", "Basic "+testToken)
		rec := httptest.NewRecorder()

		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("empty configured token disables auth", func(t *testing.T) {
		handler := NewAuthMiddleware("").Handler(okHandler())

		req := httptest.NewRequest(http.MethodGet, "/v1/instances", nil)
		rec := httptest.NewRecorder()

		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
	})
}
