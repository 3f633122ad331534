package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terraconstructs/jitaccess/internal/principal"
)

func TestAuthenticate(t *testing.T) {
	t.Run("extracts identity headers", func(t *testing.T) {
		var got *Identity
		handler := Authenticate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, _ = IdentityFromContext(r.Context())
		}))

		req := httptest.NewRequest(http.MethodGet, "/api/environments", nil)
		req.Header.Set(HeaderUserEmail, "Alice@Example.com")
		req.Header.Set(HeaderUserDirectory, "example.com")
		req.Header.Set(HeaderDeviceID, "device-1")
		req.Header.Set(HeaderAccessLevels, "corp, trusted")
		req.Header.Set(HeaderRequestID, "trace-42")

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		require.NotNil(t, got)
		assert.Equal(t, principal.NewEndUserID("alice@example.com"), got.Email)
		assert.Equal(t, "example.com", got.Directory)
		assert.Equal(t, "device-1", got.DeviceID)
		assert.Equal(t, []string{"corp", "trusted"}, got.AccessLevels)
		assert.Equal(t, "trace-42", got.RequestID)
	})

	t.Run("missing email is 401", func(t *testing.T) {
		called := false
		handler := Authenticate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			called = true
		}))

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/environments", nil))

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.False(t, called)
	})

	t.Run("blank email is 401", func(t *testing.T) {
		handler := Authenticate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(HeaderUserEmail, "   ")

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestDeadline(t *testing.T) {
	handler := Deadline(50 * time.Millisecond)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		deadline, ok := r.Context().Deadline()
		require.True(t, ok)
		assert.WithinDuration(t, time.Now().Add(50*time.Millisecond), deadline, 20*time.Millisecond)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
