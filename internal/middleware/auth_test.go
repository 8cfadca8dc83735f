package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"edgecam/internal/auth"
)

func newAuthenticator(t *testing.T, enabled bool) *auth.Authenticator {
	t.Helper()
	a, err := auth.NewAuthenticator(auth.Config{Enabled: enabled, Password: "pw", Secret: "secret"})
	require.NoError(t, err)
	return a
}

func protectedHandler(t *testing.T, a *auth.Authenticator) http.Handler {
	t.Helper()
	return AuthMiddleware(a, "/health")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if claims := GetUserFromContext(r.Context()); claims != nil {
			w.Header().Set("X-User", claims.Username)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
}

func TestAuthMiddleware(t *testing.T) {
	a := newAuthenticator(t, true)
	h := protectedHandler(t, a)
	token, _, err := a.Authenticate("admin", "pw")
	require.NoError(t, err)

	tests := []struct {
		name   string
		path   string
		header string
		want   int
	}{
		{"missing header", "/api/v1/status", "", http.StatusUnauthorized},
		{"wrong scheme", "/api/v1/status", "Basic abc", http.StatusUnauthorized},
		{"invalid token", "/api/v1/status", "Bearer nope", http.StatusUnauthorized},
		{"valid token", "/api/v1/status", "Bearer " + token, http.StatusNoContent},
		{"public path", "/health", "", http.StatusNoContent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()

			h.ServeHTTP(rec, req)

			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestAuthMiddlewareQueryToken(t *testing.T) {
	a := newAuthenticator(t, true)
	token, _, err := a.Authenticate("admin", "pw")
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	protectedHandler(t, a).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws?token="+token, nil))

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "admin", rec.Header().Get("X-User"))
}

func TestAuthMiddlewareDisabled(t *testing.T) {
	rec := httptest.NewRecorder()
	protectedHandler(t, newAuthenticator(t, false)).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/status", nil))

	assert.Equal(t, http.StatusNoContent, rec.Code)
}
