package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func protectedRouter(svc Service) *chi.Mux {
	r := chi.NewRouter()
	r.Use(Middleware(svc, zap.NewNop()))
	r.With(RequireCapability(CapManagePolicies)).Get("/policies", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(FromContext(r.Context()).Subject))
	})
	return r
}

func TestMiddleware(t *testing.T) {
	svc := NewService(testSecret)
	router := protectedRouter(svc)

	admin, err := svc.IssueToken("admin-1", RoleSuperAdmin, "", time.Hour)
	require.NoError(t, err)
	seller, err := svc.IssueToken("seller-1", RoleSeller, "", time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
		status int
		body   string
	}{
		{"no token", "", http.StatusUnauthorized, ErrMissingToken.Error()},
		{"bad token", "Bearer nope", http.StatusUnauthorized, ""},
		{"missing capability", "Bearer " + seller, http.StatusForbidden, ErrForbidden.Error()},
		{"allowed", "Bearer " + admin, http.StatusOK, "admin-1"},
		{"lower-case scheme", "bearer " + admin, http.StatusOK, "admin-1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/policies", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)

			assert.Equal(t, tt.status, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.body)
		})
	}
}

func TestBearerToken(t *testing.T) {
	tests := map[string]string{
		"":             "",
		"Bearer":       "",
		"Bearer ":      "",
		"Basic abc":    "",
		"Bearer abc":   "abc",
		"BEARER  abc ": "abc",
		"Bearer a.b.c": "a.b.c",
	}
	for header, want := range tests {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", header)
		assert.Equal(t, want, bearerToken(req), "header %q", header)
	}
}
