package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/smallbiznis/fitlink/internal/config"
	"github.com/smallbiznis/fitlink/internal/domain"
	"github.com/smallbiznis/fitlink/internal/http/handler"
	httpmiddleware "github.com/smallbiznis/fitlink/internal/http/middleware"
	customjwt "github.com/smallbiznis/fitlink/internal/jwt"
	"github.com/smallbiznis/fitlink/internal/middleware"
	"github.com/smallbiznis/fitlink/internal/refresh"
)

type stubTokens struct {
	owners []string
}

func (s *stubTokens) Refresh(_ context.Context, req refresh.Request) (*refresh.Result, error) {
	s.owners = append(s.owners, req.OwnerID)
	return &refresh.Result{RefreshNotNeeded: true, ExpiresAt: time.Now().Add(time.Hour)}, nil
}

func (s *stubTokens) Status(_ context.Context, req refresh.Request) (*domain.TokenStatus, error) {
	s.owners = append(s.owners, req.OwnerID)
	return &domain.TokenStatus{Status: domain.TokenStatusNotFound, CircuitBreakerStatus: "CLOSED"}, nil
}

func (s *stubTokens) Connect(_ context.Context, req refresh.ConnectRequest) (domain.TokenRecord, error) {
	return domain.TokenRecord{OwnerID: req.OwnerID}, nil
}

func (s *stubTokens) Disconnect(_ context.Context, req refresh.Request) error {
	s.owners = append(s.owners, req.OwnerID)
	return nil
}

func newTestRouter(t *testing.T) (*gin.Engine, *stubTokens, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	verifier := customjwt.NewVerifier("fitlink-test-app-secret-0123456789", "")
	token, err := verifier.Sign("owner-5", time.Hour)
	require.NoError(t, err)

	tokens := &stubTokens{}
	cfg := config.Config{ServiceName: "fitlink", CORSAllowedOrigins: []string{"*"}}
	r := NewRouter(cfg, zap.NewNop(), handler.NewTokenHandler(tokens, zap.NewNop()), &httpmiddleware.Auth{Verifier: verifier}, middleware.NewRateLimiter(6000))
	return r, tokens, token
}

func TestRouterAuthenticatesTokenRoutes(t *testing.T) {
	r, tokens, token := newTestRouter(t)

	tests := []struct {
		method string
		path   string
		want   int
	}{
		{http.MethodPost, "/v1/tokens/refresh", http.StatusOK},
		{http.MethodGet, "/v1/tokens/status", http.StatusOK},
		{http.MethodDelete, "/v1/tokens", http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(tt.method, tt.path, nil))
			require.Equal(t, http.StatusUnauthorized, w.Code)

			req := httptest.NewRequest(tt.method, tt.path, nil)
			req.Header.Set("Authorization", "Bearer "+token)
			w = httptest.NewRecorder()
			r.ServeHTTP(w, req)
			require.Equal(t, tt.want, w.Code)
		})
	}
	require.Equal(t, []string{"owner-5", "owner-5", "owner-5"}, tokens.owners)
}

func TestRouterOperationalRoutes(t *testing.T) {
	r, _, _ := newTestRouter(t)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.True(t, strings.Contains(w.Body.String(), "go_goroutines"))

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/nope", nil))
	require.Equal(t, http.StatusNotFound, w.Code)
}
