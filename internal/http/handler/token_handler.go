package handler

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/smallbiznis/fitlink/internal/domain"
	"github.com/smallbiznis/fitlink/internal/http/middleware"
	"github.com/smallbiznis/fitlink/internal/refresh"
)

// TokenService is the credential lifecycle surface exposed over HTTP.
type TokenService interface {
	Refresh(ctx context.Context, req refresh.Request) (*refresh.Result, error)
	Status(ctx context.Context, req refresh.Request) (*domain.TokenStatus, error)
	Connect(ctx context.Context, req refresh.ConnectRequest) (domain.TokenRecord, error)
	Disconnect(ctx context.Context, req refresh.Request) error
}

// TokenHandler serves the provider credential endpoints.
type TokenHandler struct {
	Tokens TokenService
	Logger *zap.Logger
}

// NewTokenHandler creates the handler set.
func NewTokenHandler(tokens TokenService, logger *zap.Logger) *TokenHandler {
	if logger == nil {
		logger = zap.L()
	}
	return &TokenHandler{Tokens: tokens, Logger: logger.Named("http")}
}

// Refresh ensures the caller's provider credential is fresh.
func (h *TokenHandler) Refresh(c *gin.Context) {
	req, ok := h.request(c)
	if !ok {
		return
	}

	res, err := h.Tokens.Refresh(c.Request.Context(), req)
	if err != nil {
		h.respondError(c, err)
		return
	}

	body := gin.H{"success": true, "expires_at": res.ExpiresAt.UTC()}
	switch {
	case res.Cached:
		body["cached"] = true
	case res.RefreshNotNeeded:
		body["refresh_not_needed"] = true
	default:
		body["refresh_count"] = res.RefreshCount
	}
	c.JSON(http.StatusOK, body)
}

// Status reports the caller's credential health.
func (h *TokenHandler) Status(c *gin.Context) {
	req, ok := h.request(c)
	if !ok {
		return
	}

	status, err := h.Tokens.Status(c.Request.Context(), req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.Header("Cache-Control", "private, max-age=30")
	c.JSON(http.StatusOK, status)
}

// Connect stores the token pair obtained by the app's authorization flow.
func (h *TokenHandler) Connect(c *gin.Context) {
	req, ok := h.request(c)
	if !ok {
		return
	}

	var body struct {
		AccessToken  string `json:"access_token" binding:"required"`
		RefreshToken string `json:"refresh_token" binding:"required"`
		ExpiresIn    int64  `json:"expires_in" binding:"required,gt=0"`
		Scope        string `json:"scope"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "access_token, refresh_token and expires_in are required."})
		return
	}

	rec, err := h.Tokens.Connect(c.Request.Context(), refresh.ConnectRequest{
		Request:      req,
		AccessToken:  body.AccessToken,
		RefreshToken: body.RefreshToken,
		ExpiresIn:    body.ExpiresIn,
		Scope:        body.Scope,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "expires_at": rec.ExpiresAt.UTC()})
}

// Disconnect removes the caller's stored credential.
func (h *TokenHandler) Disconnect(c *gin.Context) {
	req, ok := h.request(c)
	if !ok {
		return
	}

	if err := h.Tokens.Disconnect(c.Request.Context(), req); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Healthz is the liveness probe.
func (h *TokenHandler) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *TokenHandler) request(c *gin.Context) (refresh.Request, bool) {
	ownerID, ok := middleware.GetOwnerID(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_token", "error_description": "Owner missing."})
		return refresh.Request{}, false
	}
	return refresh.Request{
		OwnerID:   ownerID,
		IP:        c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
		Source:    refresh.SourceInteractive,
	}, true
}

func (h *TokenHandler) respondError(c *gin.Context, err error) {
	var (
		locked   *refresh.LockedError
		limited  *refresh.RateLimitedError
		upstream *refresh.UpstreamError
	)
	switch {
	case errors.As(err, &locked):
		retryAfter := seconds(locked.RetryAfter)
		c.Header("Retry-After", strconv.Itoa(retryAfter))
		c.JSON(http.StatusLocked, gin.H{"error": "refresh_in_progress", "error_description": "Another refresh is in progress.", "retryAfter": retryAfter})
	case errors.As(err, &limited):
		retryAfter := seconds(limited.RetryAfter)
		c.Header("Retry-After", strconv.Itoa(retryAfter))
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate_limited", "error_description": "Too many requests. Please slow down.", "retryAfter": retryAfter, "reason": limited.Reason})
	case errors.Is(err, domain.ErrTokenNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_connected", "error_description": "No provider credential stored."})
	case errors.Is(err, refresh.ErrReauthorizationRequired):
		c.JSON(http.StatusConflict, gin.H{"error": "reauthorization_required", "error_description": "Provider rejected the stored grant. Connect the account again."})
	case errors.As(err, &upstream):
		h.Logger.Warn("upstream refresh failed", zap.String("circuit_state", string(upstream.CircuitState)), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_refresh_failed", "error_description": "Provider token refresh failed.", "circuit_state": upstream.CircuitState})
	case errors.Is(err, refresh.ErrValidationFailed):
		h.Logger.Warn("token validation failed", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "token_validation_failed", "error_description": "Provider rejected the issued token."})
	default:
		h.Logger.Error("token service failure", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error", "error_description": "Internal server error."})
	}
}

// seconds rounds a retry hint up to whole seconds, never below one.
func seconds(d time.Duration) int {
	n := int(math.Ceil(d.Seconds()))
	if n < 1 {
		n = 1
	}
	return n
}
