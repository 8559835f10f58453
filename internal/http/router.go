package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/smallbiznis/fitlink/internal/config"
	"github.com/smallbiznis/fitlink/internal/http/handler"
	httpmiddleware "github.com/smallbiznis/fitlink/internal/http/middleware"
	"github.com/smallbiznis/fitlink/internal/metrics"
	"github.com/smallbiznis/fitlink/internal/middleware"
)

// NewRouter wires Gin routes and middleware.
func NewRouter(cfg config.Config, logger *zap.Logger, tokenHandler *handler.TokenHandler, authMiddleware *httpmiddleware.Auth, rateLimiter *middleware.RateLimiter) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(httpmiddleware.RequestLogger(logger))
	r.Use(middleware.CORS(cfg))

	r.GET("/healthz", tokenHandler.Healthz)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	v1 := r.Group("/v1", otelgin.Middleware(cfg.ServiceName), rateLimiter.Handler(), authMiddleware.ValidateJWT)
	{
		tokens := v1.Group("/tokens")
		tokens.POST("", tokenHandler.Connect)
		tokens.DELETE("", tokenHandler.Disconnect)
		tokens.POST("/refresh", tokenHandler.Refresh)
		tokens.GET("/status", tokenHandler.Status)
	}

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "error_description": "Route not found."})
	})

	return r
}
