package http

import (
	"context"
	"net/http"
	"time"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/services"
	"meshcall/internal/infrastructure/middleware"
	"meshcall/internal/infrastructure/monitoring"
	"meshcall/pkg/config"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type RouterDeps struct {
	Config  *config.Config
	Auth    services.AuthService
	Calls   *CallHandler
	Health  *monitoring.HealthChecker
	Metrics prometheus.Gatherer
	Logger  *zap.SugaredLogger
}

// NewRouter builds the control API: public health and metrics routes plus
// the authenticated /api/v1 group.
func NewRouter(deps RouterDeps) *gin.Engine {
	cfg := deps.Config
	startTime := time.Now()

	router := gin.New()
	router.Use(middleware.RecoveryMiddleware(deps.Logger))
	router.Use(middleware.TracingMiddleware())
	router.Use(middleware.NewHTTPRateLimitMiddleware(cfg))
	router.Use(middleware.ErrorHandlerMiddleware(deps.Logger))

	router.GET("/health", func(c *gin.Context) {
		status := deps.Health.Liveness(c.Request.Context())
		code := http.StatusOK
		if status.Status != "healthy" {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{
			"status":    status.Status,
			"timestamp": status.Timestamp,
			"uptime":    time.Since(startTime).String(),
			"checks":    status.Checks,
		})
	})

	router.GET("/ready", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
		defer cancel()

		status := deps.Health.Readiness(ctx)
		if status.Status != "healthy" {
			c.JSON(http.StatusServiceUnavailable, status)
			return
		}
		c.JSON(http.StatusOK, status)
	})

	if cfg.Monitoring.PrometheusEnabled && deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Metrics, promhttp.HandlerOpts{})))
	}

	api := router.Group("/api/v1")
	api.Use(middleware.AuthMiddleware(deps.Auth, true))
	NewAuthHandler(deps.Auth, cfg.Auth.TokenTTL).SetupRoutes(api)

	call := api.Group("")
	call.Use(middleware.GroupPermissionMiddleware(deps.Auth, func() domain.GroupID {
		return domain.GroupID(cfg.Call.GroupID)
	}))
	deps.Calls.SetupRoutes(call)

	return router
}
