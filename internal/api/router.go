// Package api wires the HTTP surface of pypackage: global middleware, the probe
// endpoints, and the package routes served by internal/api/packages.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"

	"github.com/packaginator/pypackage/internal/api/packages"
	"github.com/packaginator/pypackage/internal/config"
	"github.com/packaginator/pypackage/internal/db/repositories"
	"github.com/packaginator/pypackage/internal/jobs"
	"github.com/packaginator/pypackage/internal/middleware"
	"github.com/packaginator/pypackage/internal/services"
)

// Version is reported by GET /version. It is overridden at build time with
// -ldflags "-X github.com/packaginator/pypackage/internal/api.Version=...".
var Version = "0.1.0"

// BackgroundServices holds references to background jobs and resources that must
// be stopped during graceful shutdown. The caller (cmd/server) is responsible for
// calling Shutdown() when the process receives a termination signal.
type BackgroundServices struct {
	releaseSyncJob *jobs.ReleaseSyncJob
	rateLimiters   []*middleware.RateLimiter
}

// Shutdown stops all background goroutines. It should be called after the HTTP
// server has been shut down so that in-flight requests are drained first.
func (bg *BackgroundServices) Shutdown() {
	slog.Info("stopping background services")
	if bg.releaseSyncJob != nil {
		bg.releaseSyncJob.Stop()
	}
	for _, rl := range bg.rateLimiters {
		rl.Stop()
	}
	slog.Info("all background services stopped")
}

// breakerReporter exposes the index host circuit breaker states.
type breakerReporter interface {
	BreakerStates() map[string]string
}

// NewRouter creates and configures the Gin router. The scheduled release sync
// is started here when cfg.Sync.Enabled is set; clients builds the index client
// for each index package's endpoint.
func NewRouter(cfg *config.Config, db *sqlx.DB, clients services.ClientFactory) (*gin.Engine, *BackgroundServices) {
	router := gin.New()
	bg := &BackgroundServices{}

	// Initialize repositories
	packageRepo := repositories.NewPackageRepository(db)
	indexPackageRepo := repositories.NewIndexPackageRepository(db)
	releaseRepo := repositories.NewReleaseRepository(db)

	// Initialize services
	synchronizer := services.NewReleaseSynchronizer(clients, releaseRepo, indexPackageRepo, cfg.Index.IncludeHidden)
	registrar := services.NewRegistrar(packageRepo, indexPackageRepo, clients, cfg.Index.URL, cfg.Index.VerifyOnRegister)
	catalog := services.NewCatalog(packageRepo, indexPackageRepo, releaseRepo)

	// The job also serves asynchronous refresh requests, so it exists even
	// when the scheduled pass is disabled.
	syncJob := jobs.NewReleaseSyncJob(indexPackageRepo, synchronizer, cfg.Sync, cfg.Index.IncludeHidden)
	bg.releaseSyncJob = syncJob
	if cfg.Sync.Enabled {
		syncJob.Start(context.Background())
	}

	// Add middleware
	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.MetricsMiddleware("/health", "/ready"))
	router.Use(middleware.LoggerMiddleware())
	router.Use(middleware.SecurityHeadersMiddleware(middleware.APISecurityHeadersConfig()))

	router.GET("/health", healthCheckHandler(db))
	router.GET("/ready", readinessHandler(db, syncJob))
	router.GET("/version", versionHandler())

	// Registration and refresh each cost index calls and share one limiter.
	writeLimit := []gin.HandlerFunc{}
	if cfg.Server.RateLimit.Enabled {
		limiter := middleware.NewRateLimiter(middleware.RateLimitConfigFrom(cfg.Server.RateLimit))
		bg.rateLimiters = append(bg.rateLimiters, limiter)
		writeLimit = append(writeLimit, middleware.RateLimitMiddleware(limiter))
	}

	h := packages.NewHandler(registrar, catalog, synchronizer, syncJob)

	v1 := router.Group("/api/v1")
	{
		pkgs := v1.Group("/packages")
		pkgs.POST("", append(writeLimit, h.Register)...)
		pkgs.GET("", h.List)
		pkgs.GET("/:slug", h.Get)
		pkgs.GET("/:slug/releases", h.ListReleases)
		pkgs.POST("/:slug/refresh", append(writeLimit, h.Refresh)...)

		v1.GET("/grids/columns", h.GridColumns)
		v1.GET("/sync/breakers", breakerStatesHandler(syncJob))
	}

	return router, bg
}

// @Summary      Health check
// @Description  Liveness probe. Returns healthy when the database answers a ping.
// @Tags         System
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "status: healthy, time: RFC3339 timestamp"
// @Failure      503  {object}  map[string]interface{}  "status: unhealthy"
// @Router       /health [get]
func healthCheckHandler(db *sqlx.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := db.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unhealthy",
				"error":  "database connection failed",
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"status": "healthy",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// @Summary      Readiness check
// @Description  Returns whether the service is ready to accept traffic. The database must answer; open index breakers only mark the index check degraded.
// @Tags         System
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "ready: true, checks: {database, index}"
// @Failure      503  {object}  map[string]interface{}  "ready: false, error: database not ready"
// @Router       /ready [get]
// readinessHandler fails only on the database. An index outage is reported
// but does not take the API out of rotation; listing still works without it.
func readinessHandler(db *sqlx.DB, breakers breakerReporter) gin.HandlerFunc {
	return func(c *gin.Context) {
		checks := gin.H{}

		if err := db.PingContext(c.Request.Context()); err != nil {
			checks["database"] = "unhealthy"
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"ready":  false,
				"checks": checks,
				"error":  "database not ready",
			})
			return
		}
		checks["database"] = "healthy"

		checks["index"] = "healthy"
		for _, state := range breakers.BreakerStates() {
			if state == "open" {
				checks["index"] = "degraded"
				break
			}
		}

		c.JSON(http.StatusOK, gin.H{
			"ready":  true,
			"checks": checks,
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// @Summary      Index breaker states
// @Description  Circuit breaker state ("open" or "closed") for every package index host the sync job has contacted.
// @Tags         System
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "breakers: {host: state}"
// @Router       /api/v1/sync/breakers [get]
func breakerStatesHandler(breakers breakerReporter) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"breakers": breakers.BreakerStates()})
	}
}

// @Summary      API version
// @Tags         System
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "version, api_version"
// @Router       /version [get]
func versionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"version":     Version,
			"api_version": "v1",
		})
	}
}
