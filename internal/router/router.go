package router

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/stemsi/certexam-backend/internal/config"
	"github.com/stemsi/certexam-backend/internal/handler"
	"github.com/stemsi/certexam-backend/internal/metrics"
	"github.com/stemsi/certexam-backend/internal/middleware"
	"github.com/stemsi/certexam-backend/internal/response"
)

// Handlers groups all handler instances for route setup.
type Handlers struct {
	Candidate *handler.CandidateHandler
	WS        *handler.WSHandler
	Admin     *handler.AdminHandler
	Monitor   *handler.MonitorHandler
	Health    *handler.HealthHandler
}

// Deps carries the shared middleware collaborators.
type Deps struct {
	Auth        middleware.TokenValidator
	RateLimiter *middleware.RateLimiter
	Metrics     *metrics.Metrics
	Gatherer    prometheus.Gatherer
	Log         zerolog.Logger
}

// SetupRouter configures all Gin route groups with appropriate middlewares.
func SetupRouter(handlers *Handlers, deps *Deps, cfg *config.Config) *gin.Engine {
	gin.SetMode(cfg.GinMode)
	router := gin.New()
	router.Use(gin.Recovery())

	// ─── CORS ──────────────────────────────────────────────────────────
	// If AllowedOrigins is set in config, restrict to that list;
	// otherwise allow all (*) so dev works without extra config.
	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Request-ID"}
	corsConfig.ExposeHeaders = []string{"X-Request-ID", "X-RateLimit-Limit", "X-RateLimit-Remaining"}
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	// Apply request ID middleware globally so every response includes metadata.
	router.Use(response.RequestIDMiddleware())
	router.Use(middleware.RequestLogger(deps.Log))
	router.Use(middleware.Metrics(deps.Metrics))

	// ─── Ops ───────────────────────────────────────────────────────────
	router.GET("/health", handlers.Health.Health)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	if cfg.GinMode == gin.DebugMode {
		pprof.Register(router)
	}

	// ─── 1. Candidate Group (JWT) ──────────────────────────────────────
	candidateAPI := router.Group("/api/v1/candidate")
	candidateAPI.Use(
		middleware.RequireCandidateJWT(deps.Auth),
		middleware.NoStore(),
		middleware.Brotli(middleware.DefaultBrotliConfig),
	)
	{
		candidateAPI.GET("/exams", handlers.Candidate.ListExams)
		candidateAPI.GET("/sessions/resume", handlers.Candidate.ResumeSession)
		candidateAPI.GET("/sessions/:session_id", handlers.Candidate.GetSession)
		candidateAPI.GET("/sessions/:session_id/result", handlers.Candidate.GetResult)

		// Writes are rate limited per candidate.
		writes := candidateAPI.Group("")
		writes.Use(deps.RateLimiter.Middleware())
		{
			writes.POST("/exams/:template_id/start", handlers.Candidate.StartExam)
			writes.POST("/sessions/:session_id/answers", handlers.Candidate.SaveAnswer)
			writes.POST("/sessions/:session_id/submit", handlers.Candidate.Submit)
		}
	}

	// ─── 2. WebSocket Group (Candidate WS Auth) ────────────────────────
	ws := router.Group("/ws/v1")
	ws.Use(middleware.RequireCandidateWSAuth(deps.Auth))
	{
		ws.GET("/candidate/sessions/:session_id/stream", handlers.WS.SessionStream)
	}

	// ─── 3. Admin Group (JWT) ──────────────────────────────────────────
	adminAPI := router.Group("/api/v1/admin")
	adminAPI.Use(middleware.RequireAdminJWT(deps.Auth), middleware.NoStore())
	{
		adminAPI.GET("/templates/:template_id/results", handlers.Admin.ListTemplateResults)
		adminAPI.POST("/templates/:template_id/catalog/refresh", handlers.Admin.RefreshCatalog)
		adminAPI.POST("/sessions/sweep", handlers.Admin.SweepSessions)

		// Live monitor (SSE)
		adminAPI.GET("/templates/:template_id/monitor", handlers.Monitor.MonitorTemplateSSE)
	}

	return router
}
