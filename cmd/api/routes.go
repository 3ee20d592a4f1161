package main

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/cheri-hub/sicar-api/internal/auth"
	"github.com/cheri-hub/sicar-api/internal/config"
	"github.com/cheri-hub/sicar-api/internal/downloads"
	"github.com/cheri-hub/sicar-api/internal/logging"
	"github.com/cheri-hub/sicar-api/internal/releases"
	"github.com/cheri-hub/sicar-api/internal/scheduler"
	"github.com/cheri-hub/sicar-api/internal/settings"
)

// newRouter はミドルウェアとすべてのルートを登録したルーターを返します。
func newRouter(cfg *config.Config, log *zap.SugaredLogger, svc *services) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), logging.RequestLogger(log))

	// CORSミドルウェアの設定（許可オリジンが無ければ同一オリジンのみ）
	if origins := splitOrigins(cfg.CORSAllowedOrigins); len(origins) > 0 {
		router.Use(cors.New(corsConfig(origins)))
	}

	// ログイン機能はセッション署名鍵があるときだけ有効
	if cfg.SessionSecret != "" {
		store := cookie.NewStore([]byte(cfg.SessionSecret))
		store.Options(sessions.Options{
			Path:     "/",
			MaxAge:   auth.SessionMaxAgeSeconds(),
			HttpOnly: true,
			Secure:   cfg.GinMode == gin.ReleaseMode,
			SameSite: http.SameSiteStrictMode,
		})
		router.Use(sessions.Sessions(auth.SessionCookieName, store))
	}

	router.Use(auth.IPAllowlist(strings.Split(cfg.AllowedIPs, ","), log))

	setupRoutes(router, cfg, log, svc)
	return router
}

func corsConfig(origins []string) cors.Config {
	corsCfg := cors.DefaultConfig()
	corsCfg.AllowOrigins = origins
	corsCfg.AllowCredentials = true
	corsCfg.AllowHeaders = []string{
		"Origin",
		"Content-Type",
		"Accept",
		"X-API-Key",
		"X-CSRF-Token", // CSRF保護用ヘッダー
		"X-Request-ID",
	}
	// ダッシュボードがレスポンスヘッダーから CSRF トークンを読み取れるように公開
	corsCfg.ExposeHeaders = []string{"X-CSRF-Token", "X-Request-ID", "Retry-After"}
	return corsCfg
}

func setupRoutes(router *gin.Engine, cfg *config.Config, log *zap.SugaredLogger, svc *services) {
	router.GET("/", handleRoot(cfg))
	router.GET("/health", handleHealth(cfg, svc))
	router.GET("/events", svc.hub.Handler())

	authManager := auth.NewManager(cfg, log)
	write := authManager.RequireWrite()

	var downloadLimit, searchLimit gin.HandlerFunc = noLimit, noLimit
	if cfg.RateLimitEnabled {
		downloadLimit = auth.NewRateLimiter(cfg.RateLimitDownloadsPerMin).Middleware()
		searchLimit = auth.NewRateLimiter(cfg.RateLimitSearchPerMin).Middleware()
	}

	if cfg.SessionSecret != "" {
		authRoutes := router.Group("/auth")
		{
			// ログイン時はセッション未生成なので CSRF 検証は不要
			authRoutes.POST("/login", authManager.Login)
			authRoutes.POST("/logout", write, authManager.Logout)
			authRoutes.GET("/session", authManager.Session)
		}
	}

	jobStore := svc.orchestrator.Store()
	dl := router.Group("/downloads")
	{
		dl.GET("", downloads.ListHandler(jobStore))
		dl.GET("/stats", downloads.StatsHandler(jobStore, svc.files))
		dl.GET("/car/:key", downloads.CARStatusHandler(jobStore))
		dl.GET("/:id", downloads.GetHandler(jobStore))
		dl.GET("/:id/file", downloads.FileHandler(jobStore, svc.files))
		dl.POST("/state", write, downloadLimit, downloads.SubmitStateHandler(svc.orchestrator))
		dl.POST("/car", write, downloadLimit, downloads.SubmitCARHandler(svc.orchestrator))
	}

	router.GET("/search/car/:key", searchLimit, downloads.SearchCARHandler(svc.sicar))

	stream := router.Group("/stream", write, downloadLimit)
	{
		stream.POST("/state", downloads.StreamStateHandler(svc.sicar))
		stream.POST("/car", downloads.StreamCARHandler(svc.sicar))
	}

	router.GET("/releases", releases.ListHandler(svc.releases))
	router.POST("/releases/update", write, releases.UpdateHandler(svc.releases))

	sched := router.Group("/scheduler")
	{
		sched.GET("/jobs", scheduler.ListJobsHandler(svc.scheduler))
		sched.GET("/tasks", scheduler.TasksHandler(svc.ledger))
		sched.POST("/jobs/:name/run", write, scheduler.RunHandler(svc.scheduler))
		sched.POST("/jobs/:name/pause", write, scheduler.PauseHandler(svc.scheduler))
		sched.POST("/jobs/:name/resume", write, scheduler.ResumeHandler(svc.scheduler))
		sched.POST("/jobs/:name/reschedule", write, scheduler.RescheduleHandler(svc.scheduler))
	}

	router.GET("/settings", settings.ListHandler(svc.settings))
	router.GET("/settings/:key", settings.GetHandler(svc.settings))
	router.PUT("/settings/:key", write, settings.PutHandler(svc.settings))
}

func noLimit(c *gin.Context) { c.Next() }

// handleRoot はサービス名と主要なエンドポイントを返します。
func handleRoot(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"name":    cfg.AppName,
			"version": cfg.AppVersion,
			"status":  "running",
			"endpoints": gin.H{
				"health":       "GET /health",
				"downloads":    "GET /downloads",
				"stream_state": "POST /stream/state",
				"stream_car":   "POST /stream/car",
				"scheduler":    "GET /scheduler/jobs",
				"events":       "GET /events",
			},
		})
	}
}

// handleHealth はヘルスチェックエンドポイントのハンドラーです。
// データベースに接続できない場合は 503 を返します。
func handleHealth(cfg *config.Config, svc *services) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		status, code := "healthy", http.StatusOK
		database := "connected"
		if err := svc.db.PingContext(ctx); err != nil {
			database = "disconnected"
			status, code = "unhealthy", http.StatusServiceUnavailable
		}

		schedulerState := "stopped"
		if svc.scheduler.Running() {
			schedulerState = "running"
		}

		body := gin.H{
			"status":      status,
			"database":    database,
			"scheduler":   schedulerState,
			"active_jobs": svc.scheduler.ActiveCount(),
			"version":     cfg.AppVersion,
			"timestamp":   time.Now().UTC(),
		}
		if svc.redis != nil {
			queue := "connected"
			if err := svc.redis.Ping(ctx).Err(); err != nil {
				queue = "disconnected"
				if status == "healthy" {
					body["status"] = "degraded"
				}
			}
			body["queue"] = queue
		}
		c.JSON(code, body)
	}
}

func splitOrigins(raw string) []string {
	var origins []string
	for _, origin := range strings.Split(raw, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			origins = append(origins, origin)
		}
	}
	return origins
}
