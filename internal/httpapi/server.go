package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tyemirov/timecapsule/internal/metrics"
	"github.com/tyemirov/timecapsule/internal/service"
)

const (
	defaultTimeout        = 5 * time.Second
	defaultMaxUploadBytes = 110 * 1024 * 1024
	multipartMemoryBytes  = 32 * 1024 * 1024
)

// Config captures all inputs required to construct the HTTP server.
type Config struct {
	ListenAddr           string
	AllowedOrigins       []string
	AccountService       service.AccountService
	CapsuleService       service.CapsuleService
	NotificationService  service.NotificationService
	Logger               *slog.Logger
	AuthRatePerSec       int
	MaxUploadBytes       int64
	ReadHeaderTimeout    time.Duration
	ShutdownGraceTimeout time.Duration
}

// Server hosts the JSON API of the time capsule backend.
type Server struct {
	config     Config
	engine     *gin.Engine
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer wires Gin, middleware, and handlers for the HTTP API.
func NewServer(cfg Config) (*Server, error) {
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		return nil, errors.New("httpapi: listen address is required")
	}
	if cfg.AccountService == nil {
		return nil, errors.New("httpapi: account service is required")
	}
	if cfg.CapsuleService == nil {
		return nil, errors.New("httpapi: capsule service is required")
	}
	if cfg.NotificationService == nil {
		return nil, errors.New("httpapi: notification service is required")
	}
	if cfg.Logger == nil {
		return nil, errors.New("httpapi: logger is required")
	}
	if cfg.AuthRatePerSec <= 0 {
		return nil, errors.New("httpapi: auth rate must be positive")
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = defaultMaxUploadBytes
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.MaxMultipartMemory = multipartMemoryBytes
	engine.Use(gin.Recovery())
	engine.Use(requestLogger(cfg.Logger))
	engine.Use(requestMetrics())
	engine.Use(buildCORS(cfg.AllowedOrigins))

	engine.GET("/healthz", func(contextGin *gin.Context) {
		contextGin.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	handler := &apiHandler{
		accounts:       cfg.AccountService,
		capsules:       cfg.CapsuleService,
		notifications:  cfg.NotificationService,
		logger:         cfg.Logger,
		maxUploadBytes: cfg.MaxUploadBytes,
	}
	limiter := newClientRateLimiter(cfg.AuthRatePerSec, cfg.AuthRatePerSec*2)
	authenticated := authMiddleware(cfg.AccountService, handler)

	api := engine.Group("/api")

	accounts := api.Group("/accounts")
	throttled := accounts.Group("", limiter.middleware())
	throttled.POST("/register/", handler.register)
	throttled.POST("/login/", handler.login)
	throttled.POST("/token/refresh/", handler.refreshTokens)
	throttled.POST("/password-reset/", handler.requestPasswordReset)
	throttled.POST("/password-reset/confirm/", handler.confirmPasswordReset)

	session := accounts.Group("", authenticated)
	session.POST("/logout/", handler.logout)
	session.GET("/me/", handler.currentUser)
	session.GET("/profile/", handler.currentUser)
	session.PUT("/profile/", handler.updateProfile)
	session.POST("/profile/change-password/", handler.changePassword)

	capsules := api.Group("/capsules", authenticated)
	capsules.POST("/create/", handler.createCapsule)
	capsules.GET("/", handler.listCapsules)
	capsules.GET("/:id/", handler.getCapsule)
	capsules.PATCH("/:id/schedule", handler.rescheduleCapsule)
	capsules.POST("/:id/cancel", handler.cancelCapsule)
	capsules.POST("/:id/archive", handler.archiveCapsule)
	capsules.POST("/:id/unarchive", handler.unarchiveCapsule)
	capsules.DELETE("/:id/", handler.deleteCapsule)
	capsules.GET("/:id/deliveries", handler.listDeliveries)

	notifications := api.Group("/notifications", authenticated)
	notifications.GET("/", handler.listNotifications)
	notifications.GET("/unread-count", handler.unreadCount)
	notifications.POST("/:id/read", handler.markNotificationRead)
	notifications.POST("/read-all", handler.markAllNotificationsRead)

	shared := api.Group("/shared")
	shared.GET("/:token", handler.openSharedCapsule)
	shared.GET("/:token/contents/:contentID", handler.downloadSharedContent)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           engine,
		ReadHeaderTimeout: pickDuration(cfg.ReadHeaderTimeout, defaultTimeout),
	}

	return &Server{
		config:     cfg,
		engine:     engine,
		httpServer: httpServer,
		logger:     cfg.Logger,
	}, nil
}

// Handler exposes the routed engine.
func (server *Server) Handler() http.Handler {
	return server.engine
}

// Start begins serving HTTP traffic.
func (server *Server) Start() error {
	server.logger.Info("http_server_listening", "addr", server.config.ListenAddr)
	err := server.httpServer.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully terminates the HTTP server.
func (server *Server) Shutdown(ctx context.Context) error {
	timeout := pickDuration(server.config.ShutdownGraceTimeout, defaultTimeout)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return server.httpServer.Shutdown(ctx)
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		started := time.Now()
		contextGin.Next()
		logger.Info(
			"http_request_completed",
			"method", contextGin.Request.Method,
			"route", routeLabel(contextGin),
			"status", contextGin.Writer.Status(),
			"duration_ms", time.Since(started).Milliseconds(),
		)
	}
}

func requestMetrics() gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		started := time.Now()
		contextGin.Next()
		route := routeLabel(contextGin)
		metrics.HTTPRequests.WithLabelValues(contextGin.Request.Method, route, strconv.Itoa(contextGin.Writer.Status())).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(contextGin.Request.Method, route).Observe(time.Since(started).Seconds())
	}
}

// routeLabel uses the route template so tokens and IDs never reach logs or metric labels.
func routeLabel(contextGin *gin.Context) string {
	if route := contextGin.FullPath(); route != "" {
		return route
	}
	return "unmatched"
}

func buildCORS(allowedOrigins []string) gin.HandlerFunc {
	allowHeaders := []string{"Authorization", "Content-Type", "X-Requested-With"}
	allowMethods := []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions}
	if len(allowedOrigins) == 0 {
		cfg := cors.Config{
			AllowAllOrigins: true,
			AllowHeaders:    allowHeaders,
			AllowMethods:    allowMethods,
		}
		return cors.New(cfg)
	}
	cfg := cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowHeaders:     allowHeaders,
		AllowMethods:     allowMethods,
		AllowCredentials: true,
	}
	return cors.New(cfg)
}

func pickDuration(candidate time.Duration, fallback time.Duration) time.Duration {
	if candidate <= 0 {
		return fallback
	}
	return candidate
}
