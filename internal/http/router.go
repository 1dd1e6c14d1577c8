// Package httpapi wires the HTTP transport (Gin) to the relay services,
// middleware, and route handlers. It centralizes cross-cutting concerns
// such as tracing, correlation IDs, logging/redaction, panic recovery,
// metrics, CORS, security headers, and rate limiting.
//
// Design goals:
//   - Observability first (OTel + Prometheus)
//   - Safe-by-default middleware ordering (RequestID → logging → recovery)
//   - Deterministic, minimal router setup; all dependencies injected
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"

	"github.com/wrelay/wechat-relay/internal/config"
	"github.com/wrelay/wechat-relay/internal/domain"
	"github.com/wrelay/wechat-relay/internal/http/handlers"
	"github.com/wrelay/wechat-relay/internal/http/middleware"
	"github.com/wrelay/wechat-relay/internal/repo"
	"github.com/wrelay/wechat-relay/internal/services"
)

// messageRepoShim adapts the repository free functions to the
// services.MessageStore interface expected by the orchestrator. It keeps
// services decoupled from the concrete repo package while reusing the
// existing functions.
type messageRepoShim struct{}

// GetOrCreate proxies repo.GetOrCreateMessage.
func (messageRepoShim) GetOrCreate(ctx context.Context, db *gorm.DB, msgID, source, target, content string, createTime time.Time) (*domain.Message, bool, error) {
	return repo.GetOrCreateMessage(ctx, db, msgID, source, target, content, createTime)
}

// Get proxies repo.GetMessage.
func (messageRepoShim) Get(ctx context.Context, db *gorm.DB, id string) (*domain.Message, error) {
	return repo.GetMessage(ctx, db, id)
}

// GetUnfulfilled proxies repo.GetUnfulfilled.
func (messageRepoShim) GetUnfulfilled(ctx context.Context, db *gorm.DB, fingerprint string) (*domain.Message, error) {
	return repo.GetUnfulfilled(ctx, db, fingerprint)
}

// SetReply proxies repo.SetReply.
func (messageRepoShim) SetReply(ctx context.Context, db *gorm.DB, id, reply string, elapsed time.Duration) error {
	return repo.SetReply(ctx, db, id, reply, elapsed)
}

// MarkFulfilled proxies repo.MarkFulfilled.
func (messageRepoShim) MarkFulfilled(ctx context.Context, db *gorm.DB, id string) error {
	return repo.MarkFulfilled(ctx, db, id)
}

// IncrementRequestCount proxies repo.IncrementRequestCount.
func (messageRepoShim) IncrementRequestCount(ctx context.Context, db *gorm.DB, id string) error {
	return repo.IncrementRequestCount(ctx, db, id)
}

// ListConversation proxies repo.ListConversation.
func (messageRepoShim) ListConversation(ctx context.Context, db *gorm.DB, source, target string) ([]domain.Message, error) {
	return repo.ListConversation(ctx, db, source, target)
}

// NewMessageStore returns the MessageStore implementation used in
// production wiring. Exposed so main can hand it to the orchestrator.
func NewMessageStore() services.MessageStore {
	return messageRepoShim{}
}

// RegisterRoutes attaches all middleware and HTTP endpoints to the given
// Gin engine: the WeChat callback endpoints at /wechat, the operator read
// API under cfg.APIBasePath, and the health/metrics surface.
//
// Middleware order matters:
//  1. OpenTelemetry: trace everything
//  2. RequestID: generate/propagate correlation id
//  3. Logger: structured logs with query scrubbing
//  4. Recovery: capture panics after logger
//  5. Body size limiter
//  6. Metrics
//  7. Rate limiter (per client IP)
//  8. CORS and security headers
func RegisterRoutes(r *gin.Engine, db *gorm.DB, relay handlers.Relay, cfg config.Config) {
	r.HandleMethodNotAllowed = true

	// 1) Trace all HTTP requests
	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))

	// 2) Correlate requests and logs
	r.Use(middleware.RequestID())

	// 3) Structured logging (WeChat signature params are scrubbed)
	r.Use(middleware.Logger())

	// 4) Panic recovery to JSON 500 (with request id)
	r.Use(middleware.Recovery())

	// 5) Global body size limit (64 KiB; WeChat text callbacks are tiny)
	r.Use(limitBody(64 << 10))

	// 6) Prometheus metrics and /metrics endpoint
	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// 7) Token-bucket rate limiter per client IP
	rl := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByClientIP())
	r.Use(rl.Handler())

	// 8) CORS posture for the operator API (safe defaults when unset)
	if len(cfg.CORS.AllowedOrigins) == 0 {
		r.Use(cors.New(cors.Config{
			AllowAllOrigins:  true,
			AllowMethods:     []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "If-None-Match"},
			ExposeHeaders:    []string{"X-Request-ID", "Content-Length", "ETag"},
			AllowCredentials: false, // must remain false with AllowAllOrigins
			MaxAge:           12 * time.Hour,
		}))
	} else {
		r.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.CORS.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "If-None-Match"},
			ExposeHeaders:    []string{"X-Request-ID", "Content-Length", "ETag"},
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}))
	}

	// Security headers (HSTS only when enabled and request is HTTPS)
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:   cfg.Security.EnableHSTS,
		HSTSMaxAge:   cfg.Security.HSTSMaxAge,
		NoStore:      false,
		EnablePolicy: true,
	}))

	// Fallbacks
	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	// Liveness/health
	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	// WeChat callback endpoints. GET serves the platform's URL verification
	// handshake; POST receives message events.
	wh := handlers.NewWebhook(relay, cfg.WeChat.Token, cfg.Mode)
	r.GET("/wechat", wh.Verify)
	r.POST("/wechat", wh.Receive)

	// Operator read API
	mh := handlers.NewMessages(db)
	api := groupWithPrefix(r, cfg.APIBasePath)
	{
		api.GET("/messages", mh.ListMessages)
		api.GET("/messages/:id", mh.GetMessage)
	}
}

// limitBody caps the request body size for all endpoints using
// http.MaxBytesReader. Requests exceeding the cap cause downstream body
// reads to error.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// groupWithPrefix mounts a group at prefix, treating "/" (or empty) as root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}
