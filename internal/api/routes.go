package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rawblock/aml-engine/internal/aml"
	"github.com/rawblock/aml-engine/internal/metrics"
	"github.com/rawblock/aml-engine/internal/notify"
	"github.com/rawblock/aml-engine/internal/profile"
	"github.com/rawblock/aml-engine/internal/scanner"
	"github.com/sirupsen/logrus"
)

// AlertHistory serves archived alerts
type AlertHistory interface {
	RecentAlerts(ctx context.Context, limit int) ([]aml.MoneyLaunderingAlert, error)
}

// Options wires the router. Archive, Scanner, Metrics and Ping may be nil.
type Options struct {
	Engine     *aml.Engine
	Profiles   *profile.Store
	Dispatcher *notify.Dispatcher
	Archive    AlertHistory
	Scanner    *scanner.BlockScanner
	Metrics    *metrics.Recorder
	Hub        *Hub
	Ping       func(ctx context.Context) error

	AuthToken       string
	AllowedOrigins  string
	RateLimitPerMin int
	RateLimitBurst  int

	Logger *logrus.Logger
}

type APIHandler struct {
	engine     *aml.Engine
	profiles   *profile.Store
	dispatcher *notify.Dispatcher
	archive    AlertHistory
	scanner    *scanner.BlockScanner
	metrics    *metrics.Recorder
	ping       func(ctx context.Context) error
	logger     *logrus.Logger
}

func SetupRouter(opts Options) *gin.Engine {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	r := gin.Default()

	// CORS: ALLOWED_ORIGINS is a comma separated list, empty or * allows all
	r.Use(func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if opts.AllowedOrigins == "" || opts.AllowedOrigins == "*" {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		} else {
			for _, allowed := range strings.Split(opts.AllowedOrigins, ",") {
				if strings.TrimSpace(allowed) == origin {
					c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
					break
				}
			}
		}
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	})

	h := &APIHandler{
		engine:     opts.Engine,
		profiles:   opts.Profiles,
		dispatcher: opts.Dispatcher,
		archive:    opts.Archive,
		scanner:    opts.Scanner,
		metrics:    opts.Metrics,
		ping:       opts.Ping,
		logger:     opts.Logger,
	}

	if opts.Metrics != nil {
		r.GET("/metrics", gin.WrapH(opts.Metrics.Handler()))
	}

	limiter := NewRateLimiter(opts.RateLimitPerMin, opts.RateLimitBurst, opts.Logger)

	public := r.Group("/api/v1")
	{
		public.GET("/health", h.handleHealth)
		public.GET("/scan/progress", h.handleScanProgress)
		if opts.Hub != nil {
			public.GET("/stream", opts.Hub.Subscribe)
		}
	}

	protected := r.Group("/api/v1")
	protected.Use(limiter.Middleware(), AuthMiddleware(opts.AuthToken, opts.Logger))
	{
		protected.POST("/analyze/address", h.handleAnalyzeAddress)
		protected.POST("/analyze/group", h.handleAnalyzeGroup)
		protected.GET("/alerts", h.handleListAlerts)
		protected.GET("/profiles", h.handleListProfiles)
		protected.GET("/profiles/:address", h.handleGetProfile)
		protected.PUT("/profiles/:address", h.handleUpsertProfile)
		protected.POST("/scan", h.handleStartScan)
	}

	return r
}
