// Package httpapi exposes publishing and queue management over HTTP.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/glimte/amqpkeeper/health"
	"github.com/glimte/amqpkeeper/internal/codec"
	"github.com/glimte/amqpkeeper/internal/rabbitmq"
	"github.com/glimte/amqpkeeper/messaging"
	"github.com/glimte/amqpkeeper/metrics"
)

// Publisher is the subset of messaging.Publisher the routes use.
type Publisher interface {
	PublishMessage(ctx context.Context, exchange, routingKey string, message codec.Payload, opts messaging.Options) (messaging.Result, error)
	PublishEvent(ctx context.Context, eventType string, data any, opts messaging.Options) (messaging.Result, error)
	PublishCommand(ctx context.Context, command string, data any, opts messaging.Options) (messaging.Result, error)
	PublishNotification(ctx context.Context, userID string, notification any, opts messaging.Options) (messaging.Result, error)
	PublishTestMessage(ctx context.Context, content any) (messaging.Result, error)
	PublishBatch(ctx context.Context, messages []messaging.BatchMessage) messaging.BatchResult
}

// Topology declares queues on behalf of HTTP callers.
type Topology interface {
	DeclareRoute(ctx context.Context, binding rabbitmq.RouteBinding) error
}

var (
	_ Publisher = (*messaging.Publisher)(nil)
	_ Topology  = (*rabbitmq.ChannelWrapper)(nil)
)

// Server holds the gin router and its dependencies.
type Server struct {
	publisher     Publisher
	topology      Topology
	logger        *slog.Logger
	health        *health.Registry
	healthTimeout time.Duration
	metrics       *metrics.Metrics
	corsOrigins   []string
	router        *gin.Engine
}

// Option configures the Server
type Option func(*Server)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithHealth serves registry at /health, /ready and /live.
func WithHealth(registry *health.Registry, timeout time.Duration) Option {
	return func(s *Server) {
		s.health = registry
		s.healthTimeout = timeout
	}
}

// WithMetrics records every request and serves /metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithCORS allows browser calls from origins.
func WithCORS(origins []string) Option {
	return func(s *Server) {
		s.corsOrigins = origins
	}
}

// New builds the router.
func New(publisher Publisher, topology Topology, options ...Option) *Server {
	s := &Server{
		publisher:     publisher,
		topology:      topology,
		logger:        slog.Default(),
		healthTimeout: 5 * time.Second,
	}
	for _, opt := range options {
		opt(s)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(s.logger))
	if s.metrics != nil {
		r.Use(requestMetrics(s.metrics))
	}
	if len(s.corsOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins: s.corsOrigins,
			AllowMethods: []string{http.MethodGet, http.MethodPost},
			AllowHeaders: []string{"Origin", "Content-Type"},
			MaxAge:       12 * time.Hour,
		}))
	}
	s.router = r
	s.registerRoutes()
	return s
}

// Handler returns the router for use in an http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) registerRoutes() {
	r := s.router

	if s.health != nil {
		r.GET("/health", gin.WrapH(health.NewHandler(s.health, s.healthTimeout)))
		r.GET("/ready", gin.WrapF(health.ReadinessHandler(s.health, s.healthTimeout)))
		r.GET("/live", gin.WrapF(health.LivenessHandler()))
	} else {
		r.GET("/health", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{
				"status":    "ok",
				"timestamp": time.Now().UTC().Format(time.RFC3339),
			})
		})
	}
	if s.metrics != nil {
		r.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}

	r.POST("/publish", s.publish)
	r.POST("/queues", s.createQueue)
	r.POST("/create-queue", s.createQueue)
	r.POST("/events", s.publishEvent)
	r.POST("/commands", s.publishCommand)
	r.POST("/command", s.publishCommand)
	r.POST("/notifications", s.publishNotification)
	r.POST("/batch", s.publishBatch)
	r.POST("/test-message", s.testMessage)

	rmq := r.Group("/rabbitmq")
	rmq.POST("/publish/:exchange/:routingKey", s.publishTo)
	rmq.POST("/queue", s.createQueue)
	rmq.POST("/test-message", s.testMessage)
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		level := slog.LevelInfo
		switch {
		case status >= 500:
			level = slog.LevelError
		case status >= 400:
			level = slog.LevelWarn
		}

		logger.Log(c.Request.Context(), level, "http request",
			"method", c.Request.Method,
			"path", routePath(c),
			"status", status,
			"duration", time.Since(start),
			"clientIp", c.ClientIP(),
			"bytes", c.Writer.Size())
	}
}

func requestMetrics(m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		m.RecordHTTPRequest(c.Request.Method, routePath(c), c.Writer.Status(), time.Since(start))
	}
}

// routePath prefers the route pattern so unknown paths don't blow up label
// cardinality.
func routePath(c *gin.Context) string {
	if p := c.FullPath(); p != "" {
		return p
	}
	return "unmatched"
}
