package stubgateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/requestid"
	"github.com/gin-gonic/gin"
	otelmetric "go.opentelemetry.io/otel/metric"

	apphttp "github.com/allisson/tokenfield/internal/http"
	"github.com/allisson/tokenfield/internal/metrics"
)

// ServerConfig holds the stub gateway server settings.
type ServerConfig struct {
	Host         string
	Port         int
	CORSEnabled  bool
	AllowOrigins string
	// MetricsNamespace labels the HTTP metrics when a meter provider is set.
	MetricsNamespace string
}

// Server is the stub gateway HTTP server.
type Server struct {
	server *http.Server
	logger *slog.Logger
}

// NewServer creates the stub gateway server with its routes and middleware.
// A nil meterProvider disables HTTP metrics.
func NewServer(cfg ServerConfig, handler *Handler, logger *slog.Logger, meterProvider otelmetric.MeterProvider) *Server {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestid.New())
	router.Use(apphttp.RequestLoggerMiddleware(logger))
	if meterProvider != nil {
		router.Use(metrics.HTTPMetricsMiddleware(meterProvider, cfg.MetricsNamespace))
	}

	if corsMiddleware := createCORSMiddleware(cfg.CORSEnabled, cfg.AllowOrigins, logger); corsMiddleware != nil {
		router.Use(corsMiddleware)
	}

	router.GET("/health", apphttp.HealthHandler)

	tokens := router.Group("/tokens")
	{
		tokens.POST("/bulk", handler.TokenizeBulkHandler)
		tokens.GET("/decrypt", handler.DecryptHandler)
		tokens.POST("/search", handler.SearchHandler)
	}

	return &Server{
		server: &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Handler:      router,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger,
	}
}

// GetHandler returns the http.Handler for testing purposes.
func (s *Server) GetHandler() http.Handler {
	return s.server.Handler
}

// Start starts the stub gateway HTTP server.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("starting stub gateway server", slog.String("addr", s.server.Addr))

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start stub gateway server: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the stub gateway HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down stub gateway server")
	return s.server.Shutdown(ctx)
}
