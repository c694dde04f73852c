// Package app provides the dependency injection container assembling the
// tokenization components.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"sync"

	otelmetric "go.opentelemetry.io/otel/metric"

	"github.com/allisson/tokenfield/internal/config"
	"github.com/allisson/tokenfield/internal/database"
	"github.com/allisson/tokenfield/internal/engine"
	"github.com/allisson/tokenfield/internal/gateway"
	"github.com/allisson/tokenfield/internal/http"
	"github.com/allisson/tokenfield/internal/metrics"
	"github.com/allisson/tokenfield/internal/registry"
	"github.com/allisson/tokenfield/internal/search"
	"github.com/allisson/tokenfield/internal/store"
	"github.com/allisson/tokenfield/internal/stubgateway"
)

// Container holds all application dependencies and provides methods to access them.
// It follows the lazy initialization pattern - components are created on first access.
type Container struct {
	// Configuration
	config *config.Config

	// Infrastructure
	logger          *slog.Logger
	db              *sql.DB
	metricsProvider *metrics.Provider

	// Managers
	txManager database.TxManager

	// Gateway
	gatewayClient *gateway.HTTPClient

	// Servers
	metricsServer  *http.MetricsServer
	stubGatewaySrv *stubgateway.Server

	// Initialization flags and mutex for thread-safety
	mu              sync.Mutex
	loggerInit      sync.Once
	dbInit          sync.Once
	txManagerInit   sync.Once
	metricsInit     sync.Once
	gatewayInit     sync.Once
	metricsSrvInit  sync.Once
	stubGatewayInit sync.Once
	initErrors      map[string]error
}

// NewContainer creates a new dependency injection container with the provided configuration.
func NewContainer(cfg *config.Config) *Container {
	return &Container{
		config:     cfg,
		initErrors: make(map[string]error),
	}
}

// Config returns the application configuration.
func (c *Container) Config() *config.Config {
	return c.config
}

// Logger returns the configured logger instance.
// It creates a new logger on first access based on the log level in configuration.
func (c *Container) Logger() *slog.Logger {
	c.loggerInit.Do(func() {
		c.logger = c.initLogger()
	})
	return c.logger
}

// DB returns the database connection.
// It creates and configures the database connection on first access.
func (c *Container) DB() (*sql.DB, error) {
	var err error
	c.dbInit.Do(func() {
		c.db, err = c.initDB()
		if err != nil {
			c.initErrors["db"] = err
		}
	})
	if err != nil {
		return nil, err
	}
	if storedErr, exists := c.initErrors["db"]; exists {
		return nil, storedErr
	}
	return c.db, nil
}

// TxManager returns the transaction manager.
// It requires a database connection to be initialized first.
func (c *Container) TxManager() (database.TxManager, error) {
	var err error
	c.txManagerInit.Do(func() {
		var db *sql.DB
		db, err = c.DB()
		if err != nil {
			c.initErrors["txManager"] = err
			return
		}
		c.txManager = database.NewTxManager(db)
	})
	if err != nil {
		return nil, err
	}
	if storedErr, exists := c.initErrors["txManager"]; exists {
		return nil, storedErr
	}
	return c.txManager, nil
}

// MetricsProvider returns the metrics provider, or nil when metrics are
// disabled.
func (c *Container) MetricsProvider() (*metrics.Provider, error) {
	var err error
	c.metricsInit.Do(func() {
		if !c.config.MetricsEnabled {
			return
		}
		c.metricsProvider, err = metrics.NewProvider(c.config.MetricsNamespace)
		if err != nil {
			c.initErrors["metricsProvider"] = err
		}
	})
	if err != nil {
		return nil, err
	}
	if storedErr, exists := c.initErrors["metricsProvider"]; exists {
		return nil, storedErr
	}
	return c.metricsProvider, nil
}

// GatewayClient returns the tokenization gateway client.
func (c *Container) GatewayClient() (*gateway.HTTPClient, error) {
	var err error
	c.gatewayInit.Do(func() {
		c.gatewayClient, err = c.initGatewayClient()
		if err != nil {
			c.initErrors["gatewayClient"] = err
		}
	})
	if err != nil {
		return nil, err
	}
	if storedErr, exists := c.initErrors["gatewayClient"]; exists {
		return nil, storedErr
	}
	return c.gatewayClient, nil
}

// Engine builds a tokenization engine for one record type. The dual-write
// mode from the configuration is applied when the registry config leaves it
// unset at its zero value.
func (c *Container) Engine(regConfig registry.Config) (*engine.Engine, error) {
	client, err := c.GatewayClient()
	if err != nil {
		return nil, fmt.Errorf("failed to get gateway client for engine: %w", err)
	}

	if !regConfig.DualWrite {
		regConfig.DualWrite = c.config.DualWrite
	}

	reg, err := registry.New(regConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create registry: %w", err)
	}

	return engine.New(reg, client, c.Logger()), nil
}

// Store builds a SQL-backed row store around an engine.
func (c *Container) Store(eng *engine.Engine, storeConfig store.Config) (*store.Store, error) {
	db, err := c.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database for store: %w", err)
	}

	client, err := c.GatewayClient()
	if err != nil {
		return nil, fmt.Errorf("failed to get gateway client for store: %w", err)
	}

	if c.config.DBDriver == "mysql" {
		storeConfig.Dialect = store.MySQL
	}

	return store.New(
		db,
		eng,
		search.NewAdapter(eng.Registry(), client),
		storeConfig,
		c.Logger(),
	)
}

// MetricsServer returns the metrics HTTP server, or nil when metrics are
// disabled.
func (c *Container) MetricsServer() (*http.MetricsServer, error) {
	var err error
	c.metricsSrvInit.Do(func() {
		var provider *metrics.Provider
		provider, err = c.MetricsProvider()
		if err != nil {
			c.initErrors["metricsServer"] = err
			return
		}
		if provider == nil {
			return
		}
		c.metricsServer = http.NewMetricsServer("0.0.0.0", c.config.MetricsPort, c.Logger(), provider)
	})
	if err != nil {
		return nil, err
	}
	if storedErr, exists := c.initErrors["metricsServer"]; exists {
		return nil, storedErr
	}
	return c.metricsServer, nil
}

// StubGatewayServer returns the development stub gateway server.
func (c *Container) StubGatewayServer(ctx context.Context) (*stubgateway.Server, error) {
	var err error
	c.stubGatewayInit.Do(func() {
		c.stubGatewaySrv, err = c.initStubGatewayServer(ctx)
		if err != nil {
			c.initErrors["stubGatewayServer"] = err
		}
	})
	if err != nil {
		return nil, err
	}
	if storedErr, exists := c.initErrors["stubGatewayServer"]; exists {
		return nil, storedErr
	}
	return c.stubGatewaySrv, nil
}

// Shutdown performs cleanup of all initialized resources.
// It should be called when the application is shutting down.
func (c *Container) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var shutdownErrors []error

	if c.metricsProvider != nil {
		if err := c.metricsProvider.Shutdown(ctx); err != nil {
			shutdownErrors = append(shutdownErrors, fmt.Errorf("metrics provider shutdown: %w", err))
		}
	}

	if c.db != nil {
		if err := c.db.Close(); err != nil {
			shutdownErrors = append(shutdownErrors, fmt.Errorf("database close: %w", err))
		}
	}

	if len(shutdownErrors) > 0 {
		return fmt.Errorf("shutdown errors: %v", shutdownErrors)
	}

	return nil
}

// initLogger creates and configures a structured logger based on the log level.
func (c *Container) initLogger() *slog.Logger {
	var logLevel slog.Level
	switch c.config.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})

	return slog.New(handler)
}

// initDB creates and configures the database connection.
func (c *Container) initDB() (*sql.DB, error) {
	db, err := database.Connect(database.Config{
		Driver:             c.config.DBDriver,
		ConnectionString:   c.config.DBConnectionString,
		MaxOpenConnections: c.config.DBMaxOpenConnections,
		MaxIdleConnections: c.config.DBMaxIdleConnections,
		ConnMaxLifetime:    c.config.DBConnMaxLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return db, nil
}

// initGatewayClient creates the gateway client with rate limiting and
// metrics according to the configuration.
func (c *Container) initGatewayClient() (*gateway.HTTPClient, error) {
	var opts []gateway.Option

	if c.config.GatewayRateLimitEnabled {
		opts = append(opts, gateway.WithRateLimit(
			c.config.GatewayRateLimitRequestsPerSec,
			c.config.GatewayRateLimitBurst,
		))
	}

	provider, err := c.MetricsProvider()
	if err != nil {
		return nil, fmt.Errorf("failed to get metrics provider for gateway client: %w", err)
	}
	if provider != nil {
		businessMetrics, err := metrics.NewBusinessMetrics(
			provider.MeterProvider(),
			c.config.MetricsNamespace,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create business metrics: %w", err)
		}
		opts = append(opts, gateway.WithMetrics(businessMetrics))
	}

	client, err := gateway.NewHTTPClient(
		c.config.GatewayURL,
		c.config.GatewayConnectTimeout,
		c.config.GatewayTimeout,
		c.Logger(),
		opts...,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create gateway client: %w", err)
	}

	return client, nil
}

// initStubGatewayServer creates the stub gateway server with its vault.
func (c *Container) initStubGatewayServer(ctx context.Context) (*stubgateway.Server, error) {
	keeper, err := stubgateway.OpenKeeper(ctx, c.config.StubGatewayKeyURI)
	if err != nil {
		return nil, fmt.Errorf("failed to open stub gateway keeper: %w", err)
	}

	logger := c.Logger()
	handler := stubgateway.NewHandler(stubgateway.NewVault(keeper), logger)

	provider, err := c.MetricsProvider()
	if err != nil {
		return nil, fmt.Errorf("failed to get metrics provider for stub gateway: %w", err)
	}
	var meterProvider otelmetric.MeterProvider
	if provider != nil {
		meterProvider = provider.MeterProvider()
	}

	return stubgateway.NewServer(stubgateway.ServerConfig{
		Host:             c.config.StubGatewayHost,
		Port:             c.config.StubGatewayPort,
		CORSEnabled:      c.config.StubGatewayCORSEnabled,
		AllowOrigins:     c.config.StubGatewayCORSAllowOrigins,
		MetricsNamespace: c.config.MetricsNamespace,
	}, handler, logger, meterProvider), nil
}
