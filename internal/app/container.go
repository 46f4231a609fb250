package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"ordersaga/internal/config"
	"ordersaga/internal/httpapi"
	"ordersaga/internal/messaging"
	"ordersaga/internal/participant"
	"ordersaga/internal/platform/observability"
	"ordersaga/internal/saga"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Container holds expensive-to-create singleton resources and dependencies
type Container struct {
	config    *config.Config
	logger    *zap.Logger
	tracer    observability.Tracer
	metrics   *saga.Metrics
	transport messaging.Transport
	runtime   *Runtime
	server    *http.Server
	shutdown  observability.ShutdownFunc
}

// NewContainer creates and initializes all infrastructure components
func NewContainer(ctx context.Context, cfg *config.Config) (*Container, error) {
	container := &Container{
		config:   cfg,
		shutdown: observability.JoinShutdown(),
	}

	// Start with basic logger
	logger, err := zap.NewProduction()
	if err != nil {
		return nil, err
	}
	container.logger = logger

	tp, err := container.setupObservability(ctx)
	if err != nil {
		return nil, err
	}
	container.setupTransport(tp)

	if err := container.setupRuntime(); err != nil {
		container.Shutdown(context.Background())
		return nil, err
	}
	container.setupServer(ctx)
	return container, nil
}

// setupObservability configures OpenTelemetry logging, tracing and metrics and
// re-initializes the logger with the OTel bridge.
func (c *Container) setupObservability(ctx context.Context) (trace.TracerProvider, error) {
	logShutdown, err := observability.SetupLoggingSDK(ctx, c.config)
	if err != nil {
		c.logger.Error("Failed to setup OpenTelemetry logging", zap.Error(err))
	}

	sdkTP, traceShutdown, err := observability.SetupTracingSDK(ctx, c.config)
	if err != nil {
		c.logger.Error("Failed to setup OpenTelemetry tracing", zap.Error(err))
	}

	metricShutdown, err := observability.SetupMetricsSDK(ctx, c.config)
	if err != nil {
		c.logger.Error("Failed to setup OpenTelemetry metrics", zap.Error(err))
	}
	c.shutdown = observability.JoinShutdown(metricShutdown, traceShutdown, logShutdown)

	level, err := zapcore.ParseLevel(c.config.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}
	c.logger = observability.NewLogger(level)
	c.logger.Info("Logger re-initialized with OpenTelemetry bridge",
		zap.Bool("otlp_export", c.config.OtelEnabled()),
	)

	c.tracer = otel.Tracer(config.ServiceName)
	c.metrics, err = saga.NewMetrics(otel.Meter(config.ServiceName))
	if err != nil {
		return nil, err
	}

	var tp trace.TracerProvider = otel.GetTracerProvider()
	if sdkTP != nil {
		tp = sdkTP
	}
	return tp, nil
}

func (c *Container) setupTransport(tp trace.TracerProvider) {
	switch c.config.Transport {
	case config.TransportMemory:
		c.transport = messaging.NewMemoryTransport(c.config.MemoryPartitions, c.config.ConsumersPerGroup)
	default:
		c.transport = messaging.NewKafkaTransport(c.config.KafkaBroker, c.config.ConsumersPerGroup, tp)
	}
	c.logger.Info("Transport ready",
		zap.String("transport", c.config.Transport),
		zap.String("broker", c.config.KafkaBroker),
	)
}

func (c *Container) setupRuntime() error {
	mode, err := saga.ParseMode(c.config.Mode)
	if err != nil {
		return err
	}
	rt, err := NewRuntime(Options{
		Mode:      mode,
		Transport: c.transport,
		Injectors: Injectors{
			Order:     participant.NewProbabilistic(c.config.OrderFailureRate),
			Inventory: participant.NewProbabilistic(c.config.InventoryFailureRate),
			Payment:   participant.NewProbabilistic(c.config.PaymentFailureRate),
		},
		Logger:         c.logger,
		Tracer:         c.tracer,
		Metrics:        c.metrics,
		PublishRetries: c.config.PublishRetries,
		Deadline:       c.config.SagaDeadline,
		SweepInterval:  c.config.SweepInterval,
	})
	if err != nil {
		return fmt.Errorf("failed to assemble %s runtime: %w", mode, err)
	}
	c.runtime = rt
	return nil
}

func (c *Container) setupServer(ctx context.Context) {
	c.server = &http.Server{
		Addr:         c.config.HTTPAddr,
		BaseContext:  func(_ net.Listener) context.Context { return ctx },
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		Handler:      httpapi.NewHandler(c.runtime, c.runtime.Orders(), c.logger),
	}
}

// Shutdown gracefully shuts down all infrastructure components
func (c *Container) Shutdown(ctx context.Context) {
	c.logger.Info("Shutting down infrastructure...")

	if c.server != nil {
		if err := c.server.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.logger.Error("HTTP server graceful shutdown failed", zap.Error(err))
		}
	}

	if c.transport != nil {
		if err := c.transport.Close(); err != nil {
			c.logger.Error("Failed to close transport", zap.Error(err))
		}
	}

	if err := c.shutdown(ctx); err != nil {
		c.logger.Error("Failed to shutdown OpenTelemetry", zap.Error(err))
	}

	c.logger.Info("Infrastructure shutdown complete")
	_ = c.logger.Sync()
}

// Getters for accessing infrastructure components
func (c *Container) Logger() observability.Logger { return c.logger }
func (c *Container) Runtime() *Runtime            { return c.runtime }
func (c *Container) Server() *http.Server         { return c.server }
