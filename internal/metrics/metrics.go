// Package metrics records synchronization outcomes through OpenTelemetry and
// exposes them to Prometheus scrapes in daemon mode.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/alecthomas/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	prometheusexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/po4yka/gitout/internal/logging"
)

// Config holds metrics configuration.
type Config struct {
	ServiceName string `hcl:"service-name,optional" help:"Service name for metrics." default:"gitout"`
	Port        int    `hcl:"port,optional" help:"Port for the metrics server in daemon mode." default:"9102"`
}

// Client owns the meter provider and the Prometheus registry backing it. One
// Client exists per process; constructing it installs the global provider
// that SyncMetrics instruments record through.
type Client struct {
	provider *sdkmetric.MeterProvider
	registry *prometheus.Registry
	config   Config
}

// New wires an OpenTelemetry meter provider to a private Prometheus registry
// and installs it globally.
func New(ctx context.Context, cfg Config) (*Client, error) {
	registry := prometheus.NewRegistry()
	exporter, err := prometheusexporter.New(prometheusexporter.WithRegisterer(registry))
	if err != nil {
		return nil, errors.Wrap(err, "create prometheus exporter")
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(cfg.ServiceName)),
		resource.WithProcess(),
		resource.WithHost(),
	)
	if err != nil {
		return nil, errors.Wrap(err, "describe metrics resource")
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(provider)

	logging.FromContext(ctx).DebugContext(ctx, "Metrics provider installed",
		"service", cfg.ServiceName, "port", cfg.Port)

	return &Client{provider: provider, registry: registry, config: cfg}, nil
}

// Close flushes and shuts down the meter provider.
func (c *Client) Close() error {
	if c == nil || c.provider == nil {
		return nil
	}
	return errors.Wrap(c.provider.Shutdown(context.Background()), "shutdown meter provider")
}

// Handler serves the registry in Prometheus exposition format.
func (c *Client) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	})
}

// ServeMetrics exposes /metrics and /health on the configured port until ctx
// is cancelled. Daemon mode only; one-shot runs never open a listener.
func (c *Client) ServeMetrics(ctx context.Context) error {
	logger := logging.FromContext(ctx)

	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK")) //nolint:errcheck
	})

	server := &http.Server{
		Addr:              ":" + strconv.Itoa(c.config.Port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.InfoContext(ctx, "Metrics server listening", "port", c.config.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.ErrorContext(ctx, "Metrics server error", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.ErrorContext(shutdownCtx, "Metrics server shutdown error", "error", err)
		}
	}()

	return nil
}
