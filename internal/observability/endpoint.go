package observability

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tphakala/birdsense-go/internal/conf"
	"github.com/tphakala/birdsense-go/internal/errors"
	"github.com/tphakala/birdsense-go/internal/logging"
)

// Endpoint serves the Prometheus metrics over HTTP.
type Endpoint struct {
	listenAddress string
	metrics       *Metrics
	logger        *slog.Logger

	listener net.Listener
	server   *http.Server
	ready    chan struct{}
}

// NewEndpoint creates a telemetry endpoint. Returns an error when telemetry
// is not enabled in the settings.
func NewEndpoint(settings *conf.Settings, metrics *Metrics) (*Endpoint, error) {
	if !settings.Telemetry.Enabled {
		return nil, errors.Newf("telemetry not enabled in settings").
			Component("observability").
			Category(errors.CategoryConfiguration).
			Build()
	}

	logger := logging.ForService("observability")
	if logger == nil {
		logger = slog.Default().With("service", "observability")
	}

	return &Endpoint{
		listenAddress: settings.Telemetry.Listen,
		metrics:       metrics,
		logger:        logger,
		ready:         make(chan struct{}),
	}, nil
}

// Ready returns a channel closed once the listener is bound.
func (e *Endpoint) Ready() <-chan struct{} {
	return e.ready
}

// Addr returns the bound listen address once Start has been called.
func (e *Endpoint) Addr() string {
	if e.listener == nil {
		return e.listenAddress
	}
	return e.listener.Addr().String()
}

// Start serves the metrics endpoint until the context is cancelled.
func (e *Endpoint) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(e.metrics.Registry(), promhttp.HandlerOpts{}))

	listener, err := net.Listen("tcp", e.listenAddress)
	if err != nil {
		return errors.New(err).
			Component("observability").
			Category(errors.CategoryNetwork).
			Context("operation", "listen-telemetry").
			Context("address", e.listenAddress).
			Build()
	}
	e.listener = listener

	e.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	e.logger.Info("Telemetry endpoint listening", "address", e.Addr())
	close(e.ready)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- e.server.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.server.Shutdown(shutdownCtx); err != nil {
			e.logger.Error("Telemetry endpoint shutdown failed", "error", err)
		}
		<-serveErr
		return ctx.Err()
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
