// Package metrics exposes Prometheus collectors for the upload engine.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"storesync/internal/logging"
)

// Upload outcomes recorded by workers.
const (
	OutcomeSuccess  = "success"
	OutcomeRetry    = "retry"
	OutcomeFailed   = "failed"
	OutcomeRejected = "rejected"
	OutcomeConflict = "conflict"
	OutcomeReleased = "released"
)

// Collectors groups the engine's metrics. A nil *Collectors records nothing.
type Collectors struct {
	registry *prometheus.Registry

	uploads   *prometheus.CounterVec
	claimed   *prometheus.CounterVec
	restarts  *prometheus.CounterVec
	workerUp  *prometheus.GaugeVec
	reconcile *prometheus.CounterVec
	duration  *prometheus.HistogramVec
}

// New registers the collectors on a fresh registry.
func New() *Collectors {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Collectors{
		registry: reg,
		uploads: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "storesync_uploads_total",
			Help: "Listing upload attempts by account and outcome.",
		}, []string{"account", "outcome"}),
		claimed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "storesync_claimed_total",
			Help: "Queue items claimed by workers.",
		}, []string{"account"}),
		restarts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "storesync_worker_restarts_total",
			Help: "Worker restarts after a crash.",
		}, []string{"account"}),
		workerUp: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "storesync_worker_up",
			Help: "1 while the account worker is running.",
		}, []string{"account"}),
		reconcile: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "storesync_reconciled_total",
			Help: "Stuck items handled by the reconciler.",
		}, []string{"action"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "storesync_upload_duration_seconds",
			Help:    "Platform create-listing call latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"account"}),
	}
}

// Registry returns the registry backing the collectors.
func (c *Collectors) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Upload records one upload attempt.
func (c *Collectors) Upload(account, outcome string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.uploads.WithLabelValues(account, outcome).Inc()
	if elapsed > 0 {
		c.duration.WithLabelValues(account).Observe(elapsed.Seconds())
	}
}

// Claimed records claimed items.
func (c *Collectors) Claimed(account string, n int) {
	if c == nil || n <= 0 {
		return
	}
	c.claimed.WithLabelValues(account).Add(float64(n))
}

// WorkerRestarted records a supervisor restart.
func (c *Collectors) WorkerRestarted(account string) {
	if c == nil {
		return
	}
	c.restarts.WithLabelValues(account).Inc()
}

// WorkerUp sets the liveness gauge for account.
func (c *Collectors) WorkerUp(account string, up bool) {
	if c == nil {
		return
	}
	value := 0.0
	if up {
		value = 1
	}
	c.workerUp.WithLabelValues(account).Set(value)
}

// Reconciled records a reconciler action.
func (c *Collectors) Reconciled(action string) {
	if c == nil {
		return
	}
	c.reconcile.WithLabelValues(action).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collectors) Handler() http.Handler {
	if c == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// Serve exposes /metrics on bind until ctx is cancelled. An empty bind
// returns immediately.
func (c *Collectors) Serve(ctx context.Context, bind string, logger *slog.Logger) error {
	if bind == "" {
		return nil
	}
	logger = logging.NewComponentLogger(logger, "metrics")

	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	listener, err := net.Listen("tcp", bind)
	if err != nil {
		return err
	}
	server := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics listening", logging.String("bind", listener.Addr().String()))
	if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
