package infra

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/watchman/internal/domain"
)

// PrometheusMetricsCollector implements domain.MetricsCollector using Prometheus metrics.
type PrometheusMetricsCollector struct {
	eventsReceived     *prometheus.CounterVec
	eventsDeduplicated *prometheus.CounterVec
	eventsDispatched   *prometheus.CounterVec

	tasksActivated *prometheus.CounterVec
	tasksFailed    *prometheus.CounterVec

	evaluationDuration *prometheus.HistogramVec

	activeWatchlets prometheus.Gauge
	reloads         prometheus.Counter

	registry *prometheus.Registry
}

// NewPrometheusMetricsCollector creates a collector with its own registry.
func NewPrometheusMetricsCollector(namespace string) *PrometheusMetricsCollector {
	if namespace == "" {
		namespace = "watchman"
	}

	pmc := &PrometheusMetricsCollector{
		registry: prometheus.NewRegistry(),
	}

	pmc.eventsReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_received_total",
			Help:      "Process events taken off watchlet queues",
		},
		[]string{"kind"},
	)
	pmc.eventsDeduplicated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_deduplicated_total",
			Help:      "Process events dropped as duplicates",
		},
		[]string{"kind"},
	)
	pmc.eventsDispatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dispatched_total",
			Help:      "Process events dispatched to the task manager",
		},
		[]string{"kind"},
	)

	pmc.tasksActivated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_activated_total",
			Help:      "Tasks whose start or stop action was carried out",
		},
		[]string{"action"},
	)
	pmc.tasksFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_failed_total",
			Help:      "Tasks whose start or stop action failed",
		},
		[]string{"action"},
	)

	pmc.evaluationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "evaluation_duration_seconds",
			Help:      "Time spent handling one triggering event, including the re-check wait",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 15, 30},
		},
		[]string{"activated"},
	)

	pmc.activeWatchlets = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_watchlets",
			Help:      "Number of running watchlets",
		},
	)
	pmc.reloads = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reloads_total",
			Help:      "Watcher rebuilds triggered by READ",
		},
	)

	pmc.registry.MustRegister(
		pmc.eventsReceived,
		pmc.eventsDeduplicated,
		pmc.eventsDispatched,
		pmc.tasksActivated,
		pmc.tasksFailed,
		pmc.evaluationDuration,
		pmc.activeWatchlets,
		pmc.reloads,
	)

	return pmc
}

func (pmc *PrometheusMetricsCollector) EventReceived(kind domain.NotificationKind) {
	pmc.eventsReceived.WithLabelValues(string(kind)).Inc()
}

func (pmc *PrometheusMetricsCollector) EventDeduplicated(kind domain.NotificationKind) {
	pmc.eventsDeduplicated.WithLabelValues(string(kind)).Inc()
}

func (pmc *PrometheusMetricsCollector) EventDispatched(kind domain.NotificationKind) {
	pmc.eventsDispatched.WithLabelValues(string(kind)).Inc()
}

func (pmc *PrometheusMetricsCollector) TaskActivated(action string) {
	pmc.tasksActivated.WithLabelValues(action).Inc()
}

func (pmc *PrometheusMetricsCollector) TaskFailed(action string) {
	pmc.tasksFailed.WithLabelValues(action).Inc()
}

func (pmc *PrometheusMetricsCollector) EvaluationDuration(d time.Duration, activated bool) {
	label := "false"
	if activated {
		label = "true"
	}
	pmc.evaluationDuration.WithLabelValues(label).Observe(d.Seconds())
}

func (pmc *PrometheusMetricsCollector) ActiveWatchlets(n int) {
	pmc.activeWatchlets.Set(float64(n))
}

func (pmc *PrometheusMetricsCollector) Reload() {
	pmc.reloads.Inc()
}

// Handler serves the collector's registry in the Prometheus text format.
func (pmc *PrometheusMetricsCollector) Handler() http.Handler {
	return promhttp.HandlerFor(pmc.registry, promhttp.HandlerOpts{})
}

// ServeMetrics exposes /metrics on addr until ctx is done.
func ServeMetrics(ctx context.Context, addr string, pmc *PrometheusMetricsCollector, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", pmc.Handler())
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("metrics endpoint listening", zap.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
}

// Ensure PrometheusMetricsCollector implements domain.MetricsCollector.
var _ domain.MetricsCollector = (*PrometheusMetricsCollector)(nil)
