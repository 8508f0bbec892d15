package observability

import (
	"context"
	goerrors "errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "matrix_client"

// Metrics holds the client's prometheus collectors on a private registry.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	EventsTotal     *prometheus.CounterVec
	InboxLength     prometheus.Gauge
	InboxCapacity   prometheus.Gauge
	FatalSyncErrors prometheus.Counter
	SessionOutcomes *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		EventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_total",
				Help:      "Events dispatched by the controller.",
			},
			[]string{"kind"},
		),
		InboxLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "inbox_length",
			Help:      "Events waiting in the inbox.",
		}),
		InboxCapacity: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "inbox_capacity",
			Help:      "Inbox capacity.",
		}),
		FatalSyncErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fatal_sync_errors_total",
			Help:      "Sync loop terminations.",
		}),
		SessionOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "session_outcomes_total",
				Help:      "Session establishment outcomes.",
			},
			[]string{"outcome"},
		),
	}
	m.registry.MustRegister(m.EventsTotal, m.InboxLength, m.InboxCapacity, m.FatalSyncErrors, m.SessionOutcomes)
	return m
}

func (m *Metrics) RecordEvent(kind string) {
	if m == nil {
		return
	}
	m.EventsTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) ObserveInbox(length, capacity int) {
	if m == nil {
		return
	}
	m.InboxLength.Set(float64(length))
	m.InboxCapacity.Set(float64(capacity))
}

func (m *Metrics) RecordFatalSync() {
	if m == nil {
		return
	}
	m.FatalSyncErrors.Inc()
}

func (m *Metrics) RecordSessionOutcome(outcome string) {
	if m == nil {
		return
	}
	m.SessionOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string, log *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("Metrics endpoint listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !goerrors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
