package metrics

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Set holds the pipeline's Prometheus collectors.
type Set struct {
	Events               prometheus.Counter
	Dropped              prometheus.Counter
	Decisions            *prometheus.CounterVec
	CollaboratorFailures *prometheus.CounterVec
	ArbiterFallbacks     prometheus.Counter
	BusReconnects        prometheus.Counter
	Published            *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Set {
	factory := promauto.With(reg)
	return &Set{
		Events: factory.NewCounter(prometheus.CounterOpts{
			Name: "riskpipe_events_total",
			Help: "Inbound transaction events consumed from the bus.",
		}),
		Dropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "riskpipe_events_dropped_total",
			Help: "Inbound events acknowledged and dropped as malformed or duplicate.",
		}),
		Decisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "riskpipe_decisions_total",
			Help: "Policy decisions by outcome.",
		}, []string{"decision"}),
		CollaboratorFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "riskpipe_collaborator_failures_total",
			Help: "Fail-open substitutions by collaborator.",
		}, []string{"collaborator"}),
		ArbiterFallbacks: factory.NewCounter(prometheus.CounterOpts{
			Name: "riskpipe_arbiter_fallbacks_total",
			Help: "Recommendations produced by the deterministic fallback path.",
		}),
		BusReconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "riskpipe_bus_reconnects_total",
			Help: "Bus reconnect cycles after a lost connection.",
		}),
		Published: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "riskpipe_published_total",
			Help: "Messages published by topic.",
		}, []string{"topic"}),
	}
}

// Serve exposes the registry on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, reg *prometheus.Registry, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if logger != nil {
				logger.Error("metrics listener error", "addr", addr, "err", err)
			}
		}
	}()
	return srv
}
