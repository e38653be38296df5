package metrics

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	fulfilments = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "oracle_relay",
			Subsystem: "fulfiller",
			Name:      "attempts_total",
			Help:      "Total number of fulfilment attempts by outcome.",
		},
		[]string{"chain", "oracle", "outcome"},
	)

	fetchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "oracle_relay",
			Subsystem: "fulfiller",
			Name:      "fetch_duration_seconds",
			Help:      "Duration of outbound data fetches.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"chain", "oracle"},
	)

	watcherEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "oracle_relay",
			Subsystem: "watcher",
			Name:      "events_total",
			Help:      "Total number of request events dispatched by the watcher.",
		},
		[]string{"chain", "oracle"},
	)

	sweepRecovered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "oracle_relay",
			Subsystem: "sweeper",
			Name:      "redispatched_total",
			Help:      "Total number of unfulfilled requests re-dispatched by the sweep.",
		},
		[]string{"chain", "oracle"},
	)
)

// Outcome labels recorded by RecordFulfilment.
const (
	OutcomeFulfilled = "fulfilled"
	OutcomeDuplicate = "duplicate"
	OutcomeTransport = "transport_error"
	OutcomeRejected  = "rejected"
)

func init() {
	Registry.MustRegister(
		fulfilments,
		fetchDuration,
		watcherEvents,
		sweepRecovered,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// Server exposes the metrics endpoint as a lifecycle-managed service.
type Server struct {
	srv *http.Server
}

// NewServer builds a metrics server listening on addr.
func NewServer(addr string) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	return &Server{srv: &http.Server{Addr: addr, Handler: mux}}
}

func (s *Server) Name() string { return "metrics-server" }

// Start binds the listener and serves in the background. Binding happens
// here so a bad address fails startup instead of logging from a goroutine.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	go s.srv.Serve(ln)
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// RecordFulfilment records one fulfilment attempt.
func RecordFulfilment(chain, oracle, outcome string, fetchTime time.Duration) {
	fulfilments.WithLabelValues(chain, oracle, outcome).Inc()
	if fetchTime > 0 {
		fetchDuration.WithLabelValues(chain, oracle).Observe(fetchTime.Seconds())
	}
}

// RecordWatcherDispatch records events dispatched from a watcher tick.
func RecordWatcherDispatch(chain, oracle string, count int) {
	if count > 0 {
		watcherEvents.WithLabelValues(chain, oracle).Add(float64(count))
	}
}

// RecordSweepDispatch records requests re-dispatched by a reconciliation sweep.
func RecordSweepDispatch(chain, oracle string, count int) {
	if count > 0 {
		sweepRecovered.WithLabelValues(chain, oracle).Add(float64(count))
	}
}
