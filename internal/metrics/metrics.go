// Package metrics holds the Prometheus collectors shared by the queue,
// router and relay packages, plus an HTTP endpoint exposing them.
//
// Grounded on the teacher's per-package metrics.go files (one GaugeVec or
// CounterVec per package, registered from init()) and on
// internal/endpoint/openmetrics for the exposition endpoint itself.
package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mailroom/mailroom/framework/log"
)

var (
	// QueuedMessages tracks how many messages currently sit in a queue
	// directory, labeled by the queue's root path.
	QueuedMessages = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "mailroom",
			Subsystem: "queue",
			Name:      "length",
			Help:      "Number of messages currently queued",
		},
		[]string{"dir"},
	)

	// RouterDispatches counts every handler invocation Dispatch makes,
	// labeled by the handler's module and outcome ("ok", "smtp_error",
	// "swallowed").
	RouterDispatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mailroom",
			Subsystem: "router",
			Name:      "dispatches_total",
			Help:      "Number of messages dispatched to a handler module",
		},
		[]string{"module", "outcome"},
	)

	// RouterDispatchDuration times a full Dispatch call (every matching
	// handler, stateless and stateful).
	RouterDispatchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "mailroom",
			Subsystem: "router",
			Name:      "dispatch_duration_seconds",
			Help:      "Time spent running all handlers matched for one message",
		},
	)

	// RelayDeliveries counts outbound delivery attempts, labeled by outcome
	// ("delivered", "failed").
	RelayDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mailroom",
			Subsystem: "relay",
			Name:      "deliveries_total",
			Help:      "Number of outbound delivery attempts, by outcome",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(QueuedMessages, RouterDispatches, RouterDispatchDuration, RelayDeliveries)
}

// Endpoint serves the registered collectors at /metrics, mirroring
// internal/endpoint/openmetrics's bind-then-serve shape so it can be started
// alongside the mail receivers from the same bootstrap sequence.
type Endpoint struct {
	logger log.Logger
	serv   http.Server
}

// NewEndpoint builds an Endpoint that logs through logger.
func NewEndpoint(logger log.Logger) *Endpoint {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &Endpoint{logger: logger, serv: http.Server{Handler: mux}}
}

// Serve binds addr and serves until the endpoint is closed. It blocks, so
// callers run it in its own goroutine.
func (e *Endpoint) Serve(addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return e.ServeListener(l)
}

// ServeListener serves on an already-bound listener until the endpoint is
// closed. It blocks, so callers run it in its own goroutine. Bootstrap binds
// the metrics listener before a privilege drop and hands it here, the same
// way it hands already-bound listeners to receiver.Server.Serve.
func (e *Endpoint) ServeListener(l net.Listener) error {
	e.logger.Printf("metrics listening on %s", l.Addr())
	err := e.serv.Serve(l)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close stops the endpoint from accepting new connections.
func (e *Endpoint) Close() error {
	return e.serv.Shutdown(context.Background())
}
