// Package metrics exposes chat pipeline counters to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is safe to use as a nil pointer; every method is then a no-op.
type Metrics struct {
	requests        *prometheus.CounterVec
	providerLatency *prometheus.HistogramVec
	blocks          prometheus.Counter
}

// New registers the chat metrics with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "portfoliochat",
			Name:      "chat_requests_total",
			Help:      "Chat requests by pipeline outcome.",
		}, []string{"outcome"}),
		providerLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "portfoliochat",
			Name:      "provider_request_duration_seconds",
			Help:      "Completion provider call latency by result.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 4, 6, 8, 10, 15},
		}, []string{"result"}),
		blocks: f.NewCounter(prometheus.CounterOpts{
			Namespace: "portfoliochat",
			Name:      "callers_blocked_total",
			Help:      "Callers moved into the temporary block list.",
		}),
	}
}

// Outcome counts one finished chat request.
func (m *Metrics) Outcome(outcome string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(outcome).Inc()
}

// Provider records one completion call.
func (m *Metrics) Provider(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.providerLatency.WithLabelValues(result).Observe(d.Seconds())
}

// Blocked counts a new block.
func (m *Metrics) Blocked() {
	if m == nil {
		return
	}
	m.blocks.Inc()
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
