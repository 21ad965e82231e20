package metrics

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the orchestrator's Prometheus instruments.
type Metrics struct {
	StreamsStarted   prometheus.Counter
	StreamsCompleted *prometheus.CounterVec
	TokensDelivered  prometheus.Counter
	BusMessages      *prometheus.CounterVec
	ConsumersActive  prometheus.Gauge
	SessionsEvicted  prometheus.Counter
	UpstreamErrors   *prometheus.CounterVec
	IncompleteSwept  prometheus.Counter

	registry *prometheus.Registry
}

// New registers the instrument set on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		StreamsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_streams_started_total",
			Help: "Chat streams admitted and started.",
		}),
		StreamsCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_streams_completed_total",
			Help: "Chat streams finished, by completion type.",
		}, []string{"completion_type"}),
		TokensDelivered: factory.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_tokens_delivered_total",
			Help: "Tokens pushed to clients on the main lane.",
		}),
		BusMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_bus_messages_total",
			Help: "Bus messages consumed, by decoded kind.",
		}, []string{"kind"}),
		ConsumersActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "orchestrator_consumers_active",
			Help: "Live Bus consumers.",
		}),
		SessionsEvicted: factory.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_sessions_evicted_total",
			Help: "Sessions dropped by the sliding window.",
		}),
		UpstreamErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_upstream_errors_total",
			Help: "Upstream call failures, by operation.",
		}, []string{"operation"}),
		IncompleteSwept: factory.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_incomplete_messages_swept_total",
			Help: "Incomplete transcript messages removed by the GC sweep.",
		}),
		registry: reg,
	}
}

// Handler serves the scrape endpoint for this registry.
func (m *Metrics) Handler() gin.HandlerFunc {
	h := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}
