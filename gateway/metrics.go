package gateway

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the gateway's Prometheus collectors, mirroring the
// teacher's struct-of-counters DHTMetrics/ConnectionMetrics shape but
// exported as real collectors registerable on /metrics.
type Metrics struct {
	PushAccepted   prometheus.Counter
	PushRejected   *prometheus.CounterVec
	ReplicateBytes prometheus.Counter
	ResolveLatency prometheus.Histogram
	RateLimited    *prometheus.CounterVec
}

// NewMetrics registers a fresh Metrics set against registerer.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	return &Metrics{
		PushAccepted: registerOrPanic(registerer, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "noosphere_gateway_push_accepted_total",
			Help: "Pushes accepted by the gateway's directory sphere.",
		})).(prometheus.Counter),
		PushRejected: registerOrPanic(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "noosphere_gateway_push_rejected_total",
			Help: "Pushes rejected by the gateway, labeled by error kind.",
		}, []string{"kind"})).(*prometheus.CounterVec),
		ReplicateBytes: registerOrPanic(registerer, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "noosphere_gateway_replicate_bytes_total",
			Help: "Bytes streamed out of /replicate responses.",
		})).(prometheus.Counter),
		ResolveLatency: registerOrPanic(registerer, prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "noosphere_gateway_resolve_latency_seconds",
			Help:    "Latency of on-demand name resolution requests.",
			Buckets: prometheus.DefBuckets,
		})).(prometheus.Histogram),
		RateLimited: registerOrPanic(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "noosphere_gateway_rate_limited_total",
			Help: "Requests rejected by the per-caller rate limiter, labeled by route.",
		}, []string{"route"})).(*prometheus.CounterVec),
	}
}

func registerOrPanic(registerer prometheus.Registerer, c prometheus.Collector) prometheus.Collector {
	if err := registerer.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector
		}
		panic(err)
	}
	return c
}
