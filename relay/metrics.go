package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

const outcomeIssued = "issued"

type metrics struct {
	registry *prometheus.Registry
	requests *prometheus.CounterVec
	upstream prometheus.Histogram
}

func newMetrics() *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "realtime",
			Subsystem: "relay",
			Name:      "credential_requests_total",
			Help:      "Credential requests by outcome.",
		}, []string{"outcome"}),
		upstream: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "realtime",
			Subsystem: "relay",
			Name:      "upstream_duration_seconds",
			Help:      "Latency of session creation calls to the realtime service.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	m.registry.MustRegister(m.requests, m.upstream)
	return m
}

func (m *metrics) observe(outcome string) {
	m.requests.WithLabelValues(outcome).Inc()
}

func (m *metrics) handler() fasthttp.RequestHandler {
	return fasthttpadaptor.NewFastHTTPHandler(promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
}
