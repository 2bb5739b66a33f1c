package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "encabox"

// PrometheusCollector mirrors a Collector into a dedicated Prometheus
// registry. It implements box.Observer.
type PrometheusCollector struct {
	collector *Collector
	registry  *prometheus.Registry

	operations        *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	rejections        *prometheus.CounterVec

	unitsLive     prometheus.Gauge
	unitsBurned   prometheus.Gauge
	streamClients prometheus.Gauge
	uptimeSeconds prometheus.GaugeFunc
}

// NewPrometheusCollector wraps c. Metrics live in their own registry so
// tests and embedders never collide on the global one.
func NewPrometheusCollector(c *Collector) *PrometheusCollector {
	reg := prometheus.NewRegistry()

	p := &PrometheusCollector{
		collector: c,
		registry:  reg,
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Ledger operations by name and result.",
		}, []string{"op", "result"}),
		operationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Ledger operation latency, including asset calls.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 5, 15},
		}, []string{"op"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejections_total",
			Help:      "Rejected ledger operations by reason.",
		}, []string{"reason"}),
		unitsLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "units_live",
			Help:      "Units that have not been unpacked.",
		}),
		unitsBurned: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "units_burned",
			Help:      "Units that have been unpacked.",
		}),
		streamClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stream_clients",
			Help:      "Connected event stream subscribers.",
		}),
	}
	p.uptimeSeconds = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "uptime_seconds",
		Help:      "Seconds since the collector was created.",
	}, func() float64 { return time.Since(c.startTime).Seconds() })

	reg.MustRegister(
		p.operations,
		p.operationDuration,
		p.rejections,
		p.unitsLive,
		p.unitsBurned,
		p.streamClients,
		p.uptimeSeconds,
		collectors.NewGoCollector(),
	)
	return p
}

// Registry returns the dedicated registry
func (p *PrometheusCollector) Registry() *prometheus.Registry {
	return p.registry
}

// Collector returns the wrapped in-process collector
func (p *PrometheusCollector) Collector() *Collector {
	return p.collector
}

// ObserveOperation implements box.Observer
func (p *PrometheusCollector) ObserveOperation(op string, duration time.Duration, err error) {
	p.collector.ObserveOperation(op, duration, err)

	result, reason := Classify(err)
	p.operations.WithLabelValues(op, result).Inc()
	p.operationDuration.WithLabelValues(op).Observe(duration.Seconds())
	if reason != "" {
		p.rejections.WithLabelValues(reason).Inc()
	}
}

// ObserveSupply implements box.Observer
func (p *PrometheusCollector) ObserveSupply(live, burned uint64) {
	p.collector.ObserveSupply(live, burned)
	p.unitsLive.Set(float64(live))
	p.unitsBurned.Set(float64(burned))
}

// StreamConnected records a new event stream subscriber
func (p *PrometheusCollector) StreamConnected() {
	p.collector.StreamConnected()
	p.streamClients.Inc()
}

// StreamDisconnected records a subscriber leaving
func (p *PrometheusCollector) StreamDisconnected() {
	p.collector.StreamDisconnected()
	p.streamClients.Dec()
}

// Snapshot returns the in-process view
func (p *PrometheusCollector) Snapshot() *Snapshot {
	return p.collector.Snapshot()
}

// Handler serves the registry in the Prometheus text exposition format
func (p *PrometheusCollector) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
