package telemetry

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector captures telemetry events emitted by the control plane.
//
// Hooks run inline with request handling and relay fan-out, so
// implementations must not block.
type Collector interface {
	ObserveRequest(endpoint string, status int)
	IncRun(kind, outcome string)
	SetRelayClients(n int)
	IncRelayed()
}

type noopCollector struct{}

// Noop returns a collector that discards all metrics.
func Noop() Collector {
	return noopCollector{}
}

func (noopCollector) ObserveRequest(string, int) {}
func (noopCollector) IncRun(string, string)      {}
func (noopCollector) SetRelayClients(int)        {}
func (noopCollector) IncRelayed()                {}

// PrometheusCollector exposes telemetry via Prometheus.
type PrometheusCollector struct {
	requests     *prometheus.CounterVec
	runs         *prometheus.CounterVec
	relayClients prometheus.Gauge
	relayed      prometheus.Counter
}

// NewPrometheusCollector registers the metrics with reg. Metrics that are
// already registered are reused.
func NewPrometheusCollector(reg prometheus.Registerer) (*PrometheusCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	requests, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hpwhdash_http_requests_total",
		Help: "Control-plane requests by endpoint and status code.",
	}, []string{"endpoint", "status"}))
	if err != nil {
		return nil, err
	}
	runs, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hpwhdash_engine_runs_total",
		Help: "Engine invocations by kind and outcome.",
	}, []string{"kind", "outcome"}))
	if err != nil {
		return nil, err
	}
	clients, err := register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "hpwhdash_relay_clients",
		Help: "WebSocket clients currently connected to the relay.",
	}))
	if err != nil {
		return nil, err
	}
	relayed, err := register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hpwhdash_relay_messages_total",
		Help: "Messages received by the relay for fan-out.",
	}))
	if err != nil {
		return nil, err
	}
	return &PrometheusCollector{
		requests:     requests,
		runs:         runs,
		relayClients: clients,
		relayed:      relayed,
	}, nil
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		var zero T
		return zero, err
	}
	return c, nil
}

func (p *PrometheusCollector) ObserveRequest(endpoint string, status int) {
	if p == nil {
		return
	}
	p.requests.WithLabelValues(endpoint, strconv.Itoa(status)).Inc()
}

func (p *PrometheusCollector) IncRun(kind, outcome string) {
	if p == nil {
		return
	}
	p.runs.WithLabelValues(kind, outcome).Inc()
}

func (p *PrometheusCollector) SetRelayClients(n int) {
	if p == nil {
		return
	}
	p.relayClients.Set(float64(n))
}

func (p *PrometheusCollector) IncRelayed() {
	if p == nil {
		return
	}
	p.relayed.Inc()
}
