package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/oddsmill/sequencer/internal/observability"
)

// NewMetrics adapts an OpenTelemetry meter to the observability.Metrics
// interface used across the engine. Instruments are created lazily per name.
func NewMetrics(provider metric.MeterProvider, scope string) observability.Metrics {
	if provider == nil {
		return nil
	}
	return &otelMetrics{
		meter:      provider.Meter(scope),
		counters:   make(map[string]metric.Float64Counter),
		histograms: make(map[string]metric.Float64Histogram),
		gauges:     make(map[string]metric.Float64Gauge),
	}
}

type otelMetrics struct {
	meter metric.Meter

	mu         sync.Mutex
	counters   map[string]metric.Float64Counter
	histograms map[string]metric.Float64Histogram
	gauges     map[string]metric.Float64Gauge
}

func (m *otelMetrics) IncCounter(name string, value float64, labels map[string]string) {
	m.mu.Lock()
	inst, ok := m.counters[name]
	if !ok {
		created, err := m.meter.Float64Counter(name)
		if err != nil {
			m.mu.Unlock()
			return
		}
		m.counters[name] = created
		inst = created
	}
	m.mu.Unlock()
	inst.Add(context.Background(), value, metric.WithAttributes(attrs(labels)...))
}

func (m *otelMetrics) ObserveHistogram(name string, value float64, labels map[string]string) {
	m.mu.Lock()
	inst, ok := m.histograms[name]
	if !ok {
		created, err := m.meter.Float64Histogram(name)
		if err != nil {
			m.mu.Unlock()
			return
		}
		m.histograms[name] = created
		inst = created
	}
	m.mu.Unlock()
	inst.Record(context.Background(), value, metric.WithAttributes(attrs(labels)...))
}

func (m *otelMetrics) SetGauge(name string, value float64, labels map[string]string) {
	m.mu.Lock()
	inst, ok := m.gauges[name]
	if !ok {
		created, err := m.meter.Float64Gauge(name)
		if err != nil {
			m.mu.Unlock()
			return
		}
		m.gauges[name] = created
		inst = created
	}
	m.mu.Unlock()
	inst.Record(context.Background(), value, metric.WithAttributes(attrs(labels)...))
}

func attrs(labels map[string]string) []attribute.KeyValue {
	if len(labels) == 0 {
		return nil
	}
	out := make([]attribute.KeyValue, 0, len(labels))
	for k, v := range labels {
		out = append(out, attribute.String(k, v))
	}
	return out
}
