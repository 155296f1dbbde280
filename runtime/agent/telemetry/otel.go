package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// OtelTracer adapts an OTEL trace.Tracer to the Tracer interface.
type OtelTracer struct {
	tracer trace.Tracer
}

// NewOtelTracer constructs a Tracer backed by the given OTEL tracer
// provider's named tracer.
func NewOtelTracer(provider trace.TracerProvider, name string) Tracer {
	return &OtelTracer{tracer: provider.Tracer(name)}
}

func (t *OtelTracer) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span) {
	ctx, span := t.tracer.Start(ctx, name, opts...)
	return ctx, &otelSpan{span: span}
}

// Span returns the Span embedded in ctx, or a no-op Span if none is active.
func (t *OtelTracer) Span(ctx context.Context) Span {
	return &otelSpan{span: trace.SpanFromContext(ctx)}
}

type otelSpan struct {
	span trace.Span
}

func (s *otelSpan) End(opts ...trace.SpanEndOption)            { s.span.End(opts...) }
func (s *otelSpan) SetStatus(code codes.Code, description string) { s.span.SetStatus(code, description) }
func (s *otelSpan) RecordError(err error, opts ...trace.EventOption) {
	s.span.RecordError(err, opts...)
}
func (s *otelSpan) AddEvent(name string, _ ...any) {
	s.span.AddEvent(name)
}

// OtelMetrics adapts an OTEL metric.Meter to the Metrics interface,
// lazily creating instruments per metric name.
type OtelMetrics struct {
	meter   metric.Meter
	mu      sync.Mutex
	counter map[string]metric.Float64Counter
	gauge   map[string]metric.Float64Gauge
}

// NewOtelMetrics constructs a Metrics recorder backed by the given meter
// provider's named meter.
func NewOtelMetrics(provider metric.MeterProvider, name string) Metrics {
	return &OtelMetrics{
		meter:   provider.Meter(name),
		counter: make(map[string]metric.Float64Counter),
		gauge:   make(map[string]metric.Float64Gauge),
	}
}

func (m *OtelMetrics) IncCounter(name string, value float64, tags ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.counter[name]
	if !ok {
		var err error
		c, err = m.meter.Float64Counter(name)
		if err != nil {
			return
		}
		m.counter[name] = c
	}
	c.Add(context.Background(), value, metric.WithAttributes(tagsToAttrs(tags)...))
}

func (m *OtelMetrics) RecordTimer(name string, d time.Duration, tags ...string) {
	m.IncCounter(name+"_ms", float64(d.Milliseconds()), tags...)
}

func (m *OtelMetrics) RecordGauge(name string, value float64, tags ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.gauge[name]
	if !ok {
		var err error
		g, err = m.meter.Float64Gauge(name)
		if err != nil {
			return
		}
		m.gauge[name] = g
	}
	g.Record(context.Background(), value, metric.WithAttributes(tagsToAttrs(tags)...))
}

// tagsToAttrs turns an alternating key, value, key, value... string slice
// into OTEL attributes, ignoring a trailing unpaired key.
func tagsToAttrs(tags []string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(tags)/2)
	for i := 0; i+1 < len(tags); i += 2 {
		attrs = append(attrs, attribute.String(tags[i], tags[i+1]))
	}
	return attrs
}
