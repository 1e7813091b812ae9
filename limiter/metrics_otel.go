package limiter

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics exports engine activity through OpenTelemetry instruments.
// Optional: an Engine without a Metrics provider records nothing.
type Metrics struct {
	config     MetricsConfig
	meter      metric.Meter
	registered bool
	mu         sync.RWMutex

	checksTotal   metric.Int64Counter
	allowedTotal  metric.Int64Counter
	rejectedTotal metric.Int64Counter
	fallbackTotal metric.Int64Counter

	remainingGauge metric.Int64ObservableGauge

	gaugeMu        sync.RWMutex
	gaugeCallbacks map[string]func() int64
}

// MetricsConfig controls which instruments are registered.
type MetricsConfig struct {
	Enabled         bool
	RecordRemaining bool
}

// NewMetrics creates an OTel metrics provider for the engine.
func NewMetrics(cfg MetricsConfig) *Metrics {
	return &Metrics{
		config:         cfg,
		gaugeCallbacks: make(map[string]func() int64),
	}
}

// MetricsName returns the metrics group name.
func (m *Metrics) MetricsName() string {
	return "ratelimit"
}

// IsMetricsEnabled reports whether collection is enabled.
func (m *Metrics) IsMetricsEnabled() bool {
	return m.config.Enabled
}

// RegisterMetrics registers all instruments with the provided Meter.
func (m *Metrics) RegisterMetrics(meter metric.Meter) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}
	m.meter = meter

	var err error
	m.checksTotal, err = meter.Int64Counter(
		"ratelimit_checks_total",
		metric.WithDescription("Total number of admission checks"),
		metric.WithUnit("{check}"),
	)
	if err != nil {
		return err
	}

	m.allowedTotal, err = meter.Int64Counter(
		"ratelimit_allowed_total",
		metric.WithDescription("Total number of admitted requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	m.rejectedTotal, err = meter.Int64Counter(
		"ratelimit_rejected_total",
		metric.WithDescription("Total number of denied requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	m.fallbackTotal, err = meter.Int64Counter(
		"ratelimit_store_fallback_total",
		metric.WithDescription("Calls served from memory after a store failure"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return err
	}

	if m.config.RecordRemaining {
		m.remainingGauge, err = meter.Int64ObservableGauge(
			"ratelimit_remaining",
			metric.WithDescription("Remaining capacity per tracked scope"),
			metric.WithInt64Callback(m.collectRemaining),
		)
		if err != nil {
			return err
		}
	}

	m.registered = true
	return nil
}

func (m *Metrics) collectRemaining(_ context.Context, observer metric.Int64Observer) error {
	m.gaugeMu.RLock()
	defer m.gaugeMu.RUnlock()

	for key, callback := range m.gaugeCallbacks {
		observer.Observe(callback(),
			metric.WithAttributes(attribute.String("scope", key)),
		)
	}
	return nil
}

// RegisterRemainingCallback registers a gauge source for a scope key.
func (m *Metrics) RegisterRemainingCallback(key string, callback func() int64) {
	m.gaugeMu.Lock()
	defer m.gaugeMu.Unlock()
	m.gaugeCallbacks[key] = callback
}

// UnregisterRemainingCallback removes a scope's gauge source.
func (m *Metrics) UnregisterRemainingCallback(key string) {
	m.gaugeMu.Lock()
	defer m.gaugeMu.Unlock()
	delete(m.gaugeCallbacks, key)
}

// RecordAllowed records an admitted request.
func (m *Metrics) RecordAllowed(ctx context.Context, policy, algorithm string) {
	if !m.IsRegistered() {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("policy", policy),
		attribute.String("algorithm", algorithm),
	}
	m.checksTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.allowedTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordRejected records a denied request.
func (m *Metrics) RecordRejected(ctx context.Context, policy, algorithm, reason string) {
	if !m.IsRegistered() {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("policy", policy),
		attribute.String("algorithm", algorithm),
		attribute.String("reason", reason),
	}
	m.checksTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.rejectedTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordFallback records a call degraded to the memory path.
func (m *Metrics) RecordFallback(ctx context.Context, scope string) {
	if !m.IsRegistered() {
		return
	}
	m.fallbackTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("scope", scope),
	))
}

// IsRegistered reports whether instruments have been registered.
func (m *Metrics) IsRegistered() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.registered
}
