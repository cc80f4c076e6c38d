// Package metrics is the process-wide counters collaborator. Instruments are
// registered on an OpenTelemetry meter backed by a Prometheus exporter; a
// small atomic snapshot mirrors the request counters for the health endpoint.
package metrics

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const meterName = "github.com/voicebridge/tts-sidecar"

// Collector holds the request and pool instruments. A nil *Collector is a
// valid no-op, which keeps tests free of metric plumbing.
type Collector struct {
	meter metric.Meter

	requests metric.Int64Counter
	active   metric.Int64UpDownCounter
	latency  metric.Float64Histogram

	total    atomic.Int64
	inFlight atomic.Int64
}

// Snapshot is the health-endpoint view of the request counters.
type Snapshot struct {
	Total  int64 `json:"total"`
	Active int64 `json:"active"`
}

// Setup installs a Prometheus-backed meter provider as the global provider
// and returns the collector plus the /metrics scrape handler.
func Setup() (*Collector, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	c, err := NewCollector(provider.Meter(meterName))
	if err != nil {
		return nil, nil, err
	}
	return c, promhttp.Handler(), nil
}

// NewCollector registers the request instruments on meter.
func NewCollector(meter metric.Meter) (*Collector, error) {
	c := &Collector{meter: meter}

	var err error
	c.requests, err = meter.Int64Counter("tts_requests_total",
		metric.WithDescription("Synthesis requests accepted"))
	if err != nil {
		return nil, err
	}
	c.active, err = meter.Int64UpDownCounter("tts_requests_active",
		metric.WithDescription("Synthesis requests currently in flight"))
	if err != nil {
		return nil, err
	}
	c.latency, err = meter.Float64Histogram("tts_request_duration_seconds",
		metric.WithDescription("End-to-end request latency"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	return c, nil
}

// RequestStarted increments the request counters.
func (c *Collector) RequestStarted(ctx context.Context) {
	if c == nil {
		return
	}
	c.total.Add(1)
	c.inFlight.Add(1)
	c.requests.Add(ctx, 1)
	c.active.Add(ctx, 1)
}

// RequestFinished decrements the in-flight gauge and records latency. It must
// be called exactly once per RequestStarted.
func (c *Collector) RequestFinished(ctx context.Context, status int, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.inFlight.Add(-1)
	c.active.Add(ctx, -1)
	c.latency.Record(ctx, elapsed.Seconds(),
		metric.WithAttributes(attribute.Int("http.status_code", status)))
}

// Requests returns the health-endpoint snapshot.
func (c *Collector) Requests() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	return Snapshot{Total: c.total.Load(), Active: c.inFlight.Load()}
}

// ObservePool registers live/leased gauges fed by the stats callback.
func (c *Collector) ObservePool(stats func() (live, leased int)) error {
	if c == nil {
		return nil
	}
	liveGauge, err := c.meter.Int64ObservableGauge("tts_pool_sessions_live",
		metric.WithDescription("Live upstream sessions"))
	if err != nil {
		return err
	}
	leasedGauge, err := c.meter.Int64ObservableGauge("tts_pool_sessions_leased",
		metric.WithDescription("Upstream sessions currently leased"))
	if err != nil {
		return err
	}
	_, err = c.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		live, leased := stats()
		o.ObserveInt64(liveGauge, int64(live))
		o.ObserveInt64(leasedGauge, int64(leased))
		return nil
	}, liveGauge, leasedGauge)
	return err
}
