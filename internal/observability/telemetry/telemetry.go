// Package telemetry records dispatch metrics with OpenTelemetry and keeps an
// in-process reader so the ops server can expose them without an exporter.
package telemetry

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"guildcast/internal/broadcast"
)

const meterName = "guildcast"

const (
	MetricSends       = "guildcast.broadcast.sends"
	MetricRetries     = "guildcast.broadcast.retries"
	MetricJobs        = "guildcast.broadcast.jobs"
	MetricJobDuration = "guildcast.broadcast.job.duration"
	MetricWorkerLoad  = "guildcast.worker.load"
)

// Telemetry implements broadcast.Metrics.
type Telemetry struct {
	reader   *sdkmetric.ManualReader
	provider *sdkmetric.MeterProvider

	sends    metric.Int64Counter
	retries  metric.Int64Counter
	jobs     metric.Int64Counter
	duration metric.Float64Histogram

	mu     sync.RWMutex
	loadFn func() []broadcast.ClientLoad
}

var _ broadcast.Metrics = (*Telemetry)(nil)

func New() (*Telemetry, error) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t := &Telemetry{reader: reader, provider: provider}
	if err := t.init(provider.Meter(meterName)); err != nil {
		_ = provider.Shutdown(context.Background())
		return nil, err
	}
	return t, nil
}

func (t *Telemetry) init(meter metric.Meter) error {
	var err error
	if t.sends, err = meter.Int64Counter(MetricSends,
		metric.WithDescription("Direct-message send outcomes"),
		metric.WithUnit("{send}"),
	); err != nil {
		return fmt.Errorf("telemetry: %s: %w", MetricSends, err)
	}
	if t.retries, err = meter.Int64Counter(MetricRetries,
		metric.WithDescription("Send retries scheduled"),
		metric.WithUnit("{retry}"),
	); err != nil {
		return fmt.Errorf("telemetry: %s: %w", MetricRetries, err)
	}
	if t.jobs, err = meter.Int64Counter(MetricJobs,
		metric.WithDescription("Broadcast jobs by terminal status"),
		metric.WithUnit("{job}"),
	); err != nil {
		return fmt.Errorf("telemetry: %s: %w", MetricJobs, err)
	}
	if t.duration, err = meter.Float64Histogram(MetricJobDuration,
		metric.WithDescription("Broadcast job runtime in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return fmt.Errorf("telemetry: %s: %w", MetricJobDuration, err)
	}
	_, err = meter.Int64ObservableGauge(MetricWorkerLoad,
		metric.WithDescription("Assigned but unresolved members per worker"),
		metric.WithUnit("{member}"),
		metric.WithInt64Callback(t.observeLoad),
	)
	if err != nil {
		return fmt.Errorf("telemetry: %s: %w", MetricWorkerLoad, err)
	}
	return nil
}

// SetLoadSource feeds the worker load gauge.
func (t *Telemetry) SetLoadSource(fn func() []broadcast.ClientLoad) {
	t.mu.Lock()
	t.loadFn = fn
	t.mu.Unlock()
}

func (t *Telemetry) observeLoad(_ context.Context, o metric.Int64Observer) error {
	t.mu.RLock()
	fn := t.loadFn
	t.mu.RUnlock()
	if fn == nil {
		return nil
	}
	for _, l := range fn() {
		o.Observe(l.CurrentLoad, metric.WithAttributes(attribute.String("client", l.ClientID)))
	}
	return nil
}

// InstallGlobal makes this provider the process-wide otel MeterProvider.
func (t *Telemetry) InstallGlobal() { otel.SetMeterProvider(t.provider) }

func (t *Telemetry) SendResult(ctx context.Context, clientID, outcome string) {
	t.sends.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client", clientID),
		attribute.String("outcome", outcome),
	))
}

func (t *Telemetry) SendRetry(ctx context.Context, clientID, reason string) {
	t.retries.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client", clientID),
		attribute.String("reason", reason),
	))
}

func (t *Telemetry) JobFinished(ctx context.Context, status string, runtime time.Duration) {
	attrs := metric.WithAttributes(attribute.String("status", status))
	t.jobs.Add(ctx, 1, attrs)
	t.duration.Record(ctx, runtime.Seconds(), attrs)
}

// Point is one flattened data point.
type Point struct {
	Name  string            `json:"name"`
	Kind  string            `json:"kind"`
	Attrs map[string]string `json:"attrs,omitempty"`
	Value float64           `json:"value"`
	Count uint64            `json:"count,omitempty"`
}

// Collect reads every instrument once. Points are sorted by name and
// attributes.
func (t *Telemetry) Collect(ctx context.Context) ([]Point, error) {
	var rm metricdata.ResourceMetrics
	if err := t.reader.Collect(ctx, &rm); err != nil {
		return nil, fmt.Errorf("telemetry: collect: %w", err)
	}
	var out []Point
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				for _, dp := range data.DataPoints {
					out = append(out, Point{Name: m.Name, Kind: "counter", Attrs: attrMap(dp.Attributes), Value: float64(dp.Value)})
				}
			case metricdata.Gauge[int64]:
				for _, dp := range data.DataPoints {
					out = append(out, Point{Name: m.Name, Kind: "gauge", Attrs: attrMap(dp.Attributes), Value: float64(dp.Value)})
				}
			case metricdata.Histogram[float64]:
				for _, dp := range data.DataPoints {
					out = append(out, Point{Name: m.Name, Kind: "histogram", Attrs: attrMap(dp.Attributes), Value: dp.Sum, Count: dp.Count})
				}
			}
		}
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].Name != out[k].Name {
			return out[i].Name < out[k].Name
		}
		return attrKey(out[i].Attrs) < attrKey(out[k].Attrs)
	})
	return out, nil
}

func (t *Telemetry) Shutdown(ctx context.Context) error { return t.provider.Shutdown(ctx) }

func attrMap(set attribute.Set) map[string]string {
	if set.Len() == 0 {
		return nil
	}
	out := make(map[string]string, set.Len())
	for it := set.Iter(); it.Next(); {
		kv := it.Attribute()
		out[string(kv.Key)] = kv.Value.Emit()
	}
	return out
}

func attrKey(m map[string]string) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(m[k])
		b.WriteByte(',')
	}
	return b.String()
}
