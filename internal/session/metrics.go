package session

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/loqalabs/loqa-yomiage/session"

type metrics struct {
	enqueued metric.Int64Counter
	played   metric.Int64Counter
	dropped  metric.Int64Counter
	latency  metric.Float64Histogram
}

func newMetrics(meter metric.Meter, registry *Registry) (*metrics, error) {
	m := &metrics{}
	var err error
	if m.enqueued, err = meter.Int64Counter("yomiage.utterances.enqueued",
		metric.WithDescription("Utterances accepted into a guild queue")); err != nil {
		return m, err
	}
	if m.played, err = meter.Int64Counter("yomiage.utterances.played",
		metric.WithDescription("Utterances played to completion")); err != nil {
		return m, err
	}
	if m.dropped, err = meter.Int64Counter("yomiage.utterances.dropped",
		metric.WithDescription("Utterances discarded before or during playback")); err != nil {
		return m, err
	}
	if m.latency, err = meter.Float64Histogram("yomiage.synthesis.latency",
		metric.WithDescription("Synthesis round trip"),
		metric.WithUnit("ms")); err != nil {
		return m, err
	}

	active, err := meter.Int64ObservableGauge("yomiage.sessions.active", metric.WithDescription("Guild sessions held in memory"))
	if err != nil {
		return m, err
	}
	ready, err := meter.Int64ObservableGauge("yomiage.sessions.ready", metric.WithDescription("Guild sessions with a live voice connection"))
	if err != nil {
		return m, err
	}
	_, err = meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		total, live := registry.counts()
		obs.ObserveInt64(active, total)
		obs.ObserveInt64(ready, live)
		return nil
	}, active, ready)
	return m, err
}

func (m *metrics) enqueue(ctx context.Context) {
	if m == nil || m.enqueued == nil {
		return
	}
	m.enqueued.Add(ctx, 1)
}

func (m *metrics) play(ctx context.Context) {
	if m == nil || m.played == nil {
		return
	}
	m.played.Add(ctx, 1)
}

func (m *metrics) drop(ctx context.Context, reason string, n int) {
	if m == nil || m.dropped == nil || n <= 0 {
		return
	}
	m.dropped.Add(ctx, int64(n), metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *metrics) observeSynthesis(ctx context.Context, d time.Duration, err error) {
	if m == nil || m.latency == nil {
		return
	}
	m.latency.Record(ctx, float64(d)/float64(time.Millisecond),
		metric.WithAttributes(attribute.Bool("error", err != nil)))
}
