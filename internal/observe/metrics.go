// Package observe provides observability primitives for Vokalis:
// OpenTelemetry metrics and the provider bootstrap.
//
// Metrics are recorded through the OpenTelemetry Metrics API. [InitProvider]
// installs a Prometheus exporter bridge that registers the metrics with the
// default Prometheus registry; no HTTP endpoint serving that registry is
// started in this module. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// meterName is the instrumentation scope name used for all Vokalis metrics.
const meterName = "github.com/vokalis/vokalis"

// Metrics holds all OpenTelemetry metric instruments for the capture
// pipeline. All fields are safe for concurrent use — the underlying OTel
// types handle their own synchronisation.
type Metrics struct {
	// FramesCaptured counts completed 10 ms frames entering the pipeline.
	// Use with attribute.String("source", "mic"|"echo").
	FramesCaptured metric.Int64Counter

	// FramesEncoded counts frames that passed the gate and were encoded.
	FramesEncoded metric.Int64Counter

	// PacketsSent counts assembled packets handed to a destination. Use with
	// attribute.String("codec", ...), attribute.String("dest", ...).
	PacketsSent metric.Int64Counter

	// ResyncDrops counts frames discarded by the resynchronizer. Use with
	// attribute.String("kind", "overflow"|"underflow").
	ResyncDrops metric.Int64Counter

	// EncodeFailures counts transient encode failures.
	EncodeFailures metric.Int64Counter

	// SinkDrops counts packets dropped at the sink boundary.
	SinkDrops metric.Int64Counter

	// EncodeDuration tracks the per-chunk processing latency of the DSP and
	// encode stages.
	EncodeDuration metric.Float64Histogram

	// ActivePipelines tracks the number of running capture pipelines.
	ActivePipelines metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// a 10 ms frame budget.
var latencyBuckets = []float64{
	0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.FramesCaptured, err = m.Int64Counter("vokalis.frames.captured",
		metric.WithDescription("Completed capture frames by source."),
	); err != nil {
		return nil, err
	}
	if met.FramesEncoded, err = m.Int64Counter("vokalis.frames.encoded",
		metric.WithDescription("Frames that passed the voice gate and were encoded."),
	); err != nil {
		return nil, err
	}
	if met.PacketsSent, err = m.Int64Counter("vokalis.packets.sent",
		metric.WithDescription("Assembled audio packets by codec and destination."),
	); err != nil {
		return nil, err
	}
	if met.ResyncDrops, err = m.Int64Counter("vokalis.resync.drops",
		metric.WithDescription("Frames discarded by the resynchronizer by kind."),
	); err != nil {
		return nil, err
	}
	if met.EncodeFailures, err = m.Int64Counter("vokalis.encode.failures",
		metric.WithDescription("Transient encode failures."),
	); err != nil {
		return nil, err
	}
	if met.SinkDrops, err = m.Int64Counter("vokalis.sink.drops",
		metric.WithDescription("Packets dropped at the sink boundary."),
	); err != nil {
		return nil, err
	}
	if met.EncodeDuration, err = m.Float64Histogram("vokalis.encode.duration",
		metric.WithDescription("Per-chunk DSP and encode latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ActivePipelines, err = m.Int64UpDownCounter("vokalis.pipelines.active",
		metric.WithDescription("Number of running capture pipelines."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the process-wide [Metrics] instance backed by the
// global OTel meter provider, creating it on first use.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		m, err := NewMetrics(otel.GetMeterProvider())
		if err != nil {
			// Instrument creation only fails on invalid names; a no-op
			// instance beats crashing the pipeline.
			m, _ = NewMetrics(noop.NewMeterProvider())
		}
		defaultMetrics = m
	})
	return defaultMetrics
}

// Source attribute helpers used with [Metrics.FramesCaptured] and friends.
var (
	AttrSourceMic  = attribute.String("source", "mic")
	AttrSourceEcho = attribute.String("source", "echo")

	AttrKindOverflow  = attribute.String("kind", "overflow")
	AttrKindUnderflow = attribute.String("kind", "underflow")
)

// Ctx is a convenience alias for the background context used by hot-path
// metric records, which never carry request contexts.
func Ctx() context.Context {
	return context.Background()
}
