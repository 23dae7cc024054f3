package observe_test

import (
	"context"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/vokalis/vokalis/internal/observe"
)

func TestNewMetricsCreatesAllInstruments(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	ctx := context.Background()
	m.FramesCaptured.Add(ctx, 1)
	m.FramesEncoded.Add(ctx, 2)
	m.PacketsSent.Add(ctx, 3)
	m.ResyncDrops.Add(ctx, 1)
	m.EncodeFailures.Add(ctx, 1)
	m.SinkDrops.Add(ctx, 1)
	m.EncodeDuration.Record(ctx, 0.002)
	m.ActivePipelines.Add(ctx, 1)

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if len(rm.ScopeMetrics) == 0 {
		t.Fatal("no metrics recorded")
	}
	if got := len(rm.ScopeMetrics[0].Metrics); got != 8 {
		t.Fatalf("got %d instruments with data, want 8", got)
	}
}
