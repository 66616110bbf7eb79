package otel

import (
	"context"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestInit_Disabled(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init disabled: %v", err)
	}
	if p.Tracer == nil || p.Meter == nil {
		t.Fatal("expected noop tracer and meter")
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestInit_NoneExporter(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: "none", SampleRate: 0.5})
	if err != nil {
		t.Fatalf("Init with none exporter: %v", err)
	}
	defer p.Shutdown(context.Background())
	if p.TracerProvider == nil {
		t.Fatal("expected non-nil TracerProvider")
	}

	_, span := StartSpan(context.Background(), p.Tracer, "worker.tick",
		AttrJobID.String("job-1"),
		AttrAttempt.Int(1),
	)
	span.End()
	_, span = StartClientSpan(context.Background(), p.Tracer, "oracle.triage", AttrModel.String("openclaw:main"))
	span.End()
	_, span = StartServerSpan(context.Background(), p.Tracer, "GET /api/tasks")
	span.End()
}

func TestInit_MetricsDisabled(t *testing.T) {
	off := false
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: "none", MetricsEnabled: &off})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())
	if _, ok := p.MeterProvider.(*sdkmetric.MeterProvider); ok {
		t.Fatal("expected noop meter provider when metrics are disabled")
	}
}

func TestInit_UnknownExporter(t *testing.T) {
	if _, err := Init(context.Background(), Config{Enabled: true, Exporter: "carrier-pigeon"}); err == nil {
		t.Fatal("expected error for unknown exporter")
	}
}

func TestMetrics_NilReceiverIsSafe(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	m.RecordTick(ctx, time.Second)
	m.RecordSkip(ctx, "in_flight")
	m.RecordRun(ctx, "cron", time.Second)
	m.RecordTriage(ctx, time.Second)
	m.RecordDecision(ctx, "retry", "run_requested")
	m.RecordTransportError(ctx, "trigger")
	m.RecordAutoFail(ctx, "review_timeout")
}

func TestMetrics_RecordsDecisions(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer mp.Shutdown(context.Background())

	m, err := NewMetrics(mp.Meter(ScopeName))
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	ctx := context.Background()
	m.RecordDecision(ctx, "completed", "completed")
	m.RecordDecision(ctx, "completed", "completed")
	m.RecordSkip(ctx, "foreground")

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	totals := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			sum, ok := md.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				totals[md.Name] += dp.Value
			}
		}
	}
	if totals["taskvisor.decisions"] != 2 {
		t.Fatalf("decisions = %d, want 2", totals["taskvisor.decisions"])
	}
	if totals["taskvisor.tick.skipped"] != 1 {
		t.Fatalf("tick.skipped = %d, want 1", totals["taskvisor.tick.skipped"])
	}
}
