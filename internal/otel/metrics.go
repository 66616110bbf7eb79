package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the worker's instruments.
type Metrics struct {
	TickDuration    metric.Float64Histogram
	TickSkipped     metric.Int64Counter
	RunDuration     metric.Float64Histogram
	TriageDuration  metric.Float64Histogram
	Decisions       metric.Int64Counter
	TransportErrors metric.Int64Counter
	AutoFailed      metric.Int64Counter
}

// NewMetrics creates every instrument from meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TickDuration, err = meter.Float64Histogram("taskvisor.tick.duration",
		metric.WithDescription("Worker tick duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TickSkipped, err = meter.Int64Counter("taskvisor.tick.skipped",
		metric.WithDescription("Ticks skipped because one was in flight or foreground work was active"),
	)
	if err != nil {
		return nil, err
	}

	m.RunDuration, err = meter.Float64Histogram("taskvisor.run.duration",
		metric.WithDescription("Run trigger plus run record wait in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TriageDuration, err = meter.Float64Histogram("taskvisor.triage.duration",
		metric.WithDescription("Decision oracle call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.Decisions, err = meter.Int64Counter("taskvisor.decisions",
		metric.WithDescription("Applied decisions by verdict"),
	)
	if err != nil {
		return nil, err
	}

	m.TransportErrors, err = meter.Int64Counter("taskvisor.transport.errors",
		metric.WithDescription("Job store, run trigger and oracle failures by stage"),
	)
	if err != nil {
		return nil, err
	}

	m.AutoFailed, err = meter.Int64Counter("taskvisor.watchdog.auto_failed",
		metric.WithDescription("Tasks failed by the review watchdog or stuck pick-up recovery"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// The Record helpers accept a nil receiver so callers need no metrics guard.

func (m *Metrics) RecordTick(ctx context.Context, d time.Duration) {
	if m == nil {
		return
	}
	m.TickDuration.Record(ctx, d.Seconds())
}

func (m *Metrics) RecordSkip(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.TickSkipped.Add(ctx, 1, metric.WithAttributes(AttrSkipped.String(reason)))
}

func (m *Metrics) RecordRun(ctx context.Context, mode string, d time.Duration) {
	if m == nil {
		return
	}
	m.RunDuration.Record(ctx, d.Seconds(), metric.WithAttributes(AttrMode.String(mode)))
}

func (m *Metrics) RecordTriage(ctx context.Context, d time.Duration) {
	if m == nil {
		return
	}
	m.TriageDuration.Record(ctx, d.Seconds())
}

func (m *Metrics) RecordDecision(ctx context.Context, verdict, status string) {
	if m == nil {
		return
	}
	m.Decisions.Add(ctx, 1, metric.WithAttributes(
		AttrVerdict.String(verdict),
		AttrStatus.String(status),
	))
}

func (m *Metrics) RecordTransportError(ctx context.Context, stage string) {
	if m == nil {
		return
	}
	m.TransportErrors.Add(ctx, 1, metric.WithAttributes(AttrStage.String(stage)))
}

func (m *Metrics) RecordAutoFail(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.AutoFailed.Add(ctx, 1, metric.WithAttributes(AttrStatus.String(reason)))
}
