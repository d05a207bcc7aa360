package memsess

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

const instrumentationName = "pkt.systems/memsess"

type storeMetrics struct {
	opDuration   metric.Int64Histogram
	opCount      metric.Int64Counter
	payloadBytes metric.Int64Histogram
	storedBytes  metric.Int64Histogram
	sweepRuns    metric.Int64Counter
	sweepExpired metric.Int64Counter
	sweepFailed  metric.Int64Counter
	sweepLatency metric.Int64Histogram
}

func newStoreMetrics(logger pslog.Logger) *storeMetrics {
	meter := otel.Meter(instrumentationName)
	m := &storeMetrics{}
	var err error

	m.opDuration, err = meter.Int64Histogram(
		"memsess.op.duration_ms",
		metric.WithDescription("Session operation duration"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "memsess.op.duration_ms", err)

	m.opCount, err = meter.Int64Counter(
		"memsess.op.count",
		metric.WithDescription("Session operations by result"),
	)
	logMetricInitError(logger, "memsess.op.count", err)

	m.payloadBytes, err = meter.Int64Histogram(
		"memsess.payload.size",
		metric.WithDescription("Uncompressed session payload size"),
		metric.WithUnit("By"),
	)
	logMetricInitError(logger, "memsess.payload.size", err)

	m.storedBytes, err = meter.Int64Histogram(
		"memsess.payload.stored_size",
		metric.WithDescription("Compressed payload size written to shared memory"),
		metric.WithUnit("By"),
	)
	logMetricInitError(logger, "memsess.payload.stored_size", err)

	m.sweepRuns, err = meter.Int64Counter(
		"memsess.sweep.runs",
		metric.WithDescription("Sweep passes"),
	)
	logMetricInitError(logger, "memsess.sweep.runs", err)

	m.sweepExpired, err = meter.Int64Counter(
		"memsess.sweep.reclaimed",
		metric.WithDescription("Sessions destroyed by sweeps"),
	)
	logMetricInitError(logger, "memsess.sweep.reclaimed", err)

	m.sweepFailed, err = meter.Int64Counter(
		"memsess.sweep.failed",
		metric.WithDescription("Expired sessions a sweep could not destroy"),
	)
	logMetricInitError(logger, "memsess.sweep.failed", err)

	m.sweepLatency, err = meter.Int64Histogram(
		"memsess.sweep.duration_ms",
		metric.WithDescription("Sweep pass duration"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "memsess.sweep.duration_ms", err)

	return m
}

func (m *storeMetrics) recordOp(ctx context.Context, op string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	ctx = metricContext(ctx)
	attrs := metric.WithAttributes(
		attribute.String("memsess.op", op),
		attribute.String("memsess.result", metricResultLabel(err)),
	)
	if m.opDuration != nil {
		m.opDuration.Record(ctx, duration.Milliseconds(), attrs)
	}
	if m.opCount != nil {
		m.opCount.Add(ctx, 1, attrs)
	}
}

func (m *storeMetrics) recordPayload(ctx context.Context, codecName string, raw, stored int) {
	if m == nil {
		return
	}
	ctx = metricContext(ctx)
	attrs := metric.WithAttributes(attribute.String("memsess.codec", codecName))
	if m.payloadBytes != nil {
		m.payloadBytes.Record(ctx, int64(raw), attrs)
	}
	if m.storedBytes != nil {
		m.storedBytes.Record(ctx, int64(stored), attrs)
	}
}

func (m *storeMetrics) recordSweep(ctx context.Context, res SweepResult, err error) {
	if m == nil {
		return
	}
	ctx = metricContext(ctx)
	attrs := metric.WithAttributes(attribute.String("memsess.result", metricResultLabel(err)))
	if m.sweepRuns != nil {
		m.sweepRuns.Add(ctx, 1, attrs)
	}
	if m.sweepExpired != nil && res.Reclaimed > 0 {
		m.sweepExpired.Add(ctx, int64(res.Reclaimed))
	}
	if m.sweepFailed != nil && res.Failed > 0 {
		m.sweepFailed.Add(ctx, int64(res.Failed))
	}
	if m.sweepLatency != nil {
		m.sweepLatency.Record(ctx, res.Duration.Milliseconds(), attrs)
	}
}

// metricResultLabel keeps misses apart from failures so dashboards do not
// count a new session as an error.
func metricResultLabel(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrNotFound):
		return "miss"
	default:
		return "error"
	}
}

func metricContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
