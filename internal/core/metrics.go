package core

import (
	"context"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type coreMetrics struct {
	cycleStarted  metric.Int64Counter
	cycleFinished metric.Int64Counter
	cycleDuration metric.Int64Histogram
	acks          metric.Int64Counter
	dropped       metric.Int64Counter
	clientsGauge  metric.Int64ObservableGauge
	masters       atomic.Int64
	slaves        atomic.Int64
}

func newCoreMetrics(logger pslog.Logger) *coreMetrics {
	meter := otel.Meter("pkt.systems/activityd/core")
	m := &coreMetrics{}
	var err error

	m.cycleStarted, err = meter.Int64Counter(
		"activityd.cycle.started",
		metric.WithDescription("Transition cycles opened"),
	)
	logMetricInitError(logger, "activityd.cycle.started", err)

	m.cycleFinished, err = meter.Int64Counter(
		"activityd.cycle.finished",
		metric.WithDescription("Transition cycles finished by outcome"),
	)
	logMetricInitError(logger, "activityd.cycle.finished", err)

	m.cycleDuration, err = meter.Int64Histogram(
		"activityd.cycle.duration_ms",
		metric.WithDescription("Transition cycle duration"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "activityd.cycle.duration_ms", err)

	m.acks, err = meter.Int64Counter(
		"activityd.ack",
		metric.WithDescription("Slave acknowledgements by verdict and result"),
	)
	logMetricInitError(logger, "activityd.ack", err)

	m.dropped, err = meter.Int64Counter(
		"activityd.fanout.dropped",
		metric.WithDescription("Events dropped on full client mailboxes"),
	)
	logMetricInitError(logger, "activityd.fanout.dropped", err)

	m.clientsGauge, err = meter.Int64ObservableGauge(
		"activityd.clients",
		metric.WithDescription("Connected clients by role"),
	)
	logMetricInitError(logger, "activityd.clients", err)

	if _, err := meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		m.observeClients(o)
		return nil
	}, m.clientsGauge); err != nil && logger != nil {
		logger.Warn("telemetry.metric.callback_failed", "name", "activityd.clients", "error", err)
	}
	return m
}

func (m *coreMetrics) observeClients(o metric.Observer) {
	if m == nil || m.clientsGauge == nil {
		return
	}
	o.ObserveInt64(m.clientsGauge, m.masters.Load(), metric.WithAttributes(attribute.String("activityd.role", string(RoleMaster))))
	o.ObserveInt64(m.clientsGauge, m.slaves.Load(), metric.WithAttributes(attribute.String("activityd.role", string(RoleSlave))))
}

func (m *coreMetrics) addClient(role Role, delta int64) {
	if m == nil {
		return
	}
	if role == RoleMaster {
		m.masters.Add(delta)
		return
	}
	m.slaves.Add(delta)
}

func (m *coreMetrics) recordStarted(target State, scope Scope) {
	if m == nil || m.cycleStarted == nil {
		return
	}
	m.cycleStarted.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("activityd.target", string(target)),
		attribute.String("activityd.scope", string(scope)),
	))
}

func (m *coreMetrics) recordFinished(rec CycleRecord) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("activityd.target", string(rec.Target)),
		attribute.String("activityd.scope", string(rec.Scope)),
		attribute.String("activityd.outcome", string(rec.Outcome)),
		attribute.String("activityd.status", statusLabel(rec.Status)),
		attribute.Bool("activityd.fast_path", rec.FastPath),
	)
	if m.cycleFinished != nil {
		m.cycleFinished.Add(context.Background(), 1, attrs)
	}
	if m.cycleDuration != nil {
		m.cycleDuration.Record(context.Background(), rec.FinishedAt.Sub(rec.StartedAt).Milliseconds(), attrs)
	}
}

func (m *coreMetrics) recordAck(v Verdict, result string) {
	if m == nil || m.acks == nil {
		return
	}
	m.acks.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("activityd.verdict", string(v)),
		attribute.String("activityd.result", result),
	))
}

func (m *coreMetrics) recordDropped(kind string) {
	if m == nil || m.dropped == nil {
		return
	}
	m.dropped.Add(context.Background(), 1, metric.WithAttributes(attribute.String("activityd.event", kind)))
}

func statusLabel(status ConsolidatedStatus) string {
	if status == "" {
		return "none"
	}
	return string(status)
}

func durationMillis(d time.Duration) int64 {
	return d.Milliseconds()
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
