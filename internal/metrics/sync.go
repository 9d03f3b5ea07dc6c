package metrics

import (
	"context"
	"time"

	"github.com/alecthomas/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// SyncMetrics carries the instruments for one synchronization domain: mirror
// tasks (clone/update outcomes with their retry cost), whole runs, and forge
// discovery volume. All methods are nil-safe so callers never branch on
// whether metrics are configured.
type SyncMetrics struct {
	taskDuration metric.Float64Histogram
	taskAttempts metric.Int64Histogram
	tasks        metric.Int64Counter
	runDuration  metric.Float64Histogram
	runs         metric.Int64Counter
	discovered   metric.Int64Counter
}

// NewSyncMetrics creates the instruments on the installed meter provider.
func NewSyncMetrics() (*SyncMetrics, error) {
	meter := otel.Meter("gitout")
	m := &SyncMetrics{}

	var err error
	m.taskDuration, err = meter.Float64Histogram(
		"gitout.task.duration",
		metric.WithDescription("Wall time per mirror task across all retry attempts"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create task duration histogram")
	}
	m.taskAttempts, err = meter.Int64Histogram(
		"gitout.task.attempts",
		metric.WithDescription("Git invocations needed before a task succeeded or gave up"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create task attempts histogram")
	}
	m.tasks, err = meter.Int64Counter(
		"gitout.tasks",
		metric.WithDescription("Mirror tasks by operation (clone, update), result and failure category"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create tasks counter")
	}
	m.runDuration, err = meter.Float64Histogram(
		"gitout.run.duration",
		metric.WithDescription("Wall time of whole synchronization runs"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create run duration histogram")
	}
	m.runs, err = meter.Int64Counter(
		"gitout.runs",
		metric.WithDescription("Synchronization runs by result"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create runs counter")
	}
	m.discovered, err = meter.Int64Counter(
		"gitout.discovery.repositories",
		metric.WithDescription("Repositories enumerated from the forge by stream (owned, starred, watching, gists)"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create discovery counter")
	}

	return m, nil
}

// RecordTask records the terminal outcome of one mirror task. category is the
// final failure category and empty for successes.
func (m *SyncMetrics) RecordTask(ctx context.Context, operation, result string, attempts int, duration time.Duration, category string) {
	if m == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("operation", operation),
		attribute.String("result", result),
	}
	if category != "" {
		attrs = append(attrs, attribute.String("category", category))
	}
	opts := metric.WithAttributes(attrs...)
	m.taskDuration.Record(ctx, duration.Seconds(), opts)
	m.taskAttempts.Record(ctx, int64(attempts), opts)
	m.tasks.Add(ctx, 1, opts)
}

// RecordRun records the aggregate outcome of one synchronization run; a run
// with any failed task counts as failed.
func (m *SyncMetrics) RecordRun(ctx context.Context, failed int, wall time.Duration) {
	if m == nil {
		return
	}
	result := "succeeded"
	if failed > 0 {
		result = "failed"
	}
	opts := metric.WithAttributes(attribute.String("result", result))
	m.runDuration.Record(ctx, wall.Seconds(), opts)
	m.runs.Add(ctx, 1, opts)
}

// RecordDiscovery records how many repositories one discovery stream yielded.
func (m *SyncMetrics) RecordDiscovery(ctx context.Context, stream string, count int) {
	if m == nil {
		return
	}
	m.discovered.Add(ctx, int64(count), metric.WithAttributes(attribute.String("stream", stream)))
}

type syncKey struct{}

// ContextWithSync attaches a SyncMetrics recorder to the context.
func ContextWithSync(ctx context.Context, m *SyncMetrics) context.Context {
	return context.WithValue(ctx, syncKey{}, m)
}

// SyncFromContext extracts the recorder, or nil when none is attached.
func SyncFromContext(ctx context.Context) *SyncMetrics {
	m, _ := ctx.Value(syncKey{}).(*SyncMetrics)
	return m
}
