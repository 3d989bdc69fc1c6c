// Package telemetry defines the observability seams used across the hensu
// runtime. The engine, stores, and feature backends accept these interfaces
// instead of importing a logging or metrics library directly; production
// wiring uses the Clue/OpenTelemetry implementations while tests use the
// no-ops.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type (
	// Logger emits structured log records. Implementations must be safe for
	// concurrent use; keyvals are alternating key/value pairs with string
	// keys.
	Logger interface {
		Debug(ctx context.Context, msg string, keyvals ...any)
		Info(ctx context.Context, msg string, keyvals ...any)
		Warn(ctx context.Context, msg string, keyvals ...any)
		Error(ctx context.Context, msg string, keyvals ...any)
	}

	// Metrics records counters, timers, and gauges. Tags are alternating
	// key/value string pairs used as metric dimensions.
	Metrics interface {
		IncCounter(name string, value float64, tags ...string)
		RecordTimer(name string, duration time.Duration, tags ...string)
		RecordGauge(name string, value float64, tags ...string)
	}

	// Tracer creates and retrieves spans around engine operations.
	Tracer interface {
		Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
		Span(ctx context.Context) Span
	}

	// Span is the minimal span surface the runtime needs.
	Span interface {
		End(opts ...trace.SpanEndOption)
		AddEvent(name string, attrs ...any)
		SetStatus(code codes.Code, description string)
		RecordError(err error, opts ...trace.EventOption)
	}
)

// Metric names recorded by the engine. Backends may aggregate them however
// they like; the runtime only guarantees the dimensions documented here.
const (
	// MetricNodeExecutions counts node executor invocations, tagged with
	// node kind and result status.
	MetricNodeExecutions = "hensu.node.executions"
	// MetricNodeDuration times a single node execution, tagged with node
	// kind.
	MetricNodeDuration = "hensu.node.duration"
	// MetricCheckpoints counts snapshot saves, tagged with checkpoint
	// reason.
	MetricCheckpoints = "hensu.checkpoints"
	// MetricLeaseSweeps counts recovery sweep rounds, tagged with claimed
	// row count bucket.
	MetricLeaseSweeps = "hensu.lease.sweeps"
	// MetricPlanSteps counts executed plan steps, tagged with outcome.
	MetricPlanSteps = "hensu.plan.steps"
)
