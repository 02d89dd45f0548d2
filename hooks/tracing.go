package hooks

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/fernandezvara/txkit/txsync"
)

// Tracing creates one OpenTelemetry span per transaction
type Tracing struct {
	tracer trace.Tracer
}

// NewTracing creates a tracing factory
func NewTracing(tracer trace.Tracer) *Tracing {
	return &Tracing{tracer: tracer}
}

// Start opens the span for a transaction. The returned context carries the
// span, so work done with it is traced as its children; the returned
// synchronization ends the span when the transaction completes.
func (t *Tracing) Start(ctx context.Context, id, name, propagation string, readOnly bool) (context.Context, txsync.Synchronization) {
	spanName := "db.transaction"
	if name != "" {
		spanName += " " + name
	}
	ctx, span := t.tracer.Start(ctx, spanName,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.system", "postgresql"),
			attribute.String("txkit.id", id),
			attribute.String("txkit.propagation", propagation),
			attribute.Bool("txkit.read_only", readOnly),
		),
	)
	return ctx, &spanSync{span: span}
}

type spanSync struct {
	txsync.SynchronizationAdapter
	span trace.Span
}

func (s *spanSync) Suspend(context.Context) error {
	s.span.AddEvent("suspend")
	return nil
}

func (s *spanSync) Resume(context.Context) error {
	s.span.AddEvent("resume")
	return nil
}

func (s *spanSync) BeforeCommit(_ context.Context, _ bool) error {
	s.span.AddEvent("before_commit")
	return nil
}

func (s *spanSync) AfterCompletion(_ context.Context, status txsync.CompletionStatus) error {
	defer s.span.End()

	s.span.SetAttributes(attribute.String("txkit.outcome", status.String()))
	switch status {
	case txsync.StatusCommitted:
		s.span.SetStatus(codes.Ok, "")
	case txsync.StatusRolledBack:
		s.span.SetStatus(codes.Unset, "")
	default:
		s.span.SetStatus(codes.Error, "transaction outcome unknown")
	}
	return nil
}
