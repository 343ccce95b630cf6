package gateway

import (
	"context"

	"go.opentelemetry.io/otel/trace"

	"github.com/marketmind/marketmind/internal/observability"
	"github.com/marketmind/marketmind/pkg/models"
)

// spanHandle wraps an optional span so the pump code can end and fail
// spans without checking whether tracing is wired.
type spanHandle struct {
	span   trace.Span
	tracer *observability.Tracer
}

func (s spanHandle) end() {
	if s.span != nil {
		s.span.End()
	}
}

func (s spanHandle) fail(err error) {
	if s.span != nil {
		s.tracer.RecordError(s.span, err)
	}
}

func (o *Orchestrator) startRunSpan(ctx context.Context, chatID string, sess *models.Session) (context.Context, spanHandle) {
	if o.opts.Tracer == nil {
		return ctx, spanHandle{}
	}
	ctx, span := o.opts.Tracer.StartRun(ctx, chatID, sess.ID, sess.Ticker)
	return ctx, spanHandle{span: span, tracer: o.opts.Tracer}
}

func (o *Orchestrator) startToolSpan(ctx context.Context, call *models.ToolUsePayload) (context.Context, spanHandle) {
	if o.opts.Tracer == nil {
		return ctx, spanHandle{}
	}
	ctx, span := o.opts.Tracer.StartToolCall(ctx, call.Name, call.CallID)
	return ctx, spanHandle{span: span, tracer: o.opts.Tracer}
}
