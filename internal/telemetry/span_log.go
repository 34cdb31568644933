package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
)

// spanLogExporter writes finished spans as log records.
type spanLogExporter struct {
	logger     *zap.Logger
	errorsOnly bool
}

func newSpanLogExporter(logger *zap.Logger, errorsOnly bool) *spanLogExporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &spanLogExporter{logger: logger, errorsOnly: errorsOnly}
}

func (e *spanLogExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	for _, span := range spans {
		if err := ctx.Err(); err != nil {
			return err
		}

		failed := span.Status().Code == codes.Error
		if e.errorsOnly && !failed {
			continue
		}

		fields := make([]zap.Field, 0, 4+len(span.Attributes()))
		fields = append(fields,
			zap.String("span", span.Name()),
			zap.String("trace_id", span.SpanContext().TraceID().String()),
			zap.String("span_id", span.SpanContext().SpanID().String()),
			zap.Duration("duration", span.EndTime().Sub(span.StartTime())),
		)
		for _, attr := range span.Attributes() {
			fields = append(fields, zap.String(string(attr.Key), attr.Value.Emit()))
		}

		if failed {
			e.logger.Warn("span failed", append(fields, zap.String("status", span.Status().Description))...)
			continue
		}
		e.logger.Debug("span finished", fields...)
	}
	return nil
}

func (e *spanLogExporter) Shutdown(context.Context) error {
	return nil
}
