package llms

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kadirpekel/toolbridge/pkg/observability"
	"github.com/kadirpekel/toolbridge/pkg/protocol"
)

type instrumented struct {
	Backend
}

// Instrument wraps b so every call opens an llm_request span and is
// recorded in the global metrics.
func Instrument(b Backend) Backend {
	if _, ok := b.(*instrumented); ok {
		return b
	}
	return &instrumented{Backend: b}
}

func (i *instrumented) start(ctx context.Context, stream bool) (context.Context, trace.Span) {
	return observability.GetTracer("toolbridge.llm").Start(ctx, observability.SpanLLMRequest,
		trace.WithAttributes(
			attribute.String(observability.AttrLLMProvider, i.Provider()),
			attribute.String(observability.AttrLLMModel, i.ModelName()),
			attribute.Bool(observability.AttrLLMStream, stream),
		),
	)
}

func (i *instrumented) finish(ctx context.Context, span trace.Span, start time.Time, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.String(observability.AttrErrorType, string(protocol.KindOf(err))))
	} else {
		span.SetStatus(codes.Ok, "success")
	}
	observability.GetGlobalMetrics().RecordLLMCall(ctx, i.Provider(), i.ModelName(), time.Since(start), err)
}

func (i *instrumented) Generate(ctx context.Context, messages []protocol.Message) (*Response, error) {
	start := time.Now()
	ctx, span := i.start(ctx, false)
	defer span.End()

	resp, err := i.Backend.Generate(ctx, messages)
	i.finish(ctx, span, start, err)
	return resp, err
}

func (i *instrumented) GenerateStreaming(ctx context.Context, messages []protocol.Message) (<-chan StreamChunk, error) {
	start := time.Now()
	ctx, span := i.start(ctx, true)

	in, err := i.Backend.GenerateStreaming(ctx, messages)
	if err != nil {
		i.finish(ctx, span, start, err)
		span.End()
		return nil, err
	}

	out := make(chan StreamChunk, cap(in))
	go func() {
		defer close(out)
		defer span.End()

		var streamErr error
		for chunk := range in {
			if chunk.Type == ChunkError {
				streamErr = chunk.Error
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				for range in {
				}
				i.finish(ctx, span, start, protocol.FromContext(ctx, "llms", "stream", ctx.Err(), protocol.KindCanceled))
				return
			}
		}
		i.finish(ctx, span, start, streamErr)
	}()
	return out, nil
}
