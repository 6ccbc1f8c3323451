package otel

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/descoped/mcp-web-scraper/log"
)

// Tracer generates spans for tool calls, grouping them per session under the
// session's current navigation. Tool calls made in a session become children
// of its last navigation span until the session navigates again or closes.
type Tracer struct {
	trace.Tracer

	logger   *log.Logger
	metadata []attribute.KeyValue

	liveSpansMu sync.Mutex
	liveSpans   map[string]trace.Span
}

// NewTracer creates a Tracer using the globally registered provider. The
// metadata is attached to every span.
func NewTracer(logger *log.Logger, metadata map[string]string) *Tracer {
	return &Tracer{
		Tracer:    otel.Tracer(tracerName),
		logger:    logger,
		metadata:  buildMetadataAttributes(metadata),
		liveSpans: make(map[string]trace.Span),
	}
}

// Start overrides the underlying tracer method to include the tracer metadata.
func (t *Tracer) Start(
	ctx context.Context, spanName string, opts ...trace.SpanStartOption,
) (context.Context, trace.Span) {
	opts = append(opts, trace.WithAttributes(t.metadata...))
	return t.Tracer.Start(ctx, spanName, opts...)
}

// TraceToolCall starts a span for a tool call in sessionID. It is the
// caller's responsibility to end it.
func (t *Tracer) TraceToolCall(
	ctx context.Context, sessionID, toolName string, opts ...trace.SpanStartOption,
) (context.Context, trace.Span) {
	opts = append(opts, trace.WithAttributes(
		attribute.String("session.id", sessionID),
		attribute.String("tool.name", toolName),
	))

	t.liveSpansMu.Lock()
	nav, ok := t.liveSpans[sessionID]
	t.liveSpansMu.Unlock()

	if !ok {
		return t.Start(ctx, "tool:"+toolName, opts...)
	}
	// Keep the caller's cancellation but parent the span to the navigation.
	return t.Start(trace.ContextWithSpan(ctx, nav), "tool:"+toolName, opts...)
}

// TraceNavigation records a new navigation span for sessionID, ending the
// previous one if there was any.
func (t *Tracer) TraceNavigation(ctx context.Context, sessionID, url string) trace.Span {
	t.liveSpansMu.Lock()
	defer t.liveSpansMu.Unlock()

	if prev, ok := t.liveSpans[sessionID]; ok {
		prev.End()
	}

	_, span := t.Start(ctx, "navigation", trace.WithAttributes(
		attribute.String("session.id", sessionID),
		attribute.String("navigation.url", url),
	))
	t.liveSpans[sessionID] = span

	t.logger.Tracef("Tracer:TraceNavigation", "sid:%s traceID:%q", sessionID, traceID(span.SpanContext()))

	return span
}

// EndSession ends the live navigation span of sessionID, if any.
func (t *Tracer) EndSession(sessionID string) {
	t.liveSpansMu.Lock()
	defer t.liveSpansMu.Unlock()

	if span, ok := t.liveSpans[sessionID]; ok {
		span.End()
		delete(t.liveSpans, sessionID)
	}
}

// LiveSessions returns the number of sessions with an open navigation span.
func (t *Tracer) LiveSessions() int {
	t.liveSpansMu.Lock()
	defer t.liveSpansMu.Unlock()
	return len(t.liveSpans)
}

func traceID(spanCtx trace.SpanContext) string {
	if spanCtx.HasTraceID() {
		return spanCtx.TraceID().String()
	}
	return ""
}

func buildMetadataAttributes(metadata map[string]string) []attribute.KeyValue {
	meta := make([]attribute.KeyValue, 0, len(metadata))
	for mk, mv := range metadata {
		meta = append(meta, attribute.String(mk, mv))
	}

	return meta
}
