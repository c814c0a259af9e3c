package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys shared by voxdesk spans and metrics.
var (
	AttrCampaignID  = attribute.Key("voxdesk.campaign.id")
	AttrQueueItemID = attribute.Key("voxdesk.queue.item_id")
	AttrAction      = attribute.Key("voxdesk.proxy.action")
	AttrRole        = attribute.Key("voxdesk.user.role")
	AttrOutcome     = attribute.Key("voxdesk.outcome")
	AttrStatus      = attribute.Key("voxdesk.queue.status")
	AttrHTTPStatus  = attribute.Key("http.status_code")
	AttrRoute       = attribute.Key("http.route")
)

// StartSpan starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound gateway request.
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound voice provider call.
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
