package metrics

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OperationMetrics provides a generic way to record any operation's metrics
// without needing to create separate structs for each operation type.
// Just call RecordOperation() with the operation name, duration, and custom attributes.
type OperationMetrics struct {
	duration metric.Float64Histogram
	count    metric.Int64Counter
}

// NewOperationMetrics creates a generic operation metrics recorder.
func NewOperationMetrics() (*OperationMetrics, error) {
	meter := otel.Meter("linkd")

	duration, err := meter.Float64Histogram(
		"linkd.operation.duration",
		metric.WithDescription("Duration of linkd operations (replicate, gossip apply, git subprocess, etc.)"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create duration histogram: %w", err)
	}

	count, err := meter.Int64Counter(
		"linkd.operation.count",
		metric.WithDescription("Count of linkd operations by type and result"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create count counter: %w", err)
	}

	return &OperationMetrics{
		duration: duration,
		count:    count,
	}, nil
}

// RecordOperation records any operation with custom attributes.
//
// Examples:
//
//	// Replication run
//	ops.RecordOperation(ctx, "replicate", "success", elapsed,
//	    attribute.String("urn", urn.String()),
//	    attribute.String("peer", remote.String()))
//
//	// Gossip apply
//	ops.RecordOperation(ctx, "gossip.apply", "failure", elapsed,
//	    attribute.String("peer", remote.String()),
//	    attribute.String("error", "unsolicited"))
//
//	// Git subprocess
//	ops.RecordOperation(ctx, "git.upload-pack", "success", elapsed,
//	    attribute.String("urn", urn.String()))
//
//	// Signed-refs update
//	ops.RecordOperation(ctx, "signedrefs.write", "success", elapsed,
//	    attribute.String("urn", urn.String()),
//	    attribute.Int("attempts", attempts))
func (m *OperationMetrics) RecordOperation(ctx context.Context, operation, result string, duration time.Duration, customAttrs ...attribute.KeyValue) {
	if m == nil {
		return
	}

	// Base attributes that every operation has
	baseAttrs := []attribute.KeyValue{
		attribute.String("operation", operation),
		attribute.String("result", result),
	}

	// Combine base and custom attributes
	allAttrs := baseAttrs
	allAttrs = append(allAttrs, customAttrs...)

	// Record duration
	m.duration.Record(ctx, duration.Seconds(),
		metric.WithAttributes(allAttrs...))

	// Increment count
	m.count.Add(ctx, 1,
		metric.WithAttributes(allAttrs...))
}

// RecordCount records a count metric without duration.
// Useful for dedup hits, dropped notifications, request counts, etc.
//
// Examples:
//
//	// Gossip message deduplicated
//	ops.RecordCount(ctx, "gossip.seen", 1,
//	    attribute.String("kind", "have"))
//
//	// Refs updated by one replication commit
//	ops.RecordCount(ctx, "replicate.refs.updated", int64(report.Updated),
//	    attribute.String("urn", urn.String()))
//
//	// Hook notification dropped on a full queue
//	ops.RecordCount(ctx, "hooks.dropped", 1,
//	    attribute.String("hook", path))
func (m *OperationMetrics) RecordCount(ctx context.Context, operation string, value int64, customAttrs ...attribute.KeyValue) {
	if m == nil {
		return
	}

	baseAttrs := []attribute.KeyValue{
		attribute.String("operation", operation),
	}

	allAttrs := baseAttrs
	allAttrs = append(allAttrs, customAttrs...)

	m.count.Add(ctx, value,
		metric.WithAttributes(allAttrs...))
}

// Context helpers

type contextKey struct{}

// ContextWithOperations adds OperationMetrics to the context.
func ContextWithOperations(ctx context.Context, ops *OperationMetrics) context.Context {
	return context.WithValue(ctx, contextKey{}, ops)
}

// FromContext extracts OperationMetrics from the context. Returns nil if not found.
func FromContext(ctx context.Context) *OperationMetrics {
	ops, _ := ctx.Value(contextKey{}).(*OperationMetrics)
	return ops
}
