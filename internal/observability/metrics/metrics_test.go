package metrics

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric/noop"
)

func TestFilterAttributesDropsHighCardinalityLabels(t *testing.T) {
	attrs := FilterAttributes(
		attribute.String("adapter", "billit"),
		attribute.String("invoice_id", "INV-1"),
		attribute.String("outcome", "ok"),
	)
	if len(attrs) != 2 {
		t.Fatalf("expected 2 attributes, got %d", len(attrs))
	}
	for _, attr := range attrs {
		if attr.Key == "invoice_id" {
			t.Fatalf("invoice_id must be dropped")
		}
	}
}

func TestMetricsRecordWithNoopProvider(t *testing.T) {
	m, err := New(Config{ServiceName: "vida-test"}, noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("new metrics: %v", err)
	}
	ctx := context.Background()
	m.RecordWebhookEvent(ctx, "scrada", "duplicate")
	m.RecordAdapterCall(ctx, "mock", "send", "ok")
	m.RecordRateLimitAllowed(ctx, "invoices")
	m.RecordRateLimitDenied(ctx, "invoices", "bucket_empty")

	var nilMetrics *Metrics
	nilMetrics.RecordWebhookEvent(ctx, "ap", "ok")
}
