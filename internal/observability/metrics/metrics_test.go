package metrics

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric/noop"
)

func TestFilterAttributesDropsForbiddenLabels(t *testing.T) {
	attrs := FilterAttributes(
		attribute.String("outcome", "created"),
		attribute.String("request_id", "req-123"),
		attribute.String("card_number", "CARD-1"),
		attribute.String("operation", "submit"),
	)
	if len(attrs) != 2 {
		t.Fatalf("expected 2 attributes, got %d", len(attrs))
	}
	for _, attr := range attrs {
		if attr.Key == "request_id" || attr.Key == "card_number" {
			t.Fatalf("expected %s to be dropped", attr.Key)
		}
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.RecordIssuanceSubmitted(context.Background(), "created")
	m.RecordLedgerCall(context.Background(), "submit", "ok")
	m.RecordRateLimitDenied(context.Background(), "/api/issuances", "rate_limited")
}

func TestNewWithNoopProvider(t *testing.T) {
	m, err := New(Config{ServiceName: "insurecard"}, noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("new metrics: %v", err)
	}
	m.RecordIssuanceSubmitted(context.Background(), "duplicate")
	m.RecordCardStatusChange(context.Background(), "REVOKED")
}
