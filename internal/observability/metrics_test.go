package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetrics(t *testing.T) {
	// Reset default registry for test isolation
	reg := prometheus.NewRegistry()
	prometheus.DefaultRegisterer = reg
	prometheus.DefaultGatherer = reg

	m := NewMetrics("payhook")

	if m.WebhooksReceived == nil {
		t.Error("WebhooksReceived counter vec should not be nil")
	}
	if m.WebhooksProcessed == nil {
		t.Error("WebhooksProcessed counter vec should not be nil")
	}
	if m.HandlerFailures == nil {
		t.Error("HandlerFailures counter vec should not be nil")
	}
	if m.OutboundCalls == nil {
		t.Error("OutboundCalls counter vec should not be nil")
	}
	if m.HTTPRequestsTotal == nil {
		t.Error("HTTPRequestsTotal counter vec should not be nil")
	}
	if m.HTTPRequestDuration == nil {
		t.Error("HTTPRequestDuration histogram vec should not be nil")
	}
}

func TestMetrics_Increment(t *testing.T) {
	reg := prometheus.NewRegistry()
	prometheus.DefaultRegisterer = reg
	prometheus.DefaultGatherer = reg

	m := NewMetrics("test")

	m.WebhooksReceived.WithLabelValues("mock").Inc()
	m.WebhooksProcessed.WithLabelValues("mock", "completed").Inc()
	m.WebhooksProcessed.WithLabelValues("mock", "completed").Inc()
	m.OutboundCalls.WithLabelValues("mock", "refund", "success").Inc()
	m.WebhookDuration.WithLabelValues("mock").Observe(0.05)

	if got := testutil.ToFloat64(m.WebhooksProcessed.WithLabelValues("mock", "completed")); got != 2 {
		t.Errorf("webhooks_processed_total = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.WebhooksReceived.WithLabelValues("mock")); got != 1 {
		t.Errorf("webhooks_received_total = %v, want 1", got)
	}
}
