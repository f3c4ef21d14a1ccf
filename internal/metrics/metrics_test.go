package metrics

import (
	"testing"

	dto "github.com/prometheus/client_model/go"
)

func TestOfferTransitionsTotal_Increments(t *testing.T) {
	OfferTransitionsTotal.Reset()

	OfferTransitionsTotal.WithLabelValues("accepted").Inc()
	OfferTransitionsTotal.WithLabelValues("accepted").Inc()

	m := &dto.Metric{}
	counter, err := OfferTransitionsTotal.GetMetricWithLabelValues("accepted")
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues failed: %v", err)
	}
	_ = counter.Write(m)

	if m.Counter.GetValue() != 2.0 {
		t.Errorf("expected counter value 2, got %f", m.Counter.GetValue())
	}
}

func TestLedgerCallsTotal_Labels(t *testing.T) {
	LedgerCallsTotal.Reset()

	LedgerCallsTotal.WithLabelValues("create_trade", "rejected").Inc()

	m := &dto.Metric{}
	counter, err := LedgerCallsTotal.GetMetricWithLabelValues("create_trade", "rejected")
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues failed: %v", err)
	}
	_ = counter.Write(m)

	if m.Counter.GetValue() != 1.0 {
		t.Errorf("expected counter value 1, got %f", m.Counter.GetValue())
	}
}
