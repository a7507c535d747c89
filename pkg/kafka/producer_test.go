package kafka

import (
	"testing"

	"github.com/sirupsen/logrus"
)

func TestNewProducer(t *testing.T) {
	// franz-go dials lazily, so construction succeeds without a broker.
	p, err := NewProducer([]string{"localhost:9092"}, "telemetry_events", "groundlink-test", logrus.New())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.GetClient() == nil {
		t.Fatalf("expected non-nil client")
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
}
