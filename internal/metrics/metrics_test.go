package metrics

import (
	"testing"
	"time"
)

func TestRecordSentAndReceived(t *testing.T) {
	r := NewRegistry()
	r.RecordSent("conn-1", 100)
	r.RecordSent("conn-1", 50)
	r.RecordReceived("conn-1", 20)

	if got := testutilCounterValue(t, r.BytesSent.WithLabelValues("conn-1")); got != 150 {
		t.Fatalf("expected 150 bytes sent, got %v", got)
	}
	if got := testutilCounterValue(t, r.MessagesSent.WithLabelValues("conn-1")); got != 2 {
		t.Fatalf("expected 2 messages sent, got %v", got)
	}
	if got := testutilCounterValue(t, r.BytesReceived.WithLabelValues("conn-1")); got != 20 {
		t.Fatalf("expected 20 bytes received, got %v", got)
	}
}

func TestRecordLatencyAndErrors(t *testing.T) {
	r := NewRegistry()
	r.RecordLatency("conn-2", 15*time.Millisecond)
	r.RecordError("conn-2")
	r.RecordReconnect("conn-2")

	if got := testutilCounterValue(t, r.ConnectionErrors.WithLabelValues("conn-2")); got != 1 {
		t.Fatalf("expected 1 connection error, got %v", got)
	}
	if got := testutilCounterValue(t, r.Reconnections.WithLabelValues("conn-2")); got != 1 {
		t.Fatalf("expected 1 reconnection, got %v", got)
	}
}

func TestForgetRemovesSeries(t *testing.T) {
	r := NewRegistry()
	r.RecordSent("conn-3", 10)
	r.Forget("conn-3")
	if got := testutilCounterValue(t, r.BytesSent.WithLabelValues("conn-3")); got != 0 {
		t.Fatalf("expected counter reset to 0 after Forget, got %v", got)
	}
}
