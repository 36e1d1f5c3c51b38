package dxl

import (
	"testing"
)

func TestMetrics(t *testing.T) {
	s := Metrics()
	if s == nil {
		t.Fatal("Metrics() returned nil")
	}
	if s.Connects == nil || s.MessagesSent == nil || s.QueueDepth == nil || s.PendingRequests == nil {
		t.Error("collectors not initialized")
	}
	// Increments are safe whether or not the set is registered.
	s.MessagesSent.Inc()
	s.BytesSent.Add(42)
	s.QueueDepth.Inc()
	s.QueueDepth.Dec()
}

func TestMetricsRegister(t *testing.T) {
	defer func() {
		if r := recover(); r != nil {
			t.Fatalf("Register panicked: %v", r)
		}
	}()
	Metrics().Register()
}
