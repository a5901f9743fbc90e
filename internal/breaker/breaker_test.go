package breaker

import (
	"testing"
	"time"
)

func TestEndpointKeyIsDirected(t *testing.T) {
	if EndpointKey(1, 2) == EndpointKey(2, 1) {
		t.Error("endpoint keys should be directional")
	}
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	cb := New()
	key := EndpointKey(1, 2)

	for i := 0; i < Threshold-1; i++ {
		cb.RecordFailure(key)
	}
	if cb.IsOpen(key) {
		t.Fatalf("circuit open after %d failures, threshold is %d", Threshold-1, Threshold)
	}

	cb.RecordFailure(key)
	if !cb.IsOpen(key) {
		t.Fatalf("circuit should open at %d failures", Threshold)
	}
	if got := cb.FailureCount(key); got != Threshold {
		t.Errorf("FailureCount = %d, want %d", got, Threshold)
	}
}

func TestSuccessResetsFailureCount(t *testing.T) {
	cb := New()
	key := EndpointKey(1, 2)

	for i := 0; i < Threshold; i++ {
		cb.RecordFailure(key)
	}
	cb.RecordSuccess(key)
	if cb.IsOpen(key) {
		t.Error("circuit should close on success")
	}
	if got := cb.FailureCount(key); got != 0 {
		t.Errorf("FailureCount after success = %d, want 0", got)
	}
}

func TestOpenCircuitResetsAfterTimeout(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	cb := NewWithClock(3, time.Minute, clock)
	key := EndpointKey(5, 6)

	for i := 0; i < 3; i++ {
		cb.RecordFailure(key)
	}
	if !cb.IsOpen(key) {
		t.Fatal("circuit should be open")
	}

	now = now.Add(59 * time.Second)
	if !cb.IsOpen(key) {
		t.Error("circuit should stay open inside the timeout")
	}

	now = now.Add(2 * time.Second)
	if cb.IsOpen(key) {
		t.Error("circuit should reset after the timeout")
	}
	if got := cb.FailureCount(key); got != 0 {
		t.Errorf("FailureCount after reset = %d, want 0", got)
	}

	// One failure after the reset does not immediately re-open.
	cb.RecordFailure(key)
	if cb.IsOpen(key) {
		t.Error("a single failure after reset should not re-open the circuit")
	}
}

func TestIndependentEndpoints(t *testing.T) {
	cb := NewWithClock(2, time.Minute, time.Now)
	a := EndpointKey(1, 2)
	b := EndpointKey(1, 3)

	cb.RecordFailure(a)
	cb.RecordFailure(a)
	if !cb.IsOpen(a) {
		t.Error("endpoint a should be open")
	}
	if cb.IsOpen(b) {
		t.Error("endpoint b should be unaffected")
	}
}
