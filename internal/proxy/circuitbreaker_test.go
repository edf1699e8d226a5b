package proxy

import (
	"testing"
	"time"
)

func TestCircuitBreaker_InitialState(t *testing.T) {
	cb := NewCircuitBreaker()

	if cb.State("openai") != cbClosed {
		t.Errorf("fresh breaker should start closed, got %v", cb.State("openai"))
	}
	if cb.StateLabel("openai") != "closed" {
		t.Errorf("label should be 'closed', got %s", cb.StateLabel("openai"))
	}
}

func TestCircuitBreaker_AllowClosedState(t *testing.T) {
	cb := NewCircuitBreaker()
	if !cb.Allow("openai") {
		t.Error("closed breaker should allow requests")
	}
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker()

	for i := 0; i < cbErrorThreshold-1; i++ {
		cb.RecordFailure("openai")
		if cb.State("openai") != cbClosed {
			t.Fatalf("should remain closed before threshold, iteration %d", i)
		}
	}

	// One more failure should trip it.
	cb.RecordFailure("openai")
	if cb.State("openai") != cbOpen {
		t.Error("should be open after reaching threshold")
	}
	if cb.StateLabel("openai") != "open" {
		t.Errorf("label should be 'open', got %s", cb.StateLabel("openai"))
	}
}

func TestCircuitBreaker_OpenRejectsRequests(t *testing.T) {
	cb := NewCircuitBreaker()

	for i := 0; i < cbErrorThreshold; i++ {
		cb.RecordFailure("openai")
	}

	if cb.Allow("openai") {
		t.Error("open breaker should reject requests")
	}
}

func TestCircuitBreaker_SuccessResets(t *testing.T) {
	cb := NewCircuitBreaker()

	// Accumulate some failures (but not enough to trip).
	for i := 0; i < cbErrorThreshold-1; i++ {
		cb.RecordFailure("openai")
	}

	cb.RecordSuccess("openai")

	if cb.State("openai") != cbClosed {
		t.Error("success should reset to closed")
	}

	// Should need full threshold again.
	for i := 0; i < cbErrorThreshold-1; i++ {
		cb.RecordFailure("openai")
	}
	if cb.State("openai") != cbClosed {
		t.Error("should still be closed before new threshold")
	}
}

func TestCircuitBreaker_WindowReset(t *testing.T) {
	cb := NewCircuitBreaker()

	// Manually set the window start to the past so failures are outside window.
	pcb := cb.get("openai")
	pcb.mu.Lock()
	pcb.windowStart = time.Now().Add(-cbTimeWindow - time.Second)
	pcb.errorCount = cbErrorThreshold - 1
	pcb.mu.Unlock()

	// This failure should reset the counter because the window expired.
	cb.RecordFailure("openai")

	if cb.State("openai") != cbClosed {
		t.Error("error counter should reset after window expires; breaker should stay closed")
	}
}

func TestCircuitBreaker_HalfOpenAfterTimeout(t *testing.T) {
	cb := NewCircuitBreakerWithConfig(CBConfig{HalfOpenTimeout: 10 * time.Millisecond})

	// Trip the breaker.
	for i := 0; i < cbErrorThreshold; i++ {
		cb.RecordFailure("openai")
	}
	if cb.State("openai") != cbOpen {
		t.Fatal("expected open")
	}

	time.Sleep(15 * time.Millisecond)

	// First request after the timeout is the probe.
	if !cb.Allow("openai") {
		t.Error("should allow one probe after half-open timeout")
	}
	if cb.State("openai") != cbHalfOpen {
		t.Errorf("expected half-open, got %v", cb.State("openai"))
	}

	// A second concurrent request is rejected while the probe runs.
	if cb.Allow("openai") {
		t.Error("should reject while probe is in flight")
	}

	// Probe success closes the breaker.
	cb.RecordSuccess("openai")
	if cb.State("openai") != cbClosed {
		t.Error("probe success should close the breaker")
	}
}

func TestCircuitBreaker_HalfOpenProbeFailureReopens(t *testing.T) {
	cb := NewCircuitBreakerWithConfig(CBConfig{
		ErrorThreshold:  2,
		HalfOpenTimeout: 10 * time.Millisecond,
	})

	cb.RecordFailure("xai")
	cb.RecordFailure("xai")
	if cb.State("xai") != cbOpen {
		t.Fatal("expected open")
	}

	time.Sleep(15 * time.Millisecond)
	if !cb.Allow("xai") {
		t.Fatal("probe should be allowed")
	}

	// Failed probe counts toward the threshold and reopens.
	cb.RecordFailure("xai")
	cb.RecordFailure("xai")
	if cb.State("xai") != cbOpen {
		t.Errorf("failed probes should reopen, got %v", cb.State("xai"))
	}
}

func TestCircuitBreaker_ProvidersIndependent(t *testing.T) {
	cb := NewCircuitBreaker()

	for i := 0; i < cbErrorThreshold; i++ {
		cb.RecordFailure("openai")
	}

	if cb.State("openai") != cbOpen {
		t.Error("openai should be open")
	}
	if cb.State("deepseek") != cbClosed {
		t.Error("deepseek should be unaffected")
	}
	if !cb.Allow("deepseek") {
		t.Error("deepseek should still accept requests")
	}
}
