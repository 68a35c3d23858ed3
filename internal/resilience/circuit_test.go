package resilience

import (
	"errors"
	"testing"
	"time"
)

func tripErr() error {
	return NewProviderError(KindServerError, errors.New("503"))
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b := NewBreaker(BreakerConfig{FailureThreshold: 3, ResetTimeout: time.Minute})

	for i := 0; i < 3; i++ {
		if err := b.Allow(); err != nil {
			t.Fatalf("call %d unexpectedly rejected: %v", i, err)
		}
		b.Record(tripErr())
	}

	if err := b.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if got := b.State(); got != CircuitOpen {
		t.Errorf("expected open, got %s", got)
	}
}

func TestBreaker_SuccessResetsCounter(t *testing.T) {
	b := NewBreaker(BreakerConfig{FailureThreshold: 3, ResetTimeout: time.Minute})

	b.Record(tripErr())
	b.Record(tripErr())
	b.Record(nil) // success resets
	b.Record(tripErr())
	b.Record(tripErr())

	if err := b.Allow(); err != nil {
		t.Fatalf("circuit should still be closed: %v", err)
	}
}

func TestBreaker_NonRetryableDoesNotTrip(t *testing.T) {
	b := NewBreaker(BreakerConfig{FailureThreshold: 2, ResetTimeout: time.Minute})

	// Auth failures mean the request is bad, not the provider.
	for i := 0; i < 10; i++ {
		b.Record(NewProviderError(KindAuthError, errors.New("401")))
	}

	if err := b.Allow(); err != nil {
		t.Fatalf("auth errors must not open the circuit: %v", err)
	}
}

func TestBreaker_HalfOpenAfterResetTimeout(t *testing.T) {
	b := NewBreaker(BreakerConfig{FailureThreshold: 1, ResetTimeout: time.Minute})

	now := time.Now()
	b.nowFunc = func() time.Time { return now }

	b.Record(tripErr())
	if err := b.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Fatal("expected open circuit")
	}

	// Advance past the reset timeout: a probe is admitted.
	now = now.Add(2 * time.Minute)
	if err := b.Allow(); err != nil {
		t.Fatalf("expected probe to be admitted, got %v", err)
	}

	// Failed probe reopens immediately.
	b.Record(tripErr())
	if err := b.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Fatal("expected circuit reopened after failed probe")
	}
}

func TestBreaker_ProbeSuccessCloses(t *testing.T) {
	b := NewBreaker(BreakerConfig{FailureThreshold: 1, ResetTimeout: time.Minute})

	now := time.Now()
	b.nowFunc = func() time.Time { return now }

	b.Record(tripErr())
	now = now.Add(2 * time.Minute)
	if err := b.Allow(); err != nil {
		t.Fatalf("probe rejected: %v", err)
	}
	b.Record(nil)

	if got := b.State(); got != CircuitClosed {
		t.Errorf("expected closed after successful probe, got %s", got)
	}
}

func TestProviderBreakers_Isolated(t *testing.T) {
	pb := NewProviderBreakers(BreakerConfig{FailureThreshold: 1, ResetTimeout: time.Minute})

	pb.Get("openai").Record(tripErr())

	if err := pb.Get("openai").Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Error("expected openai circuit open")
	}
	if err := pb.Get("anthropic").Allow(); err != nil {
		t.Errorf("anthropic circuit must be unaffected: %v", err)
	}

	states := pb.States()
	if states["openai"] != CircuitOpen {
		t.Errorf("expected openai open, got %s", states["openai"])
	}
	if states["anthropic"] != CircuitClosed {
		t.Errorf("expected anthropic closed, got %s", states["anthropic"])
	}
}

func TestErrCircuitOpen_ClassifiesRetryable(t *testing.T) {
	if got := Classify(ErrCircuitOpen); got != KindConnectionError {
		t.Errorf("expected connection_error, got %s", got)
	}
}
