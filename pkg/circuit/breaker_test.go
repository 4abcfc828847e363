package circuit

import (
	"sync"
	"testing"
	"time"
)

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b := New(Config{FailureThreshold: 5, ResetTimeout: time.Minute})

	for i := 0; i < 4; i++ {
		b.RecordFailure("acme")
		if b.State("acme") != StateClosed {
			t.Fatalf("circuit opened after %d failures, want threshold 5", i+1)
		}
	}

	b.RecordFailure("acme")
	if b.State("acme") != StateOpen {
		t.Fatal("circuit should be open after 5 consecutive failures")
	}
	if !b.IsOpen("acme") {
		t.Error("IsOpen should report true while open")
	}
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b := New(DefaultConfig())

	for i := 0; i < 4; i++ {
		b.RecordFailure("acme")
	}
	b.RecordSuccess("acme")
	b.RecordFailure("acme")

	if b.State("acme") != StateClosed {
		t.Error("success should reset consecutive failures")
	}
	if got := b.Snapshot("acme").ConsecutiveFailures; got != 1 {
		t.Errorf("ConsecutiveFailures = %d, want 1", got)
	}
}

func TestBreaker_HalfOpenAfterResetTimeout(t *testing.T) {
	b := New(Config{FailureThreshold: 2, ResetTimeout: 50 * time.Millisecond})

	b.RecordFailure("acme")
	b.RecordFailure("acme")
	if !b.IsOpen("acme") {
		t.Fatal("circuit should be open")
	}

	time.Sleep(60 * time.Millisecond)

	// The check itself performs the Open -> HalfOpen transition and admits
	// the caller as the trial request.
	if b.IsOpen("acme") {
		t.Fatal("IsOpen should admit a trial request after the reset timeout")
	}
	if b.State("acme") != StateHalfOpen {
		t.Errorf("state = %v, want half_open", b.State("acme"))
	}
}

func TestBreaker_HalfOpenClosesAfterSuccesses(t *testing.T) {
	b := New(Config{FailureThreshold: 2, ResetTimeout: 20 * time.Millisecond, HalfOpenSuccesses: 3})

	b.RecordFailure("acme")
	b.RecordFailure("acme")
	time.Sleep(30 * time.Millisecond)
	b.IsOpen("acme") // transitions to half-open

	b.RecordSuccess("acme")
	b.RecordSuccess("acme")
	if b.State("acme") != StateHalfOpen {
		t.Fatal("circuit should still be half-open after 2 successes")
	}

	b.RecordSuccess("acme")
	if b.State("acme") != StateClosed {
		t.Error("circuit should close after 3 consecutive trial successes")
	}
	if got := b.Snapshot("acme").ConsecutiveFailures; got != 0 {
		t.Errorf("ConsecutiveFailures = %d, want 0 after close", got)
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b := New(Config{FailureThreshold: 2, ResetTimeout: 20 * time.Millisecond})

	b.RecordFailure("acme")
	b.RecordFailure("acme")
	time.Sleep(30 * time.Millisecond)
	b.IsOpen("acme") // half-open

	b.RecordFailure("acme")
	if b.State("acme") != StateOpen {
		t.Error("a failure in half-open should reopen the circuit")
	}
	if b.IsOpen("acme") != true {
		t.Error("reopened circuit should reject requests")
	}
}

func TestBreaker_RetryAfter(t *testing.T) {
	b := New(Config{FailureThreshold: 1, ResetTimeout: 30 * time.Second})

	if b.RetryAfter("acme") != 0 {
		t.Error("RetryAfter should be 0 for a closed circuit")
	}

	b.RecordFailure("acme")
	ra := b.RetryAfter("acme")
	if ra <= 25*time.Second || ra > 30*time.Second {
		t.Errorf("RetryAfter = %v, want close to 30s", ra)
	}
}

func TestBreaker_IdentifiersAreIndependent(t *testing.T) {
	b := New(Config{FailureThreshold: 2, ResetTimeout: time.Minute})

	b.RecordFailure("acme")
	b.RecordFailure("acme")
	b.RecordFailure("acme:ai")

	if !b.IsOpen("acme") {
		t.Error("acme circuit should be open")
	}
	if b.IsOpen("acme:ai") {
		t.Error("acme:ai circuit should still be closed")
	}
	if b.IsOpen("globex") {
		t.Error("unseen identifier should start closed")
	}
}

func TestBreaker_Reset(t *testing.T) {
	b := New(Config{FailureThreshold: 1, ResetTimeout: time.Minute})

	b.RecordFailure("acme")
	if !b.IsOpen("acme") {
		t.Fatal("circuit should be open")
	}

	b.Reset("acme")
	if b.IsOpen("acme") {
		t.Error("reset circuit should be closed")
	}
}

func TestBreaker_ConcurrentFailures(t *testing.T) {
	b := New(Config{FailureThreshold: 100, ResetTimeout: time.Minute})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.RecordFailure("acme")
		}()
	}
	wg.Wait()

	snap := b.Snapshot("acme")
	if snap.ConsecutiveFailures != 50 {
		t.Errorf("ConsecutiveFailures = %d, want 50 (no undercount)", snap.ConsecutiveFailures)
	}
	if snap.TotalFailures != 50 {
		t.Errorf("TotalFailures = %d, want 50", snap.TotalFailures)
	}
	if snap.State != StateClosed {
		t.Error("circuit should remain closed below threshold")
	}
}
