package retry

import (
	"sync/atomic"
	"testing"
	"time"

	"sreto/backoff"
)

func noopExecutor() *Executor {
	return NewExecutor(backoff.Settings{InitialDelay: time.Hour, BackoffFactor: 1, MaximumDelay: time.Hour}, func(int) {})
}

// TestConvergence checks that start(); stop(); start() followed by
// confirmStartOccurred(); confirmStopOccurred() leaves the starter running
// (desired=Started) and the stopper idle.
func TestConvergence(t *testing.T) {
	starter := noopExecutor()
	stopper := noopExecutor()
	h := NewStartStopHelper(starter, stopper)

	h.Start()
	h.Stop()
	h.Start()

	h.ConfirmStartOccurred()
	h.ConfirmStopOccurred()

	if !starter.Running() {
		t.Fatalf("expected starter running")
	}
	if stopper.Running() {
		t.Fatalf("expected stopper idle")
	}
	if h.Intent() != IntentStarted {
		t.Fatalf("expected desired intent Started")
	}
}

func TestConvergenceMirror(t *testing.T) {
	starter := noopExecutor()
	stopper := noopExecutor()
	h := NewStartStopHelper(starter, stopper)

	h.Stop()
	h.Start()
	h.Stop()

	h.ConfirmStopOccurred()
	h.ConfirmStartOccurred()

	if starter.Running() {
		t.Fatalf("expected starter idle")
	}
	if !stopper.Running() {
		t.Fatalf("expected stopper running")
	}
}

func TestInitialIntentIsStopped(t *testing.T) {
	h := NewStartStopHelper(noopExecutor(), noopExecutor())
	if h.Intent() != IntentStopped {
		t.Fatalf("expected initial intent Stopped")
	}
}

// TestConfirmStartWithStartedIntentIdlesBothExecutors checks that a start
// confirmation arriving while the desired state is still Started stops the
// starter and leaves the stopper idle.
func TestConfirmStartWithStartedIntentIdlesBothExecutors(t *testing.T) {
	var startCalls, stopCalls int64
	starter := NewExecutor(backoff.Settings{InitialDelay: time.Hour, BackoffFactor: 1, MaximumDelay: time.Hour}, func(int) {
		atomic.AddInt64(&startCalls, 1)
	})
	stopper := NewExecutor(backoff.Settings{InitialDelay: time.Hour, BackoffFactor: 1, MaximumDelay: time.Hour}, func(int) {
		atomic.AddInt64(&stopCalls, 1)
	})
	h := NewStartStopHelper(starter, stopper)

	h.Start()
	h.ConfirmStartOccurred()

	if starter.Running() {
		t.Fatalf("starter should have stopped after confirmation with no pending stop")
	}
	if stopper.Running() {
		t.Fatalf("stopper should remain idle, desired state is still Started")
	}
}
