package retry

import "sync"

// Intent is the desired state an intermittent StartStopHelper converges
// towards.
type Intent int

const (
	IntentStopped Intent = iota
	IntentStarted
)

// StartStopHelper combines two executors (a starter and a stopper) to
// drive idempotent start/stop with eventual convergence to the
// last-requested intent, even if external confirmations arrive out of
// order.
type StartStopHelper struct {
	starter *Executor
	stopper *Executor

	mu     sync.Mutex
	intent Intent
}

// NewStartStopHelper builds a helper around the given starter/stopper
// actions. The initial desired state is Stopped.
func NewStartStopHelper(starter, stopper *Executor) *StartStopHelper {
	return &StartStopHelper{starter: starter, stopper: stopper, intent: IntentStopped}
}

// Start sets the desired state to Started: stops the stopper and starts
// the starter.
func (h *StartStopHelper) Start() {
	h.mu.Lock()
	h.intent = IntentStarted
	h.mu.Unlock()

	h.stopper.Stop()
	h.starter.Start()
}

// Stop sets the desired state to Stopped: the mirror of Start.
func (h *StartStopHelper) Stop() {
	h.mu.Lock()
	h.intent = IntentStopped
	h.mu.Unlock()

	h.starter.Stop()
	h.stopper.Start()
}

// ConfirmStartOccurred stops the starter and, iff the desired state is
// still Stopped (i.e. a stop was requested after this start began), starts
// the stopper to undo the now-unwanted started state.
func (h *StartStopHelper) ConfirmStartOccurred() {
	h.starter.Stop()

	h.mu.Lock()
	shouldStop := h.intent == IntentStopped
	h.mu.Unlock()

	if shouldStop {
		h.stopper.Start()
	}
}

// ConfirmStopOccurred is the mirror of ConfirmStartOccurred.
func (h *StartStopHelper) ConfirmStopOccurred() {
	h.stopper.Stop()

	h.mu.Lock()
	shouldStart := h.intent == IntentStarted
	h.mu.Unlock()

	if shouldStart {
		h.starter.Start()
	}
}

// Intent reports the current desired state.
func (h *StartStopHelper) Intent() Intent {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.intent
}
