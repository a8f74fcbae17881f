// Package retry implements the RetryableActionExecutor and StartStopHelper
// state machines that drive idempotent start/stop intents with exponential
// backoff, generalizing the retry idiom the teacher inlines directly into
// goroutines (peer/manager.go's reconnect loop, control/keepalive.go's
// failure backoff) into reusable, stoppable components keyed by call rather
// than by captured closure state.
package retry

import (
	"sync"

	"sreto/backoff"
)

// Action is invoked once per attempt. It must be non-blocking and report
// its outcome asynchronously via the executor's OnSuccess/OnFail.
type Action func(attempt int)

// Executor wraps an action and backoff settings. Start invokes the action
// once immediately (attempt 0) and arms a backoff timer that invokes it
// again (attempt 1, 2, ...) until OnSuccess stops the executor. OnFail
// (re)starts the timer if it is not already armed.
type Executor struct {
	action Action

	mu      sync.Mutex
	timer   *backoff.Timer
	running bool
	attempt int
}

// NewExecutor constructs an Executor. The action is called with the attempt
// number; attempt 0 is the immediate call made by Start.
func NewExecutor(settings backoff.Settings, action Action) *Executor {
	e := &Executor{action: action}
	e.timer = backoff.NewTimer(settings, func(count int) {
		e.mu.Lock()
		if !e.running {
			e.mu.Unlock()
			return
		}
		e.attempt = count + 1
		attempt := e.attempt
		e.mu.Unlock()
		action(attempt)
	})
	return e
}

// Start is idempotent: calling it while already running has no effect
// beyond the first call.
func (e *Executor) Start() {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return
	}
	e.running = true
	e.attempt = 0
	e.mu.Unlock()

	e.action(0)

	e.mu.Lock()
	stillRunning := e.running
	e.mu.Unlock()
	if stillRunning {
		e.timer.Start()
	}
}

// OnFail (re)arms the executor's backoff timer if the executor is not
// already running, including after Stop or OnSuccess; while the executor is
// running it has no effect.
func (e *Executor) OnFail() {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return
	}
	e.running = true
	e.mu.Unlock()
	e.timer.Start()
}

// OnSuccess stops the executor. Idempotent.
func (e *Executor) OnSuccess() {
	e.Stop()
}

// Stop halts the executor so neither the immediate call nor any further
// backoff firing invokes the action again. Idempotent.
func (e *Executor) Stop() {
	e.mu.Lock()
	e.running = false
	e.mu.Unlock()
	e.timer.Stop()
}

// Running reports whether the executor currently considers itself armed.
func (e *Executor) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}
