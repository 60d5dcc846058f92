// Package watchdog provides a software watchdog timer. The main loop pets
// it every iteration; if petting stops for longer than the configured
// timeout the expiry callback fires. Long maintenance operations such as
// flash erases suspend the watchdog for their duration, mirroring how the
// hardware watchdog is disabled around stalls that are expected.
package watchdog

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultTimeout is the interval after which a missed pet is treated as a
// hung main loop.
const DefaultTimeout = 2 * time.Second

// Watchdog fires onExpire when Pet has not been called within the timeout.
type Watchdog struct {
	mu        sync.Mutex
	timeout   time.Duration
	timer     *time.Timer
	onExpire  func()
	logger    *zap.Logger
	enabled   bool
	suspended bool
}

// New creates a disabled watchdog. onExpire runs on the timer goroutine
// when the timeout elapses without a pet.
func New(onExpire func(), logger *zap.Logger) *Watchdog {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watchdog{
		onExpire: onExpire,
		logger:   logger,
	}
}

// Enable arms the watchdog with the given timeout. A non-positive timeout
// falls back to DefaultTimeout.
func (w *Watchdog) Enable(timeout time.Duration) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	w.timeout = timeout
	w.enabled = true
	w.suspended = false
	w.rearmLocked()
	w.logger.Debug("watchdog enabled", zap.Duration("timeout", timeout))
}

// Disable stops the watchdog entirely.
func (w *Watchdog) Disable() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.enabled = false
	w.suspended = false
	w.stopLocked()
}

// Pet resets the timeout. Calling Pet on a disabled or suspended watchdog
// is a no-op.
func (w *Watchdog) Pet() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.enabled || w.suspended {
		return
	}
	w.rearmLocked()
}

// Suspend pauses the watchdog and returns a resume function that re-arms
// it with the timeout in effect at suspension. Used around operations
// that legitimately stall the main loop. Safe on a nil or disabled
// watchdog; the returned function is never nil.
func (w *Watchdog) Suspend() func() {
	if w == nil {
		return func() {}
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.enabled || w.suspended {
		return func() {}
	}

	w.suspended = true
	w.stopLocked()
	w.logger.Debug("watchdog suspended")

	return func() {
		w.mu.Lock()
		defer w.mu.Unlock()

		if !w.enabled || !w.suspended {
			return
		}
		w.suspended = false
		w.rearmLocked()
		w.logger.Debug("watchdog resumed")
	}
}

func (w *Watchdog) rearmLocked() {
	w.stopLocked()
	w.timer = time.AfterFunc(w.timeout, w.expire)
}

func (w *Watchdog) stopLocked() {
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}

func (w *Watchdog) expire() {
	w.mu.Lock()
	if !w.enabled || w.suspended {
		w.mu.Unlock()
		return
	}
	w.enabled = false
	fn := w.onExpire
	w.mu.Unlock()

	w.logger.Error("watchdog expired")
	if fn != nil {
		fn()
	}
}
