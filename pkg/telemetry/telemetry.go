// Package telemetry hands aggregate metrics from the producer context to the
// presentation context without blocking the producer. The exchange is lossy:
// a contended publish or consume is simply skipped.
package telemetry

import (
	"sync"
	"sync/atomic"
)

// Snapshot is one consistent set of metric fields.
type Snapshot struct {
	Voltage float32 // latest filtered voltage estimate (V)

	RawMin uint16
	RawMax uint16
	RawAvg float32

	Transfers  uint32 // buffers filled
	Interrupts uint32 // completion callbacks handled
	TimerTicks uint32 // conversions triggered
	Overflows  uint32 // buffers lost to a stalled consumer

	LoopHz float32 // producer loop frequency
}

// Mailbox is the snapshot exchange point. All fields move together under the
// lock so the consumer never sees a torn snapshot; the heartbeat is the one
// deliberate exception.
type Mailbox struct {
	mu    sync.Mutex
	snap  Snapshot
	dirty bool

	// heartbeat is exempt from the lock: best-effort liveness only.
	heartbeat atomic.Uint32
}

// NewMailbox returns an empty mailbox.
func NewMailbox() *Mailbox {
	return &Mailbox{}
}

// Publish attempts to hand a snapshot to the consumer. On lock contention the
// update for this cycle is skipped and false is returned; the producer never
// blocks here.
func (m *Mailbox) Publish(s Snapshot) bool {
	if !m.mu.TryLock() {
		return false
	}
	m.snap = s
	m.dirty = true
	m.mu.Unlock()
	return true
}

// Consume attempts to take the latest snapshot. Returns false when the lock
// is contended or when nothing new has been published since the last consume.
func (m *Mailbox) Consume() (Snapshot, bool) {
	if !m.mu.TryLock() {
		return Snapshot{}, false
	}
	defer m.mu.Unlock()

	if !m.dirty {
		return Snapshot{}, false
	}
	m.dirty = false
	return m.snap, true
}

// Beat increments the free-running heartbeat counter.
func (m *Mailbox) Beat() {
	m.heartbeat.Add(1)
}

// Heartbeat reads the free-running counter.
func (m *Mailbox) Heartbeat() uint32 {
	return m.heartbeat.Load()
}
