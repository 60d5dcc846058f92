// Package adc implements hardware-paced double-buffered sample acquisition.
//
// A conversion engine fills one of two fixed buffers while the consumer
// drains the other. The completion callback runs in the engine's context and
// only flips flags and reprograms the destination; everything heavier happens
// on the consumer side under the ready/locked protocol.
package adc

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// SampleRateHz is the fixed acquisition rate.
	SampleRateHz = 5000

	// SamplePeriod is the conversion trigger period (200µs at 5 kHz).
	SamplePeriod = time.Second / SampleRateHz

	// BufferSize is the per-buffer sample count. Must be a power of two;
	// 512 samples is ~102ms of signal at 5 kHz.
	BufferSize = 512
)

// ErrNoTransferChannel is returned by Init when the engine has no free
// transfer channel. This is fatal: without a channel there is no acquisition.
var ErrNoTransferChannel = errors.New("adc: no transfer channel available")

// Stats is a snapshot of the acquisition counters.
type Stats struct {
	Filled     uint32 // buffers filled since Start
	Overflows  uint32 // buffers overwritten before the consumer drained them
	Interrupts uint32 // completion callbacks handled
	TimerTicks uint32 // conversions triggered by the engine
}

// Sampler owns the two acquisition buffers and mediates between the engine's
// completion callback and the consumer loop.
type Sampler struct {
	engine Engine
	logger *zap.Logger

	// mu stands in for the interrupt mask: the completion handler and
	// Release both touch the ready/locked flags under it.
	mu sync.Mutex

	bufA [BufferSize]uint16
	bufB [BufferSize]uint16

	readyA bool // buffer A is full and awaiting the consumer
	readyB bool
	usingA bool // engine is currently filling buffer A

	locked  bool // consumer holds a buffer
	lockedA bool // the locked buffer is A

	filled     uint32
	overflows  uint32
	interrupts uint32

	initialized bool
	running     bool
}

// NewSampler creates a sampler on top of the given engine.
func NewSampler(engine Engine, logger *zap.Logger) *Sampler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sampler{
		engine: engine,
		logger: logger,
		usingA: true,
	}
}

// Init claims a transfer channel and configures the engine for buffer A.
// Idempotent. A claim failure is fatal to the caller.
func (s *Sampler) Init() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.initialized {
		return nil
	}

	if err := s.engine.Claim(); err != nil {
		return fmt.Errorf("claim transfer channel: %w", err)
	}

	s.engine.Configure(s.bufA[:], s.onComplete)
	s.initialized = true
	s.logger.Info("sampler initialized",
		zap.Int("buffer_size", BufferSize),
		zap.Int("sample_rate_hz", SampleRateHz))

	return nil
}

// Start resets buffer state and arms the periodic trigger. Idempotent.
func (s *Sampler) Start() error {
	s.mu.Lock()

	if !s.initialized {
		s.mu.Unlock()
		return errors.New("adc: sampler not initialized")
	}
	if s.running {
		s.mu.Unlock()
		return nil
	}

	s.readyA = false
	s.readyB = false
	s.usingA = true
	s.locked = false
	s.filled = 0
	s.overflows = 0
	s.interrupts = 0

	s.engine.SetDestination(s.bufA[:])
	s.running = true
	s.mu.Unlock()

	if err := s.engine.Arm(SamplePeriod); err != nil {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return fmt.Errorf("arm trigger: %w", err)
	}

	s.logger.Info("sampling started", zap.Duration("period", SamplePeriod))
	return nil
}

// Stop disarms the trigger before aborting the in-flight transfer.
// Idempotent.
func (s *Sampler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	// Disarm can block on the engine's transfer goroutine, so it must not
	// run under mu: the completion handler takes mu too.
	s.engine.Disarm()
	s.logger.Info("sampling stopped")
}

// Ready reports whether at least one full, unlocked buffer is waiting.
func (s *Sampler) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	aAvailable := s.readyA && !(s.locked && s.lockedA)
	bAvailable := s.readyB && !(s.locked && !s.lockedA)
	return aAvailable || bAvailable
}

// Acquire returns a read-only view of one ready, unlocked buffer and marks it
// locked. Only one buffer may be locked at a time; while one is held, Acquire
// returns false.
func (s *Sampler) Acquire() ([]uint16, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.locked {
		return nil, false
	}

	if s.readyA {
		s.locked = true
		s.lockedA = true
		return s.bufA[:], true
	}
	if s.readyB {
		s.locked = true
		s.lockedA = false
		return s.bufB[:], true
	}

	return nil, false
}

// Release clears the lock on the previously acquired buffer. The ready flag
// is cleared under mu because the completion handler concurrently tests and
// sets the same flag.
func (s *Sampler) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.locked {
		return
	}

	if s.lockedA {
		s.readyA = false
	} else {
		s.readyB = false
	}
	s.locked = false
}

// Stats returns a snapshot of the acquisition counters.
func (s *Sampler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Filled:     s.filled,
		Overflows:  s.overflows,
		Interrupts: s.interrupts,
		TimerTicks: s.engine.Ticks(),
	}
}

// onComplete runs in the engine's context when a buffer fills: O(1), flag
// flips and a destination swap only. If the buffer that just completed was
// still marked ready from a prior cycle, the consumer missed it: count an
// overflow and let the newest data win.
func (s *Sampler) onComplete() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.interrupts++
	s.filled++

	if s.usingA {
		if s.readyA {
			s.overflows++
		}
		s.readyA = true
		s.usingA = false
		s.engine.SetDestination(s.bufB[:])
	} else {
		if s.readyB {
			s.overflows++
		}
		s.readyB = true
		s.usingA = true
		s.engine.SetDestination(s.bufA[:])
	}
}
