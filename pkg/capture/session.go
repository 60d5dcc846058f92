// Package capture runs bounded acquisition sessions. A session pre-sizes
// its buffers for a requested duration, accumulates raw and optionally
// filtered samples block by block, and hands the finished buffers to the
// persistent store.
package capture

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/itohio/goadc/pkg/adc"
)

// State tracks a session through its lifecycle.
type State int

const (
	Idle State = iota
	Preparing
	Collecting
	WritingStore
	Complete
	Error
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Preparing:
		return "preparing"
	case Collecting:
		return "collecting"
	case WritingStore:
		return "writing"
	case Complete:
		return "complete"
	case Error:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

const (
	// MaxDuration bounds a single session.
	MaxDuration = 60 * time.Second

	maxSessionSamples = int(MaxDuration/time.Second) * adc.SampleRateHz
)

var (
	ErrSessionActive    = errors.New("capture: session already active")
	ErrNoSession        = errors.New("capture: no active session")
	ErrDurationInvalid  = errors.New("capture: duration out of range")
	ErrFilteredMismatch = errors.New("capture: filtered block length mismatch")
)

// Store persists a finished session. Implemented by store.Store.
type Store interface {
	Write(raw, filtered []uint16, timestamp uint32) (int, error)
}

// Session accumulates samples toward a fixed target and writes the result
// to the store when the target is reached.
type Session struct {
	store  Store
	logger *zap.Logger
	clock  func() uint32

	mu        sync.Mutex
	state     State
	target    int
	collected int
	raw       []uint16
	filtered  []uint16
	filtering bool
	lastSlot  int
	lastErr   error
}

// NewSession creates an idle session bound to a store. clock supplies the
// record timestamp; nil uses the wall clock.
func NewSession(store Store, clock func() uint32, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = func() uint32 { return uint32(time.Now().Unix()) }
	}
	return &Session{
		store:    store,
		logger:   logger,
		clock:    clock,
		lastSlot: -1,
	}
}

// Start begins a session of the given duration. filtered selects whether
// the conditioned stream is stored alongside the raw one. The buffers are
// allocated up front so collection never reallocates.
func (s *Session) Start(duration time.Duration, filtered bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case Collecting, Preparing, WritingStore:
		return ErrSessionActive
	}

	if duration <= 0 || duration > MaxDuration {
		return fmt.Errorf("%w: %v", ErrDurationInvalid, duration)
	}

	target := int(duration.Milliseconds()) * adc.SampleRateHz / 1000
	if target <= 0 || target > maxSessionSamples {
		return fmt.Errorf("%w: %v", ErrDurationInvalid, duration)
	}

	s.state = Preparing
	s.target = target
	s.collected = 0
	s.filtering = filtered
	s.lastErr = nil
	s.raw = make([]uint16, 0, target)
	if filtered {
		s.filtered = make([]uint16, 0, target)
	} else {
		s.filtered = nil
	}
	s.state = Collecting

	s.logger.Info("capture started",
		zap.Duration("duration", duration),
		zap.Int("samples", target),
		zap.Bool("filtered", filtered))
	return nil
}

// Feed appends one block of samples. filtered may be nil when the session
// does not store the conditioned stream; otherwise the slices must be the
// same length or the block is rejected, since a short filtered payload
// would fail verification after the write. Samples beyond the target are
// discarded, and reaching the target finalizes the session. Feeding
// outside a session is a no-op so the producer loop needs no state of
// its own.
func (s *Session) Feed(raw, filtered []uint16) error {
	s.mu.Lock()

	if s.state != Collecting {
		s.mu.Unlock()
		return nil
	}

	if s.filtering && len(filtered) != len(raw) {
		s.mu.Unlock()
		return fmt.Errorf("%w: raw %d filtered %d", ErrFilteredMismatch, len(raw), len(filtered))
	}

	n := s.target - s.collected
	if n > len(raw) {
		n = len(raw)
	}
	s.raw = append(s.raw, raw[:n]...)
	if s.filtering {
		s.filtered = append(s.filtered, filtered[:n]...)
	}
	s.collected += n

	if s.collected < s.target {
		s.mu.Unlock()
		return nil
	}
	return s.finalizeLocked()
}

// Finalize writes whatever has been collected so far to the store. It is
// invoked automatically when the target is reached.
func (s *Session) Finalize() error {
	s.mu.Lock()
	if s.state != Collecting {
		s.mu.Unlock()
		return ErrNoSession
	}
	return s.finalizeLocked()
}

// finalizeLocked writes the buffers out. The lock is held on entry and
// released before the store write so progress queries keep working; the
// WritingStore state guards against reentry.
func (s *Session) finalizeLocked() error {
	s.state = WritingStore
	raw := s.raw
	filtered := s.filtered
	ts := s.clock()
	s.mu.Unlock()

	slot, err := s.store.Write(raw, filtered, ts)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		// Buffers stay in place for post-mortem inspection; the next
		// Start releases them.
		s.state = Error
		s.lastErr = err
		s.logger.Error("capture store write failed", zap.Error(err))
		return fmt.Errorf("capture: finalize: %w", err)
	}
	s.state = Complete
	s.lastSlot = slot
	s.raw = nil
	s.filtered = nil
	s.logger.Info("capture complete",
		zap.Int("slot", slot),
		zap.Int("samples", len(raw)))
	return nil
}

// Cancel abandons the active session without writing anything.
func (s *Session) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != Collecting {
		return
	}
	s.state = Idle
	s.raw = nil
	s.filtered = nil
	s.collected = 0
	s.target = 0
	s.logger.Info("capture cancelled")
}

// Progress reports collected and target sample counts.
func (s *Session) Progress() (collected, target int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.collected, s.target
}

// Percent reports session progress as a percentage, capped at 100.
// A session with no target reports 0.
func (s *Session) Percent() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.target <= 0 {
		return 0
	}
	p := s.collected * 100 / s.target
	if p > 100 {
		p = 100
	}
	return p
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Collecting reports whether Feed currently accepts samples.
func (s *Session) Collecting() bool {
	return s.State() == Collecting
}

// LastSlot returns the slot of the most recently completed session, or -1.
func (s *Session) LastSlot() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSlot
}

// Err returns the failure of the last session, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}
