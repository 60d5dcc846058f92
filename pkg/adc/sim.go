package adc

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/itohio/goadc/pkg/config"
)

// SimEngine is a software stand-in for the conversion hardware. It produces a
// synthetic waveform (sine plus deterministic noise plus periodic impulse
// spikes) one full block at a time, pacing itself to the configured sample
// period, and fires the completion callback exactly as the real engine would.
type SimEngine struct {
	cfg    config.SimConfig
	logger *zap.Logger

	mu         sync.Mutex
	claimed    bool
	dst        []uint16
	onComplete func()
	cancel     context.CancelFunc
	done       chan struct{}

	ticks     atomic.Uint32
	sampleIdx uint64
}

var _ Engine = (*SimEngine)(nil)

// NewSimEngine creates a simulated engine.
func NewSimEngine(cfg config.SimConfig, logger *zap.Logger) *SimEngine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SimEngine{cfg: cfg, logger: logger}
}

// Claim reserves the engine's single transfer channel. A second claim fails
// the way exhausted hardware would.
func (e *SimEngine) Claim() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.claimed {
		return ErrNoTransferChannel
	}
	e.claimed = true
	return nil
}

// Configure sets the destination buffer and completion callback.
func (e *SimEngine) Configure(dst []uint16, onComplete func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dst = dst
	e.onComplete = onComplete
}

// SetDestination reprograms the destination for the next block.
func (e *SimEngine) SetDestination(dst []uint16) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dst = dst
}

// Arm starts block production. One block of BufferSize samples is delivered
// per BufferSize sample periods.
func (e *SimEngine) Arm(period time.Duration) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cancel != nil {
		return nil // already armed
	}

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.done = make(chan struct{})

	go e.run(ctx, period*BufferSize, e.done)
	return nil
}

// Disarm stops the trigger and waits out the in-flight block.
func (e *SimEngine) Disarm() {
	e.mu.Lock()
	cancel := e.cancel
	done := e.done
	e.cancel = nil
	e.done = nil
	e.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// Ticks reports the total number of samples generated.
func (e *SimEngine) Ticks() uint32 {
	return e.ticks.Load()
}

func (e *SimEngine) run(ctx context.Context, blockPeriod time.Duration, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(blockPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.fillBlock()
		}
	}
}

// fillBlock generates one full block into the current destination and fires
// the completion callback. The callback may reprogram the destination.
func (e *SimEngine) fillBlock() {
	e.mu.Lock()
	dst := e.dst
	complete := e.onComplete
	e.mu.Unlock()

	if dst == nil {
		return
	}

	for i := range dst {
		dst[i] = e.nextSample()
	}
	e.ticks.Add(uint32(len(dst)))

	if complete != nil {
		complete()
	}
}

// nextSample synthesizes one reading.
func (e *SimEngine) nextSample() uint16 {
	n := e.sampleIdx
	e.sampleIdx++

	if e.cfg.SpikeEvery > 0 && n%uint64(e.cfg.SpikeEvery) == uint64(e.cfg.SpikeEvery)-1 {
		return 4095 // impulse spike for the despike stage to chew on
	}

	t := float64(n) / SampleRateHz
	v := e.cfg.Offset + e.cfg.Amplitude*math.Sin(2*math.Pi*e.cfg.Frequency*t)

	// Deterministic pseudo-noise, same trick as a mixed pair of
	// incommensurate oscillators.
	noise := (math.Sin(float64(n)*0.7331) + math.Cos(float64(n)*1.9173)) * e.cfg.NoiseLevel * 0.5
	v += noise

	if v < 0 {
		v = 0
	} else if v > 4095 {
		v = 4095
	}
	return uint16(v)
}
