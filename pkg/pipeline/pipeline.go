// Package pipeline runs the acquisition loop: it drains filled sampler
// buffers, conditions the samples, feeds the active capture session and
// publishes telemetry for the other core.
package pipeline

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/itohio/goadc/pkg/adc"
	"github.com/itohio/goadc/pkg/capture"
	"github.com/itohio/goadc/pkg/filter"
	"github.com/itohio/goadc/pkg/lockout"
	"github.com/itohio/goadc/pkg/telemetry"
	"github.com/itohio/goadc/pkg/watchdog"
)

// VoltageRef is the full-scale conversion voltage.
const VoltageRef = 3.3

const idleDelay = time.Millisecond

// Producer owns the sample processing loop. lk and dog may be nil.
type Producer struct {
	sampler *adc.Sampler
	cond    *filter.Conditioner
	session *capture.Session
	mailbox *telemetry.Mailbox
	lk      *lockout.Controller
	dog     *watchdog.Watchdog
	logger  *zap.Logger

	filtered [adc.BufferSize]uint16
}

func NewProducer(
	sampler *adc.Sampler,
	cond *filter.Conditioner,
	session *capture.Session,
	mailbox *telemetry.Mailbox,
	lk *lockout.Controller,
	dog *watchdog.Watchdog,
	logger *zap.Logger,
) *Producer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Producer{
		sampler: sampler,
		cond:    cond,
		session: session,
		mailbox: mailbox,
		lk:      lk,
		dog:     dog,
		logger:  logger,
	}
}

// Run processes buffers until ctx is cancelled. It registers with the
// core lockout so flash maintenance can park it at a safe point, and it
// pets the watchdog every iteration.
func (p *Producer) Run(ctx context.Context) error {
	var part *lockout.Participant
	if p.lk != nil {
		part = p.lk.Join()
		defer part.Leave()
	}

	p.logger.Info("producer started")
	lastBlock := time.Now()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("producer stopped")
			return ctx.Err()
		default:
		}

		if part != nil {
			part.Checkpoint()
		}
		if p.dog != nil {
			p.dog.Pet()
		}

		buf, ok := p.sampler.Acquire()
		if !ok {
			p.mailbox.Beat()
			time.Sleep(idleDelay)
			continue
		}

		snap := p.process(buf)

		// Finalizing a session writes to flash, which acquires the
		// lockout. The exemption keeps this loop from counting as a
		// parked victim of its own maintenance.
		feed := func() {
			if err := p.session.Feed(buf, p.filtered[:]); err != nil {
				p.logger.Error("session feed failed", zap.Error(err))
			}
		}
		if part != nil {
			part.Exempt(feed)
		} else {
			feed()
		}

		p.sampler.Release()

		now := time.Now()
		if dt := now.Sub(lastBlock); dt > 0 {
			snap.LoopHz = float32(time.Second) / float32(dt)
		}
		lastBlock = now

		stats := p.sampler.Stats()
		snap.Transfers = stats.Filled
		snap.Interrupts = stats.Interrupts
		snap.TimerTicks = stats.TimerTicks
		snap.Overflows = stats.Overflows

		p.mailbox.Publish(snap)
		p.mailbox.Beat()
	}
}

// process conditions one buffer into p.filtered and accumulates the
// block statistics for telemetry.
func (p *Producer) process(buf []uint16) telemetry.Snapshot {
	var (
		min uint16 = 0xFFFF
		max uint16
		sum uint64
		out float32
	)
	for i, v := range buf {
		out = p.cond.Process(v)
		p.filtered[i] = filter.Quantize(out)

		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
		sum += uint64(v)
	}

	return telemetry.Snapshot{
		Voltage: out / 4095 * VoltageRef,
		RawMin:  min,
		RawMax:  max,
		RawAvg:  float32(sum) / float32(len(buf)),
	}
}
