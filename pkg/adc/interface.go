package adc

import "time"

// Engine abstracts the paced conversion hardware: a periodic trigger starts
// conversions and a block-transfer channel moves each reading into the
// destination buffer, invoking the completion callback once the buffer is
// full.
type Engine interface {
	// Claim reserves a transfer channel. Returns ErrNoTransferChannel when
	// none is free.
	Claim() error

	// Configure sets the initial destination buffer and completion callback.
	Configure(dst []uint16, onComplete func())

	// SetDestination reprograms the destination for the next block. It is
	// called from inside the completion callback, before the next trigger
	// can fire.
	SetDestination(dst []uint16)

	// Arm starts the periodic conversion trigger.
	Arm(period time.Duration) error

	// Disarm stops the trigger first so no new conversion races the abort,
	// then aborts any in-flight transfer.
	Disarm()

	// Ticks reports how many conversions have been triggered so far.
	Ticks() uint32
}
