// Package lockout coordinates cooperative pausing of sibling loops so that
// store maintenance (flash erase/program) can run with exclusive control.
// Participants park at a checkpoint; the maintenance side acquires the
// lockout, waits until every participant is parked, does its work, and
// releases, all inside one scoped acquisition so an early return can never
// leave siblings paused.
package lockout

import "sync"

// Controller serializes maintenance operations against a set of
// participating loops.
type Controller struct {
	mu   sync.Mutex
	cond *sync.Cond

	held         bool
	participants int
	parked       int
}

// New creates a controller.
func New() *Controller {
	c := &Controller{}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Participant is one loop's registration with the controller.
type Participant struct {
	c    *Controller
	left bool
}

// Join registers a loop that will honor checkpoints.
func (c *Controller) Join() *Participant {
	c.mu.Lock()
	c.participants++
	c.mu.Unlock()
	return &Participant{c: c}
}

// Leave deregisters the participant. Safe to call once; typically deferred.
func (p *Participant) Leave() {
	p.c.mu.Lock()
	if !p.left {
		p.left = true
		p.c.participants--
		p.c.cond.Broadcast()
	}
	p.c.mu.Unlock()
}

// Checkpoint parks the caller while a lockout is held. Loops call this once
// per iteration; it returns immediately when no maintenance is pending.
func (p *Participant) Checkpoint() {
	c := p.c
	c.mu.Lock()
	if c.held {
		c.parked++
		c.cond.Broadcast()
		for c.held {
			c.cond.Wait()
		}
		c.parked--
	}
	c.mu.Unlock()
}

// Exempt runs fn with the participant temporarily deregistered. A loop that
// itself initiates maintenance uses this around the initiating call, since
// the lockout pauses every *other* context; the initiator cannot also be a
// victim without deadlocking.
func (p *Participant) Exempt(fn func()) {
	c := p.c
	c.mu.Lock()
	c.participants--
	c.cond.Broadcast()
	c.mu.Unlock()

	fn()

	c.mu.Lock()
	c.participants++
	c.mu.Unlock()
}

// Acquire takes the lockout, blocking until every participant is parked at
// its checkpoint. The returned release function resumes them; it is safe to
// call exactly once and is normally deferred by the caller.
func (c *Controller) Acquire() (release func()) {
	c.mu.Lock()
	for c.held {
		c.cond.Wait()
	}
	c.held = true
	for c.parked < c.participants {
		c.cond.Wait()
	}
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		c.held = false
		c.cond.Broadcast()
		c.mu.Unlock()
	}
}
