package lockout

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquire_NoParticipants(t *testing.T) {
	c := New()

	release := c.Acquire()
	release()
}

func TestAcquire_WaitsForCheckpoint(t *testing.T) {
	c := New()
	p := c.Join()
	defer p.Leave()

	acquired := make(chan struct{})
	go func() {
		release := c.Acquire()
		close(acquired)
		release()
	}()

	select {
	case <-acquired:
		t.Fatal("acquire completed before the participant parked")
	case <-time.After(20 * time.Millisecond):
	}

	// The participant reaching its checkpoint unblocks the acquirer.
	done := make(chan struct{})
	go func() {
		p.Checkpoint()
		close(done)
	}()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("acquire never completed")
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("participant never resumed after release")
	}
}

func TestCheckpoint_FastPathWhenIdle(t *testing.T) {
	c := New()
	p := c.Join()
	defer p.Leave()

	done := make(chan struct{})
	go func() {
		p.Checkpoint()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("checkpoint blocked with no lockout held")
	}
}

func TestParticipant_ParkedForWholeLockout(t *testing.T) {
	c := New()
	p := c.Join()
	defer p.Leave()

	var inMaintenance atomic.Bool
	var violations atomic.Int32

	loopDone := make(chan struct{})
	stop := make(chan struct{})
	go func() {
		defer close(loopDone)
		for {
			select {
			case <-stop:
				return
			default:
			}
			p.Checkpoint()
			if inMaintenance.Load() {
				violations.Add(1)
			}
		}
	}()

	for i := 0; i < 10; i++ {
		release := c.Acquire()
		inMaintenance.Store(true)
		time.Sleep(time.Millisecond)
		inMaintenance.Store(false)
		release()
	}

	close(stop)
	<-loopDone
	assert.Equal(t, int32(0), violations.Load(),
		"participant must never run while maintenance holds the lockout")
}

func TestExempt_InitiatorDoesNotDeadlock(t *testing.T) {
	c := New()
	producer := c.Join()
	defer producer.Leave()

	// The producer initiates maintenance from its own loop. Without the
	// exemption this would deadlock: Acquire would wait for the producer
	// itself to park.
	done := make(chan struct{})
	go func() {
		producer.Exempt(func() {
			release := c.Acquire()
			release()
		})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("self-initiated maintenance deadlocked")
	}
}

func TestLeave_UnblocksAcquire(t *testing.T) {
	c := New()
	p := c.Join()

	acquired := make(chan struct{})
	go func() {
		release := c.Acquire()
		close(acquired)
		release()
	}()

	select {
	case <-acquired:
		t.Fatal("acquire completed while a participant was registered")
	case <-time.After(20 * time.Millisecond):
	}

	p.Leave()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("acquire never completed after the last participant left")
	}
}

func TestAcquire_Serialized(t *testing.T) {
	c := New()

	var active atomic.Int32
	var maxActive atomic.Int32

	doneCh := make(chan struct{})
	for i := 0; i < 4; i++ {
		go func() {
			release := c.Acquire()
			n := active.Add(1)
			if n > maxActive.Load() {
				maxActive.Store(n)
			}
			time.Sleep(time.Millisecond)
			active.Add(-1)
			release()
			doneCh <- struct{}{}
		}()
	}

	for i := 0; i < 4; i++ {
		select {
		case <-doneCh:
		case <-time.After(2 * time.Second):
			t.Fatal("maintenance operations did not all complete")
		}
	}

	require.Equal(t, int32(1), maxActive.Load(), "maintenance must be serialized")
}
