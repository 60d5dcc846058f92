package watchdog

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestExpiresWithoutPet(t *testing.T) {
	expired := make(chan struct{})
	w := New(func() { close(expired) }, nil)
	w.Enable(20 * time.Millisecond)

	select {
	case <-expired:
	case <-time.After(time.Second):
		t.Fatal("watchdog never expired")
	}
}

func TestPetPreventsExpiry(t *testing.T) {
	var fired atomic.Bool
	w := New(func() { fired.Store(true) }, nil)
	w.Enable(50 * time.Millisecond)
	defer w.Disable()

	for i := 0; i < 10; i++ {
		time.Sleep(10 * time.Millisecond)
		w.Pet()
	}
	assert.False(t, fired.Load(), "watchdog fired despite regular petting")
}

func TestDisableStopsTimer(t *testing.T) {
	var fired atomic.Bool
	w := New(func() { fired.Store(true) }, nil)
	w.Enable(20 * time.Millisecond)
	w.Disable()

	time.Sleep(60 * time.Millisecond)
	assert.False(t, fired.Load())
}

func TestSuspendResume(t *testing.T) {
	var fired atomic.Bool
	w := New(func() { fired.Store(true) }, nil)
	w.Enable(30 * time.Millisecond)
	defer w.Disable()

	resume := w.Suspend()
	time.Sleep(80 * time.Millisecond)
	assert.False(t, fired.Load(), "suspended watchdog must not fire")

	resume()
	time.Sleep(80 * time.Millisecond)
	assert.True(t, fired.Load(), "resumed watchdog must fire without pets")
}

func TestSuspendNilSafe(t *testing.T) {
	var w *Watchdog
	resume := w.Suspend()
	resume()
}

func TestSuspendDisabledIsNoop(t *testing.T) {
	w := New(func() {}, nil)
	resume := w.Suspend()
	resume()
}

func TestResumeIdempotent(t *testing.T) {
	var fired atomic.Bool
	w := New(func() { fired.Store(true) }, nil)
	w.Enable(30 * time.Millisecond)
	defer w.Disable()

	resume := w.Suspend()
	resume()
	resume()
	w.Pet()
	assert.False(t, fired.Load())
}

func TestExpiryDisarmsWatchdog(t *testing.T) {
	var count atomic.Int32
	w := New(func() { count.Add(1) }, nil)
	w.Enable(10 * time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), count.Load(), "expiry must fire once")
}
