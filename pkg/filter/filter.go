// Package filter implements the two-stage conditioning applied to raw ADC
// readings: a median despike stage followed by a single-pole IIR low-pass.
package filter

import "github.com/chewxy/math32"

const (
	// MedianWindow is the despike window length. Must be odd; five samples
	// is 1ms at the 5 kHz acquisition rate, enough to reject a single-sample
	// impulse without smearing real transients.
	MedianWindow = 5

	// CutoffHz is the low-pass corner frequency the default coefficients
	// were computed for.
	CutoffHz = 100.0
)

// Default IIR coefficients for 100 Hz cutoff at 5 kHz sample rate
// (first-order Butterworth low-pass, unity DC gain).
const (
	lpfA0 float32 = 0.06745527
	lpfA1 float32 = 0.06745527
	lpfB1 float32 = -0.86508946
)

// Median removes single-sample spikes using a fixed odd-length circular
// window. Each call inserts the new reading, sorts a working copy, and
// returns the middle value.
type Median struct {
	window [MedianWindow]float32
	index  int
}

// Process inserts a new raw reading and returns the current median.
func (m *Median) Process(raw uint16) float32 {
	m.window[m.index] = float32(raw)
	m.index = (m.index + 1) % MedianWindow

	// Sort a working copy so the window keeps insertion order.
	var sorted [MedianWindow]float32
	copy(sorted[:], m.window[:])
	insertionSort(sorted[:])

	return sorted[MedianWindow/2]
}

// Reset clears the window.
func (m *Median) Reset() {
	for i := range m.window {
		m.window[i] = 0
	}
	m.index = 0
}

// insertionSort sorts in place. Fast for tiny arrays.
func insertionSort(arr []float32) {
	for i := 1; i < len(arr); i++ {
		key := arr[i]
		j := i - 1
		for j >= 0 && arr[j] > key {
			arr[j+1] = arr[j]
			j--
		}
		arr[j+1] = key
	}
}

// LowPass is a single-pole IIR low-pass filter:
//
//	y[n] = a0*x[n] + a1*x[n-1] - b1*y[n-1]
//
// b1 is stored negative, so the subtraction applies positive feedback of
// the previous output.
type LowPass struct {
	a0, a1, b1 float32
	xPrev      float32
	yPrev      float32
}

// NewLowPass returns a low-pass stage with the default 100 Hz @ 5 kHz
// coefficients.
func NewLowPass() *LowPass {
	return &LowPass{a0: lpfA0, a1: lpfA1, b1: lpfB1}
}

// NewLowPassCoeff returns a low-pass stage with explicit coefficients, for
// cutoffs other than the default. See Coefficients.
func NewLowPassCoeff(a0, a1, b1 float32) *LowPass {
	return &LowPass{a0: a0, a1: a1, b1: b1}
}

// Process filters one input sample.
func (f *LowPass) Process(input float32) float32 {
	output := f.a0*input + f.a1*f.xPrev - f.b1*f.yPrev
	f.xPrev = input
	f.yPrev = output
	return output
}

// Reset clears the filter state.
func (f *LowPass) Reset() {
	f.xPrev = 0
	f.yPrev = 0
}

// Coefficients derives first-order Butterworth low-pass coefficients for an
// arbitrary cutoff via the bilinear transform. The result has unity DC gain.
func Coefficients(cutoffHz, sampleRateHz float32) (a0, a1, b1 float32) {
	c := math32.Tan(math32.Pi * cutoffHz / sampleRateHz)
	a0 = c / (1 + c)
	a1 = a0
	b1 = (c - 1) / (1 + c)
	return a0, a1, b1
}

// Conditioner composes the full chain: median despike, then low-pass smooth.
// One instance per physical channel; instances share no state.
type Conditioner struct {
	median Median
	lpf    *LowPass
}

// NewConditioner returns a conditioner with default coefficients.
func NewConditioner() *Conditioner {
	return &Conditioner{lpf: NewLowPass()}
}

// Process runs one raw ADC reading through both stages.
func (c *Conditioner) Process(raw uint16) float32 {
	despiked := c.median.Process(raw)
	return c.lpf.Process(despiked)
}

// Reset clears both stages.
func (c *Conditioner) Reset() {
	c.median.Reset()
	c.lpf.Reset()
}

// Quantize clamps a filtered value back into the 12-bit ADC range so it can
// be stored alongside the raw payload.
func Quantize(v float32) uint16 {
	if v <= 0 {
		return 0
	}
	if v >= 4095 {
		return 4095
	}
	return uint16(v + 0.5)
}
