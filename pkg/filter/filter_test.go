package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMedian_RejectsSpike(t *testing.T) {
	var m Median

	input := []uint16{10, 10, 10, 9999, 10}
	var outputs []float32
	for _, v := range input {
		outputs = append(outputs, m.Process(v))
	}

	// The spike position must come out as the surrounding level.
	assert.Equal(t, float32(10), outputs[3])
	// And the spike never dominates afterwards either.
	assert.Equal(t, float32(10), outputs[4])
}

func TestMedian_PassesSteadySignal(t *testing.T) {
	var m Median

	// Once the window is full of a constant, the median is that constant.
	var out float32
	for i := 0; i < MedianWindow; i++ {
		out = m.Process(100)
	}
	assert.Equal(t, float32(100), out)
}

func TestMedian_Reset(t *testing.T) {
	var m Median
	for i := 0; i < MedianWindow; i++ {
		m.Process(4000)
	}
	m.Reset()

	// After reset the window is zeros again, so one high sample is an outlier.
	assert.Equal(t, float32(0), m.Process(4000))
}

func TestLowPass_ConvergesToDC(t *testing.T) {
	f := NewLowPass()

	var out float32
	for i := 0; i < 2000; i++ {
		out = f.Process(1000)
	}

	// Unity DC gain: a constant input converges to itself.
	assert.InDelta(t, 1000.0, float64(out), 1.0)
}

func TestLowPass_StepResponseIsMonotonic(t *testing.T) {
	f := NewLowPass()

	prev := float32(0)
	for i := 0; i < 200; i++ {
		out := f.Process(1000)
		assert.GreaterOrEqual(t, out, prev, "step response should rise monotonically")
		assert.LessOrEqual(t, out, float32(1000.5))
		prev = out
	}
}

func TestLowPass_Reset(t *testing.T) {
	f := NewLowPass()
	f.Process(4000)
	f.Process(4000)
	f.Reset()

	// Identical to a fresh filter after reset.
	fresh := NewLowPass()
	assert.Equal(t, fresh.Process(500), f.Process(500))
}

func TestCoefficients_UnityDCGain(t *testing.T) {
	tests := []struct {
		name   string
		cutoff float32
		rate   float32
	}{
		{name: "100Hz at 5kHz", cutoff: 100, rate: 5000},
		{name: "50Hz at 5kHz", cutoff: 50, rate: 5000},
		{name: "1kHz at 48kHz", cutoff: 1000, rate: 48000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a0, a1, b1 := Coefficients(tt.cutoff, tt.rate)
			// DC gain = (a0+a1)/(1+b1)
			gain := (a0 + a1) / (1 + b1)
			assert.InDelta(t, 1.0, float64(gain), 1e-5)
			// A lower cutoff means a slower filter (pole closer to -1).
			assert.Less(t, b1, float32(0))
		})
	}
}

func TestConditioner_SpikeSuppressed(t *testing.T) {
	c := NewConditioner()

	// Settle on a steady level first.
	var settled float32
	for i := 0; i < 2000; i++ {
		settled = c.Process(2000)
	}

	// A single impulse must barely move the output.
	spiked := c.Process(4095)
	assert.InDelta(t, float64(settled), float64(spiked), 5.0)
}

func TestConditioner_Reset(t *testing.T) {
	c := NewConditioner()
	for i := 0; i < 100; i++ {
		c.Process(3000)
	}
	c.Reset()

	fresh := NewConditioner()
	assert.Equal(t, fresh.Process(1234), c.Process(1234))
}

func TestQuantize(t *testing.T) {
	tests := []struct {
		name string
		in   float32
		want uint16
	}{
		{name: "negative clamps to zero", in: -12.5, want: 0},
		{name: "zero", in: 0, want: 0},
		{name: "rounds nearest", in: 100.6, want: 101},
		{name: "rounds down", in: 100.4, want: 100},
		{name: "max", in: 4095, want: 4095},
		{name: "above max clamps", in: 5000, want: 4095},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Quantize(tt.in))
		})
	}
}
