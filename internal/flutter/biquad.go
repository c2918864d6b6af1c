package flutter

import "math"

// Fixed shaping of the weighting filter.
const (
	BandpassCenterHz = 4.0
	BandpassQ        = 1.0
	LowpassCornerHz  = 200.0
	LowpassQ         = 0.707

	// nyquistMargin caps design frequencies below fs/2.
	nyquistMargin = 0.45
)

// BiquadType selects the section response.
type BiquadType int

const (
	Bandpass BiquadType = iota
	Lowpass
)

// Biquad is one second-order IIR section in transposed direct form II.
// The zero value passes input through unchanged.
type Biquad struct {
	b0, b1, b2 float64
	a0, a1, a2 float64
	z1, z2     float64
	configured bool
}

// Configure designs the section for centre/corner frequency f0 at sample
// rate fs and clears the delay line.
func (f *Biquad) Configure(kind BiquadType, fs, f0, q float64) {
	w0 := 2 * math.Pi * f0 / fs
	cosw0 := math.Cos(w0)
	sinw0 := math.Sin(w0)
	alpha := sinw0 / (2 * q)

	switch kind {
	case Bandpass:
		f.b0 = sinw0 / 2
		f.b1 = 0
		f.b2 = -sinw0 / 2
	case Lowpass:
		f.b0 = (1 - cosw0) / 2
		f.b1 = 1 - cosw0
		f.b2 = (1 - cosw0) / 2
	}
	f.a0 = 1 + alpha
	f.a1 = -2 * cosw0
	f.a2 = 1 - alpha

	f.z1, f.z2 = 0, 0
	f.configured = true
}

// Process filters one sample.
func (f *Biquad) Process(x float64) float64 {
	if !f.configured {
		return x
	}
	y := (f.b0/f.a0)*x + f.z1
	f.z1 = (f.b1/f.a0)*x - (f.a1/f.a0)*y + f.z2
	f.z2 = (f.b2/f.a0)*x - (f.a2/f.a0)*y
	return y
}

// Reset clears the delay line, keeping the coefficients.
func (f *Biquad) Reset() {
	f.z1, f.z2 = 0, 0
}

// Chain is the weighting cascade: bandpass then lowpass.
type Chain struct {
	bandpass Biquad
	lowpass  Biquad
	fs       float64
}

// Configure redesigns both sections for sample rate fs.
func (c *Chain) Configure(fs float64) {
	if fs <= 0 || math.IsNaN(fs) || math.IsInf(fs, 0) {
		return
	}
	ceiling := nyquistMargin * fs
	c.bandpass.Configure(Bandpass, fs, math.Min(BandpassCenterHz, ceiling), BandpassQ)
	c.lowpass.Configure(Lowpass, fs, math.Min(LowpassCornerHz, ceiling), LowpassQ)
	c.fs = fs
}

// SampleRate is the rate the chain was last designed for, zero while inert.
func (c *Chain) SampleRate() float64 {
	return c.fs
}

// Configured reports whether coefficients have been computed.
func (c *Chain) Configured() bool {
	return c.bandpass.configured
}

// Process runs x through bandpass then lowpass.
func (c *Chain) Process(x float64) float64 {
	return c.lowpass.Process(c.bandpass.Process(x))
}

// Clone returns a chain with the same coefficients and a zeroed delay line.
func (c *Chain) Clone() Chain {
	out := *c
	out.bandpass.Reset()
	out.lowpass.Reset()
	return out
}

// Reset returns the chain to its inert passthrough state.
func (c *Chain) Reset() {
	*c = Chain{}
}
