package fsk

// Output Highpass Filtering
//
// A cheap speaker driven hard at 18kHz+ produces audible sub-harmonic
// transients at pulse edges. Routing the rendered signal through a highpass
// whose cutoff sits just below the lower carrier suppresses those transients
// while passing both carriers unattenuated. A single biquad gives 12dB/oct;
// cascading two of them steepens the skirt without touching the passband.

import "math"

// Biquad is a direct-form-I second-order IIR section.
type Biquad struct {
	b0, b1, b2, a1, a2 float64
	x1, x2, y1, y2     float64
}

// NewHighpass builds an RBJ-cookbook highpass section.
func NewHighpass(sampleRate int, cutoffHz, q float64) *Biquad {
	w0 := 2 * math.Pi * cutoffHz / float64(sampleRate)
	cosW0 := math.Cos(w0)
	alpha := math.Sin(w0) / (2 * q)

	a0 := 1 + alpha
	return &Biquad{
		b0: (1 + cosW0) / 2 / a0,
		b1: -(1 + cosW0) / a0,
		b2: (1 + cosW0) / 2 / a0,
		a1: -2 * cosW0 / a0,
		a2: (1 - alpha) / a0,
	}
}

// Process filters one sample.
func (f *Biquad) Process(x float64) float64 {
	y := f.b0*x + f.b1*f.x1 + f.b2*f.x2 - f.a1*f.y1 - f.a2*f.y2
	f.x2, f.x1 = f.x1, x
	f.y2, f.y1 = f.y1, y
	return y
}

// Reset clears the filter's delay line.
func (f *Biquad) Reset() {
	f.x1, f.x2, f.y1, f.y2 = 0, 0, 0, 0
}

// HighpassChain is a cascade of identical highpass sections.
type HighpassChain []*Biquad

// NewHighpassChain builds n cascaded sections with Butterworth Q.
func NewHighpassChain(n, sampleRate int, cutoffHz float64) HighpassChain {
	chain := make(HighpassChain, n)
	for i := range chain {
		chain[i] = NewHighpass(sampleRate, cutoffHz, math.Sqrt2/2)
	}
	return chain
}

// Apply filters the buffer in place and returns it.
func (c HighpassChain) Apply(samples []float64) []float64 {
	for _, stage := range c {
		stage.Reset()
		for i, x := range samples {
			samples[i] = stage.Process(x)
		}
	}
	return samples
}
