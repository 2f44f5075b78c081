package detect

// Frequency Transform
//
// Radix-2 Cooley-Tukey FFT over one microphone frame. The detector only ever
// looks at bin magnitudes inside the ultrasonic band, so the transform
// returns per-bin amplitude in dB rather than raw complex output. A Hann
// window is applied first; without it, spectral leakage from the frame edges
// smears carrier energy across neighbouring bins and drags the per-frame
// median (the noise-floor input) upward.

import "math"

// FFT converts a real time-domain frame into its complex spectrum. The input
// length must be a power of two.
func FFT(input []float64) []complex128 {
	complexArray := make([]complex128, len(input))
	for i, v := range input {
		complexArray[i] = complex(v, 0)
	}
	return recursiveFFT(complexArray)
}

func recursiveFFT(complexArray []complex128) []complex128 {
	N := len(complexArray)
	if N <= 1 {
		return complexArray
	}

	even := make([]complex128, N/2)
	odd := make([]complex128, N/2)
	for i := 0; i < N/2; i++ {
		even[i] = complexArray[2*i]
		odd[i] = complexArray[2*i+1]
	}

	even = recursiveFFT(even)
	odd = recursiveFFT(odd)

	fftResult := make([]complex128, N)
	for k := 0; k < N/2; k++ {
		t := complex(math.Cos(-2*math.Pi*float64(k)/float64(N)), math.Sin(-2*math.Pi*float64(k)/float64(N)))
		fftResult[k] = even[k] + t*odd[k]
		fftResult[k+N/2] = even[k] - t*odd[k]
	}

	return fftResult
}

// HannWindow applies the window in place and returns the frame.
func HannWindow(samples []float64) []float64 {
	n := len(samples)
	if n < 2 {
		return samples
	}
	for i := range samples {
		samples[i] *= 0.5 * (1 - math.Cos(2*math.Pi*float64(i)/float64(n-1)))
	}
	return samples
}

// SpectrumDb computes per-bin amplitude in dBFS for the first half of the
// spectrum (the real-input frequency bins).
func SpectrumDb(frame []float64) []float64 {
	spectrum := FFT(frame)
	half := len(spectrum) / 2
	out := make([]float64, half)
	norm := float64(len(frame)) / 2
	for i := 0; i < half; i++ {
		mag := cmplxAbs(spectrum[i]) / norm
		out[i] = 20 * math.Log10(mag+1e-12)
	}
	return out
}

func cmplxAbs(c complex128) float64 {
	return math.Hypot(real(c), imag(c))
}

// BinFrequency maps a bin index to its centre frequency.
func BinFrequency(bin, fftSize, sampleRate int) float64 {
	return float64(bin) * float64(sampleRate) / float64(fftSize)
}
