package psd

import (
	"github.com/mjibson/go-dsp/fft"
)

// Frequencies returns the n/2+1 one-sided frequency bins of an n-point trace sampled at fs.
func Frequencies(n int, fs float64) []float64 {
	freqs := make([]float64, n/2+1)
	for k := range freqs {
		freqs[k] = float64(k) * fs / float64(n)
	}
	return freqs
}

// Periodogram estimates the one-sided power spectral density of x in units^2/Hz.
// The trace is mean-detrended and not windowed; the DC bin is computed like any other.
func Periodogram(x []float64, fs float64) (freqs, pxx []float64) {
	n := len(x)
	freqs = Frequencies(n, fs)
	pxx = make([]float64, len(freqs))
	if n == 0 {
		return freqs, pxx
	}

	mean := 0.0
	for _, v := range x {
		mean += v
	}
	mean /= float64(n)
	detrended := make([]float64, n)
	for i, v := range x {
		detrended[i] = v - mean
	}

	spectrum := fft.FFTReal(detrended)
	scale := 1 / (fs * float64(n))
	for k := range pxx {
		re, im := real(spectrum[k]), imag(spectrum[k])
		p := (re*re + im*im) * scale
		// Fold the negative frequencies in, except for DC and, for even n, Nyquist.
		if k > 0 && !(n%2 == 0 && k == n/2) {
			p *= 2
		}
		pxx[k] = p
	}
	return freqs, pxx
}
