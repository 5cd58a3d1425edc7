// Package features turns PCM samples into the log-mel spectrogram consumed
// by the acoustic encoders.
//
// The transform, in order: additive dither, centre padding of NFFT/2 zeros on
// both ends, 400-sample Hann-windowed frames every 160 samples, a 512-point
// real FFT, the power spectrum, projection onto an 80-band mel filterbank,
// natural log with a 1e-10 floor, and utterance-level mean normalisation.
// The result is laid out mel-major.
//
// Extraction is deterministic: the dither generator is re-seeded from the
// extractor's seed on every call.
//
// Usage:
//
//	fb, err := features.LoadFilterbankFile("filterbank.txt")
//	ex, err := features.NewExtractor(fb)
//	m := ex.Extract(samples)
//	t, err := m.Tensor() // (1, 80, frames) for the encoder
package features

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/mat"

	"github.com/MrWong99/callscribe/pkg/tensor"
)

// Analysis constants shared by every acoustic model the pipeline drives.
const (
	NFFT      = 512
	WinLength = 400
	HopLength = 160
	NumMels   = 80
	NumBins   = NFFT/2 + 1

	// DefaultDither is the standard deviation of the additive noise.
	DefaultDither = 1e-5

	logFloor = 1e-10
)

// Matrix is an immutable mels × frames spectrogram stored row-major by mel
// band: Data[m*Frames+t].
type Matrix struct {
	Mels   int
	Frames int
	Data   []float32
}

// Empty reports whether the matrix has no frames.
func (m *Matrix) Empty() bool { return m == nil || m.Frames == 0 }

// At returns the value of mel band b at frame t.
func (m *Matrix) At(b, t int) float32 { return m.Data[b*m.Frames+t] }

// Tensor wraps the matrix as a (1, mels, frames) float32 tensor. The tensor
// shares m's storage.
func (m *Matrix) Tensor() (*tensor.Tensor, error) {
	if m == nil {
		return nil, fmt.Errorf("%w: nil feature matrix", tensor.ErrShapeMismatch)
	}
	return tensor.NewFloat32(m.Data, 1, m.Mels, m.Frames)
}

// Option configures an [Extractor].
type Option func(*Extractor)

// WithSeed sets the dither seed. Two extractors with the same seed produce
// identical output for identical input.
func WithSeed(seed uint64) Option {
	return func(e *Extractor) { e.seed = seed }
}

// WithDither sets the dither amplitude. Zero disables dithering.
func WithDither(amp float64) Option {
	return func(e *Extractor) { e.dither = amp }
}

// Extractor computes log-mel spectrograms. It holds no per-call state and is
// safe for concurrent use.
type Extractor struct {
	fb     *Filterbank
	window []float64
	seed   uint64
	dither float64
}

// NewExtractor creates an extractor over fb, which must span [NumBins] bins.
func NewExtractor(fb *Filterbank, opts ...Option) (*Extractor, error) {
	if fb == nil {
		return nil, fmt.Errorf("%w: nil filterbank", ErrResourceLoad)
	}
	if fb.Bins() != NumBins {
		return nil, fmt.Errorf("%w: filterbank spans %d bins, want %d", ErrResourceLoad, fb.Bins(), NumBins)
	}
	e := &Extractor{
		fb:     fb,
		window: frameWindow(),
		dither: DefaultDither,
	}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

// Mels returns the number of mel bands in every extracted matrix.
func (e *Extractor) Mels() int { return e.fb.Mels() }

// FrameCount returns the number of frames Extract produces for n samples.
func FrameCount(n int) int {
	if n <= 0 {
		return 0
	}
	return 1 + n/HopLength
}

// Extract computes the normalised log-mel spectrogram of samples. Empty input
// yields an empty matrix.
func (e *Extractor) Extract(samples []float32) *Matrix {
	mels := e.fb.Mels()
	if len(samples) == 0 {
		return &Matrix{Mels: mels}
	}

	// Dither, then centre-pad with NFFT/2 zeros on each side.
	pad := NFFT / 2
	padded := make([]float64, len(samples)+2*pad)
	rng := rand.New(rand.NewPCG(e.seed, e.seed^0x9e3779b97f4a7c15))
	for i, s := range samples {
		v := float64(s)
		if e.dither != 0 {
			v += e.dither * rng.NormFloat64()
		}
		padded[pad+i] = v
	}

	frames := 1 + (len(padded)-NFFT)/HopLength
	fft := fourier.NewFFT(NFFT)
	frame := make([]float64, NFFT)
	coeffs := make([]complex128, NumBins)

	// Power spectrum, frame-major: power[t*NumBins+k].
	power := make([]float64, frames*NumBins)
	for t := range frames {
		off := t * HopLength
		for i := range NFFT {
			frame[i] = padded[off+i] * e.window[i]
		}
		coeffs = fft.Coefficients(coeffs, frame)
		row := power[t*NumBins : (t+1)*NumBins]
		for k := range NumBins - 1 {
			re, im := real(coeffs[k]), imag(coeffs[k])
			row[k] = re*re + im*im
		}
		// The Nyquist bin of a real even-length FFT is purely real.
		nyq := real(coeffs[NumBins-1])
		row[NumBins-1] = nyq * nyq
	}

	// (mels × bins) · (bins × frames) gives the mel-major layout directly.
	spec := mat.NewDense(frames, NumBins, power)
	var melSpec mat.Dense
	melSpec.Mul(e.fb.weights, spec.T())
	raw := melSpec.RawMatrix()

	out := &Matrix{Mels: mels, Frames: frames, Data: make([]float32, mels*frames)}
	var sum float64
	logs := make([]float64, mels*frames)
	for b := range mels {
		for t := range frames {
			v := math.Log(math.Max(raw.Data[b*raw.Stride+t], logFloor))
			logs[b*frames+t] = v
			sum += v
		}
	}
	mean := sum / float64(len(logs))
	for i, v := range logs {
		out.Data[i] = float32(v - mean)
	}
	return out
}

// frameWindow returns an NFFT-length frame weighting: a periodic Hann window
// of WinLength samples centred in the frame, zero elsewhere.
func frameWindow() []float64 {
	w := make([]float64, NFFT)
	off := (NFFT - WinLength) / 2
	for i := range WinLength {
		w[off+i] = 0.5 - 0.5*math.Cos(2*math.Pi*float64(i)/WinLength)
	}
	return w
}
