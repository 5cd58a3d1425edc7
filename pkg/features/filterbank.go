package features

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/mat"
)

// ErrResourceLoad is returned when the filterbank resource is missing or
// malformed. It is fatal at setup; there is no silent fallback.
var ErrResourceLoad = errors.New("features: resource load failed")

// Filterbank is an immutable mels × bins matrix of triangular filter weights.
// Bins must equal NFFT/2+1.
type Filterbank struct {
	weights *mat.Dense
}

// NewFilterbank wraps rows (one filter per row) in a Filterbank. Every row
// must have the same, non-zero length.
func NewFilterbank(rows [][]float64) (*Filterbank, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: filterbank has no filters", ErrResourceLoad)
	}
	bins := len(rows[0])
	if bins == 0 {
		return nil, fmt.Errorf("%w: filterbank row 0 is empty", ErrResourceLoad)
	}
	data := make([]float64, 0, len(rows)*bins)
	for i, r := range rows {
		if len(r) != bins {
			return nil, fmt.Errorf("%w: filterbank row %d has %d weights, want %d", ErrResourceLoad, i, len(r), bins)
		}
		data = append(data, r...)
	}
	return &Filterbank{weights: mat.NewDense(len(rows), bins, data)}, nil
}

// Mels returns the number of filters.
func (f *Filterbank) Mels() int {
	r, _ := f.weights.Dims()
	return r
}

// Bins returns the number of spectrum bins each filter spans.
func (f *Filterbank) Bins() int {
	_, c := f.weights.Dims()
	return c
}

// At returns the weight of filter m at spectrum bin k.
func (f *Filterbank) At(m, k int) float64 { return f.weights.At(m, k) }

// LoadFilterbank parses a plain-text filterbank: whitespace-separated floats,
// one filter per line. Blank lines and lines starting with '#' are ignored.
// The result must have exactly [NumMels] filters of [NumBins] weights.
func LoadFilterbank(r io.Reader) (*Filterbank, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1<<20)

	var rows [][]float64
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Fields(text)
		row := make([]float64, len(fields))
		for i, f := range fields {
			v, err := strconv.ParseFloat(f, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: filterbank line %d field %d: %v", ErrResourceLoad, line, i+1, err)
			}
			row[i] = v
		}
		rows = append(rows, row)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("%w: read filterbank: %v", ErrResourceLoad, err)
	}

	fb, err := NewFilterbank(rows)
	if err != nil {
		return nil, err
	}
	if fb.Mels() != NumMels || fb.Bins() != NumBins {
		return nil, fmt.Errorf("%w: filterbank is %dx%d, want %dx%d", ErrResourceLoad, fb.Mels(), fb.Bins(), NumMels, NumBins)
	}
	return fb, nil
}

// LoadFilterbankFile opens path and parses it with [LoadFilterbank].
func LoadFilterbankFile(path string) (*Filterbank, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrResourceLoad, err)
	}
	defer f.Close()
	fb, err := LoadFilterbank(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return fb, nil
}

// BuildFilterbank computes a Slaney-style triangular mel filterbank with
// area normalisation for nFft-point spectra at sampleRate, spanning
// [fMin, fMax] Hz. It is only used when a configuration asks for the built-in
// filterbank explicitly.
func BuildFilterbank(sampleRate, nFft, nMels int, fMin, fMax float64) (*Filterbank, error) {
	if sampleRate <= 0 || nFft <= 0 || nMels <= 0 {
		return nil, fmt.Errorf("features: build filterbank: invalid parameters rate=%d nfft=%d mels=%d", sampleRate, nFft, nMels)
	}
	if fMax <= 0 || fMax > float64(sampleRate)/2 {
		fMax = float64(sampleRate) / 2
	}
	if fMin < 0 || fMin >= fMax {
		return nil, fmt.Errorf("features: build filterbank: fmin %.1f must be in [0, %.1f)", fMin, fMax)
	}

	bins := nFft/2 + 1
	fftFreqs := make([]float64, bins)
	for k := range bins {
		fftFreqs[k] = float64(k) * float64(sampleRate) / float64(nFft)
	}

	// nMels+2 band edges evenly spaced on the mel scale.
	lo, hi := hzToMel(fMin), hzToMel(fMax)
	edges := make([]float64, nMels+2)
	for i := range edges {
		edges[i] = melToHz(lo + (hi-lo)*float64(i)/float64(nMels+1))
	}

	rows := make([][]float64, nMels)
	for m := range nMels {
		row := make([]float64, bins)
		left, centre, right := edges[m], edges[m+1], edges[m+2]
		norm := 2 / (right - left)
		for k, f := range fftFreqs {
			lower := (f - left) / (centre - left)
			upper := (right - f) / (right - centre)
			if w := math.Min(lower, upper); w > 0 {
				row[k] = w * norm
			}
		}
		rows[m] = row
	}
	return NewFilterbank(rows)
}

// Slaney mel scale: linear below 1 kHz, logarithmic above.
const (
	melFSp       = 200.0 / 3
	melMinLogHz  = 1000.0
	melMinLogMel = melMinLogHz / melFSp
)

var melLogStep = math.Log(6.4) / 27

func hzToMel(hz float64) float64 {
	if hz < melMinLogHz {
		return hz / melFSp
	}
	return melMinLogMel + math.Log(hz/melMinLogHz)/melLogStep
}

func melToHz(mel float64) float64 {
	if mel < melMinLogMel {
		return mel * melFSp
	}
	return melMinLogHz * math.Exp(melLogStep*(mel-melMinLogMel))
}
