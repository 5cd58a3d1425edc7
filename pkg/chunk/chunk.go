// Package chunk splits long recordings into overlapping windows so that
// bounded-memory acoustic models can process audio of any length.
//
// Each chunk carries MainDuration of new audio prefixed with up to
// OverlapDuration of audio the previous chunk already covered. The cursor
// advances by MainDuration, so overlap is re-processed rather than skipped.
// A chunk is only produced while new audio remains, so there is never a
// trailing chunk made of overlap alone.
package chunk

import (
	"fmt"
	"iter"
	"time"
)

// Default window sizes for the CTC path.
const (
	DefaultMain    = 15 * time.Second
	DefaultOverlap = 2 * time.Second
)

// Chunk is one window of a longer recording. Samples aliases the input.
type Chunk struct {
	// Index is the zero-based position of the chunk.
	Index int

	// Start is the sample offset of Samples[0] in the input.
	Start int

	// Overlap is the number of leading samples already covered by the
	// previous chunk.
	Overlap int

	// Samples is the overlap prefix followed by the new audio.
	Samples []float32
}

// End returns the sample offset one past the last sample of the chunk.
func (c Chunk) End() int { return c.Start + len(c.Samples) }

// String returns a human-readable representation for logging.
func (c Chunk) String() string {
	return fmt.Sprintf("chunk %d: samples %d-%d (overlap %d)", c.Index, c.Start, c.End(), c.Overlap)
}

// ForEach yields the chunks of samples in order together with a flag that is
// true for the final chunk. Empty input yields nothing. A non-positive main
// duration yields the whole input as a single chunk; a negative overlap is
// treated as zero.
func ForEach(samples []float32, sampleRate int, main, overlap time.Duration) iter.Seq2[Chunk, bool] {
	return func(yield func(Chunk, bool) bool) {
		n := len(samples)
		if n == 0 {
			return
		}
		step := durationToSamples(main, sampleRate)
		if step <= 0 {
			yield(Chunk{Samples: samples}, true)
			return
		}
		back := max(0, durationToSamples(overlap, sampleRate))

		for i, cursor := 0, 0; cursor < n; i, cursor = i+1, cursor+step {
			start := max(0, cursor-back)
			end := min(cursor+step, n)
			c := Chunk{
				Index:   i,
				Start:   start,
				Overlap: cursor - start,
				Samples: samples[start:end],
			}
			if !yield(c, end == n) {
				return
			}
		}
	}
}

// Count returns the number of chunks ForEach yields for n samples.
func Count(n, sampleRate int, main time.Duration) int {
	if n <= 0 {
		return 0
	}
	step := durationToSamples(main, sampleRate)
	if step <= 0 {
		return 1
	}
	return (n + step - 1) / step
}

func durationToSamples(d time.Duration, sampleRate int) int {
	return int(int64(d) * int64(sampleRate) / int64(time.Second))
}
