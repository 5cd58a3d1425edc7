// Package audio holds the waveform and segment types shared by every stage of
// the transcription pipeline, plus PCM/WAV decoding helpers.
//
// A [Waveform] is owned by the caller. Pipeline stages borrow sub-slices of
// its samples and never write to them.
package audio

import (
	"fmt"
	"time"
)

// SampleRate is the only rate the pipeline processes, in Hz.
const SampleRate = 16000

// Waveform is a mono sequence of normalised samples in [-1.0, 1.0].
type Waveform struct {
	Samples    []float32
	SampleRate int
}

// NewWaveform wraps samples recorded at [SampleRate].
func NewWaveform(samples []float32) Waveform {
	return Waveform{Samples: samples, SampleRate: SampleRate}
}

// Duration returns the length of the waveform.
func (w Waveform) Duration() time.Duration {
	if w.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(w.Samples)) * time.Second / time.Duration(w.SampleRate)
}

// Slice returns the samples covered by seg, clamped to the waveform bounds.
// The result aliases w.Samples.
func (w Waveform) Slice(seg Segment) []float32 {
	start := MsToSample(seg.StartMs, w.SampleRate)
	end := MsToSample(seg.EndMs, w.SampleRate)
	start = max(0, min(start, len(w.Samples)))
	end = max(start, min(end, len(w.Samples)))
	return w.Samples[start:end]
}

// Segment is a half-open speech interval [StartMs, EndMs) into a waveform.
type Segment struct {
	StartMs int64
	EndMs   int64
}

// Duration returns the segment length.
func (s Segment) Duration() time.Duration {
	return time.Duration(s.EndMs-s.StartMs) * time.Millisecond
}

// Validate reports whether EndMs > StartMs.
func (s Segment) Validate() error {
	if s.EndMs <= s.StartMs {
		return fmt.Errorf("audio: segment end %dms is not after start %dms", s.EndMs, s.StartMs)
	}
	return nil
}

// String returns e.g. "1.500s-3.000s".
func (s Segment) String() string {
	return fmt.Sprintf("%.3fs-%.3fs", float64(s.StartMs)/1000, float64(s.EndMs)/1000)
}

// MsToSample converts a millisecond offset to a sample index.
func MsToSample(ms int64, sampleRate int) int {
	return int(ms * int64(sampleRate) / 1000)
}

// SampleToMs converts a sample index to a millisecond offset.
func SampleToMs(n int, sampleRate int) int64 {
	if sampleRate <= 0 {
		return 0
	}
	return int64(n) * 1000 / int64(sampleRate)
}
