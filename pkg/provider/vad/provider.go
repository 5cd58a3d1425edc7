// Package vad defines the Engine interface for Voice Activity Detection backends.
//
// A VAD engine wraps a window-level speech classifier (an RMS energy gate or a
// VAD model run through the inference engine) and surfaces it as a stateful
// session. Each session remembers whether the previous window was speech so it
// can report start/continue/end transitions; Reset clears that memory.
//
// ProcessFrame blocks for the duration of one classifier call. Callers treat a
// classifier error as "not speech" for that window.
//
// Implementations must be safe for concurrent use across different sessions.
// A single SessionHandle should not be shared across goroutines unless the
// implementation explicitly documents thread safety for that type.
package vad

import (
	"context"
	"errors"
	"fmt"
)

// DefaultSpeechThreshold is the probability at or above which a window is
// speech when Config.SpeechThreshold is zero.
const DefaultSpeechThreshold = 0.5

// Config holds the parameters for a VAD session.
type Config struct {
	// SampleRate is the audio sample rate in Hz. Must match the rate of the
	// samples passed to ProcessFrame.
	SampleRate int

	// FrameSizeMs is the duration of a full analysis window in milliseconds.
	// ProcessFrame accepts shorter frames (the tail of a recording) but
	// rejects longer ones.
	FrameSizeMs int

	// SpeechThreshold is the probability at or above which a window is
	// classified as speech. Range: [0.0, 1.0]. Zero selects
	// [DefaultSpeechThreshold].
	SpeechThreshold float64
}

// Validate checks the configuration and fills in defaults.
func (c *Config) Validate() error {
	var errs []error
	if c.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("vad: sample rate must be positive, got %d", c.SampleRate))
	}
	if c.FrameSizeMs <= 0 {
		errs = append(errs, fmt.Errorf("vad: frame size must be positive, got %dms", c.FrameSizeMs))
	}
	if c.SpeechThreshold < 0 || c.SpeechThreshold > 1 {
		errs = append(errs, fmt.Errorf("vad: speech threshold must be in [0, 1], got %g", c.SpeechThreshold))
	}
	if c.SpeechThreshold == 0 {
		c.SpeechThreshold = DefaultSpeechThreshold
	}
	return errors.Join(errs...)
}

// FrameSamples returns the number of samples in a full window.
func (c Config) FrameSamples() int {
	return c.SampleRate * c.FrameSizeMs / 1000
}

// CheckFrame returns an error if frame is empty or longer than a full window.
func (c Config) CheckFrame(frame []float32) error {
	if len(frame) == 0 {
		return errors.New("vad: empty frame")
	}
	if n := c.FrameSamples(); len(frame) > n {
		return fmt.Errorf("vad: frame has %d samples, want at most %d", len(frame), n)
	}
	return nil
}

// SessionHandle represents an active VAD session for a single recording. It
// is an interface so that test code can supply mock implementations without a
// live engine.
type SessionHandle interface {
	// ProcessFrame classifies one window of normalised mono samples and
	// returns the detection result. The frame must be at the configured
	// SampleRate and no longer than FrameSizeMs.
	ProcessFrame(ctx context.Context, frame []float32) (VADEvent, error)

	// Reset clears the previous-window memory without closing the session.
	Reset()

	// Close releases all resources associated with the session. Calling Close
	// more than once is safe and returns nil.
	Close() error
}

// Engine is the factory for VAD sessions. It is the top-level interface
// implemented by each VAD backend.
//
// Implementations must be safe for concurrent use: multiple goroutines may call
// NewSession simultaneously to create independent sessions.
type Engine interface {
	// NewSession creates a new VAD session with the given configuration.
	// Returns an error if the configuration is invalid.
	NewSession(cfg Config) (SessionHandle, error)
}
