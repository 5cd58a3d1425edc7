// Package energy provides a model-free vad.Engine that gates on RMS energy.
//
// A window's speech probability is its RMS level divided by twice the
// configured RMS threshold, clamped to [0, 1]; with the default session
// threshold of 0.5 a window is speech exactly when its RMS reaches the level.
//
// Usage:
//
//	eng := energy.New(energy.WithLevel(0.01))
//	sess, err := eng.NewSession(vad.Config{SampleRate: 16000, FrameSizeMs: 1000})
//	ev, err := sess.ProcessFrame(ctx, window)
package energy

import (
	"context"
	"math"

	"github.com/MrWong99/callscribe/pkg/provider/vad"
)

// DefaultLevel is the RMS level (in normalised units) treated as the speech
// boundary: 300 on the 16-bit PCM scale.
const DefaultLevel = 300.0 / 32768.0

// Option is a functional option for configuring an Engine.
type Option func(*Engine)

// WithLevel sets the RMS level that corresponds to probability 0.5.
// Non-positive values are ignored.
func WithLevel(level float64) Option {
	return func(e *Engine) {
		if level > 0 {
			e.level = level
		}
	}
}

// Engine implements vad.Engine. It is stateless and safe for concurrent use.
type Engine struct {
	level float64
}

// Compile-time assertion that Engine satisfies vad.Engine.
var _ vad.Engine = (*Engine)(nil)

// New creates an energy VAD engine.
func New(opts ...Option) *Engine {
	e := &Engine{level: DefaultLevel}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Level returns the configured RMS level.
func (e *Engine) Level() float64 { return e.level }

// NewSession validates cfg and returns a new session.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &session{cfg: cfg, level: e.level}, nil
}

type session struct {
	cfg     vad.Config
	level   float64
	tracker vad.Tracker
}

func (s *session) ProcessFrame(_ context.Context, frame []float32) (vad.VADEvent, error) {
	if err := s.cfg.CheckFrame(frame); err != nil {
		return vad.VADEvent{}, err
	}
	prob := math.Min(1, RMS(frame)/(2*s.level))
	return s.tracker.Observe(prob, s.cfg.SpeechThreshold), nil
}

func (s *session) Reset() { s.tracker.Reset() }

func (s *session) Close() error { return nil }

// RMS returns the root-mean-square level of samples. Returns 0 for an empty
// slice.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s)
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}
