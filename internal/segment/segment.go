// Package segment finds speech regions in a recording.
//
// A [Segmenter] slides a fixed analysis window (1 s by default) over the
// samples with a 50% hop and asks a VAD session whether each window holds
// speech. A two-state machine turns the window decisions into segments:
// entering speech records the window start, leaving speech emits a segment
// ending at the start of the first non-speech window, and speech still active
// at the end of the audio emits a trailing segment. Segments shorter than the
// minimum duration are discarded.
//
// A classifier error counts as "not speech" for that window, unless the VAD
// model is unavailable or every window failed; Segment then returns an error.
package segment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/callscribe/pkg/audio"
	"github.com/MrWong99/callscribe/pkg/inference"
	"github.com/MrWong99/callscribe/pkg/provider/vad"
)

// ErrClassifierFailed is returned by Segment when the VAD failed on every
// window of a recording.
var ErrClassifierFailed = errors.New("segment: vad failed on every window")

// Defaults for the analysis window.
const (
	DefaultWindow    = time.Second
	DefaultMinSpeech = 300 * time.Millisecond
)

// DropHook is notified when a window or segment is discarded. reason is
// "too_short" or "classifier_error".
type DropHook func(ctx context.Context, reason string)

// Option is a functional option for configuring a Segmenter.
type Option func(*Segmenter)

// WithWindow sets the analysis window length. The hop is half the window.
func WithWindow(d time.Duration) Option {
	return func(s *Segmenter) { s.window = d }
}

// WithMinSpeech sets the minimum segment duration. Zero keeps every segment.
func WithMinSpeech(d time.Duration) Option {
	return func(s *Segmenter) { s.minSpeech = d }
}

// WithSpeechThreshold sets the VAD speech probability threshold. Zero selects
// the VAD default.
func WithSpeechThreshold(p float64) Option {
	return func(s *Segmenter) { s.threshold = p }
}

// WithDropHook installs a callback for discarded windows and segments.
func WithDropHook(h DropHook) Option {
	return func(s *Segmenter) { s.onDrop = h }
}

// Segmenter splits a recording into speech segments. It holds no per-run
// state and is safe for concurrent use; each Segment call opens its own VAD
// session.
type Segmenter struct {
	engine    vad.Engine
	window    time.Duration
	minSpeech time.Duration
	threshold float64
	onDrop    DropHook
}

// New creates a Segmenter over engine.
func New(engine vad.Engine, opts ...Option) (*Segmenter, error) {
	if engine == nil {
		return nil, errors.New("segment: vad engine must not be nil")
	}
	s := &Segmenter{
		engine:    engine,
		window:    DefaultWindow,
		minSpeech: DefaultMinSpeech,
	}
	for _, o := range opts {
		o(s)
	}
	if s.window < 2*time.Millisecond {
		return nil, fmt.Errorf("segment: window %v is too short", s.window)
	}
	if s.minSpeech < 0 {
		return nil, fmt.Errorf("segment: negative minimum speech duration %v", s.minSpeech)
	}
	return s, nil
}

// Segment returns the speech segments of samples (16 kHz mono) in time
// order. Empty input and silence yield an empty result. The only errors are
// a VAD session that cannot be created and cancellation of ctx.
func (s *Segmenter) Segment(ctx context.Context, samples []float32) ([]audio.Segment, error) {
	if len(samples) == 0 {
		return nil, nil
	}
	sess, err := s.engine.NewSession(vad.Config{
		SampleRate:      audio.SampleRate,
		FrameSizeMs:     int(s.window / time.Millisecond),
		SpeechThreshold: s.threshold,
	})
	if err != nil {
		return nil, fmt.Errorf("segment: open vad session: %w", err)
	}
	defer func() {
		if err := sess.Close(); err != nil {
			slog.Warn("segment: close vad session", "err", err)
		}
	}()

	windowLen := audio.MsToSample(s.window.Milliseconds(), audio.SampleRate)
	hop := max(1, windowLen/2)

	var (
		segments    []audio.Segment
		inSpeech    bool
		speechStart int64
		windows     int
		failed      int
		lastErr     error
	)
	emit := func(start, end int64) {
		seg := audio.Segment{StartMs: start, EndMs: end}
		if seg.Validate() != nil || seg.Duration() < s.minSpeech {
			slog.Debug("segment: dropping short speech", "segment", seg.String())
			s.drop(ctx, "too_short")
			return
		}
		segments = append(segments, seg)
	}

	for pos := 0; pos < len(samples); pos += hop {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := min(pos+windowLen, len(samples))
		now := audio.SampleToMs(pos, audio.SampleRate)

		speech := false
		windows++
		ev, err := sess.ProcessFrame(ctx, samples[pos:end])
		if err != nil {
			if errors.Is(err, inference.ErrModelUnavailable) {
				return nil, fmt.Errorf("segment: classify window at %dms: %w", now, err)
			}
			failed++
			lastErr = err
			slog.Warn("segment: vad classification failed, treating window as silence", "at", now, "err", err)
			s.drop(ctx, "classifier_error")
		} else {
			speech = ev.IsSpeech()
		}

		switch {
		case speech && !inSpeech:
			inSpeech = true
			speechStart = now
		case !speech && inSpeech:
			inSpeech = false
			emit(speechStart, now)
		}
	}
	if windows > 0 && failed == windows {
		return nil, fmt.Errorf("%w: %w", ErrClassifierFailed, lastErr)
	}
	if inSpeech {
		emit(speechStart, audio.SampleToMs(len(samples), audio.SampleRate))
	}
	return segments, nil
}

func (s *Segmenter) drop(ctx context.Context, reason string) {
	if s.onDrop != nil {
		s.onDrop(ctx, reason)
	}
}
