// Package whisper provides a Decoder backed by the whisper.cpp CGO bindings.
// The whisper.cpp static library (libwhisper.a) and headers (whisper.h) must
// be available at link time via LIBRARY_PATH and C_INCLUDE_PATH environment
// variables.
//
// whisper.cpp takes the language as a decode parameter rather than through an
// output mask, so every language code whisper knows is accepted. Long input is
// split into 30 s windows, the model's native context length.
package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/callscribe/pkg/audio"
	"github.com/MrWong99/callscribe/pkg/chunk"
	"github.com/MrWong99/callscribe/pkg/lang"
	"github.com/MrWong99/callscribe/pkg/provider/stt"
	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
)

// DefaultWindow is the length of the windows long input is split into.
const DefaultWindow = 30 * time.Second

// Compile-time assertion that Decoder satisfies stt.Decoder.
var _ stt.Decoder = (*Decoder)(nil)

// Decoder implements stt.Decoder using whisper.cpp. The model is loaded once.
// Contexts created from it share the model's decoder state, so Process and
// segment reading are serialised per Decoder: concurrent Transcribe calls are
// safe but decode one window at a time.
type Decoder struct {
	model   whisperlib.Model
	window  time.Duration
	onChunk stt.ChunkHook

	mu sync.Mutex // guards decoding on model
}

// Option is a functional option for configuring a Decoder.
type Option func(*Decoder)

// WithWindow sets the chunk length. Non-positive values disable chunking.
func WithWindow(d time.Duration) Option {
	return func(dec *Decoder) { dec.window = d }
}

// WithChunkHook installs a callback invoked for every chunk.
func WithChunkHook(h stt.ChunkHook) Option {
	return func(d *Decoder) { d.onChunk = h }
}

// New loads the whisper.cpp model at modelPath. The caller must call Close
// when the decoder is no longer needed.
func New(modelPath string, opts ...Option) (*Decoder, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: modelPath must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
	}
	d := &Decoder{model: model, window: DefaultWindow}
	for _, o := range opts {
		o(d)
	}
	return d, nil
}

// Name returns "whisper".
func (d *Decoder) Name() string { return "whisper" }

// Close releases the whisper model.
func (d *Decoder) Close() error {
	if d.model != nil {
		return d.model.Close()
	}
	return nil
}

// Transcribe decodes samples window by window and joins the window texts
// with a space. A window that fails contributes nothing; if every window
// fails the error wraps [stt.ErrAllChunksFailed].
func (d *Decoder) Transcribe(ctx context.Context, samples []float32, language string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(samples) == 0 {
		return "", nil
	}

	d.mu.Lock()
	wctx, err := d.model.NewContext()
	d.mu.Unlock()
	if err != nil {
		return "", fmt.Errorf("whisper: create context: %w", err)
	}
	if err := setLanguage(wctx, language); err != nil {
		return "", err
	}

	var (
		parts   []string
		lastErr error
		failed  int
		total   int
	)
	for c := range chunk.ForEach(samples, audio.SampleRate, d.window, 0) {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		total++
		if d.onChunk != nil {
			d.onChunk(ctx, d.Name())
		}
		d.mu.Lock()
		text, err := infer(wctx, c.Samples)
		d.mu.Unlock()
		if err != nil {
			failed++
			lastErr = err
			slog.Warn("whisper: chunk decode failed", "chunk", c.Index, "err", err)
			continue
		}
		if text != "" {
			parts = append(parts, text)
		}
	}
	if failed == total && lastErr != nil {
		return "", fmt.Errorf("whisper: %w: %w", stt.ErrAllChunksFailed, lastErr)
	}
	return strings.Join(parts, " "), nil
}

// setLanguage selects language on wctx. An empty language keeps the model
// default; one whisper does not know wraps [lang.ErrUnknownLanguage].
func setLanguage(wctx interface{ SetLanguage(string) error }, language string) error {
	if language == "" {
		return nil
	}
	if err := wctx.SetLanguage(language); err != nil {
		return fmt.Errorf("whisper: %w: %q: %w", lang.ErrUnknownLanguage, language, err)
	}
	return nil
}

// infer runs whisper.cpp over samples and returns the concatenated segment
// text. The caller must hold the decoder lock.
func infer(wctx whisperlib.Context, samples []float32) (string, error) {
	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return "", fmt.Errorf("process audio: %w", err)
	}
	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("read segment: %w", err)
		}
		if text := strings.TrimSpace(segment.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " "), nil
}
