// Package ctc implements a greedy CTC decoder with per-language output
// masking.
//
// One encoder call per chunk produces per-frame log-probabilities over a
// shared multilingual vocabulary ("logprobs", (1, T, V)). The language
// profile's mask restricts the per-frame arg-max to that language's global
// indices; the winning local ids are repeat-collapsed, blanks are removed,
// and the rest are rendered through the profile's vocabulary.
//
// Long input is decoded in overlapping chunks (15 s + 2 s by default) whose
// texts are joined with a space. Words at chunk seams may appear twice.
package ctc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/MrWong99/callscribe/pkg/audio"
	"github.com/MrWong99/callscribe/pkg/chunk"
	"github.com/MrWong99/callscribe/pkg/features"
	"github.com/MrWong99/callscribe/pkg/inference"
	"github.com/MrWong99/callscribe/pkg/lang"
	"github.com/MrWong99/callscribe/pkg/provider/stt"
	"github.com/MrWong99/callscribe/pkg/tensor"
)

const outputName = "logprobs"

// Option is a functional option for configuring a Decoder.
type Option func(*Decoder)

// WithChunking sets the chunk window. Non-positive main disables chunking.
func WithChunking(main, overlap time.Duration) Option {
	return func(d *Decoder) {
		d.chunkMain = main
		d.chunkOverlap = overlap
	}
}

// WithChunkHook installs a callback invoked for every chunk.
func WithChunkHook(h stt.ChunkHook) Option {
	return func(d *Decoder) { d.onChunk = h }
}

// Decoder implements stt.Decoder.
type Decoder struct {
	encoder   inference.Session
	extractor *features.Extractor
	langs     *lang.Registry

	chunkMain    time.Duration
	chunkOverlap time.Duration
	onChunk      stt.ChunkHook
}

// Compile-time assertion that Decoder satisfies stt.Decoder.
var _ stt.Decoder = (*Decoder)(nil)

// New creates a CTC decoder.
func New(encoder inference.Session, extractor *features.Extractor, langs *lang.Registry, opts ...Option) (*Decoder, error) {
	if encoder == nil || extractor == nil || langs == nil {
		return nil, errors.New("ctc: encoder, extractor and language registry are required")
	}
	d := &Decoder{
		encoder:      encoder,
		extractor:    extractor,
		langs:        langs,
		chunkMain:    chunk.DefaultMain,
		chunkOverlap: chunk.DefaultOverlap,
	}
	for _, o := range opts {
		o(d)
	}
	return d, nil
}

// Name returns "ctc".
func (d *Decoder) Name() string { return "ctc" }

// Transcribe decodes samples chunk by chunk. A missing language mask is a
// hard error. A chunk that fails contributes nothing; if every chunk fails
// the error wraps [stt.ErrAllChunksFailed].
func (d *Decoder) Transcribe(ctx context.Context, samples []float32, language string) (string, error) {
	profile, err := d.langs.LookupMasked(language)
	if err != nil {
		return "", fmt.Errorf("ctc: %w", err)
	}
	if len(samples) == 0 {
		return "", nil
	}

	var (
		parts   []string
		lastErr error
		failed  int
		total   int
	)
	for c := range chunk.ForEach(samples, audio.SampleRate, d.chunkMain, d.chunkOverlap) {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		total++
		if d.onChunk != nil {
			d.onChunk(ctx, d.Name())
		}
		text, err := d.DecodeFeatures(ctx, d.extractor.Extract(c.Samples), profile)
		if err != nil {
			failed++
			lastErr = err
			slog.Warn("ctc: chunk decode failed", "chunk", c.Index, "err", err)
			continue
		}
		if text != "" {
			parts = append(parts, text)
		}
	}
	if failed == total && lastErr != nil {
		return "", fmt.Errorf("ctc: %w: %w", stt.ErrAllChunksFailed, lastErr)
	}
	return strings.Join(parts, " "), nil
}

// DecodeFeatures runs the encoder once over m and greedily decodes the
// result with profile's mask and vocabulary.
func (d *Decoder) DecodeFeatures(ctx context.Context, m *features.Matrix, profile *lang.Profile) (string, error) {
	if m.Empty() {
		return "", nil
	}
	if !profile.HasMask() {
		return "", fmt.Errorf("ctc: %w: %q", lang.ErrNoMask, profile.Code)
	}
	inputs, err := stt.EncoderInputs(m)
	if err != nil {
		return "", fmt.Errorf("ctc: %w", err)
	}
	out, err := d.encoder.Run(ctx, inputs)
	if err != nil {
		return "", fmt.Errorf("ctc: encoder: %w", err)
	}
	logprobs, err := inference.Output(out, outputName)
	if err != nil {
		return "", fmt.Errorf("ctc: %w", err)
	}
	ids, err := GreedyDecode(logprobs, profile.Mask, profile.BlankID())
	if err != nil {
		return "", fmt.Errorf("ctc: %w", err)
	}
	return profile.Render(ids), nil
}

// GreedyDecode takes the masked arg-max of every frame of a (1, T, V)
// log-probability tensor, collapses consecutive repeats and removes blank.
// The returned ids are mask-local. Mask entries outside [0, V) are skipped;
// a frame with no usable entry counts as blank.
func GreedyDecode(logprobs *tensor.Tensor, mask []int, blank int) ([]int, error) {
	if logprobs.DType != tensor.Float32 || len(logprobs.Shape) != 3 || logprobs.Shape[0] != 1 {
		return nil, fmt.Errorf("%w: logprobs is %s %v, want float32 (1, T, V)", tensor.ErrShapeMismatch, logprobs.DType, logprobs.Shape)
	}
	frames, vocab := logprobs.Shape[1], logprobs.Shape[2]

	skipped := 0
	for _, g := range mask {
		if g < 0 || g >= vocab {
			skipped++
		}
	}
	if skipped > 0 {
		slog.Debug("ctc: mask has out-of-range indices", "count", skipped, "vocab", vocab)
	}

	var ids []int
	prev := -1
	for t := range frames {
		row, err := logprobs.Vector(0, t)
		if err != nil {
			return nil, err
		}
		best := blank
		bestVal := float32(0)
		found := false
		for local, global := range mask {
			if global < 0 || global >= vocab {
				continue
			}
			if v := row[global]; !found || v > bestVal {
				best, bestVal, found = local, v, true
			}
		}
		if best != prev && best != blank {
			ids = append(ids, best)
		}
		prev = best
	}
	return ids, nil
}
