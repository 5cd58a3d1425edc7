// Package rnnt implements a greedy RNN-Transducer decoder driven by
// external encoder, predictor, joint and per-language projection models.
//
// For every encoder time step the decoder repeatedly feeds the last emitted
// token and the recurrent state to the predictor, adds the predictor output
// to the encoder vector, runs the joint pre-net and the language projection,
// and takes the arg-max of the log-softmax. A blank advances to the next time
// step; any other token is appended to the hypothesis, the new recurrent
// state is accepted, and the same time step is tried again, at most
// MaxSymbolsPerStep times.
//
// Recurrent state is an immutable [DecodeState] threaded through the loop.
// Long input is chunked without overlap and the state of one chunk seeds the
// next, so a recording decodes as one continuous hypothesis.
//
// Model contracts:
//
//	encoder:    audio_signal (1, mels, frames), length (1) -> outputs (1, D, T), encoded_lengths (1)
//	predictor:  targets (1, 1), target_length (1), h_in, c_in (layers, 1, hidden)
//	            -> outputs (1, D, 1) or (1, 1, D), h_out, c_out
//	joint:      input (1, D) -> output (1, H)
//	projection: input (1, H) -> output (1, V) with V = vocabulary + blank
package rnnt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/MrWong99/callscribe/pkg/audio"
	"github.com/MrWong99/callscribe/pkg/chunk"
	"github.com/MrWong99/callscribe/pkg/features"
	"github.com/MrWong99/callscribe/pkg/inference"
	"github.com/MrWong99/callscribe/pkg/lang"
	"github.com/MrWong99/callscribe/pkg/provider/stt"
	"github.com/MrWong99/callscribe/pkg/tensor"
)

// DefaultMaxSymbolsPerStep bounds label emission per encoder time step.
const DefaultMaxSymbolsPerStep = 10

// ErrNoProjection is returned when no output projection model is configured
// for the requested language.
var ErrNoProjection = errors.New("rnnt: no output projection for language")

// Tensor names.
const (
	encOutputs = "outputs"
	encLengths = "encoded_lengths"

	predTargets   = "targets"
	predTargetLen = "target_length"
	predHidden    = "h_in"
	predCell      = "c_in"
	predOutputs   = "outputs"
	predHiddenOut = "h_out"
	predCellOut   = "c_out"

	netInput  = "input"
	netOutput = "output"
)

// Models groups the sessions the decoder drives. Projections maps a
// language code to its output projection.
type Models struct {
	Encoder     inference.Session
	Predictor   inference.Session
	Joint       inference.Session
	Projections map[string]inference.Session
}

// Option is a functional option for configuring a Decoder.
type Option func(*Decoder)

// WithMaxSymbolsPerStep sets the per-time-step emission bound. Values below
// 1 are ignored.
func WithMaxSymbolsPerStep(n int) Option {
	return func(d *Decoder) {
		if n >= 1 {
			d.maxSymbols = n
		}
	}
}

// WithStateShape sets the predictor's LSTM layer count and hidden size.
func WithStateShape(layers, hidden int) Option {
	return func(d *Decoder) {
		d.layers = layers
		d.hidden = hidden
	}
}

// WithChunkDuration sets the length of the chunks long input is split into.
// Non-positive values disable chunking.
func WithChunkDuration(main time.Duration) Option {
	return func(d *Decoder) { d.chunkMain = main }
}

// WithChunkHook installs a callback invoked for every chunk.
func WithChunkHook(h stt.ChunkHook) Option {
	return func(d *Decoder) { d.onChunk = h }
}

// Decoder implements stt.Decoder.
type Decoder struct {
	models    Models
	extractor *features.Extractor
	langs     *lang.Registry

	maxSymbols int
	layers     int
	hidden     int
	chunkMain  time.Duration
	onChunk    stt.ChunkHook
}

// Compile-time assertion that Decoder satisfies stt.Decoder.
var _ stt.Decoder = (*Decoder)(nil)

// New creates an RNNT decoder.
func New(models Models, extractor *features.Extractor, langs *lang.Registry, opts ...Option) (*Decoder, error) {
	if models.Encoder == nil || models.Predictor == nil || models.Joint == nil {
		return nil, errors.New("rnnt: encoder, predictor and joint sessions are required")
	}
	if extractor == nil || langs == nil {
		return nil, errors.New("rnnt: extractor and language registry are required")
	}
	d := &Decoder{
		models:     models,
		extractor:  extractor,
		langs:      langs,
		maxSymbols: DefaultMaxSymbolsPerStep,
		layers:     DefaultLayers,
		hidden:     DefaultHidden,
		chunkMain:  chunk.DefaultMain,
	}
	for _, o := range opts {
		o(d)
	}
	if d.layers <= 0 || d.hidden <= 0 {
		return nil, fmt.Errorf("rnnt: invalid state shape (%d, 1, %d)", d.layers, d.hidden)
	}
	return d, nil
}

// Name returns "rnnt".
func (d *Decoder) Name() string { return "rnnt" }

// Transcribe decodes samples as one continuous hypothesis across chunks. A
// chunk that fails leaves the state untouched and contributes nothing; if
// every chunk fails the error wraps [stt.ErrAllChunksFailed].
func (d *Decoder) Transcribe(ctx context.Context, samples []float32, language string) (string, error) {
	profile, _, err := d.resolve(language)
	if err != nil {
		return "", err
	}
	if len(samples) == 0 {
		return "", nil
	}

	state := d.newState(profile)
	var (
		lastErr error
		failed  int
		total   int
	)
	for c := range chunk.ForEach(samples, audio.SampleRate, d.chunkMain, 0) {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		total++
		if d.onChunk != nil {
			d.onChunk(ctx, d.Name())
		}
		_, next, err := d.DecodeFeatures(ctx, d.extractor.Extract(c.Samples), language, &state)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return "", ctxErr
			}
			failed++
			lastErr = err
			slog.Warn("rnnt: chunk decode failed", "chunk", c.Index, "err", err)
			continue
		}
		state = next
	}
	if failed == total && lastErr != nil {
		return "", fmt.Errorf("rnnt: %w: %w", stt.ErrAllChunksFailed, lastErr)
	}
	return profile.Render(state.Emitted()), nil
}

// DecodeFeatures runs the encoder once over m and the greedy transducer loop
// over its output. A nil initial state starts a fresh hypothesis. The
// returned text renders only the tokens emitted by this call; the returned
// state carries the full hypothesis.
func (d *Decoder) DecodeFeatures(ctx context.Context, m *features.Matrix, language string, initial *DecodeState) (string, DecodeState, error) {
	profile, proj, err := d.resolve(language)
	if err != nil {
		return "", DecodeState{}, err
	}
	state := d.newState(profile)
	if initial != nil {
		state = *initial
	}
	if err := state.validate(d.layers, d.hidden); err != nil {
		return "", state, fmt.Errorf("rnnt: %w", err)
	}
	if m.Empty() {
		return "", state, nil
	}

	enc, validLen, err := d.encode(ctx, m)
	if err != nil {
		return "", state, err
	}

	start := len(state.Tokens)
	final, err := d.decodeLoop(ctx, enc, validLen, profile, proj, state)
	if err != nil {
		return "", state, err
	}
	return profile.Render(final.Tokens[start:]), final, nil
}

func (d *Decoder) resolve(language string) (*lang.Profile, inference.Session, error) {
	profile, err := d.langs.Lookup(language)
	if err != nil {
		return nil, nil, fmt.Errorf("rnnt: %w", err)
	}
	proj, ok := d.models.Projections[language]
	if !ok || proj == nil {
		return nil, nil, fmt.Errorf("%w: %q", ErrNoProjection, language)
	}
	return profile, proj, nil
}

func (d *Decoder) newState(p *lang.Profile) DecodeState {
	return NewState(p.BlankID(), d.layers, d.hidden)
}

// encode runs the encoder and returns its output as (1, T, D) together with
// the number of usable time steps.
func (d *Decoder) encode(ctx context.Context, m *features.Matrix) (*tensor.Tensor, int, error) {
	inputs, err := stt.EncoderInputs(m)
	if err != nil {
		return nil, 0, fmt.Errorf("rnnt: %w", err)
	}
	out, err := d.models.Encoder.Run(ctx, inputs)
	if err != nil {
		return nil, 0, fmt.Errorf("rnnt: encoder: %w", err)
	}
	raw, err := inference.Output(out, encOutputs)
	if err != nil {
		return nil, 0, fmt.Errorf("rnnt: encoder: %w", err)
	}
	enc, err := tensor.Transpose(raw, [3]int{0, 2, 1})
	if err != nil {
		return nil, 0, fmt.Errorf("rnnt: encoder output: %w", err)
	}
	if enc.Shape[0] != 1 {
		return nil, 0, fmt.Errorf("rnnt: %w: encoder batch %d, want 1", tensor.ErrShapeMismatch, enc.Shape[0])
	}

	steps := enc.Shape[1]
	validLen := steps
	if lengths, err := inference.Output(out, encLengths); err == nil && len(lengths.I64) > 0 {
		reported := int(lengths.I64[0])
		if reported != steps {
			slog.Debug("rnnt: encoded length differs from encoder output", "reported", reported, "steps", steps)
		}
		validLen = max(0, min(reported, steps))
	}
	return enc, validLen, nil
}

// prediction is the predictor output for one decode state.
type prediction struct {
	vec          []float32
	hidden, cell *tensor.Tensor
}

func (d *Decoder) decodeLoop(ctx context.Context, enc *tensor.Tensor, validLen int, profile *lang.Profile, proj inference.Session, state DecodeState) (DecodeState, error) {
	blank := profile.BlankID()

	// The predictor output depends only on the state, so it is reused until a
	// token is emitted.
	var pred *prediction
	for t := range validLen {
		if err := ctx.Err(); err != nil {
			return state, err
		}
		encVec, err := enc.Vector(0, t)
		if err != nil {
			return state, fmt.Errorf("rnnt: %w", err)
		}

		for emitted := 0; emitted < d.maxSymbols; emitted++ {
			if pred == nil {
				if pred, err = d.predict(ctx, state); err != nil {
					return state, err
				}
			}
			logits, err := d.joint(ctx, encVec, pred.vec, proj, profile.Size())
			if err != nil {
				return state, err
			}
			token, _ := LogSoftmaxArgMax(logits)
			if token == blank {
				break
			}
			state = state.Append(token, pred.hidden, pred.cell)
			pred = nil
		}
	}
	return state, nil
}

func (d *Decoder) predict(ctx context.Context, state DecodeState) (*prediction, error) {
	targets, err := tensor.NewInt64([]int64{int64(state.Last())}, 1, 1)
	if err != nil {
		return nil, err
	}
	out, err := d.models.Predictor.Run(ctx, map[string]*tensor.Tensor{
		predTargets:   targets,
		predTargetLen: tensor.Scalar64(1),
		predHidden:    state.Hidden,
		predCell:      state.Cell,
	})
	if err != nil {
		return nil, fmt.Errorf("rnnt: predictor: %w", err)
	}
	vec, err := inference.Output(out, predOutputs)
	if err != nil {
		return nil, fmt.Errorf("rnnt: predictor: %w", err)
	}
	h, err := inference.Output(out, predHiddenOut)
	if err != nil {
		return nil, fmt.Errorf("rnnt: predictor: %w", err)
	}
	c, err := inference.Output(out, predCellOut)
	if err != nil {
		return nil, fmt.Errorf("rnnt: predictor: %w", err)
	}
	next := DecodeState{Hidden: h, Cell: c, Tokens: state.Tokens}
	if err := next.validate(d.layers, d.hidden); err != nil {
		return nil, fmt.Errorf("rnnt: predictor: %w", err)
	}
	if vec.DType != tensor.Float32 || vec.Len() == 0 {
		return nil, fmt.Errorf("rnnt: predictor: %w: outputs is %s %v", tensor.ErrShapeMismatch, vec.DType, vec.Shape)
	}
	return &prediction{vec: vec.F32, hidden: h, cell: c}, nil
}

// joint combines one encoder vector with a predictor output and returns the
// language logits.
func (d *Decoder) joint(ctx context.Context, encVec, predVec []float32, proj inference.Session, vocab int) ([]float32, error) {
	if len(encVec) != len(predVec) {
		return nil, fmt.Errorf("rnnt: %w: encoder dim %d != predictor dim %d", tensor.ErrShapeMismatch, len(encVec), len(predVec))
	}
	sum := make([]float32, len(encVec))
	for i := range sum {
		sum[i] = encVec[i] + predVec[i]
	}
	in, err := tensor.NewFloat32(sum, 1, len(sum))
	if err != nil {
		return nil, err
	}
	hidden, err := runNet(ctx, d.models.Joint, in)
	if err != nil {
		return nil, fmt.Errorf("rnnt: joint: %w", err)
	}
	logits, err := runNet(ctx, proj, hidden)
	if err != nil {
		return nil, fmt.Errorf("rnnt: projection: %w", err)
	}
	if len(logits.F32) != vocab {
		return nil, fmt.Errorf("rnnt: projection: %w: %d logits, vocabulary has %d ids", tensor.ErrShapeMismatch, len(logits.F32), vocab)
	}
	return logits.F32, nil
}

// runNet runs a single-input feed-forward model and flattens its output to
// (1, n).
func runNet(ctx context.Context, s inference.Session, in *tensor.Tensor) (*tensor.Tensor, error) {
	out, err := s.Run(ctx, map[string]*tensor.Tensor{netInput: in})
	if err != nil {
		return nil, err
	}
	t, err := inference.Output(out, netOutput)
	if err != nil {
		return nil, err
	}
	if t.DType != tensor.Float32 || t.Len() == 0 {
		return nil, fmt.Errorf("%w: output is %s %v", tensor.ErrShapeMismatch, t.DType, t.Shape)
	}
	return tensor.NewFloat32(t.F32, 1, len(t.F32))
}

// LogSoftmaxArgMax returns the index of the largest log-probability of
// logits and that log-probability, using the max-subtraction form
// logit[i] - (max + log(sum(exp(logit - max)))). Empty input returns -1.
func LogSoftmaxArgMax(logits []float32) (int, float64) {
	if len(logits) == 0 {
		return -1, math.Inf(-1)
	}
	best := 0
	for i, v := range logits {
		if v > logits[best] {
			best = i
		}
	}
	peak := float64(logits[best])
	var sum float64
	for _, v := range logits {
		sum += math.Exp(float64(v) - peak)
	}
	logZ := peak + math.Log(sum)

	bestLP := math.Inf(-1)
	arg := -1
	for i, v := range logits {
		if lp := float64(v) - logZ; arg < 0 || lp > bestLP {
			arg, bestLP = i, lp
		}
	}
	return arg, bestLP
}
