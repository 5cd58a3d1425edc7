// Package transcript turns a recording into an ordered, speaker-labelled
// transcript.
//
// The [Pipeline] runs the stages strictly in sequence: voice-activity
// segmentation, then for every speech segment a speaker embedding, an
// online clustering decision and an acoustic decode, and finally [Merge],
// which joins neighbouring segments of the same speaker.
//
// A segment whose embedding or decode fails, or whose text is empty, is
// dropped and counted; it never aborts the recording. Errors that would fail
// every segment the same way (an unknown language, a decoder without a mask
// or projection for it, a model that cannot be loaded) are returned instead. Silence yields an empty
// transcript and no error.
package transcript

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/callscribe/internal/diarize"
	"github.com/MrWong99/callscribe/internal/observe"
	"github.com/MrWong99/callscribe/internal/segment"
	"github.com/MrWong99/callscribe/pkg/audio"
	"github.com/MrWong99/callscribe/pkg/inference"
	"github.com/MrWong99/callscribe/pkg/lang"
	"github.com/MrWong99/callscribe/pkg/provider/embeddings"
	"github.com/MrWong99/callscribe/pkg/provider/stt"
	"github.com/MrWong99/callscribe/pkg/provider/stt/rnnt"
)

// Segment is one decoded, speaker-attributed stretch of speech.
type Segment struct {
	Speaker int    `json:"speaker"`
	StartMs int64  `json:"start_ms"`
	EndMs   int64  `json:"end_ms"`
	Text    string `json:"text"`
}

// Option is a functional option for configuring a Pipeline.
type Option func(*Pipeline)

// WithSpeakerThreshold sets the cosine similarity a segment must exceed to
// join an existing speaker.
func WithSpeakerThreshold(t float64) Option {
	return func(p *Pipeline) { p.threshold = t }
}

// WithConversationBreak sets the largest silence across which neighbouring
// segments of one speaker are still merged. Zero merges regardless of gap.
func WithConversationBreak(d time.Duration) Option {
	return func(p *Pipeline) { p.convBreak = d }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// Pipeline composes segmentation, diarization and decoding. It keeps no
// per-recording state between calls, so one Pipeline may serve concurrent
// recordings; each Transcribe call owns its own speaker clusterer.
type Pipeline struct {
	segmenter *segment.Segmenter
	embedder  embeddings.Provider
	decoder   stt.Decoder

	threshold float64
	convBreak time.Duration
	metrics   *observe.Metrics
}

// New creates a Pipeline.
func New(seg *segment.Segmenter, emb embeddings.Provider, dec stt.Decoder, opts ...Option) (*Pipeline, error) {
	if seg == nil || emb == nil || dec == nil {
		return nil, errors.New("transcript: segmenter, embedding provider and decoder are required")
	}
	p := &Pipeline{
		segmenter: seg,
		embedder:  emb,
		decoder:   dec,
		threshold: diarize.DefaultThreshold,
	}
	for _, o := range opts {
		o(p)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	if p.convBreak < 0 {
		return nil, fmt.Errorf("transcript: negative conversation break %v", p.convBreak)
	}
	if _, err := diarize.New(p.threshold); err != nil {
		return nil, fmt.Errorf("transcript: %w", err)
	}
	return p, nil
}

// Decoder returns the decoder the pipeline uses.
func (p *Pipeline) Decoder() stt.Decoder { return p.decoder }

// Transcribe produces the merged transcript of wf in language. If ctx does
// not carry a run id (see [observe.WithRunID]) a new one is assigned.
func (p *Pipeline) Transcribe(ctx context.Context, wf audio.Waveform, language string) ([]Segment, error) {
	if wf.SampleRate != audio.SampleRate {
		return nil, fmt.Errorf("transcript: sample rate %d, want %d", wf.SampleRate, audio.SampleRate)
	}
	if observe.RunID(ctx) == "" {
		ctx = observe.WithRunID(ctx, uuid.NewString())
	}
	ctx, span := observe.StartSpan(ctx, "transcript.transcribe", trace.WithAttributes(
		attribute.String("callscribe.run_id", observe.RunID(ctx)),
		attribute.String("callscribe.language", language),
		attribute.String("callscribe.decoder", p.decoder.Name()),
	))
	defer span.End()
	log := observe.Logger(ctx)

	start := time.Now()
	p.metrics.ActiveRecordings.Add(ctx, 1)
	defer func() {
		p.metrics.ActiveRecordings.Add(ctx, -1)
		p.metrics.TranscribeDuration.Record(ctx, time.Since(start).Seconds())
	}()

	vadStart := time.Now()
	speech, err := p.segmenter.Segment(ctx, wf.Samples)
	p.metrics.VADDuration.Record(ctx, time.Since(vadStart).Seconds())
	if err != nil {
		return nil, fmt.Errorf("transcript: %w", err)
	}
	log.Info("speech segments found", "count", len(speech), "duration", wf.Duration())
	if len(speech) == 0 {
		return []Segment{}, nil
	}

	clusterer, err := diarize.New(p.threshold)
	if err != nil {
		return nil, fmt.Errorf("transcript: %w", err)
	}

	decoded := make([]Segment, 0, len(speech))
	for _, seg := range speech {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out, ok, err := p.process(ctx, clusterer, wf, seg, language)
		if err != nil {
			return nil, err
		}
		if ok {
			decoded = append(decoded, out)
		}
	}

	merged := Merge(decoded, p.convBreak)
	log.Info("transcription complete",
		"segments", len(speech),
		"decoded", len(decoded),
		"merged", len(merged),
		"speakers", clusterer.Len(),
		"elapsed", time.Since(start),
	)
	return merged, nil
}

// process diarizes and decodes one segment. ok is false when the segment was
// dropped; err is non-nil only for failures that abort the recording.
func (p *Pipeline) process(ctx context.Context, clusterer *diarize.Clusterer, wf audio.Waveform, seg audio.Segment, language string) (Segment, bool, error) {
	log := observe.Logger(ctx).With("segment", seg.String())
	samples := wf.Slice(seg)

	embStart := time.Now()
	emb, err := p.embedder.Embed(ctx, samples)
	p.metrics.EmbeddingDuration.Record(ctx, time.Since(embStart).Seconds())
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Segment{}, false, ctxErr
		}
		if errors.Is(err, inference.ErrModelUnavailable) {
			return Segment{}, false, fmt.Errorf("transcript: embed: %w", err)
		}
		log.Warn("speaker embedding failed, dropping segment", "err", err)
		p.metrics.RecordDrop(ctx, observe.StageDiarize, observe.ReasonError)
		return Segment{}, false, nil
	}
	speaker, err := clusterer.Assign(seg, emb)
	if err != nil {
		log.Warn("speaker assignment failed, dropping segment", "err", err)
		p.metrics.RecordDrop(ctx, observe.StageDiarize, observe.ReasonError)
		return Segment{}, false, nil
	}

	decStart := time.Now()
	text, err := p.decoder.Transcribe(ctx, samples, language)
	p.metrics.RecordDecode(ctx, p.decoder.Name(), time.Since(decStart))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Segment{}, false, ctxErr
		}
		if unsupportedLanguage(err) || errors.Is(err, inference.ErrModelUnavailable) {
			return Segment{}, false, fmt.Errorf("transcript: %w", err)
		}
		log.Warn("decode failed, dropping segment", "speaker", speaker, "err", err)
		p.metrics.RecordDrop(ctx, observe.StageDecode, observe.ReasonError)
		return Segment{}, false, nil
	}
	text = strings.TrimSpace(text)
	if text == "" {
		log.Debug("decoder returned no text, dropping segment", "speaker", speaker)
		p.metrics.RecordDrop(ctx, observe.StageDecode, observe.ReasonEmptyText)
		return Segment{}, false, nil
	}
	return Segment{Speaker: speaker, StartMs: seg.StartMs, EndMs: seg.EndMs, Text: text}, true, nil
}

func unsupportedLanguage(err error) bool {
	return errors.Is(err, lang.ErrUnknownLanguage) ||
		errors.Is(err, lang.ErrNoMask) ||
		errors.Is(err, rnnt.ErrNoProjection)
}
