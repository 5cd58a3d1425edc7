// Package app wires the callscribe subsystems into a ready transcription
// pipeline.
//
// New resolves every configured provider through the [config.Registry], loads
// the static resources, opens model handles lazily on the inference engine and
// assembles the [transcript.Pipeline]. Shutdown tears everything down in
// order.
//
// For testing, inject an inference engine with [WithEngine] and metrics with
// [WithMetrics]; everything else is resolved through the registry.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/MrWong99/callscribe/internal/config"
	"github.com/MrWong99/callscribe/internal/health"
	"github.com/MrWong99/callscribe/internal/observe"
	"github.com/MrWong99/callscribe/internal/resilience"
	"github.com/MrWong99/callscribe/internal/segment"
	"github.com/MrWong99/callscribe/internal/transcript"
	"github.com/MrWong99/callscribe/pkg/audio"
	"github.com/MrWong99/callscribe/pkg/features"
	"github.com/MrWong99/callscribe/pkg/inference"
	"github.com/MrWong99/callscribe/pkg/lang"
	"github.com/MrWong99/callscribe/pkg/provider/stt"
	"github.com/MrWong99/callscribe/pkg/provider/stt/ctc"
	"github.com/MrWong99/callscribe/pkg/provider/stt/rnnt"
)

// builtinFilterbankMaxHz is the upper edge of the generated filterbank.
const builtinFilterbankMaxHz = 8000

// App owns every subsystem lifetime.
type App struct {
	cfg     *config.Config
	reg     *config.Registry
	metrics *observe.Metrics

	engine    inference.Engine
	handles   []*inference.Lazy
	byModel   map[string]*inference.Lazy
	extractor *features.Extractor
	langs     *lang.Registry
	fallback  *resilience.DecoderFallback
	pipeline  *transcript.Pipeline

	// closers run in order during Shutdown, after the model handles.
	closers  []func() error
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithEngine injects an inference engine instead of creating one from
// providers.inference. The App does not close an injected engine.
func WithEngine(e inference.Engine) Option {
	return func(a *App) { a.engine = e }
}

// WithMetrics sets the metrics recorder. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// New builds the pipeline described by cfg. On error every subsystem created
// so far is closed again.
func New(ctx context.Context, cfg *config.Config, reg *config.Registry, opts ...Option) (_ *App, err error) {
	a := &App{
		cfg:     cfg,
		reg:     reg,
		byModel: make(map[string]*inference.Lazy),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	defer func() {
		if err != nil {
			_ = a.Shutdown(context.Background())
		}
	}()

	if a.engine == nil {
		engine, err := reg.CreateInference(ctx, cfg.Providers.Inference)
		if err != nil {
			return nil, fmt.Errorf("app: inference engine %q: %w", cfg.Providers.Inference.Name, err)
		}
		a.engine = engine
		a.closers = append(a.closers, engine.Close)
	}

	vadEngine, err := reg.CreateVAD(cfg.Providers.VAD, a.session)
	if err != nil {
		return nil, fmt.Errorf("app: vad %q: %w", cfg.Providers.VAD.Name, err)
	}
	segmenter, err := segment.New(vadEngine,
		segment.WithWindow(cfg.Pipeline.VADWindow),
		segment.WithMinSpeech(cfg.Pipeline.MinSpeech),
		segment.WithSpeechThreshold(cfg.Pipeline.SpeechThreshold),
		segment.WithDropHook(func(ctx context.Context, reason string) {
			a.metrics.RecordDrop(ctx, observe.StageVAD, reason)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}

	embedder, err := reg.CreateEmbeddings(cfg.Providers.Embeddings, a.session)
	if err != nil {
		return nil, fmt.Errorf("app: embeddings %q: %w", cfg.Providers.Embeddings.Name, err)
	}

	decoder, err := a.buildDecoders()
	if err != nil {
		return nil, err
	}

	a.pipeline, err = transcript.New(segmenter, embedder, decoder,
		transcript.WithSpeakerThreshold(cfg.Pipeline.Threshold()),
		transcript.WithConversationBreak(cfg.Pipeline.ConversationBreak),
		transcript.WithMetrics(a.metrics),
	)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}

	slog.Info("pipeline ready",
		"decoder", decoder.Name(),
		"vad", cfg.Providers.VAD.Name,
		"embeddings", cfg.Providers.Embeddings.Model,
		"models", len(a.handles),
	)
	return a, nil
}

// session returns the shared lazy handle for model, creating it on first use.
func (a *App) session(model string) inference.Session {
	if h, ok := a.byModel[model]; ok {
		return h
	}
	h := inference.NewLazy(a.engine, model, inference.WithObserver(a.metrics.RecordModelCall))
	a.byModel[model] = h
	a.handles = append(a.handles, h)
	return h
}

func (a *App) buildDecoders() (stt.Decoder, error) {
	var decoders []stt.Decoder
	for _, kind := range a.cfg.Decoders() {
		d, err := a.buildDecoder(kind)
		if err != nil {
			return nil, fmt.Errorf("app: decoder %q: %w", kind, err)
		}
		decoders = append(decoders, d)
	}
	if len(decoders) == 1 {
		return decoders[0], nil
	}

	b := a.cfg.Pipeline.Breaker
	a.fallback = resilience.NewDecoderFallback(decoders[0], resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			MaxFailures:  b.MaxFailures,
			ResetTimeout: b.ResetTimeout,
			HalfOpenMax:  b.HalfOpenMax,
			OnStateChange: func(name string, from, to resilience.State) {
				slog.Info("decoder breaker state changed", "decoder", name, "from", from, "to", to)
			},
		},
	})
	for _, d := range decoders[1:] {
		a.fallback.AddFallback(d)
	}
	return a.fallback, nil
}

func (a *App) buildDecoder(kind config.DecoderKind) (stt.Decoder, error) {
	hook := stt.ChunkHook(a.metrics.RecordChunk)
	switch kind {
	case config.DecoderWhisper:
		d, err := a.reg.CreateDecoder(a.cfg.Providers.Whisper, hook)
		if err != nil {
			return nil, err
		}
		if c, ok := d.(io.Closer); ok {
			a.closers = append(a.closers, c.Close)
		}
		return d, nil
	case config.DecoderCTC, config.DecoderRNNT:
		if err := a.loadResources(); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown decoder %q", kind)
	}

	m := a.cfg.Models
	chunkCfg := a.cfg.Pipeline.Chunk
	if kind == config.DecoderCTC {
		return ctc.New(a.session(m.CTCEncoder), a.extractor, a.langs,
			ctc.WithChunking(chunkCfg.Main, chunkCfg.Overlap),
			ctc.WithChunkHook(hook),
		)
	}

	models := rnnt.Models{
		Encoder:     a.session(m.RNNTEncoder),
		Predictor:   a.session(m.RNNTPredictor),
		Joint:       a.session(m.RNNTJoint),
		Projections: make(map[string]inference.Session),
	}
	for _, code := range a.langs.Languages() {
		models.Projections[code] = a.session(m.RNNTProjectionPrefix + code)
	}
	return rnnt.New(models, a.extractor, a.langs,
		rnnt.WithMaxSymbolsPerStep(a.cfg.Pipeline.MaxSymbolsPerStep),
		rnnt.WithStateShape(m.RNNTLayers, m.RNNTHidden),
		rnnt.WithChunkDuration(chunkCfg.Main),
		rnnt.WithChunkHook(hook),
	)
}

// loadResources loads the filterbank and language tables once. Any failure
// is fatal for the setup.
func (a *App) loadResources() error {
	if a.extractor != nil {
		return nil
	}
	res := a.cfg.Resources

	var (
		fb  *features.Filterbank
		err error
	)
	if res.Filterbank == config.BuiltinFilterbank {
		fb, err = features.BuildFilterbank(audio.SampleRate, features.NFFT, features.NumMels, 0, builtinFilterbankMaxHz)
	} else {
		fb, err = features.LoadFilterbankFile(res.Filterbank)
	}
	if err != nil {
		return err
	}
	extractor, err := features.NewExtractor(fb)
	if err != nil {
		return err
	}
	langs, err := lang.Load(res.Vocabulary, res.Masks)
	if err != nil {
		return err
	}
	a.extractor, a.langs = extractor, langs
	slog.Info("resources loaded", "filterbank", res.Filterbank, "languages", langs.Languages())
	return nil
}

// Pipeline returns the assembled transcription pipeline.
func (a *App) Pipeline() *transcript.Pipeline { return a.pipeline }

// Metrics returns the metrics recorder shared by every subsystem.
func (a *App) Metrics() *observe.Metrics { return a.metrics }

// Languages returns the languages the static tables support, or nil when no
// table-driven decoder is configured.
func (a *App) Languages() []string {
	if a.langs == nil {
		return nil
	}
	return a.langs.Languages()
}

// HealthCheckers returns the readiness checks for the assembled pipeline.
func (a *App) HealthCheckers() []health.Checker {
	openers := make([]health.SessionOpener, len(a.handles))
	for i, h := range a.handles {
		openers[i] = h
	}
	res := a.cfg.Resources
	filterbank := res.Filterbank
	if filterbank == config.BuiltinFilterbank {
		filterbank = ""
	}
	checks := []health.Checker{
		health.Models(openers...),
		health.Files("resources", filterbank, res.Vocabulary, res.Masks),
	}
	if a.fallback != nil {
		var breakers []health.Breaker
		for _, d := range a.cfg.Decoders() {
			if b := a.fallback.Breaker(string(d)); b != nil {
				breakers = append(breakers, b)
			}
		}
		checks = append(checks, health.Breakers(breakers...))
	}
	return checks
}

// Shutdown closes the model handles and then runs the closers in order. If
// ctx expires before all closers finish, the remaining ones are skipped and
// the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		var errs []error
		for _, h := range a.handles {
			if err := h.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %q: %w", h.Model(), err))
			}
		}
		for i, closer := range a.closers {
			if err := ctx.Err(); err != nil {
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				errs = append(errs, err)
				break
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
				errs = append(errs, err)
			}
		}
		shutdownErr = errors.Join(errs...)
		slog.Debug("shutdown complete")
	})
	return shutdownErr
}
