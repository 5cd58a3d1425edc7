package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/callscribe/pkg/chunk"
)

// ValidProviderNames lists the built-in provider names per provider kind.
// [Validate] warns about names outside this list.
var ValidProviderNames = map[string][]string{
	"inference":  {"remote"},
	"vad":        {"energy", "model"},
	"embeddings": {"model"},
	"whisper":    {"whisper-native"},
}

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr        = ":8080"
	DefaultLanguage          = "en"
	DefaultSpeakerThreshold  = 0.80
	DefaultVADWindow         = time.Second
	DefaultMinSpeech         = 300 * time.Millisecond
	DefaultMaxSymbolsPerStep = 10
	DefaultConcurrency       = 2
	DefaultMaxUploadBytes    = 256 << 20
	DefaultRNNTLayers        = 2
	DefaultRNNTHidden        = 640
)

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. An empty document yields the defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills unset fields.
func ApplyDefaults(cfg *Config) {
	s := &cfg.Server
	if s.ListenAddr == "" {
		s.ListenAddr = DefaultListenAddr
	}
	if s.LogLevel == "" {
		s.LogLevel = LogInfo
	}
	if s.LogFormat == "" {
		s.LogFormat = LogText
	}
	if s.MaxUploadBytes == 0 {
		s.MaxUploadBytes = DefaultMaxUploadBytes
	}

	p := &cfg.Pipeline
	if p.Language == "" {
		p.Language = DefaultLanguage
	}
	if p.Decoder == "" {
		p.Decoder = DecoderRNNT
	}
	if p.SpeakerThreshold == nil {
		th := DefaultSpeakerThreshold
		p.SpeakerThreshold = &th
	}
	if p.VADWindow == 0 {
		p.VADWindow = DefaultVADWindow
	}
	if p.MinSpeech == 0 {
		p.MinSpeech = DefaultMinSpeech
	}
	if p.MaxSymbolsPerStep == 0 {
		p.MaxSymbolsPerStep = DefaultMaxSymbolsPerStep
	}
	if p.Chunk.Main == 0 {
		p.Chunk.Main = chunk.DefaultMain
		if p.Chunk.Overlap == 0 {
			p.Chunk.Overlap = chunk.DefaultOverlap
		}
	}
	if p.Concurrency == 0 {
		p.Concurrency = DefaultConcurrency
	}

	pr := &cfg.Providers
	if pr.Inference.Name == "" {
		pr.Inference.Name = "remote"
	}
	if pr.VAD.Name == "" {
		pr.VAD.Name = "energy"
	}
	if pr.Embeddings.Name == "" {
		pr.Embeddings.Name = "model"
	}
	if pr.Whisper.Name == "" && pr.Whisper.Model != "" {
		pr.Whisper.Name = "whisper-native"
	}

	if cfg.Models.RNNTLayers == 0 {
		cfg.Models.RNNTLayers = DefaultRNNTLayers
	}
	if cfg.Models.RNNTHidden == 0 {
		cfg.Models.RNNTHidden = DefaultRNNTHidden
	}
}

// Decoders returns the configured decoder variants in failover order.
func (c *Config) Decoders() []DecoderKind {
	ds := []DecoderKind{c.Pipeline.Decoder}
	if c.Pipeline.FallbackDecoder != "" {
		ds = append(ds, c.Pipeline.FallbackDecoder)
	}
	return ds
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing every problem found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.LogFormat != "" && !cfg.Server.LogFormat.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_format %q is invalid; valid values: text, json", cfg.Server.LogFormat))
	}
	if cfg.Server.MaxUploadBytes < 0 {
		errs = append(errs, fmt.Errorf("server.max_upload_bytes must not be negative, got %d", cfg.Server.MaxUploadBytes))
	}

	p := cfg.Pipeline
	if !p.Decoder.IsValid() {
		errs = append(errs, fmt.Errorf("pipeline.decoder %q is invalid; valid values: ctc, rnnt, whisper", p.Decoder))
	}
	if p.FallbackDecoder != "" {
		switch {
		case !p.FallbackDecoder.IsValid():
			errs = append(errs, fmt.Errorf("pipeline.fallback_decoder %q is invalid; valid values: ctc, rnnt, whisper", p.FallbackDecoder))
		case p.FallbackDecoder == p.Decoder:
			errs = append(errs, fmt.Errorf("pipeline.fallback_decoder %q duplicates pipeline.decoder", p.FallbackDecoder))
		}
	}
	if th := p.Threshold(); th < -1 || th > 1 {
		errs = append(errs, fmt.Errorf("pipeline.speaker_threshold %.2f is out of range [-1, 1]", th))
	}
	if p.SpeechThreshold < 0 || p.SpeechThreshold > 1 {
		errs = append(errs, fmt.Errorf("pipeline.speech_threshold %.2f is out of range [0, 1]", p.SpeechThreshold))
	}
	if p.ConversationBreak < 0 {
		errs = append(errs, fmt.Errorf("pipeline.conversation_break must not be negative, got %s", p.ConversationBreak))
	}
	if p.MinSpeech < 0 {
		errs = append(errs, fmt.Errorf("pipeline.min_speech must not be negative, got %s", p.MinSpeech))
	}
	if p.VADWindow < 2*time.Millisecond {
		errs = append(errs, fmt.Errorf("pipeline.vad_window %s is too short", p.VADWindow))
	}
	if p.MaxSymbolsPerStep < 1 {
		errs = append(errs, fmt.Errorf("pipeline.max_symbols_per_step must be at least 1, got %d", p.MaxSymbolsPerStep))
	}
	if p.Chunk.Main <= 0 {
		errs = append(errs, fmt.Errorf("pipeline.chunk.main must be positive, got %s", p.Chunk.Main))
	}
	if p.Chunk.Overlap < 0 || p.Chunk.Overlap >= p.Chunk.Main {
		errs = append(errs, fmt.Errorf("pipeline.chunk.overlap %s must be in [0, chunk.main)", p.Chunk.Overlap))
	}
	if p.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("pipeline.concurrency must be at least 1, got %d", p.Concurrency))
	}
	if p.Breaker.MaxFailures < 0 || p.Breaker.HalfOpenMax < 0 || p.Breaker.ResetTimeout < 0 {
		errs = append(errs, errors.New("pipeline.breaker values must not be negative"))
	}

	decoders := cfg.Decoders()
	needsVocab := slices.Contains(decoders, DecoderCTC) || slices.Contains(decoders, DecoderRNNT)
	if needsVocab {
		if cfg.Resources.Filterbank == "" {
			errs = append(errs, errors.New("resources.filterbank is required for the ctc and rnnt decoders"))
		}
		if cfg.Resources.Vocabulary == "" {
			errs = append(errs, errors.New("resources.vocabulary is required for the ctc and rnnt decoders"))
		}
	}
	if slices.Contains(decoders, DecoderCTC) {
		if cfg.Resources.Masks == "" {
			errs = append(errs, errors.New("resources.masks is required for the ctc decoder"))
		}
		if cfg.Models.CTCEncoder == "" {
			errs = append(errs, errors.New("models.ctc_encoder is required for the ctc decoder"))
		}
	}
	if slices.Contains(decoders, DecoderRNNT) {
		m := cfg.Models
		if m.RNNTEncoder == "" || m.RNNTPredictor == "" || m.RNNTJoint == "" || m.RNNTProjectionPrefix == "" {
			errs = append(errs, errors.New("models.rnnt_encoder, rnnt_predictor, rnnt_joint and rnnt_projection_prefix are required for the rnnt decoder"))
		}
		if m.RNNTLayers < 1 || m.RNNTHidden < 1 {
			errs = append(errs, fmt.Errorf("models.rnnt_layers and rnnt_hidden must be positive, got %d and %d", m.RNNTLayers, m.RNNTHidden))
		}
	}
	if slices.Contains(decoders, DecoderWhisper) && cfg.Providers.Whisper.Model == "" {
		errs = append(errs, errors.New("providers.whisper.model is required for the whisper decoder"))
	}
	if cfg.Providers.Embeddings.Model == "" {
		errs = append(errs, errors.New("providers.embeddings.model is required"))
	}
	if cfg.Providers.VAD.Name == "model" && cfg.Providers.VAD.Model == "" {
		errs = append(errs, errors.New("providers.vad.model is required for the model VAD"))
	}
	if cfg.Providers.Inference.Name == "remote" && cfg.Providers.Inference.BaseURL == "" {
		errs = append(errs, errors.New("providers.inference.base_url is required for the remote engine"))
	}

	validateProviderName("inference", cfg.Providers.Inference.Name)
	validateProviderName("vad", cfg.Providers.VAD.Name)
	validateProviderName("embeddings", cfg.Providers.Embeddings.Name)
	validateProviderName("whisper", cfg.Providers.Whisper.Name)

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not one of the
// [ValidProviderNames] for kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok || slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
