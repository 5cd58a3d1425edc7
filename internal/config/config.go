// Package config provides the configuration schema, loader and provider
// registry for callscribe.
package config

import "time"

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// LogFormat selects the slog handler.
type LogFormat string

const (
	LogText LogFormat = "text"
	LogJSON LogFormat = "json"
)

// IsValid reports whether f is a recognised log format.
func (f LogFormat) IsValid() bool {
	return f == LogText || f == LogJSON
}

// DecoderKind selects the acoustic decoder variant.
type DecoderKind string

const (
	DecoderCTC     DecoderKind = "ctc"
	DecoderRNNT    DecoderKind = "rnnt"
	DecoderWhisper DecoderKind = "whisper"
)

// IsValid reports whether d is a recognised decoder.
func (d DecoderKind) IsValid() bool {
	switch d {
	case DecoderCTC, DecoderRNNT, DecoderWhisper:
		return true
	}
	return false
}

// BuiltinFilterbank as resources.filterbank selects the generated filterbank
// instead of a file.
const BuiltinFilterbank = "builtin"

// Config is the root configuration structure. It is typically loaded from a
// YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Resources ResourcesConfig `yaml:"resources"`
	Providers ProvidersConfig `yaml:"providers"`
	Models    ModelsConfig    `yaml:"models"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address `callscribe serve` listens on.
	ListenAddr string `yaml:"listen_addr"`

	LogLevel  LogLevel  `yaml:"log_level"`
	LogFormat LogFormat `yaml:"log_format"`

	// LogFile, when set, sends logs to a size-rotated file instead of stderr.
	LogFile string `yaml:"log_file"`

	// MaxUploadBytes bounds the WAV body of a transcription request.
	MaxUploadBytes int64 `yaml:"max_upload_bytes"`
}

// PipelineConfig tunes the transcription pipeline.
type PipelineConfig struct {
	// Language is the default language code when a request names none.
	Language string `yaml:"language"`

	Decoder         DecoderKind `yaml:"decoder"`
	FallbackDecoder DecoderKind `yaml:"fallback_decoder"`

	// SpeakerThreshold is the cosine similarity a segment must exceed to join
	// an existing speaker. Nil selects the default; an explicit 0 is kept.
	SpeakerThreshold *float64 `yaml:"speaker_threshold"`

	// ConversationBreak is the largest gap across which consecutive segments
	// of one speaker are merged. Zero merges regardless of the gap.
	ConversationBreak time.Duration `yaml:"conversation_break"`

	// MinSpeech drops voiced regions shorter than this.
	MinSpeech time.Duration `yaml:"min_speech"`

	// VADWindow is the classifier window; windows advance by half of it.
	VADWindow time.Duration `yaml:"vad_window"`

	// SpeechThreshold is the VAD probability at or above which a window is
	// speech.
	SpeechThreshold float64 `yaml:"speech_threshold"`

	MaxSymbolsPerStep int `yaml:"max_symbols_per_step"`

	Chunk ChunkConfig `yaml:"chunk"`

	// Concurrency bounds how many recordings the CLI transcribes at once.
	Concurrency int `yaml:"concurrency"`

	// Breaker tunes the circuit breaker in front of each decoder when a
	// fallback decoder is configured.
	Breaker BreakerConfig `yaml:"breaker"`
}

// Threshold returns the speaker threshold, or [DefaultSpeakerThreshold] when
// none is set.
func (p PipelineConfig) Threshold() float64 {
	if p.SpeakerThreshold == nil {
		return DefaultSpeakerThreshold
	}
	return *p.SpeakerThreshold
}

// ChunkConfig sets the long-form chunk window.
type ChunkConfig struct {
	Main    time.Duration `yaml:"main"`
	Overlap time.Duration `yaml:"overlap"`
}

// BreakerConfig mirrors the tunables of a circuit breaker.
type BreakerConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
	HalfOpenMax  int           `yaml:"half_open_max"`
}

// ResourcesConfig points at the static tables the pipeline loads at startup.
type ResourcesConfig struct {
	// Filterbank is a whitespace-separated 80×257 weight table, or
	// [BuiltinFilterbank].
	Filterbank string `yaml:"filterbank"`

	// Vocabulary maps language codes to token lists (YAML or JSON).
	Vocabulary string `yaml:"vocabulary"`

	// Masks maps language codes to CTC column indices (YAML or JSON).
	Masks string `yaml:"masks"`
}

// ProvidersConfig selects the backend for each pluggable concern. Each entry
// is looked up by Name in the [Registry].
type ProvidersConfig struct {
	Inference  ProviderEntry `yaml:"inference"`
	VAD        ProviderEntry `yaml:"vad"`
	Embeddings ProviderEntry `yaml:"embeddings"`
	Whisper    ProviderEntry `yaml:"whisper"`
}

// ProviderEntry is the configuration block shared by all provider kinds.
type ProviderEntry struct {
	// Name selects the registered implementation (e.g. "remote", "energy").
	Name string `yaml:"name"`

	// BaseURL is the endpoint of a remote backend.
	BaseURL string `yaml:"base_url"`

	// APIKey is sent as a bearer token when set.
	APIKey string `yaml:"api_key"`

	// Model names the model to open, or a model file path.
	Model string `yaml:"model"`

	// Options holds provider-specific values not covered above.
	Options map[string]any `yaml:"options"`
}

// ModelsConfig names the models opened through the inference engine.
type ModelsConfig struct {
	CTCEncoder    string `yaml:"ctc_encoder"`
	RNNTEncoder   string `yaml:"rnnt_encoder"`
	RNNTPredictor string `yaml:"rnnt_predictor"`
	RNNTJoint     string `yaml:"rnnt_joint"`

	// RNNTProjectionPrefix plus a language code names that language's output
	// projection, e.g. "rnnt_proj_" + "de".
	RNNTProjectionPrefix string `yaml:"rnnt_projection_prefix"`

	// RNNTLayers and RNNTHidden give the predictor state shape.
	RNNTLayers int `yaml:"rnnt_layers"`
	RNNTHidden int `yaml:"rnnt_hidden"`
}
