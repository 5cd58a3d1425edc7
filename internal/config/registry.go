package config

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/MrWong99/callscribe/pkg/inference"
	"github.com/MrWong99/callscribe/pkg/provider/embeddings"
	"github.com/MrWong99/callscribe/pkg/provider/stt"
	"github.com/MrWong99/callscribe/pkg/provider/vad"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// SessionFunc returns a handle for a named model on the configured inference
// engine. Model-backed providers receive one so that every model call shares
// the application's lazy sessions and call accounting.
type SessionFunc func(model string) inference.Session

type (
	// InferenceFactory connects to an inference engine.
	InferenceFactory func(ctx context.Context, entry ProviderEntry) (inference.Engine, error)

	// VADFactory builds a VAD engine.
	VADFactory func(entry ProviderEntry, sessions SessionFunc) (vad.Engine, error)

	// EmbeddingsFactory builds a speaker embedding provider.
	EmbeddingsFactory func(entry ProviderEntry, sessions SessionFunc) (embeddings.Provider, error)

	// DecoderFactory builds a self-contained decoder that does not run
	// through the inference engine (whisper). hook may be nil.
	DecoderFactory func(entry ProviderEntry, hook stt.ChunkHook) (stt.Decoder, error)
)

// Registry maps provider names to their constructors for each provider kind.
// It is safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	inference  map[string]InferenceFactory
	vad        map[string]VADFactory
	embeddings map[string]EmbeddingsFactory
	decoders   map[string]DecoderFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		inference:  make(map[string]InferenceFactory),
		vad:        make(map[string]VADFactory),
		embeddings: make(map[string]EmbeddingsFactory),
		decoders:   make(map[string]DecoderFactory),
	}
}

// RegisterInference registers an inference engine factory under name.
// Registering a name again replaces the previous factory.
func (r *Registry) RegisterInference(name string, f InferenceFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inference[name] = f
}

// RegisterVAD registers a VAD engine factory under name.
func (r *Registry) RegisterVAD(name string, f VADFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vad[name] = f
}

// RegisterEmbeddings registers an embeddings provider factory under name.
func (r *Registry) RegisterEmbeddings(name string, f EmbeddingsFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.embeddings[name] = f
}

// RegisterDecoder registers a standalone decoder factory under name.
func (r *Registry) RegisterDecoder(name string, f DecoderFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decoders[name] = f
}

// CreateInference connects the engine registered under entry.Name.
func (r *Registry) CreateInference(ctx context.Context, entry ProviderEntry) (inference.Engine, error) {
	f, err := lookup(r, r.inference, "inference", entry.Name)
	if err != nil {
		return nil, err
	}
	return f(ctx, entry)
}

// CreateVAD builds the VAD engine registered under entry.Name.
func (r *Registry) CreateVAD(entry ProviderEntry, sessions SessionFunc) (vad.Engine, error) {
	f, err := lookup(r, r.vad, "vad", entry.Name)
	if err != nil {
		return nil, err
	}
	return f(entry, sessions)
}

// CreateEmbeddings builds the embeddings provider registered under entry.Name.
func (r *Registry) CreateEmbeddings(entry ProviderEntry, sessions SessionFunc) (embeddings.Provider, error) {
	f, err := lookup(r, r.embeddings, "embeddings", entry.Name)
	if err != nil {
		return nil, err
	}
	return f(entry, sessions)
}

// CreateDecoder builds the standalone decoder registered under entry.Name.
func (r *Registry) CreateDecoder(entry ProviderEntry, hook stt.ChunkHook) (stt.Decoder, error) {
	f, err := lookup(r, r.decoders, "decoder", entry.Name)
	if err != nil {
		return nil, err
	}
	return f(entry, hook)
}

// Names returns the sorted registered names for kind ("inference", "vad",
// "embeddings" or "decoder").
func (r *Registry) Names(kind string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	switch kind {
	case "inference":
		return slices.Sorted(maps.Keys(r.inference))
	case "vad":
		return slices.Sorted(maps.Keys(r.vad))
	case "embeddings":
		return slices.Sorted(maps.Keys(r.embeddings))
	case "decoder":
		return slices.Sorted(maps.Keys(r.decoders))
	}
	return nil
}

func lookup[F any](r *Registry, m map[string]F, kind, name string) (F, error) {
	r.mu.RLock()
	f, ok := m[name]
	r.mu.RUnlock()
	if !ok {
		var zero F
		return zero, fmt.Errorf("%w: %s/%q", ErrProviderNotRegistered, kind, name)
	}
	return f, nil
}

// OptString extracts a string option. It returns "" if the key is absent or
// not a string.
func OptString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

// OptFloat extracts a numeric option, accepting YAML ints and floats.
func OptFloat(opts map[string]any, key string) (float64, bool) {
	switch v := opts[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}
