// Package mock provides a test double for the embeddings.Provider interface.
//
// Use Provider to return pre-canned embedding vectors without a live model
// and to verify which segments were submitted for embedding.
//
// Example:
//
//	p := &mock.Provider{
//	    EmbedResult:     []float32{0.1, 0.2, 0.3},
//	    DimensionsValue: 3,
//	    ModelIDValue:    "test-embed-v1",
//	}
//	vec, _ := p.Embed(ctx, samples)
package mock

import (
	"context"
	"slices"
	"sync"

	"github.com/MrWong99/callscribe/pkg/provider/embeddings"
)

// EmbedCall records a single invocation of Embed.
type EmbedCall struct {
	// Ctx is the context passed to Embed.
	Ctx context.Context
	// Samples is a copy of the samples passed to Embed.
	Samples []float32
}

// Provider is a mock implementation of embeddings.Provider.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// EmbedFunc, if set, computes the result of every Embed call. It receives
	// the zero-based index of the call.
	EmbedFunc func(call int, samples []float32) ([]float32, error)

	// EmbedResult is returned by Embed when EmbedFunc is nil.
	EmbedResult []float32

	// EmbedErr, if non-nil and EmbedFunc is nil, is returned as the error
	// from Embed.
	EmbedErr error

	// DimensionsValue is returned by Dimensions.
	DimensionsValue int

	// ModelIDValue is returned by ModelID.
	ModelIDValue string

	// --- Call records ---

	// EmbedCalls records every call to Embed in order.
	EmbedCalls []EmbedCall
}

// Embed records the call and returns the scripted vector.
func (p *Provider) Embed(ctx context.Context, samples []float32) ([]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	call := len(p.EmbedCalls)
	p.EmbedCalls = append(p.EmbedCalls, EmbedCall{Ctx: ctx, Samples: slices.Clone(samples)})
	if p.EmbedFunc != nil {
		return p.EmbedFunc(call, samples)
	}
	if p.EmbedErr != nil {
		return nil, p.EmbedErr
	}
	return slices.Clone(p.EmbedResult), nil
}

// Dimensions returns DimensionsValue.
func (p *Provider) Dimensions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.DimensionsValue
}

// ModelID returns ModelIDValue.
func (p *Provider) ModelID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ModelIDValue
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.EmbedCalls = nil
}

// Ensure Provider implements embeddings.Provider at compile time.
var _ embeddings.Provider = (*Provider)(nil)
