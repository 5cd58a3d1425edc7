// Package model provides an embeddings.Provider backed by a speaker
// embedding model run through the inference engine.
//
// The model takes "audio_signal" float32 (1, n) and "length" int64 (1) and
// returns "embs" float32 (1, E).
package model

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync/atomic"

	"github.com/MrWong99/callscribe/pkg/inference"
	"github.com/MrWong99/callscribe/pkg/provider/embeddings"
	"github.com/MrWong99/callscribe/pkg/tensor"
)

const (
	signalName = "audio_signal"
	lengthName = "length"
	outputName = "embs"
)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithDimensions fixes the expected embedding size. Outputs of any other
// size are rejected with tensor.ErrShapeMismatch.
func WithDimensions(n int) Option {
	return func(p *Provider) { p.dims.Store(int64(n)) }
}

// Provider implements embeddings.Provider.
type Provider struct {
	session inference.Session
	modelID string
	fixed   bool
	dims    atomic.Int64
}

// Compile-time assertion that Provider satisfies embeddings.Provider.
var _ embeddings.Provider = (*Provider)(nil)

// New returns a provider that runs modelID through session.
func New(session inference.Session, modelID string, opts ...Option) (*Provider, error) {
	if session == nil {
		return nil, errors.New("embeddings model: session must not be nil")
	}
	p := &Provider{session: session, modelID: modelID}
	for _, o := range opts {
		o(p)
	}
	p.fixed = p.dims.Load() > 0
	return p, nil
}

// Embed runs the model over samples.
func (p *Provider) Embed(ctx context.Context, samples []float32) ([]float32, error) {
	if len(samples) == 0 {
		return nil, errors.New("embeddings model: empty segment")
	}
	in, err := tensor.NewFloat32(samples, 1, len(samples))
	if err != nil {
		return nil, err
	}
	out, err := p.session.Run(ctx, map[string]*tensor.Tensor{
		signalName: in,
		lengthName: tensor.Scalar64(int64(len(samples))),
	})
	if err != nil {
		return nil, fmt.Errorf("embeddings model: %w", err)
	}
	embs, err := inference.Output(out, outputName)
	if err != nil {
		return nil, fmt.Errorf("embeddings model: %w", err)
	}
	if embs.DType != tensor.Float32 || len(embs.Shape) != 2 || embs.Shape[0] != 1 || embs.Shape[1] == 0 {
		return nil, fmt.Errorf("embeddings model: %w: %q is %s %v, want float32 (1, E)", tensor.ErrShapeMismatch, outputName, embs.DType, embs.Shape)
	}

	n := int64(embs.Shape[1])
	if p.fixed && n != p.dims.Load() {
		return nil, fmt.Errorf("embeddings model: %w: got %d dimensions, want %d", tensor.ErrShapeMismatch, n, p.dims.Load())
	}
	p.dims.CompareAndSwap(0, n)
	return slices.Clone(embs.F32), nil
}

// Dimensions returns the configured size, or the size of the first output
// seen, or 0 before the first call.
func (p *Provider) Dimensions() int { return int(p.dims.Load()) }

// ModelID returns the model name.
func (p *Provider) ModelID() string { return p.modelID }
