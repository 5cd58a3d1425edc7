// Package embeddings defines the Provider interface for speaker embedding
// backends.
//
// A speaker embedding provider maps the samples of one speech segment to a
// fixed-length vector summarising the speaker's voice. The diarization stage
// compares these vectors by cosine similarity to decide whether two segments
// share a speaker.
//
// Implementations must be safe for concurrent use.
package embeddings

import "context"

// Provider is the abstraction over any speaker-embedding backend.
//
// All vectors returned by a single Provider instance share the same
// dimensionality (returned by Dimensions). Vectors from different providers
// must not be compared.
type Provider interface {
	// Embed computes the embedding of a segment of 16 kHz mono samples.
	// Returns a float32 slice of length Dimensions() or an error if the model
	// call fails or ctx is cancelled. The returned slice is owned by the
	// caller.
	Embed(ctx context.Context, samples []float32) ([]float32, error)

	// Dimensions returns the fixed length of every embedding vector produced
	// by this provider, or 0 if it is only known after the first call.
	Dimensions() int

	// ModelID returns the model identifier used for embeddings. Useful for
	// logging.
	ModelID() string
}
