// Package inference defines the boundary to the neural-network runtime.
//
// The runtime is treated as an opaque tensor-in/tensor-out function: every
// model call is Session.Run(named inputs) -> named outputs. An [Engine] opens
// sessions by model name; concrete engines live in subpackages (remote, mock).
//
// Sessions are expensive to create and are meant to be opened once and shared
// read-only across calls. [Lazy] provides that lifecycle: the first caller
// opens the session, concurrent callers wait for the same attempt, and a
// failed attempt leaves the handle empty so the next call tries again.
package inference

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/callscribe/pkg/tensor"
)

// ErrModelUnavailable is returned when a session for a model could not be
// created. The failure is not sticky: a later call re-attempts initialisation.
var ErrModelUnavailable = errors.New("inference: model unavailable")

// ErrMissingOutput is returned by [Output] when the engine response lacks a
// required tensor (including a nil response).
var ErrMissingOutput = errors.New("inference: missing output tensor")

// ErrSessionLost is wrapped by Session.Run when the resource backing the
// session failed mid-call (for example a dropped connection). The session
// must be reopened before further use.
var ErrSessionLost = errors.New("inference: session lost")

// Session runs one loaded model. Implementations must be safe for concurrent
// use; the pipeline nevertheless issues calls sequentially per recording.
type Session interface {
	// Run executes the model once. Implementations may block for the whole
	// duration of the model call; ctx cancellation is best effort.
	Run(ctx context.Context, inputs map[string]*tensor.Tensor) (map[string]*tensor.Tensor, error)

	// Close releases the session. Calling Close more than once is safe.
	Close() error
}

// Engine opens sessions for named models.
type Engine interface {
	// Open loads model and returns a ready session.
	Open(ctx context.Context, model string) (Session, error)

	// Close releases engine-wide resources. Sessions opened from the engine
	// should be closed first.
	Close() error
}

// Output fetches name from outputs and validates its payload against its
// shape. A nil outputs map is reported as [ErrMissingOutput].
func Output(outputs map[string]*tensor.Tensor, name string) (*tensor.Tensor, error) {
	t, ok := outputs[name]
	if !ok || t == nil {
		return nil, fmt.Errorf("%w: %q", ErrMissingOutput, name)
	}
	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("inference: output %q: %w", name, err)
	}
	return t, nil
}
