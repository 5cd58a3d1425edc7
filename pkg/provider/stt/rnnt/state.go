package rnnt

import (
	"fmt"
	"slices"

	"github.com/MrWong99/callscribe/pkg/tensor"
)

// Predictor state dimensions.
const (
	DefaultLayers = 2
	DefaultHidden = 640
)

// DecodeState is the predictor's recurrent state plus the hypothesis emitted
// so far. It is immutable: Append returns a new value and never writes to the
// receiver's storage, so a state can be kept while decoding continues from it.
type DecodeState struct {
	// Hidden and Cell are the (layers, 1, hidden) LSTM state tensors.
	Hidden *tensor.Tensor
	Cell   *tensor.Tensor

	// Tokens starts with the start-of-sequence id followed by every emitted
	// token.
	Tokens []int
}

// NewState returns a zero state seeded with sos.
func NewState(sos, layers, hidden int) DecodeState {
	return DecodeState{
		Hidden: tensor.Zeros(layers, 1, hidden),
		Cell:   tensor.Zeros(layers, 1, hidden),
		Tokens: []int{sos},
	}
}

// Last returns the most recent token (the start-of-sequence id when nothing
// has been emitted).
func (s DecodeState) Last() int {
	return s.Tokens[len(s.Tokens)-1]
}

// Emitted returns the tokens after the start-of-sequence id.
func (s DecodeState) Emitted() []int {
	return s.Tokens[1:]
}

// Append returns a state with token appended and the recurrent state
// replaced by hidden and cell.
func (s DecodeState) Append(token int, hidden, cell *tensor.Tensor) DecodeState {
	return DecodeState{
		Hidden: hidden,
		Cell:   cell,
		Tokens: append(slices.Clip(s.Tokens), token),
	}
}

// validate checks that the state can be fed to a predictor of the given
// dimensions.
func (s DecodeState) validate(layers, hidden int) error {
	if len(s.Tokens) == 0 {
		return fmt.Errorf("%w: decode state has no start-of-sequence token", tensor.ErrShapeMismatch)
	}
	want := []int{layers, 1, hidden}
	for name, t := range map[string]*tensor.Tensor{"hidden": s.Hidden, "cell": s.Cell} {
		if err := t.Validate(); err != nil {
			return fmt.Errorf("decode state %s: %w", name, err)
		}
		if !slices.Equal(t.Shape, want) {
			return fmt.Errorf("%w: decode state %s is %v, want %v", tensor.ErrShapeMismatch, name, t.Shape, want)
		}
	}
	return nil
}
