// Package stt defines the Decoder interface for acoustic decoders.
//
// A decoder turns the samples of one speech segment into text in a requested
// language. The variants are a greedy CTC decoder with per-language output
// masking (package ctc), a streaming RNN-Transducer decoder (package rnnt) and
// a whisper.cpp decoder (package whisper). All of them handle long input by
// chunking internally.
//
// A decoder call blocks for the duration of its model calls and checks ctx
// between chunks and time steps. Empty input yields empty text and no error.
package stt

import (
	"context"
	"errors"

	"github.com/MrWong99/callscribe/pkg/features"
	"github.com/MrWong99/callscribe/pkg/tensor"
)

// ErrAllChunksFailed is returned when every chunk of a segment failed to
// decode. It wraps the last chunk error.
var ErrAllChunksFailed = errors.New("stt: every chunk failed")

// Encoder tensor names shared by the CTC and RNNT encoders.
const (
	EncoderSignal = "audio_signal"
	EncoderLength = "length"
)

// Decoder is the abstraction over any acoustic decoder.
//
// Implementations must be safe for concurrent use by independent recordings.
type Decoder interface {
	// Transcribe decodes 16 kHz mono samples in language. Returns "" and a
	// nil error when there is nothing to decode.
	Transcribe(ctx context.Context, samples []float32, language string) (string, error)

	// Name identifies the decoder variant ("ctc", "rnnt", "whisper").
	Name() string
}

// ChunkHook is notified once per chunk a decoder processes.
type ChunkHook func(ctx context.Context, decoder string)

// EncoderInputs builds the encoder input tensors for a feature matrix:
// "audio_signal" float32 (1, mels, frames) and "length" int64 (1).
func EncoderInputs(m *features.Matrix) (map[string]*tensor.Tensor, error) {
	signal, err := m.Tensor()
	if err != nil {
		return nil, err
	}
	return map[string]*tensor.Tensor{
		EncoderSignal: signal,
		EncoderLength: tensor.Scalar64(int64(m.Frames)),
	}, nil
}
