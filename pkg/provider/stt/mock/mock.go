// Package mock provides a test double for the stt.Decoder interface.
//
// Use Decoder to return scripted transcripts without a live model and to
// verify which segments and languages were submitted.
//
// Example:
//
//	d := &mock.Decoder{TranscribeResult: "hello"}
//	text, _ := d.Transcribe(ctx, samples, "en")
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/callscribe/pkg/provider/stt"
)

// TranscribeCall records a single invocation of Decoder.Transcribe.
type TranscribeCall struct {
	// Samples is the number of samples passed to Transcribe.
	Samples int
	// Language is the language passed to Transcribe.
	Language string
}

// Decoder is a mock implementation of stt.Decoder.
type Decoder struct {
	mu sync.Mutex

	// NameValue is returned by Name. Defaults to "mock".
	NameValue string

	// TranscribeFunc, if set, computes the result of every call. It receives
	// the zero-based index of the call.
	TranscribeFunc func(call int, samples []float32, language string) (string, error)

	// TranscribeResult is returned when TranscribeFunc is nil.
	TranscribeResult string

	// TranscribeErr, if non-nil and TranscribeFunc is nil, is returned as the
	// error.
	TranscribeErr error

	// TranscribeCalls records every call to Transcribe in order.
	TranscribeCalls []TranscribeCall
}

// Transcribe records the call and returns the scripted result.
func (d *Decoder) Transcribe(_ context.Context, samples []float32, language string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	call := len(d.TranscribeCalls)
	d.TranscribeCalls = append(d.TranscribeCalls, TranscribeCall{Samples: len(samples), Language: language})
	if d.TranscribeFunc != nil {
		return d.TranscribeFunc(call, samples, language)
	}
	if d.TranscribeErr != nil {
		return "", d.TranscribeErr
	}
	return d.TranscribeResult, nil
}

// Name returns NameValue or "mock".
func (d *Decoder) Name() string {
	if d.NameValue == "" {
		return "mock"
	}
	return d.NameValue
}

// Calls returns the number of Transcribe calls so far. Thread-safe.
func (d *Decoder) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.TranscribeCalls)
}

// Ensure Decoder implements stt.Decoder at compile time.
var _ stt.Decoder = (*Decoder)(nil)
