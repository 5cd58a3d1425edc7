package resilience

import (
	"context"
	"errors"
	"strings"

	"github.com/MrWong99/callscribe/pkg/lang"
	"github.com/MrWong99/callscribe/pkg/provider/stt"
	"github.com/MrWong99/callscribe/pkg/provider/stt/rnnt"
)

// DecoderFallback implements [stt.Decoder] with failover across decoder
// variants. Each variant has its own circuit breaker. Cancellation stops the
// failover; a language one variant does not support is tried on the next
// without counting against the first variant's breaker.
type DecoderFallback struct {
	group *FallbackGroup[stt.Decoder]
}

// Compile-time interface assertion.
var _ stt.Decoder = (*DecoderFallback)(nil)

// NewDecoderFallback creates a [DecoderFallback] with primary as the
// preferred decoder. Breaker names are the decoders' Name values.
func NewDecoderFallback(primary stt.Decoder, cfg FallbackConfig) *DecoderFallback {
	if cfg.CircuitBreaker.IsFailure == nil {
		cfg.CircuitBreaker.IsFailure = decodeFailure
	}
	if cfg.Stop == nil {
		cfg.Stop = cancelled
	}
	return &DecoderFallback{group: NewFallbackGroup(primary, primary.Name(), cfg)}
}

// AddFallback registers an additional decoder.
func (f *DecoderFallback) AddFallback(d stt.Decoder) {
	f.group.AddFallback(d.Name(), d)
}

// Name returns the decoder names in failover order joined by "+", e.g.
// "rnnt+whisper".
func (f *DecoderFallback) Name() string {
	return strings.Join(f.group.Names(), "+")
}

// Breaker returns the circuit breaker of the named decoder, or nil.
func (f *DecoderFallback) Breaker(name string) *CircuitBreaker {
	return f.group.Breaker(name)
}

// Transcribe decodes with the first healthy decoder that succeeds.
func (f *DecoderFallback) Transcribe(ctx context.Context, samples []float32, language string) (string, error) {
	return ExecuteWithResult(f.group, func(d stt.Decoder) (string, error) {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		return d.Transcribe(ctx, samples, language)
	})
}

func cancelled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func decodeFailure(err error) bool {
	if !CountsAsFailure(err) {
		return false
	}
	return !errors.Is(err, lang.ErrUnknownLanguage) &&
		!errors.Is(err, lang.ErrNoMask) &&
		!errors.Is(err, rnnt.ErrNoProjection)
}
