package health

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/MrWong99/callscribe/internal/resilience"
	"github.com/MrWong99/callscribe/pkg/inference"
)

// SessionOpener is a model handle that can be opened on demand.
// [*inference.Lazy] satisfies it.
type SessionOpener interface {
	Model() string
	Session(ctx context.Context) (inference.Session, error)
}

// Models returns a checker named "models" that opens every handle. Opening is
// idempotent, so a passing check also warms the sessions for the first
// request.
func Models(handles ...SessionOpener) Checker {
	return Checker{Name: "models", Check: func(ctx context.Context) error {
		var errs []error
		for _, h := range handles {
			if _, err := h.Session(ctx); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", h.Model(), err))
			}
		}
		return errors.Join(errs...)
	}}
}

// Files returns a checker that fails unless every path is a readable regular
// file. Empty paths are skipped.
func Files(name string, paths ...string) Checker {
	return Checker{Name: name, Check: func(context.Context) error {
		var errs []error
		for _, p := range paths {
			if p == "" {
				continue
			}
			fi, err := os.Stat(p)
			switch {
			case err != nil:
				errs = append(errs, err)
			case !fi.Mode().IsRegular():
				errs = append(errs, fmt.Errorf("%s: not a regular file", p))
			}
		}
		return errors.Join(errs...)
	}}
}

// Breaker is the view of a circuit breaker needed by [Breakers].
type Breaker interface {
	Name() string
	State() resilience.State
}

// Breakers returns a checker named "decoders" that fails while every breaker
// is open. A single healthy decoder variant is enough to serve requests.
func Breakers(breakers ...Breaker) Checker {
	return Checker{Name: "decoders", Check: func(context.Context) error {
		if len(breakers) == 0 {
			return nil
		}
		var open []error
		for _, b := range breakers {
			if b.State() != resilience.StateOpen {
				return nil
			}
			open = append(open, fmt.Errorf("%s: %w", b.Name(), resilience.ErrCircuitOpen))
		}
		return errors.Join(open...)
	}}
}
