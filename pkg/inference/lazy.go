package inference

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/MrWong99/callscribe/pkg/tensor"
)

// CallObserver is notified after every model call made through a [Lazy].
// status is "ok", "error" or "unavailable".
type CallObserver func(ctx context.Context, model, status string, elapsed time.Duration)

// LazyOption configures a [Lazy].
type LazyOption func(*Lazy)

// WithObserver installs a callback for per-call accounting (metrics).
func WithObserver(o CallObserver) LazyOption {
	return func(l *Lazy) { l.observe = o }
}

// Lazy is a lazily opened, shared session for one model. The zero value is
// not usable; create one with [NewLazy].
type Lazy struct {
	engine  Engine
	model   string
	observe CallObserver

	group singleflight.Group

	mu   sync.RWMutex
	sess Session
}

// Compile-time check that Lazy can stand in for a Session.
var _ Session = (*Lazy)(nil)

// NewLazy returns a handle that opens model on engine at first use.
func NewLazy(engine Engine, model string, opts ...LazyOption) *Lazy {
	l := &Lazy{engine: engine, model: model}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Model returns the model name this handle opens.
func (l *Lazy) Model() string { return l.model }

// Loaded reports whether the session has been opened successfully.
func (l *Lazy) Loaded() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.sess != nil
}

// Session returns the opened session, opening it if necessary. Concurrent
// callers share a single attempt. On failure the error wraps
// [ErrModelUnavailable] and nothing is cached.
func (l *Lazy) Session(ctx context.Context) (Session, error) {
	l.mu.RLock()
	s := l.sess
	l.mu.RUnlock()
	if s != nil {
		return s, nil
	}

	v, err, _ := l.group.Do(l.model, func() (any, error) {
		l.mu.RLock()
		cur := l.sess
		l.mu.RUnlock()
		if cur != nil {
			return cur, nil
		}
		if l.engine == nil {
			return nil, fmt.Errorf("%w: %q: no engine configured", ErrModelUnavailable, l.model)
		}
		opened, err := l.engine.Open(ctx, l.model)
		if err != nil {
			slog.Warn("inference: failed to open model session", "model", l.model, "err", err)
			return nil, fmt.Errorf("%w: %q: %v", ErrModelUnavailable, l.model, err)
		}
		l.mu.Lock()
		l.sess = opened
		l.mu.Unlock()
		slog.Debug("inference: model session opened", "model", l.model)
		return opened, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(Session), nil
}

// Run opens the session if needed and executes it.
func (l *Lazy) Run(ctx context.Context, inputs map[string]*tensor.Tensor) (map[string]*tensor.Tensor, error) {
	start := time.Now()
	s, err := l.Session(ctx)
	if err != nil {
		l.record(ctx, "unavailable", start)
		return nil, err
	}
	out, err := s.Run(ctx, inputs)
	if err != nil {
		if errors.Is(err, ErrSessionLost) {
			l.forget(s)
		}
		l.record(ctx, "error", start)
		return nil, fmt.Errorf("inference: run %q: %w", l.model, err)
	}
	if out == nil {
		l.record(ctx, "error", start)
		return nil, fmt.Errorf("inference: run %q: %w: engine returned no outputs", l.model, ErrMissingOutput)
	}
	l.record(ctx, "ok", start)
	return out, nil
}

// Close closes the underlying session if it was opened. The handle can be
// reopened by a later call.
func (l *Lazy) Close() error {
	l.mu.Lock()
	s := l.sess
	l.sess = nil
	l.mu.Unlock()
	if s == nil {
		return nil
	}
	return s.Close()
}

// forget drops s if it is still the cached session so the next call reopens.
func (l *Lazy) forget(s Session) {
	l.mu.Lock()
	if l.sess != s {
		l.mu.Unlock()
		return
	}
	l.sess = nil
	l.mu.Unlock()
	slog.Warn("inference: dropped lost model session", "model", l.model)
	_ = s.Close()
}

func (l *Lazy) record(ctx context.Context, status string, start time.Time) {
	if l.observe != nil {
		l.observe(ctx, l.model, status, time.Since(start))
	}
}
