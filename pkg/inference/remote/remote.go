// Package remote provides an inference.Engine that forwards model calls to an
// out-of-process tensor server over a single WebSocket connection.
//
// The wire protocol is one JSON text frame per request and one per response:
//
//	→ {"id": 7, "op": "open", "model": "ctc_encoder"}
//	← {"id": 7}
//	→ {"id": 8, "op": "run", "model": "ctc_encoder", "inputs": {"audio_signal": {...}}}
//	← {"id": 8, "outputs": {"logprobs": {...}}}
//
// Tensors are encoded as [tensor.Tensor] JSON objects. A non-empty "error"
// field in a response fails the call. Only one request is in flight at a time;
// the pipeline issues model calls sequentially anyway. A call whose context
// ends mid-exchange tears the connection down; the next call redials.
//
// Usage:
//
//	eng, err := remote.Dial(ctx, "ws://localhost:9000/v1/models")
//	sess, err := eng.Open(ctx, "ctc_encoder")
//	out, err := sess.Run(ctx, inputs)
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/callscribe/pkg/inference"
	"github.com/MrWong99/callscribe/pkg/tensor"
)

const (
	defaultReadLimit   = 64 << 20
	defaultCallTimeout = 0
)

// errClosed is returned by calls made after Close.
var errClosed = errors.New("remote: engine is closed")

// Option is a functional option for configuring an Engine.
type Option func(*Engine)

// WithHeader adds an HTTP header to the WebSocket handshake (for example an
// Authorization token).
func WithHeader(key, value string) Option {
	return func(e *Engine) { e.header.Add(key, value) }
}

// WithReadLimit sets the maximum size in bytes of a single response frame.
// Defaults to 64 MiB, enough for a full-utterance encoder output.
func WithReadLimit(n int64) Option {
	return func(e *Engine) { e.readLimit = n }
}

// WithCallTimeout bounds every request/response round trip. Zero (the
// default) imposes no timeout beyond the caller's context.
func WithCallTimeout(d time.Duration) Option {
	return func(e *Engine) { e.callTimeout = d }
}

type request struct {
	ID     uint64                    `json:"id"`
	Op     string                    `json:"op"`
	Model  string                    `json:"model"`
	Inputs map[string]*tensor.Tensor `json:"inputs,omitempty"`
}

type response struct {
	ID      uint64                    `json:"id"`
	Outputs map[string]*tensor.Tensor `json:"outputs,omitempty"`
	Error   string                    `json:"error,omitempty"`
}

// Engine implements inference.Engine over one WebSocket connection. A
// connection that fails mid-call is discarded and redialled on the next call;
// models opened on it are reloaded transparently.
type Engine struct {
	url         string
	header      http.Header
	readLimit   int64
	callTimeout time.Duration

	mu     sync.Mutex
	conn   *websocket.Conn
	loaded map[string]bool // models opened on conn
	nextID uint64
	closed bool
}

// Compile-time assertion that Engine satisfies inference.Engine.
var _ inference.Engine = (*Engine)(nil)

// Dial connects to the tensor server at url (ws:// or wss://).
func Dial(ctx context.Context, url string, opts ...Option) (*Engine, error) {
	if url == "" {
		return nil, errors.New("remote: url must not be empty")
	}
	e := &Engine{
		url:         url,
		header:      http.Header{},
		readLimit:   defaultReadLimit,
		callTimeout: defaultCallTimeout,
	}
	for _, o := range opts {
		o(e)
	}

	conn, err := e.dial(ctx)
	if err != nil {
		return nil, err
	}
	e.conn = conn
	e.loaded = map[string]bool{}
	return e, nil
}

func (e *Engine) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := websocket.Dial(ctx, e.url, &websocket.DialOptions{
		HTTPHeader: e.header.Clone(),
	})
	if err != nil {
		return nil, fmt.Errorf("remote: dial %q: %w", e.url, err)
	}
	conn.SetReadLimit(e.readLimit)
	return conn, nil
}

// Open asks the server to load model and returns a session bound to it.
func (e *Engine) Open(ctx context.Context, model string) (inference.Session, error) {
	if model == "" {
		return nil, errors.New("remote: model name must not be empty")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	ctx, cancel := e.callContext(ctx)
	defer cancel()
	if err := e.ensureLoaded(ctx, model); err != nil {
		return nil, err
	}
	return &session{engine: e, model: model}, nil
}

// Close shuts the connection down. Calling Close more than once is safe.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	if e.conn == nil {
		return nil
	}
	err := e.conn.Close(websocket.StatusNormalClosure, "engine closed")
	e.conn = nil
	return err
}

func (e *Engine) run(ctx context.Context, model string, inputs map[string]*tensor.Tensor) (*response, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ctx, cancel := e.callContext(ctx)
	defer cancel()
	if err := e.ensureLoaded(ctx, model); err != nil {
		return nil, err
	}
	return e.roundTrip(ctx, request{Op: "run", Model: model, Inputs: inputs})
}

func (e *Engine) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.callTimeout > 0 {
		return context.WithTimeout(ctx, e.callTimeout)
	}
	return ctx, func() {}
}

// ensureLoaded redials a broken connection and opens model on the current
// one. The caller must hold e.mu.
func (e *Engine) ensureLoaded(ctx context.Context, model string) error {
	if e.closed {
		return errClosed
	}
	if e.conn == nil {
		conn, err := e.dial(ctx)
		if err != nil {
			return fmt.Errorf("%w: %w", inference.ErrModelUnavailable, err)
		}
		slog.Info("remote: reconnected to tensor server", "url", e.url)
		e.conn = conn
		e.loaded = map[string]bool{}
	}
	if e.loaded[model] {
		return nil
	}
	if _, err := e.roundTrip(ctx, request{Op: "open", Model: model}); err != nil {
		return err
	}
	e.loaded[model] = true
	return nil
}

// roundTrip performs one request/response exchange on the current
// connection. The caller must hold e.mu so responses cannot interleave. Any
// transport or framing failure discards the connection.
func (e *Engine) roundTrip(ctx context.Context, req request) (*response, error) {
	e.nextID++
	req.ID = e.nextID
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("remote: encode %s request: %w", req.Op, err)
	}
	if err := e.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return nil, e.broken("write "+req.Op+" request", err)
	}

	_, raw, err := e.conn.Read(ctx)
	if err != nil {
		return nil, e.broken("read "+req.Op+" response", err)
	}
	var resp response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, e.broken("decode "+req.Op+" response", err)
	}
	if resp.ID != req.ID {
		return nil, e.broken(req.Op, fmt.Errorf("response id %d does not match request id %d", resp.ID, req.ID))
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("remote: %s %q: %s", req.Op, req.Model, resp.Error)
	}
	return &resp, nil
}

// broken discards the current connection. The caller must hold e.mu.
func (e *Engine) broken(stage string, err error) error {
	slog.Warn("remote: dropping tensor server connection", "url", e.url, "stage", stage, "err", err)
	_ = e.conn.CloseNow()
	e.conn = nil
	e.loaded = nil
	return fmt.Errorf("remote: %s: %w: %w", stage, inference.ErrSessionLost, err)
}

// session is a model handle on a remote Engine. It implements
// inference.Session.
type session struct {
	engine *Engine
	model  string
}

// Run sends inputs to the server and returns the decoded outputs.
func (s *session) Run(ctx context.Context, inputs map[string]*tensor.Tensor) (map[string]*tensor.Tensor, error) {
	resp, err := s.engine.run(ctx, s.model, inputs)
	if err != nil {
		return nil, err
	}
	return resp.Outputs, nil
}

// Close is a no-op; the server keeps models loaded for the connection
// lifetime.
func (s *session) Close() error { return nil }

// Compile-time assertion that session satisfies inference.Session.
var _ inference.Session = (*session)(nil)
