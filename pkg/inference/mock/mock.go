// Package mock provides test doubles for the inference package interfaces.
//
// Use Session to script model outputs with RunFunc (or a fixed Outputs map)
// and inspect the inputs each call received. Use Engine to hand out sessions
// by model name and to simulate initialisation failures.
//
// Example:
//
//	enc := &mock.Session{RunFunc: func(in map[string]*tensor.Tensor) (map[string]*tensor.Tensor, error) {
//	    return map[string]*tensor.Tensor{"logprobs": logits}, nil
//	}}
//	eng := &mock.Engine{Sessions: map[string]inference.Session{"ctc_encoder": enc}}
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/MrWong99/callscribe/pkg/inference"
	"github.com/MrWong99/callscribe/pkg/tensor"
)

// RunCall records a single invocation of Session.Run.
type RunCall struct {
	// Inputs is a deep copy of the tensors passed to Run.
	Inputs map[string]*tensor.Tensor
}

// Session is a mock implementation of inference.Session.
type Session struct {
	mu sync.Mutex

	// RunFunc, if set, computes the response for every Run call.
	RunFunc func(inputs map[string]*tensor.Tensor) (map[string]*tensor.Tensor, error)

	// Outputs is returned by Run when RunFunc is nil.
	Outputs map[string]*tensor.Tensor

	// RunErr, if non-nil and RunFunc is nil, is returned by Run.
	RunErr error

	// RunCalls records every call to Run in order.
	RunCalls []RunCall

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// Run records the call and returns the scripted response.
func (s *Session) Run(_ context.Context, inputs map[string]*tensor.Tensor) (map[string]*tensor.Tensor, error) {
	s.mu.Lock()
	cp := make(map[string]*tensor.Tensor, len(inputs))
	for k, v := range inputs {
		cp[k] = v.Clone()
	}
	s.RunCalls = append(s.RunCalls, RunCall{Inputs: cp})
	fn := s.RunFunc
	s.mu.Unlock()

	if fn != nil {
		return fn(inputs)
	}
	return s.Outputs, s.RunErr
}

// Close records the call.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	return nil
}

// Calls returns the number of Run calls so far. Thread-safe.
func (s *Session) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.RunCalls)
}

// Ensure Session implements inference.Session at compile time.
var _ inference.Session = (*Session)(nil)

// Engine is a mock implementation of inference.Engine.
type Engine struct {
	mu sync.Mutex

	// Sessions maps model names to the session Open returns.
	Sessions map[string]inference.Session

	// OpenErr, if non-nil, is returned by Open. FailOpens limits how many
	// consecutive Open calls fail; zero means every call fails while OpenErr
	// is set.
	OpenErr   error
	FailOpens int

	// OpenCalls records the model name of every Open call.
	OpenCalls []string

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// Open records the call and returns the registered session for model.
func (e *Engine) Open(_ context.Context, model string) (inference.Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.OpenCalls = append(e.OpenCalls, model)
	if e.OpenErr != nil && (e.FailOpens == 0 || len(e.OpenCalls) <= e.FailOpens) {
		return nil, e.OpenErr
	}
	s, ok := e.Sessions[model]
	if !ok {
		return nil, fmt.Errorf("mock: no session registered for model %q", model)
	}
	return s, nil
}

// Close records the call.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.CloseCallCount++
	return nil
}

// Ensure Engine implements inference.Engine at compile time.
var _ inference.Engine = (*Engine)(nil)
