// Package model provides a vad.Engine backed by a VAD classifier model run
// through the inference engine.
//
// The model takes "input" float32 (1, n) and "sr" int64 (1) and returns
// "output" float32 (1, 1): the speech probability of the whole window. The
// inference session is shared by every VAD session the engine creates.
package model

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/callscribe/pkg/inference"
	"github.com/MrWong99/callscribe/pkg/provider/vad"
	"github.com/MrWong99/callscribe/pkg/tensor"
)

const (
	inputName  = "input"
	rateName   = "sr"
	outputName = "output"
)

// Engine implements vad.Engine over an inference session.
type Engine struct {
	session inference.Session
}

// Compile-time assertion that Engine satisfies vad.Engine.
var _ vad.Engine = (*Engine)(nil)

// New returns an engine that classifies windows with session.
func New(session inference.Session) (*Engine, error) {
	if session == nil {
		return nil, errors.New("vad model: session must not be nil")
	}
	return &Engine{session: session}, nil
}

// NewSession validates cfg and returns a new session.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &session{model: e.session, cfg: cfg}, nil
}

type session struct {
	model   inference.Session
	cfg     vad.Config
	tracker vad.Tracker
}

func (s *session) ProcessFrame(ctx context.Context, frame []float32) (vad.VADEvent, error) {
	if err := s.cfg.CheckFrame(frame); err != nil {
		return vad.VADEvent{}, err
	}
	in, err := tensor.NewFloat32(frame, 1, len(frame))
	if err != nil {
		return vad.VADEvent{}, err
	}
	out, err := s.model.Run(ctx, map[string]*tensor.Tensor{
		inputName: in,
		rateName:  tensor.Scalar64(int64(s.cfg.SampleRate)),
	})
	if err != nil {
		return vad.VADEvent{}, fmt.Errorf("vad model: %w", err)
	}
	prob, err := inference.Output(out, outputName)
	if err != nil {
		return vad.VADEvent{}, fmt.Errorf("vad model: %w", err)
	}
	if prob.DType != tensor.Float32 || len(prob.F32) != 1 {
		return vad.VADEvent{}, fmt.Errorf("vad model: %w: output %s %v, want float32 (1, 1)", tensor.ErrShapeMismatch, prob.DType, prob.Shape)
	}
	p := min(1, max(0, float64(prob.F32[0])))
	return s.tracker.Observe(p, s.cfg.SpeechThreshold), nil
}

func (s *session) Reset() { s.tracker.Reset() }

func (s *session) Close() error { return nil }
