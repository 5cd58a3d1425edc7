package rnnt_test

import (
	"context"
	"errors"
	"math"
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/callscribe/pkg/features"
	"github.com/MrWong99/callscribe/pkg/inference"
	imock "github.com/MrWong99/callscribe/pkg/inference/mock"
	"github.com/MrWong99/callscribe/pkg/lang"
	"github.com/MrWong99/callscribe/pkg/provider/stt"
	"github.com/MrWong99/callscribe/pkg/provider/stt/rnnt"
	"github.com/MrWong99/callscribe/pkg/tensor"
)

const (
	dim    = 4 // encoder / predictor dimension
	layers = 2
	hidden = 3
)

// "en" has tokens A=0, B=1 and blank=2.
func registry(t *testing.T) *lang.Registry {
	t.Helper()
	reg, err := lang.NewRegistry(map[string][]string{"en": {"▁a", "b"}}, nil)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return reg
}

func extractor(t *testing.T) *features.Extractor {
	t.Helper()
	fb, err := features.BuildFilterbank(16000, features.NFFT, features.NumMels, 0, 8000)
	if err != nil {
		t.Fatalf("BuildFilterbank: %v", err)
	}
	ex, err := features.NewExtractor(fb)
	if err != nil {
		t.Fatalf("NewExtractor: %v", err)
	}
	return ex
}

// encoder returns a (1, dim, steps) output where element (d, t) = 10*t + d.
func encoder(steps int) *imock.Session {
	data := make([]float32, dim*steps)
	for d := range dim {
		for t := range steps {
			data[d*steps+t] = float32(10*t + d)
		}
	}
	out, _ := tensor.NewFloat32(data, 1, dim, steps)
	return &imock.Session{Outputs: map[string]*tensor.Tensor{
		"outputs":         out,
		"encoded_lengths": tensor.Scalar64(int64(steps)),
	}}
}

// predictor echoes the input token into h_out so state threading is
// observable, and returns a zero output vector.
func predictor() *imock.Session {
	return &imock.Session{RunFunc: func(in map[string]*tensor.Tensor) (map[string]*tensor.Tensor, error) {
		h := tensor.Zeros(layers, 1, hidden)
		h.F32[0] = float32(in["targets"].I64[0])
		return map[string]*tensor.Tensor{
			"outputs": tensor.Zeros(1, dim, 1),
			"h_out":   h,
			"c_out":   tensor.Zeros(layers, 1, hidden),
		}, nil
	}}
}

// identity joint passes the summed vector through unchanged.
func identityJoint() *imock.Session {
	return &imock.Session{RunFunc: func(in map[string]*tensor.Tensor) (map[string]*tensor.Tensor, error) {
		return map[string]*tensor.Tensor{"output": in["input"].Clone()}, nil
	}}
}

// projection returns logits favouring the token chosen by pick for each call.
func projection(pick func(call int) int) *imock.Session {
	s := &imock.Session{}
	s.RunFunc = func(map[string]*tensor.Tensor) (map[string]*tensor.Tensor, error) {
		logits := []float32{-5, -5, -5}
		logits[pick(s.Calls()-1)] = 5
		out, _ := tensor.NewFloat32(logits, 1, 3)
		return map[string]*tensor.Tensor{"output": out}, nil
	}
	return s
}

func newDecoder(t *testing.T, enc, joint, proj *imock.Session, opts ...rnnt.Option) (*rnnt.Decoder, *imock.Session) {
	t.Helper()
	pred := predictor()
	opts = append([]rnnt.Option{rnnt.WithStateShape(layers, hidden)}, opts...)
	d, err := rnnt.New(rnnt.Models{
		Encoder:     enc,
		Predictor:   pred,
		Joint:       joint,
		Projections: map[string]inference.Session{"en": proj},
	}, extractor(t), registry(t), opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return d, pred
}

func features1s(t *testing.T) *features.Matrix {
	t.Helper()
	return extractor(t).Extract(make([]float32, 1600))
}

func TestDecodeFeatures_AlwaysBlankAdvances(t *testing.T) {
	t.Parallel()
	joint := identityJoint()
	proj := projection(func(int) int { return 2 })
	d, pred := newDecoder(t, encoder(100), joint, proj)

	text, state, err := d.DecodeFeatures(context.Background(), features1s(t), "en", nil)
	if err != nil {
		t.Fatalf("DecodeFeatures: %v", err)
	}
	if text != "" || len(state.Emitted()) != 0 {
		t.Errorf("text = %q, emitted = %v, want nothing", text, state.Emitted())
	}
	if joint.Calls() != 100 {
		t.Errorf("joint calls = %d, want one per time step (100)", joint.Calls())
	}
	if pred.Calls() != 1 {
		t.Errorf("predictor calls = %d, want 1 (state never changes)", pred.Calls())
	}
	if !slices.Equal(state.Tokens, []int{2}) {
		t.Errorf("tokens = %v, want [2] (start of sequence only)", state.Tokens)
	}
}

func TestDecodeFeatures_MaxSymbolsPerStep(t *testing.T) {
	t.Parallel()
	proj := projection(func(int) int { return 0 })
	d, _ := newDecoder(t, encoder(5), identityJoint(), proj, rnnt.WithMaxSymbolsPerStep(3))

	_, state, err := d.DecodeFeatures(context.Background(), features1s(t), "en", nil)
	if err != nil {
		t.Fatalf("DecodeFeatures: %v", err)
	}
	if got := len(state.Emitted()); got != 15 {
		t.Errorf("emitted = %d, want 5 steps * 3 symbols", got)
	}
}

func TestDecodeFeatures_EmitsAndThreadsState(t *testing.T) {
	t.Parallel()
	// Step 0: A, B, blank. Step 1: blank. Step 2: A, blank.
	script := []int{0, 1, 2, 2, 0, 2}
	proj := projection(func(call int) int { return script[call] })
	d, pred := newDecoder(t, encoder(3), identityJoint(), proj)

	text, state, err := d.DecodeFeatures(context.Background(), features1s(t), "en", nil)
	if err != nil {
		t.Fatalf("DecodeFeatures: %v", err)
	}
	if text != "ab a" {
		t.Errorf("text = %q, want %q", text, "ab a")
	}
	if !slices.Equal(state.Tokens, []int{2, 0, 1, 0}) {
		t.Errorf("tokens = %v", state.Tokens)
	}

	// The predictor sees the start-of-sequence token, then each emitted token.
	var targets []int64
	for _, c := range pred.RunCalls {
		targets = append(targets, c.Inputs["targets"].I64[0])
	}
	if !slices.Equal(targets, []int64{2, 0, 1, 0}) {
		t.Errorf("predictor targets = %v, want [2 0 1 0]", targets)
	}
	// The recurrent state fed back is the one returned with the last token.
	if got := pred.RunCalls[2].Inputs["h_in"].F32[0]; got != 0 {
		t.Errorf("h_in[0] on third call = %v, want 0 (echo of token A)", got)
	}
	if got := pred.RunCalls[3].Inputs["h_in"].F32[0]; got != 1 {
		t.Errorf("h_in[0] on fourth call = %v, want 1 (echo of token B)", got)
	}
}

func TestDecodeFeatures_TransposesEncoderOutput(t *testing.T) {
	t.Parallel()
	joint := identityJoint()
	proj := projection(func(int) int { return 2 })
	d, _ := newDecoder(t, encoder(3), joint, proj)

	if _, _, err := d.DecodeFeatures(context.Background(), features1s(t), "en", nil); err != nil {
		t.Fatalf("DecodeFeatures: %v", err)
	}
	for step, c := range joint.RunCalls {
		want := []float32{float32(10 * step), float32(10*step + 1), float32(10*step + 2), float32(10*step + 3)}
		if got := c.Inputs["input"].F32; !slices.Equal(got, want) {
			t.Errorf("joint input at t=%d = %v, want %v", step, got, want)
		}
	}
}

func TestDecodeFeatures_UsesShorterEncodedLength(t *testing.T) {
	t.Parallel()
	enc := encoder(10)
	enc.Outputs["encoded_lengths"] = tensor.Scalar64(4)
	joint := identityJoint()
	d, _ := newDecoder(t, enc, joint, projection(func(int) int { return 2 }))

	if _, _, err := d.DecodeFeatures(context.Background(), features1s(t), "en", nil); err != nil {
		t.Fatalf("DecodeFeatures: %v", err)
	}
	if joint.Calls() != 4 {
		t.Errorf("joint calls = %d, want 4", joint.Calls())
	}
}

func TestDecodeFeatures_Errors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	d, _ := newDecoder(t, encoder(3), identityJoint(), projection(func(int) int { return 2 }))
	if _, _, err := d.DecodeFeatures(ctx, features1s(t), "de", nil); !errors.Is(err, lang.ErrUnknownLanguage) {
		t.Errorf("unknown language err = %v", err)
	}

	wrongVocab := &imock.Session{Outputs: map[string]*tensor.Tensor{"output": tensor.Zeros(1, 7)}}
	d, _ = newDecoder(t, encoder(3), identityJoint(), wrongVocab)
	if _, _, err := d.DecodeFeatures(ctx, features1s(t), "en", nil); !errors.Is(err, tensor.ErrShapeMismatch) {
		t.Errorf("vocabulary mismatch err = %v, want ErrShapeMismatch", err)
	}

	badEnc := &imock.Session{Outputs: map[string]*tensor.Tensor{
		"outputs": {DType: tensor.Float32, Shape: []int{1, 4, 3}, F32: make([]float32, 5)},
	}}
	d, _ = newDecoder(t, badEnc, identityJoint(), projection(func(int) int { return 2 }))
	if _, _, err := d.DecodeFeatures(ctx, features1s(t), "en", nil); !errors.Is(err, tensor.ErrShapeMismatch) {
		t.Errorf("corrupt encoder output err = %v, want ErrShapeMismatch", err)
	}

	bad := rnnt.NewState(2, 1, 1)
	d, _ = newDecoder(t, encoder(3), identityJoint(), projection(func(int) int { return 2 }))
	if _, _, err := d.DecodeFeatures(ctx, features1s(t), "en", &bad); !errors.Is(err, tensor.ErrShapeMismatch) {
		t.Errorf("bad initial state err = %v, want ErrShapeMismatch", err)
	}
}

func TestNoProjection(t *testing.T) {
	t.Parallel()
	reg, _ := lang.NewRegistry(map[string][]string{"en": {"a"}, "de": {"b"}}, nil)
	d, err := rnnt.New(rnnt.Models{
		Encoder:     encoder(1),
		Predictor:   predictor(),
		Joint:       identityJoint(),
		Projections: map[string]inference.Session{"en": projection(func(int) int { return 1 })},
	}, extractor(t), reg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := d.Transcribe(context.Background(), make([]float32, 100), "de"); !errors.Is(err, rnnt.ErrNoProjection) {
		t.Errorf("err = %v, want ErrNoProjection", err)
	}
}

func TestTranscribe_ContinuesAcrossChunks(t *testing.T) {
	t.Parallel()
	// Each chunk has one step: emit A then blank.
	proj := projection(func(call int) int {
		if call%2 == 0 {
			return 0
		}
		return 2
	})
	var chunks int
	d, pred := newDecoder(t, encoder(1), identityJoint(), proj,
		rnnt.WithChunkDuration(time.Second),
		rnnt.WithChunkHook(func(context.Context, string) { chunks++ }),
	)

	text, err := d.Transcribe(context.Background(), make([]float32, 3*16000), "en")
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if text != "a a a" {
		t.Errorf("text = %q, want %q", text, "a a a")
	}
	if chunks != 3 {
		t.Errorf("chunks = %d, want 3", chunks)
	}
	// The second chunk starts from the token the first chunk emitted rather
	// than from the start-of-sequence id.
	var targets []int64
	for _, c := range pred.RunCalls {
		targets = append(targets, c.Inputs["targets"].I64[0])
	}
	if !slices.Equal(targets, []int64{2, 0, 0, 0, 0, 0}) {
		t.Errorf("predictor targets = %v", targets)
	}
}

func TestTranscribe_AllChunksFail(t *testing.T) {
	t.Parallel()
	enc := &imock.Session{RunErr: errors.New("encoder down")}
	d, _ := newDecoder(t, enc, identityJoint(), projection(func(int) int { return 2 }))
	if _, err := d.Transcribe(context.Background(), make([]float32, 1000), "en"); !errors.Is(err, stt.ErrAllChunksFailed) {
		t.Errorf("err = %v, want ErrAllChunksFailed", err)
	}
	if got, err := d.Transcribe(context.Background(), nil, "en"); got != "" || err != nil {
		t.Errorf("empty input = %q, %v", got, err)
	}
}

func TestDecodeFeatures_Cancelled(t *testing.T) {
	t.Parallel()
	joint := identityJoint()
	d, _ := newDecoder(t, encoder(100), joint, projection(func(int) int { return 2 }))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, _, err := d.DecodeFeatures(ctx, features1s(t), "en", nil); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if joint.Calls() != 0 {
		t.Errorf("joint calls = %d, want 0", joint.Calls())
	}
}

func TestLogSoftmaxArgMax(t *testing.T) {
	t.Parallel()
	idx, lp := rnnt.LogSoftmaxArgMax([]float32{1, 3, 2})
	if idx != 1 {
		t.Errorf("idx = %d, want 1", idx)
	}
	want := 3 - (3 + math.Log(math.Exp(-2)+1+math.Exp(-1)))
	if math.Abs(lp-want) > 1e-9 {
		t.Errorf("logprob = %v, want %v", lp, want)
	}

	// Large logits must not overflow.
	idx, lp = rnnt.LogSoftmaxArgMax([]float32{1000, 999})
	if idx != 0 || math.IsNaN(lp) || math.IsInf(lp, 0) {
		t.Errorf("large logits: idx = %d, lp = %v", idx, lp)
	}
	if idx, _ := rnnt.LogSoftmaxArgMax(nil); idx != -1 {
		t.Errorf("empty: idx = %d, want -1", idx)
	}
}

func TestDecodeState_AppendDoesNotAlias(t *testing.T) {
	t.Parallel()
	base := rnnt.NewState(9, 1, 2)
	a := base.Append(1, base.Hidden, base.Cell)
	b := base.Append(2, base.Hidden, base.Cell)
	if !slices.Equal(a.Tokens, []int{9, 1}) || !slices.Equal(b.Tokens, []int{9, 2}) {
		t.Errorf("a = %v, b = %v", a.Tokens, b.Tokens)
	}
	if !slices.Equal(base.Tokens, []int{9}) || base.Last() != 9 {
		t.Errorf("base mutated: %v", base.Tokens)
	}
}
