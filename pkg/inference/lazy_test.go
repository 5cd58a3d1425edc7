package inference_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/callscribe/pkg/inference"
	"github.com/MrWong99/callscribe/pkg/inference/mock"
	"github.com/MrWong99/callscribe/pkg/tensor"
)

func TestLazy_RetriesAfterFailedOpen(t *testing.T) {
	t.Parallel()
	sess := &mock.Session{Outputs: map[string]*tensor.Tensor{"y": tensor.Zeros(1, 1)}}
	eng := &mock.Engine{
		Sessions:  map[string]inference.Session{"enc": sess},
		OpenErr:   errors.New("runtime not ready"),
		FailOpens: 1,
	}
	l := inference.NewLazy(eng, "enc")
	ctx := context.Background()

	if _, err := l.Run(ctx, nil); !errors.Is(err, inference.ErrModelUnavailable) {
		t.Fatalf("first Run err = %v, want ErrModelUnavailable", err)
	}
	if l.Loaded() {
		t.Fatal("handle should not be loaded after a failed open")
	}
	if _, err := l.Run(ctx, nil); err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if !l.Loaded() {
		t.Error("handle should be loaded after a successful open")
	}
	if got := len(eng.OpenCalls); got != 2 {
		t.Errorf("Open calls = %d, want 2", got)
	}
}

func TestLazy_OpensOnceUnderConcurrency(t *testing.T) {
	t.Parallel()
	sess := &mock.Session{Outputs: map[string]*tensor.Tensor{}}
	eng := &mock.Engine{Sessions: map[string]inference.Session{"enc": sess}}
	l := inference.NewLazy(eng, "enc")

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Session(context.Background()); err != nil {
				t.Errorf("Session: %v", err)
			}
		}()
	}
	wg.Wait()
	if got := len(eng.OpenCalls); got != 1 {
		t.Errorf("Open calls = %d, want 1", got)
	}
}

func TestLazy_NilOutputsIsError(t *testing.T) {
	t.Parallel()
	sess := &mock.Session{}
	eng := &mock.Engine{Sessions: map[string]inference.Session{"enc": sess}}

	var statuses []string
	l := inference.NewLazy(eng, "enc", inference.WithObserver(func(_ context.Context, model, status string, _ time.Duration) {
		statuses = append(statuses, model+":"+status)
	}))
	_, err := l.Run(context.Background(), nil)
	if !errors.Is(err, inference.ErrMissingOutput) {
		t.Fatalf("err = %v, want ErrMissingOutput", err)
	}
	if len(statuses) != 1 || statuses[0] != "enc:error" {
		t.Errorf("observer saw %v, want [enc:error]", statuses)
	}
}

func TestLazy_CloseAllowsReopen(t *testing.T) {
	t.Parallel()
	sess := &mock.Session{Outputs: map[string]*tensor.Tensor{}}
	eng := &mock.Engine{Sessions: map[string]inference.Session{"enc": sess}}
	l := inference.NewLazy(eng, "enc")
	ctx := context.Background()

	if _, err := l.Session(ctx); err != nil {
		t.Fatalf("Session: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if sess.CloseCallCount != 1 {
		t.Errorf("session Close calls = %d, want 1", sess.CloseCallCount)
	}
	if _, err := l.Session(ctx); err != nil {
		t.Fatalf("Session after Close: %v", err)
	}
	if got := len(eng.OpenCalls); got != 2 {
		t.Errorf("Open calls = %d, want 2", got)
	}
}

func TestLazy_DropsLostSession(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		runErr    error
		wantOpens int
	}{
		{name: "lost session is reopened", runErr: fmt.Errorf("remote: read run response: %w", inference.ErrSessionLost), wantOpens: 2},
		{name: "model error keeps session", runErr: errors.New("bad input shape"), wantOpens: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			sess := &mock.Session{RunErr: tt.runErr}
			eng := &mock.Engine{Sessions: map[string]inference.Session{"enc": sess}}
			l := inference.NewLazy(eng, "enc")
			ctx := context.Background()

			if _, err := l.Run(ctx, nil); !errors.Is(err, tt.runErr) {
				t.Fatalf("Run err = %v, want %v", err, tt.runErr)
			}
			sess.RunErr = nil
			sess.Outputs = map[string]*tensor.Tensor{}
			if _, err := l.Run(ctx, nil); err != nil {
				t.Fatalf("Run after failure: %v", err)
			}
			if got := len(eng.OpenCalls); got != tt.wantOpens {
				t.Errorf("Open calls = %d, want %d", got, tt.wantOpens)
			}
		})
	}
}

func TestOutput_ValidatesPayload(t *testing.T) {
	t.Parallel()
	outs := map[string]*tensor.Tensor{
		"good": tensor.Zeros(1, 2),
		"bad":  {DType: tensor.Float32, Shape: []int{1, 3}, F32: []float32{1}},
	}
	if _, err := inference.Output(outs, "good"); err != nil {
		t.Errorf("good: %v", err)
	}
	if _, err := inference.Output(outs, "bad"); !errors.Is(err, tensor.ErrShapeMismatch) {
		t.Errorf("bad err = %v, want ErrShapeMismatch", err)
	}
	if _, err := inference.Output(outs, "missing"); !errors.Is(err, inference.ErrMissingOutput) {
		t.Errorf("missing err = %v, want ErrMissingOutput", err)
	}
	if _, err := inference.Output(nil, "x"); !errors.Is(err, inference.ErrMissingOutput) {
		t.Errorf("nil map err = %v, want ErrMissingOutput", err)
	}
}
