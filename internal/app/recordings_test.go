package app_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/MrWong99/callscribe/internal/app"
	"github.com/MrWong99/callscribe/internal/observe"
	"github.com/MrWong99/callscribe/internal/transcript"
	"github.com/MrWong99/callscribe/pkg/audio"
)

type blockingPipeline struct {
	release chan struct{}
	started chan string

	mu     sync.Mutex
	runIDs []string
}

func (b *blockingPipeline) Transcribe(ctx context.Context, _ audio.Waveform, _ string) ([]transcript.Segment, error) {
	id := observe.RunID(ctx)
	b.mu.Lock()
	b.runIDs = append(b.runIDs, id)
	b.mu.Unlock()
	if b.started != nil {
		b.started <- id
	}
	if b.release != nil {
		select {
		case <-b.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return []transcript.Segment{}, nil
}

func TestRecordings_RunID(t *testing.T) {
	t.Parallel()
	p := &blockingPipeline{}
	r := app.NewRecordings(p, 1, true)
	wf := audio.NewWaveform(make([]float32, audio.SampleRate))

	ctx := observe.WithRunID(context.Background(), "call-7")
	if _, err := r.Transcribe(ctx, "a.wav", wf, "en"); err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if _, err := r.Transcribe(context.Background(), "b.wav", wf, "en"); err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if p.runIDs[0] != "call-7" {
		t.Errorf("run id = %q, want call-7", p.runIDs[0])
	}
	if p.runIDs[1] == "" || p.runIDs[1] == "call-7" {
		t.Errorf("assigned run id = %q, want a fresh id", p.runIDs[1])
	}
	if got := r.Active(); len(got) != 0 {
		t.Errorf("active after completion = %+v", got)
	}
}

func TestRecordings_BusyAndActive(t *testing.T) {
	t.Parallel()
	p := &blockingPipeline{release: make(chan struct{}), started: make(chan string, 1)}
	r := app.NewRecordings(p, 1, false)
	wf := audio.NewWaveform(make([]float32, 2*audio.SampleRate))

	errCh := make(chan error, 1)
	go func() {
		_, err := r.Transcribe(context.Background(), "call.wav", wf, "de")
		errCh <- err
	}()
	id := <-p.started

	active := r.Active()
	if len(active) != 1 {
		t.Fatalf("active = %+v, want one recording", active)
	}
	if a := active[0]; a.RunID != id || a.Source != "call.wav" || a.Language != "de" || a.Duration != wf.Duration() {
		t.Errorf("active[0] = %+v", a)
	}

	if _, err := r.Transcribe(context.Background(), "other.wav", wf, "de"); !errors.Is(err, app.ErrBusy) {
		t.Errorf("err = %v, want ErrBusy", err)
	}

	close(p.release)
	if err := <-errCh; err != nil {
		t.Fatalf("first Transcribe: %v", err)
	}
}

func TestRecordings_WaitHonoursContext(t *testing.T) {
	t.Parallel()
	p := &blockingPipeline{release: make(chan struct{}), started: make(chan string, 1)}
	r := app.NewRecordings(p, 1, true)
	wf := audio.NewWaveform(make([]float32, audio.SampleRate))

	go func() { _, _ = r.Transcribe(context.Background(), "a.wav", wf, "en") }()
	<-p.started

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := r.Transcribe(ctx, "b.wav", wf, "en"); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	close(p.release)
}
