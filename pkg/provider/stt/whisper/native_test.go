package whisper_test

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/callscribe/pkg/provider/stt/whisper"
)

// testModelPath returns the path to a whisper model for integration tests.
// It reads from the WHISPER_MODEL_PATH environment variable. If unset the
// test is skipped.
func testModelPath(t *testing.T) string {
	t.Helper()
	p := os.Getenv("WHISPER_MODEL_PATH")
	if p == "" {
		t.Skip("WHISPER_MODEL_PATH not set; skipping native whisper test")
	}
	return p
}

func TestNew_EmptyPath_ReturnsError(t *testing.T) {
	if _, err := whisper.New(""); err == nil {
		t.Fatal("expected error for empty model path, got nil")
	}
}

func TestNew_InvalidPath_ReturnsError(t *testing.T) {
	if _, err := whisper.New("/nonexistent/path/to/model.bin"); err == nil {
		t.Fatal("expected error for invalid model path, got nil")
	}
}

func TestTranscribe_Silence(t *testing.T) {
	d, err := whisper.New(testModelPath(t), whisper.WithWindow(10*time.Second))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer d.Close()

	if d.Name() != "whisper" {
		t.Errorf("Name() = %q", d.Name())
	}
	if got, err := d.Transcribe(context.Background(), nil, "en"); got != "" || err != nil {
		t.Errorf("empty input = %q, %v", got, err)
	}

	var chunks int
	d2, err := whisper.New(testModelPath(t),
		whisper.WithWindow(time.Second),
		whisper.WithChunkHook(func(context.Context, string) { chunks++ }),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer d2.Close()
	if _, err := d2.Transcribe(context.Background(), make([]float32, 2*16000), "en"); err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if chunks != 2 {
		t.Errorf("chunks = %d, want 2", chunks)
	}
}

func TestTranscribe_Cancelled(t *testing.T) {
	d, err := whisper.New(testModelPath(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer d.Close()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := d.Transcribe(ctx, make([]float32, 16000), "en"); err == nil {
		t.Error("expected error for cancelled context")
	}
}

func TestTranscribe_Concurrent(t *testing.T) {
	d, err := whisper.New(testModelPath(t), whisper.WithWindow(time.Second))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer d.Close()

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := d.Transcribe(context.Background(), make([]float32, 2*16000), "en"); err != nil {
				t.Errorf("Transcribe: %v", err)
			}
		}()
	}
	wg.Wait()
}
