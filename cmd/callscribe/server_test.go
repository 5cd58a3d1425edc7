package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/MrWong99/callscribe/internal/app"
	"github.com/MrWong99/callscribe/internal/segment"
	"github.com/MrWong99/callscribe/internal/transcript"
	"github.com/MrWong99/callscribe/pkg/audio"
	"github.com/MrWong99/callscribe/pkg/inference"
	"github.com/MrWong99/callscribe/pkg/lang"
)

type fakePipeline struct {
	segs  []transcript.Segment
	err   error
	block chan struct{}

	mu   sync.Mutex
	lang string
}

func (f *fakePipeline) Transcribe(ctx context.Context, _ audio.Waveform, language string) ([]transcript.Segment, error) {
	f.mu.Lock()
	f.lang = language
	f.mu.Unlock()
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.segs, f.err
}

func newTestAPI(p app.Transcriber, capacity int) *httptest.Server {
	api := &transcribeAPI{
		recordings: app.NewRecordings(p, capacity, false),
		language:   "en",
		maxBody:    1 << 20,
	}
	mux := http.NewServeMux()
	api.Register(mux)
	return httptest.NewServer(mux)
}

func wavBody(samples int) *bytes.Reader {
	return bytes.NewReader(audio.EncodeWAV(make([]byte, 2*samples), audio.SampleRate, 1))
}

func TestTranscribeAPI(t *testing.T) {
	t.Parallel()
	p := &fakePipeline{segs: []transcript.Segment{{Speaker: 0, StartMs: 0, EndMs: 1000, Text: "hello"}}}
	srv := newTestAPI(p, 1)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1/transcribe?language=de", "audio/wav", wavBody(audio.SampleRate))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var got []map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 1 || got[0]["text"] != "hello" {
		t.Errorf("body = %v", got)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lang != "de" {
		t.Errorf("language = %q, want de", p.lang)
	}
}

func TestTranscribeAPI_Errors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		body func() *bytes.Reader
		want int
	}{
		{name: "not a wav", body: func() *bytes.Reader { return bytes.NewReader([]byte("hello")) }, want: http.StatusBadRequest},
		{name: "too large", body: func() *bytes.Reader { return wavBody(1<<19 + 100) }, want: http.StatusRequestEntityTooLarge},
		{name: "unknown language", err: fmt.Errorf("ctc: %w", lang.ErrUnknownLanguage), body: func() *bytes.Reader { return wavBody(100) }, want: http.StatusUnprocessableEntity},
		{name: "model unavailable", err: fmt.Errorf("transcript: ctc: %w: %q", inference.ErrModelUnavailable, "ctc_encoder"), body: func() *bytes.Reader { return wavBody(100) }, want: http.StatusServiceUnavailable},
		{name: "vad failed everywhere", err: fmt.Errorf("transcript: %w: model crashed", segment.ErrClassifierFailed), body: func() *bytes.Reader { return wavBody(100) }, want: http.StatusServiceUnavailable},
		{name: "pipeline failure", err: fmt.Errorf("boom"), body: func() *bytes.Reader { return wavBody(100) }, want: http.StatusInternalServerError},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			srv := newTestAPI(&fakePipeline{err: tc.err}, 1)
			defer srv.Close()
			resp, err := http.Post(srv.URL+"/v1/transcribe", "audio/wav", tc.body())
			if err != nil {
				t.Fatalf("POST: %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != tc.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tc.want)
			}
		})
	}
}

func TestTranscribeAPI_BusyAndActive(t *testing.T) {
	t.Parallel()
	p := &fakePipeline{block: make(chan struct{})}
	srv := newTestAPI(p, 1)
	defer srv.Close()

	done := make(chan int, 1)
	go func() {
		resp, err := http.Post(srv.URL+"/v1/transcribe", "audio/wav", wavBody(audio.SampleRate))
		if err != nil {
			done <- 0
			return
		}
		resp.Body.Close()
		done <- resp.StatusCode
	}()

	// Wait until the first request holds the only slot.
	var active []recordingJSON
	for len(active) == 0 {
		resp, err := http.Get(srv.URL + "/v1/recordings")
		if err != nil {
			t.Fatalf("GET: %v", err)
		}
		active = nil
		if err := json.NewDecoder(resp.Body).Decode(&active); err != nil {
			t.Fatalf("decode: %v", err)
		}
		resp.Body.Close()
	}
	if active[0].AudioMs != 1000 || active[0].Language != "en" || active[0].RunID == "" {
		t.Errorf("active = %+v", active[0])
	}

	resp, err := http.Post(srv.URL+"/v1/transcribe", "audio/wav", wavBody(100))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable || resp.Header.Get("Retry-After") == "" {
		t.Errorf("status = %d, Retry-After = %q, want 503 with Retry-After", resp.StatusCode, resp.Header.Get("Retry-After"))
	}

	close(p.block)
	if code := <-done; code != http.StatusOK {
		t.Errorf("first request status = %d, want 200", code)
	}
}
