package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/MrWong99/callscribe/internal/app"
	"github.com/MrWong99/callscribe/internal/health"
	"github.com/MrWong99/callscribe/internal/observe"
	"github.com/MrWong99/callscribe/internal/segment"
	"github.com/MrWong99/callscribe/internal/transcript"
	"github.com/MrWong99/callscribe/pkg/audio"
	"github.com/MrWong99/callscribe/pkg/inference"
	"github.com/MrWong99/callscribe/pkg/lang"
	"github.com/MrWong99/callscribe/pkg/provider/stt/rnnt"
)

const shutdownTimeout = 15 * time.Second

func newServeCmd(root *rootOptions) *cobra.Command {
	var capacity int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the transcription HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			rt, err := setup(ctx, root.configPath)
			if err != nil {
				return err
			}
			if capacity <= 0 {
				capacity = rt.cfg.Pipeline.Concurrency
			}
			recs := app.NewRecordings(rt.app.Pipeline(), capacity, false)
			api := &transcribeAPI{
				recordings: recs,
				language:   rt.cfg.Pipeline.Language,
				maxBody:    rt.cfg.Server.MaxUploadBytes,
			}

			mux := http.NewServeMux()
			api.Register(mux)
			health.New(rt.app.HealthCheckers()...).Register(mux)
			mux.Handle("GET /metrics", promhttp.Handler())

			srv := &http.Server{
				Addr:              rt.cfg.Server.ListenAddr,
				Handler:           observe.Middleware(rt.app.Metrics())(mux),
				ReadHeaderTimeout: 10 * time.Second,
			}
			errCh := make(chan error, 1)
			go func() {
				slog.Info("listening", "addr", srv.Addr, "capacity", capacity)
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err = <-errCh:
			case <-ctx.Done():
				slog.Info("shutdown signal received, stopping")
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if serr := srv.Shutdown(shutdownCtx); serr != nil {
				slog.Warn("http shutdown error", "err", serr)
			}
			if serr := rt.shutdown(shutdownCtx); serr != nil {
				slog.Warn("shutdown error", "err", serr)
			}
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().IntVar(&capacity, "capacity", 0, "concurrent recordings before requests are rejected (defaults to pipeline.concurrency)")
	return cmd
}

// transcribeAPI serves POST /v1/transcribe and GET /v1/recordings.
type transcribeAPI struct {
	recordings *app.Recordings
	language   string
	maxBody    int64
}

// Register adds the API routes to mux.
func (h *transcribeAPI) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/transcribe", h.transcribe)
	mux.HandleFunc("GET /v1/recordings", h.active)
}

func (h *transcribeAPI) transcribe(w http.ResponseWriter, r *http.Request) {
	language := r.URL.Query().Get("language")
	if language == "" {
		language = h.language
	}
	body := r.Body
	if h.maxBody > 0 {
		body = http.MaxBytesReader(w, r.Body, h.maxBody)
	}
	wf, err := audio.ReadWAV(body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, err)
			return
		}
		writeError(w, http.StatusBadRequest, err)
		return
	}

	segs, err := h.recordings.Transcribe(r.Context(), r.RemoteAddr, wf, language)
	switch {
	case err == nil:
	case errors.Is(err, app.ErrBusy):
		w.Header().Set("Retry-After", strconv.Itoa(5))
		writeError(w, http.StatusServiceUnavailable, err)
		return
	case errors.Is(err, inference.ErrModelUnavailable), errors.Is(err, segment.ErrClassifierFailed):
		observe.Logger(r.Context()).Error("model unavailable", "err", err)
		writeError(w, http.StatusServiceUnavailable, err)
		return
	case errors.Is(err, lang.ErrUnknownLanguage), errors.Is(err, lang.ErrNoMask), errors.Is(err, rnnt.ErrNoProjection):
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	case errors.Is(err, context.Canceled):
		observe.Logger(r.Context()).Info("client went away", "err", err)
		return
	default:
		observe.Logger(r.Context()).Error("transcription failed", "err", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err := transcript.WriteJSON(w, segs); err != nil {
		observe.Logger(r.Context()).Warn("write response", "err", err)
	}
}

type recordingJSON struct {
	RunID     string    `json:"run_id"`
	Source    string    `json:"source"`
	Language  string    `json:"language"`
	AudioMs   int64     `json:"audio_ms"`
	StartedAt time.Time `json:"started_at"`
}

func (h *transcribeAPI) active(w http.ResponseWriter, _ *http.Request) {
	active := h.recordings.Active()
	out := make([]recordingJSON, len(active))
	for i, rec := range active {
		out[i] = recordingJSON{
			RunID:     rec.RunID,
			Source:    rec.Source,
			Language:  rec.Language,
			AudioMs:   rec.Duration.Milliseconds(),
			StartedAt: rec.StartedAt,
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
