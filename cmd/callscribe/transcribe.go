package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/callscribe/internal/app"
	"github.com/MrWong99/callscribe/internal/transcript"
	"github.com/MrWong99/callscribe/pkg/audio"
)

type transcribeOptions struct {
	language  string
	format    string
	outputDir string
}

func newTranscribeCmd(root *rootOptions) *cobra.Command {
	opts := &transcribeOptions{}
	cmd := &cobra.Command{
		Use:   "transcribe FILE.wav...",
		Short: "Transcribe WAV recordings into speaker-labelled segments",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.format != "text" && opts.format != "json" {
				return fmt.Errorf("--format must be text or json, got %q", opts.format)
			}
			rt, err := setup(cmd.Context(), root.configPath)
			if err != nil {
				return err
			}
			defer func() {
				if err := rt.shutdown(context.Background()); err != nil {
					slog.Warn("shutdown error", "err", err)
				}
			}()
			language := opts.language
			if language == "" {
				language = rt.cfg.Pipeline.Language
			}
			recs := app.NewRecordings(rt.app.Pipeline(), rt.cfg.Pipeline.Concurrency, true)
			return transcribeFiles(cmd.Context(), recs, args, language, opts, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&opts.language, "language", "l", "", "language code (defaults to pipeline.language)")
	cmd.Flags().StringVarP(&opts.format, "format", "f", "text", "output format: text or json")
	cmd.Flags().StringVarP(&opts.outputDir, "output-dir", "o", "", "write one transcript file per recording into this directory instead of stdout")
	return cmd
}

// transcribeFiles transcribes every path concurrently (bounded by recs) and
// writes the results in input order. The first failure cancels the rest.
func transcribeFiles(ctx context.Context, recs *app.Recordings, paths []string, language string, opts *transcribeOptions, stdout io.Writer) error {
	results := make([][]transcript.Segment, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	for i, path := range paths {
		g.Go(func() error {
			wf, err := readWAVFile(path)
			if err != nil {
				return err
			}
			segs, err := recs.Transcribe(gctx, path, wf, language)
			if err != nil {
				return fmt.Errorf("transcribe %s: %w", path, err)
			}
			slog.Info("recording transcribed", "file", path, "duration", wf.Duration(), "segments", len(segs))
			results[i] = segs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for i, path := range paths {
		if opts.outputDir != "" {
			if err := writeTranscriptFile(opts.outputDir, path, opts.format, results[i]); err != nil {
				return err
			}
			continue
		}
		if len(paths) > 1 && opts.format == "text" {
			fmt.Fprintf(stdout, "# %s\n", path)
		}
		if err := render(stdout, opts.format, results[i]); err != nil {
			return err
		}
	}
	return nil
}

func readWAVFile(path string) (audio.Waveform, error) {
	f, err := os.Open(path)
	if err != nil {
		return audio.Waveform{}, err
	}
	defer f.Close()
	wf, err := audio.ReadWAV(f)
	if err != nil {
		return audio.Waveform{}, fmt.Errorf("%s: %w", path, err)
	}
	return wf, nil
}

func writeTranscriptFile(dir, source, format string, segs []transcript.Segment) error {
	ext := ".txt"
	if format == "json" {
		ext = ".json"
	}
	name := strings.TrimSuffix(filepath.Base(source), filepath.Ext(source)) + ext
	f, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		return err
	}
	if err := render(f, format, segs); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func render(w io.Writer, format string, segs []transcript.Segment) error {
	if format == "json" {
		return transcript.WriteJSON(w, segs)
	}
	return transcript.WriteText(w, segs)
}
