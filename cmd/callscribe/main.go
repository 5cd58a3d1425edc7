// Command callscribe turns recorded conversations into speaker-labelled
// transcripts.
//
//	callscribe transcribe --config callscribe.yaml call.wav
//	callscribe serve --config callscribe.yaml
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/MrWong99/callscribe/internal/app"
	"github.com/MrWong99/callscribe/internal/config"
	"github.com/MrWong99/callscribe/internal/observe"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "callscribe",
		Short:         "Speaker-labelled transcription of recorded conversations",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "callscribe.yaml", "path to the YAML configuration file")

	root.AddCommand(
		newTranscribeCmd(opts),
		newServeCmd(opts),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "callscribe", version)
		},
	}
}

// runtime bundles what every command needs after start-up.
type runtime struct {
	cfg      *config.Config
	app      *app.App
	shutdown func(context.Context) error
}

// setup loads the configuration, installs the logger and telemetry providers
// and builds the application.
func setup(ctx context.Context, configPath string) (*runtime, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config file %q not found, copy configs/example.yaml to get started", configPath)
		}
		return nil, err
	}

	logOut := newLogOutput(cfg.Server)
	slog.SetDefault(newLogger(cfg.Server, logOut))

	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	slog.Info("callscribe starting",
		"version", version,
		"config", configPath,
		"decoder", cfg.Pipeline.Decoder,
		"fallback_decoder", cfg.Pipeline.FallbackDecoder,
		"inference", cfg.Providers.Inference.Name,
		"vad", cfg.Providers.VAD.Name,
	)

	a, err := app.New(ctx, cfg, reg)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, err
	}
	return &runtime{
		cfg: cfg,
		app: a,
		shutdown: func(ctx context.Context) error {
			err := errors.Join(a.Shutdown(ctx), otelShutdown(ctx))
			if c, ok := logOut.(io.Closer); ok {
				err = errors.Join(err, c.Close())
			}
			return err
		},
	}, nil
}

// newLogOutput returns stderr, or a size-rotated file when log_file is set.
func newLogOutput(s config.ServerConfig) io.Writer {
	if s.LogFile == "" {
		return os.Stderr
	}
	return &lumberjack.Logger{
		Filename:   s.LogFile,
		MaxSize:    100,
		MaxBackups: 5,
		MaxAge:     28,
		Compress:   true,
	}
}

func newLogger(s config.ServerConfig, w io.Writer) *slog.Logger {
	var lvl slog.Level
	switch s.LogLevel {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if s.LogFormat == config.LogJSON {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
