package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/MrWong99/callscribe/internal/config"
	"github.com/MrWong99/callscribe/pkg/inference"
	"github.com/MrWong99/callscribe/pkg/inference/remote"
	"github.com/MrWong99/callscribe/pkg/provider/embeddings"
	embmodel "github.com/MrWong99/callscribe/pkg/provider/embeddings/model"
	"github.com/MrWong99/callscribe/pkg/provider/stt"
	"github.com/MrWong99/callscribe/pkg/provider/stt/whisper"
	"github.com/MrWong99/callscribe/pkg/provider/vad"
	"github.com/MrWong99/callscribe/pkg/provider/vad/energy"
	vadmodel "github.com/MrWong99/callscribe/pkg/provider/vad/model"
)

// registerBuiltinProviders wires the provider implementations that ship with
// callscribe into reg.
func registerBuiltinProviders(reg *config.Registry) {
	reg.RegisterInference("remote", func(ctx context.Context, entry config.ProviderEntry) (inference.Engine, error) {
		var opts []remote.Option
		if entry.APIKey != "" {
			opts = append(opts, remote.WithHeader("Authorization", "Bearer "+entry.APIKey))
		}
		if d := optDuration(entry.Options, "call_timeout"); d > 0 {
			opts = append(opts, remote.WithCallTimeout(d))
		}
		if n, ok := config.OptFloat(entry.Options, "read_limit"); ok && n > 0 {
			opts = append(opts, remote.WithReadLimit(int64(n)))
		}
		return remote.Dial(ctx, entry.BaseURL, opts...)
	})

	reg.RegisterVAD("energy", func(entry config.ProviderEntry, _ config.SessionFunc) (vad.Engine, error) {
		var opts []energy.Option
		if level, ok := config.OptFloat(entry.Options, "level"); ok {
			opts = append(opts, energy.WithLevel(level))
		}
		return energy.New(opts...), nil
	})

	reg.RegisterVAD("model", func(entry config.ProviderEntry, sessions config.SessionFunc) (vad.Engine, error) {
		return vadmodel.New(sessions(entry.Model))
	})

	reg.RegisterEmbeddings("model", func(entry config.ProviderEntry, sessions config.SessionFunc) (embeddings.Provider, error) {
		var opts []embmodel.Option
		if n, ok := config.OptFloat(entry.Options, "dimensions"); ok && n > 0 {
			opts = append(opts, embmodel.WithDimensions(int(n)))
		}
		return embmodel.New(sessions(entry.Model), entry.Model, opts...)
	})

	reg.RegisterDecoder("whisper-native", func(entry config.ProviderEntry, hook stt.ChunkHook) (stt.Decoder, error) {
		opts := []whisper.Option{whisper.WithChunkHook(hook)}
		if d := optDuration(entry.Options, "window"); d > 0 {
			opts = append(opts, whisper.WithWindow(d))
		}
		return whisper.New(entry.Model, opts...)
	})

	for _, kind := range []string{"inference", "vad", "embeddings", "decoder"} {
		slog.Debug("registered providers", "kind", kind, "names", reg.Names(kind))
	}
}

// optDuration parses a duration option such as "30s". Invalid values are
// logged and ignored.
func optDuration(opts map[string]any, key string) time.Duration {
	s := config.OptString(opts, key)
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		slog.Warn("ignoring invalid duration option", "key", key, "value", s, "err", err)
		return 0
	}
	return d
}
