package app_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/MrWong99/callscribe/internal/app"
	"github.com/MrWong99/callscribe/internal/config"
	"github.com/MrWong99/callscribe/pkg/audio"
	"github.com/MrWong99/callscribe/pkg/inference"
	inferencemock "github.com/MrWong99/callscribe/pkg/inference/mock"
	"github.com/MrWong99/callscribe/pkg/lang"
	"github.com/MrWong99/callscribe/pkg/provider/embeddings"
	embmodel "github.com/MrWong99/callscribe/pkg/provider/embeddings/model"
	"github.com/MrWong99/callscribe/pkg/provider/vad"
	"github.com/MrWong99/callscribe/pkg/provider/vad/energy"
)

var modelNames = []string{"ctc_enc", "rnnt_enc", "rnnt_pred", "rnnt_joint", "proj_de", "proj_en", "titanet"}

func testEngine() *inferencemock.Engine {
	sessions := make(map[string]inference.Session, len(modelNames))
	for _, m := range modelNames {
		sessions[m] = &inferencemock.Session{}
	}
	return &inferencemock.Engine{Sessions: sessions}
}

func testRegistry(engine inference.Engine) *config.Registry {
	reg := config.NewRegistry()
	reg.RegisterInference("mock", func(context.Context, config.ProviderEntry) (inference.Engine, error) {
		return engine, nil
	})
	reg.RegisterVAD("energy", func(config.ProviderEntry, config.SessionFunc) (vad.Engine, error) {
		return energy.New(), nil
	})
	reg.RegisterEmbeddings("model", func(e config.ProviderEntry, open config.SessionFunc) (embeddings.Provider, error) {
		return embmodel.New(open(e.Model), e.Model)
	})
	return reg
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{
		Pipeline: config.PipelineConfig{
			Decoder:         config.DecoderCTC,
			FallbackDecoder: config.DecoderRNNT,
		},
		Resources: config.ResourcesConfig{
			Filterbank: config.BuiltinFilterbank,
			Vocabulary: writeFile(t, dir, "vocab.yaml", "en: [\"▁a\", \"b\"]\nde: [\"▁c\"]\n"),
			Masks:      writeFile(t, dir, "masks.yaml", "en: [0, 1, 2]\n"),
		},
		Providers: config.ProvidersConfig{
			Inference:  config.ProviderEntry{Name: "mock"},
			Embeddings: config.ProviderEntry{Model: "titanet"},
		},
		Models: config.ModelsConfig{
			CTCEncoder:           "ctc_enc",
			RNNTEncoder:          "rnnt_enc",
			RNNTPredictor:        "rnnt_pred",
			RNNTJoint:            "rnnt_joint",
			RNNTProjectionPrefix: "proj_",
		},
	}
	config.ApplyDefaults(cfg)
	if err := config.Validate(cfg); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	return cfg
}

func TestNew_WiresPipeline(t *testing.T) {
	t.Parallel()
	engine := testEngine()
	a, err := app.New(context.Background(), testConfig(t), testRegistry(engine))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })

	if got := a.Pipeline().Decoder().Name(); got != "ctc+rnnt" {
		t.Errorf("decoder = %q, want ctc+rnnt", got)
	}
	if got := a.Languages(); !slices.Equal(got, []string{"de", "en"}) {
		t.Errorf("Languages = %v", got)
	}
	if len(engine.OpenCalls) != 0 {
		t.Errorf("sessions opened eagerly: %v", engine.OpenCalls)
	}

	got, err := a.Pipeline().Transcribe(context.Background(), audio.NewWaveform(make([]float32, 2*audio.SampleRate)), "en")
	if err != nil || len(got) != 0 {
		t.Errorf("silence = %v, %v; want empty transcript", got, err)
	}
}

func TestHealthCheckers(t *testing.T) {
	t.Parallel()
	engine := testEngine()
	a, err := app.New(context.Background(), testConfig(t), testRegistry(engine))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var names []string
	for _, c := range a.HealthCheckers() {
		names = append(names, c.Name)
		if err := c.Check(context.Background()); err != nil {
			t.Errorf("check %s: %v", c.Name, err)
		}
	}
	if !slices.Equal(names, []string{"models", "resources", "decoders"}) {
		t.Errorf("checkers = %v", names)
	}
	opened := slices.Sorted(slices.Values(engine.OpenCalls))
	if !slices.Equal(opened, slices.Sorted(slices.Values(modelNames))) {
		t.Errorf("opened = %v, want every model once", opened)
	}

	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	for _, m := range modelNames {
		if n := engine.Sessions[m].(*inferencemock.Session).CloseCallCount; n != 1 {
			t.Errorf("%s closed %d times, want 1", m, n)
		}
	}
	if engine.CloseCallCount != 1 {
		t.Errorf("engine closed %d times, want 1", engine.CloseCallCount)
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Errorf("second Shutdown: %v", err)
	}
}

func TestNew_Errors(t *testing.T) {
	t.Parallel()

	t.Run("missing vocabulary closes engine", func(t *testing.T) {
		t.Parallel()
		engine := testEngine()
		cfg := testConfig(t)
		cfg.Resources.Vocabulary = filepath.Join(t.TempDir(), "missing.yaml")
		_, err := app.New(context.Background(), cfg, testRegistry(engine))
		if !errors.Is(err, lang.ErrResourceLoad) {
			t.Errorf("err = %v, want ErrResourceLoad", err)
		}
		if engine.CloseCallCount != 1 {
			t.Errorf("engine closed %d times, want 1", engine.CloseCallCount)
		}
	})

	t.Run("unknown vad", func(t *testing.T) {
		t.Parallel()
		cfg := testConfig(t)
		cfg.Providers.VAD.Name = "silero"
		_, err := app.New(context.Background(), cfg, testRegistry(testEngine()))
		if !errors.Is(err, config.ErrProviderNotRegistered) {
			t.Errorf("err = %v, want ErrProviderNotRegistered", err)
		}
	})

	t.Run("injected engine is not closed", func(t *testing.T) {
		t.Parallel()
		engine := testEngine()
		cfg := testConfig(t)
		cfg.Providers.Inference.Name = "unregistered"
		cfg.Providers.Whisper.Name = "whisper-native"
		cfg.Pipeline.FallbackDecoder = config.DecoderWhisper
		_, err := app.New(context.Background(), cfg, testRegistry(nil), app.WithEngine(engine))
		if !errors.Is(err, config.ErrProviderNotRegistered) {
			t.Errorf("err = %v, want ErrProviderNotRegistered for whisper", err)
		}
		if engine.CloseCallCount != 0 {
			t.Errorf("injected engine closed %d times", engine.CloseCallCount)
		}
	})
}
