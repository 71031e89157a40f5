package commands

import (
	"context"
	"fmt"
	"os"

	pipeline "github.com/koscakluka/ema-tutor/core"
	"github.com/koscakluka/ema-tutor/core/audio"
	"github.com/koscakluka/ema-tutor/core/audio/miniaudio"
	"github.com/koscakluka/ema-tutor/core/audio/portaudio"
	"github.com/koscakluka/ema-tutor/core/audiocache"
	"github.com/koscakluka/ema-tutor/core/speechstream"
	"github.com/koscakluka/ema-tutor/core/speechstream/gemini"
	"github.com/koscakluka/ema-tutor/core/speechstream/genailive"
	"github.com/koscakluka/ema-tutor/core/translation"
	"github.com/koscakluka/ema-tutor/internal/config"
)

func newConnector(ctx context.Context, cfg config.SpeechConfig) (speechstream.Connector, error) {
	switch cfg.Connector {
	case "genai":
		opts := []genailive.ClientOption{genailive.WithAPIKey(cfg.APIKey)}
		if cfg.Model != "" {
			opts = append(opts, genailive.WithModel(cfg.Model))
		}
		return genailive.NewClient(ctx, opts...)
	default:
		opts := []gemini.ClientOption{gemini.WithAPIKey(cfg.APIKey)}
		if cfg.Endpoint != "" {
			opts = append(opts, gemini.WithEndpoint(cfg.Endpoint))
		}
		if cfg.Model != "" {
			opts = append(opts, gemini.WithModel(cfg.Model))
		}
		return gemini.NewClient(opts...)
	}
}

func newTranslator(cfg config.TranslationConfig) (pipeline.Translator, error) {
	if cfg.Provider != "groq" {
		return translation.Plain{}, nil
	}
	opts := []translation.GroqOption{translation.WithGroqAPIKey(cfg.APIKey)}
	if cfg.Model != "" {
		opts = append(opts, translation.WithGroqModel(cfg.Model))
	}
	return translation.NewGroq(opts...)
}

func openAudioCache(cfg config.AudioCacheConfig) (*audiocache.Store, error) {
	store, err := audiocache.Open(audiocache.Options{Dir: cfg.Dir, InMemory: cfg.InMemory})
	if err != nil {
		return nil, fmt.Errorf("failed to open audio cache: %w", err)
	}
	return store, nil
}

func alignStrategy(cfg config.SpeechConfig) pipeline.AlignStrategy {
	if cfg.AlignStrategy == "strict" {
		return pipeline.StrictIndex
	}
	return pipeline.OffsetCompensation
}

// loadTrigger reads the clip sent upstream to prompt a response. A missing
// path yields no clip and the pipeline falls back to silence.
func loadTrigger(path string) ([]int16, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read trigger audio: %w", err)
	}
	samples, rate, err := audio.DecodeWAV(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode trigger audio: %w", err)
	}
	if rate != audio.DefaultSampleRate {
		samples, err = audio.Resample(samples, rate, audio.DefaultSampleRate)
		if err != nil {
			return nil, fmt.Errorf("failed to resample trigger audio: %w", err)
		}
	}
	return samples, nil
}

type recorder interface {
	Record(ctx context.Context) ([]int16, error)
	Close() error
}

// openRecorder returns the capture backend. For miniaudio the playback
// client doubles as the recorder, so nil is returned and the caller records
// through the playback client.
func openRecorder(cfg config.AudioConfig) (recorder, error) {
	if cfg.CaptureBackend != "portaudio" {
		return nil, nil
	}
	return portaudio.NewClient(0)
}

func openPlayback(withCapture bool) (*miniaudio.Client, error) {
	client, err := miniaudio.NewClient(withCapture)
	if err != nil {
		return nil, fmt.Errorf("failed to open audio device: %w", err)
	}
	return client, nil
}
