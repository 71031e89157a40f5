// Package genailive connects to the Live API through the official genai SDK.
package genailive

import (
	"context"
	"fmt"
	"os"

	"github.com/koscakluka/ema-tutor/core/speechstream"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"google.golang.org/genai"
)

const DefaultModel = "gemini-2.5-flash-native-audio-preview-09-2025"

// liveSession is the subset of *genai.Session used by this package.
type liveSession interface {
	SendRealtimeInput(input genai.LiveRealtimeInput) error
	Receive() (*genai.LiveServerMessage, error)
	Close() error
}

type dialFunc func(ctx context.Context, model string, config *genai.LiveConnectConfig) (liveSession, error)

type Client struct {
	model string
	dial  dialFunc
}

type ClientOption func(*clientOptions)

type clientOptions struct {
	apiKey string
	model  string
}

// WithAPIKey sets the API key. Defaults to the GEMINI_API_KEY environment
// variable.
func WithAPIKey(apiKey string) ClientOption {
	return func(o *clientOptions) { o.apiKey = apiKey }
}

func WithModel(model string) ClientOption {
	return func(o *clientOptions) { o.model = model }
}

func NewClient(ctx context.Context, opts ...ClientOption) (*Client, error) {
	options := clientOptions{
		apiKey: os.Getenv("GEMINI_API_KEY"),
		model:  DefaultModel,
	}
	for _, opt := range opts {
		opt(&options)
	}
	if options.apiKey == "" {
		return nil, fmt.Errorf("gemini api key not found")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  options.apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("genai client: %w", err)
	}

	return &Client{
		model: options.model,
		dial: func(ctx context.Context, model string, config *genai.LiveConnectConfig) (liveSession, error) {
			return client.Live.Connect(ctx, model, config)
		},
	}, nil
}

var _ speechstream.Connector = (*Client)(nil)

func (c *Client) Connect(ctx context.Context, config speechstream.SessionConfig) (speechstream.Stream, error) {
	ctx, span := tracer.Start(ctx, "connect live session")
	defer span.End()

	config = config.WithDefaults()
	if config.Model == "" {
		config.Model = c.model
	}
	span.SetAttributes(
		attribute.String("request.model", config.Model),
		attribute.String("request.voice", config.VoiceName),
		attribute.String("request.language", config.LanguageCode),
	)

	session, err := c.dial(ctx, config.Model, connectConfigFor(config))
	if err != nil {
		err = fmt.Errorf("failed to connect live session: %w", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	s := newStream(session, config)
	if err := s.awaitSetup(ctx); err != nil {
		_ = session.Close()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	go s.readLoop()

	return s, nil
}

func connectConfigFor(config speechstream.SessionConfig) *genai.LiveConnectConfig {
	connectConfig := &genai.LiveConnectConfig{
		ResponseModalities:       []genai.Modality{genai.ModalityAudio},
		OutputAudioTranscription: &genai.AudioTranscriptionConfig{},
	}
	if config.SystemInstruction != "" {
		connectConfig.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: config.SystemInstruction}},
		}
	}
	if config.VoiceName != "" || config.LanguageCode != "" {
		connectConfig.SpeechConfig = &genai.SpeechConfig{LanguageCode: config.LanguageCode}
		if config.VoiceName != "" {
			connectConfig.SpeechConfig.VoiceConfig = &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: config.VoiceName},
			}
		}
	}
	if config.TranscribeInput {
		connectConfig.InputAudioTranscription = &genai.AudioTranscriptionConfig{}
	}
	return connectConfig
}
