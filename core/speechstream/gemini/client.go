package gemini

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/koscakluka/ema-tutor/core/speechstream"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	DefaultModel = "models/gemini-2.5-flash-native-audio-preview-09-2025"

	defaultEndpoint  = "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"
	handshakeTimeout = 15 * time.Second
	writeTimeout     = 10 * time.Second
)

// Client opens Live API sessions over a raw websocket.
type Client struct {
	apiKey   string
	endpoint string
	model    string
	dialer   websocket.Dialer
}

type ClientOption func(*Client)

// WithAPIKey sets the API key. Defaults to the GEMINI_API_KEY environment
// variable.
func WithAPIKey(apiKey string) ClientOption {
	return func(c *Client) { c.apiKey = apiKey }
}

// WithEndpoint overrides the websocket endpoint.
func WithEndpoint(endpoint string) ClientOption {
	return func(c *Client) { c.endpoint = endpoint }
}

// WithModel sets the model used when the session config leaves it empty.
func WithModel(model string) ClientOption {
	return func(c *Client) { c.model = model }
}

func NewClient(opts ...ClientOption) (*Client, error) {
	client := &Client{
		apiKey:   os.Getenv("GEMINI_API_KEY"),
		endpoint: defaultEndpoint,
		model:    DefaultModel,
		dialer:   websocket.Dialer{HandshakeTimeout: handshakeTimeout},
	}
	for _, opt := range opts {
		opt(client)
	}

	if client.apiKey == "" {
		return nil, fmt.Errorf("gemini api key not found")
	}

	return client, nil
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

	endpoint, err := url.Parse(c.endpoint)
	if err != nil {
		err = fmt.Errorf("invalid endpoint: %w", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	query := endpoint.Query()
	query.Set("key", c.apiKey)
	endpoint.RawQuery = query.Encode()

	conn, resp, err := c.dialer.DialContext(ctx, endpoint.String(), nil)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("failed to open socket connection to gemini (status %s): %w", resp.Status, err)
		} else {
			err = fmt.Errorf("failed to open socket connection to gemini: %w", err)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if err := awaitSetup(ctx, conn, config); err != nil {
		_ = conn.Close()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	s := newStream(conn, config)
	go s.readLoop()

	return s, nil
}

// awaitSetup sends the session configuration and blocks until the upstream
// acknowledges it or ctx ends.
func awaitSetup(ctx context.Context, conn *websocket.Conn, config speechstream.SessionConfig) error {
	done := withContextCancelHook(ctx, func() { _ = conn.Close() })
	defer close(done)

	if err := conn.WriteJSON(setupMessageFor(config)); err != nil {
		return fmt.Errorf("failed to send setup message: %w", err)
	}

	for {
		msg, err := readServerMessage(conn)
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("setup interrupted: %w", ctx.Err())
			}
			return fmt.Errorf("failed to read setup response: %w", err)
		}
		if msg.SetupComplete != nil {
			return nil
		}
	}
}

func setupMessageFor(config speechstream.SessionConfig) clientSetupMessage {
	model := config.Model
	if !strings.HasPrefix(model, "models/") {
		model = "models/" + model
	}

	msg := clientSetupMessage{Setup: setup{
		Model: model,
		GenerationConfig: generationConfig{
			ResponseModalities: []string{"AUDIO"},
		},
		OutputAudioTranscription: &transcriptConfig{},
	}}

	if config.VoiceName != "" || config.LanguageCode != "" {
		msg.Setup.GenerationConfig.SpeechConfig = &speechConfig{LanguageCode: config.LanguageCode}
		if config.VoiceName != "" {
			msg.Setup.GenerationConfig.SpeechConfig.VoiceConfig = &voiceConfig{
				PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: config.VoiceName},
			}
		}
	}
	if config.SystemInstruction != "" {
		msg.Setup.SystemInstruction = &content{Parts: []part{{Text: config.SystemInstruction}}}
	}
	if config.TranscribeInput {
		msg.Setup.InputAudioTranscription = &transcriptConfig{}
	}

	return msg
}

func withContextCancelHook(ctx context.Context, onContextDone func()) chan struct{} {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			onContextDone()
		case <-done:
		}
	}()
	return done
}
