package translation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"reflect"
	"strings"

	"github.com/invopop/jsonschema"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	DefaultGroqModel = "openai/gpt-oss-20b"
	groqURL          = "https://api.groq.com/openai/v1/chat/completions"
)

// Groq translates transcripts with a Groq hosted model constrained to a JSON
// schema response.
type Groq struct {
	apiKey string
	model  string
	url    string
	client *http.Client
}

type GroqOption func(*Groq)

// WithGroqAPIKey sets the API key. Defaults to the GROQ_API_KEY environment
// variable.
func WithGroqAPIKey(apiKey string) GroqOption {
	return func(g *Groq) { g.apiKey = apiKey }
}

func WithGroqModel(model string) GroqOption {
	return func(g *Groq) { g.model = model }
}

// WithGroqURL overrides the chat completions endpoint.
func WithGroqURL(url string) GroqOption {
	return func(g *Groq) { g.url = url }
}

func NewGroq(opts ...GroqOption) (*Groq, error) {
	g := &Groq{
		apiKey: os.Getenv("GROQ_API_KEY"),
		model:  DefaultGroqModel,
		url:    groqURL,
		client: &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.apiKey == "" {
		return nil, fmt.Errorf("groq api key not found")
	}
	return g, nil
}

type translationResponse struct {
	Lines []Line `json:"lines" jsonschema:"description=One entry per transcript line in the original order"`
}

func (g *Groq) Translate(ctx context.Context, transcript string, opts ...Option) ([]Line, error) {
	options := applyOptions(opts)
	expected := SplitLines(transcript)
	if len(expected) == 0 {
		return nil, nil
	}

	systemPrompt := fmt.Sprintf(
		"You translate a %s tutor's spoken reply for a learner whose native language is %s. "+
			"Return exactly one entry per input line, in order. Copy each line unchanged into "+
			"\"target\" and put its %s translation into \"native\".",
		options.TargetLanguage, options.NativeLanguage, options.NativeLanguage,
	)

	response, err := promptJSONSchema(ctx, g.client, g.url, g.apiKey, g.model, transcript, systemPrompt, &translationResponse{})
	if err != nil {
		return nil, err
	}
	lines := (*response).Lines
	if len(lines) != len(expected) {
		logger.Warn("translation line count mismatch, keeping transcript lines",
			"expected", len(expected), "got", len(lines))
		for i := range expected {
			if i < len(lines) {
				expected[i].Native = lines[i].Native
			}
		}
		return expected, nil
	}
	return lines, nil
}

func promptJSONSchema[T any](
	ctx context.Context,
	client *http.Client,
	url string,
	apiKey string,
	model string,
	prompt string,
	systemPrompt string,
	outputSchema T,
) (*T, error) {
	ctx, span := tracer.Start(ctx, "prompt llm structured")
	defer span.End()

	reflector := jsonschema.Reflector{DoNotReference: true}
	var (
		schema         *jsonschema.Schema
		outputTypeName string
	)
	if reflect.TypeOf(outputSchema).Kind() == reflect.Ptr {
		schema = reflector.ReflectFromType(reflect.TypeOf(outputSchema).Elem())
		outputTypeName = reflect.TypeOf(outputSchema).Elem().Name()
	} else {
		schema = reflector.Reflect(outputSchema)
		outputTypeName = reflect.TypeOf(outputSchema).Name()
	}

	reqBody := schemaRequestBody{
		Model: model,
		Messages: []message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: prompt},
		},
		ResponseFormat: &chatResponseFormat{
			Type: "json_schema",
			JSONSchema: &jsonSchema{
				Name:   outputTypeName,
				Schema: *schema,
				Strict: true,
			},
		},
	}
	span.SetAttributes(attribute.String("request.model", model))

	fail := func(err error) (*T, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	requestBodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return fail(fmt.Errorf("error marshalling JSON: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(requestBodyBytes))
	if err != nil {
		return fail(fmt.Errorf("error creating HTTP request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := client.Do(req)
	if err != nil {
		return fail(fmt.Errorf("error sending request: %w", err))
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("response.status_code", resp.StatusCode))
	if resp.StatusCode != http.StatusOK {
		if errorBody, err := io.ReadAll(resp.Body); err == nil {
			span.SetAttributes(attribute.String("response.error", string(errorBody)))
		}
		return fail(fmt.Errorf("non-OK HTTP status: %s", resp.Status))
	}

	var responseBody schemaResponseBody
	if err := json.NewDecoder(resp.Body).Decode(&responseBody); err != nil {
		return fail(fmt.Errorf("error decoding response body: %w", err))
	}
	if len(responseBody.Choices) == 0 {
		return fail(fmt.Errorf("response has no choices"))
	}

	content := responseBody.Choices[0].Message.Content
	if split := strings.Split(content, "```"); len(split) > 1 {
		content = strings.TrimPrefix(split[1], "json")
	}
	if err := json.Unmarshal([]byte(content), outputSchema); err != nil {
		return fail(fmt.Errorf("error unmarshalling response: %w", err))
	}

	return &outputSchema, nil
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type schemaRequestBody struct {
	Model          string              `json:"model"`
	Messages       []message           `json:"messages"`
	ResponseFormat *chatResponseFormat `json:"response_format,omitempty"`
}

type chatResponseFormat struct {
	Type       string      `json:"type"`
	JSONSchema *jsonSchema `json:"json_schema,omitempty"`
}

type jsonSchema struct {
	Name   string            `json:"name"`
	Schema jsonschema.Schema `json:"schema"`
	Strict bool              `json:"strict"`
}

type schemaResponseBody struct {
	Choices []struct {
		Message struct {
			Role    string `json:"role,omitempty"`
			Content string `json:"content,omitempty"`
		} `json:"message"`
	} `json:"choices"`
}
