package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel string `yaml:"log_level"`
	// TraceExporter is one of none|stdout|otlp.
	TraceExporter  string `yaml:"trace_exporter"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type SpeechConfig struct {
	// Connector is one of websocket|genai.
	Connector    string `yaml:"connector"`
	APIKey       string `yaml:"api_key"`
	Endpoint     string `yaml:"endpoint"`
	Model        string `yaml:"model"`
	VoiceName    string `yaml:"voice_name"`
	LanguageCode string `yaml:"language_code"`
	// AlignStrategy is one of offset|strict.
	AlignStrategy    string `yaml:"align_strategy"`
	SessionTimeoutMS int    `yaml:"session_timeout_ms"`
	SendWindowMS     int    `yaml:"send_window_ms"`
	// TriggerPath is a WAV clip sent to make the model start speaking.
	TriggerPath string `yaml:"trigger_path"`
}

type TranslationConfig struct {
	// Provider is one of groq|plain.
	Provider       string `yaml:"provider"`
	APIKey         string `yaml:"api_key"`
	Model          string `yaml:"model"`
	TargetLanguage string `yaml:"target_language"`
	NativeLanguage string `yaml:"native_language"`
}

type AudioCacheConfig struct {
	Dir      string `yaml:"dir"`
	InMemory bool   `yaml:"in_memory"`
}

type ConversationsConfig struct {
	Path string `yaml:"path"`
}

type AudioConfig struct {
	// CaptureBackend is one of miniaudio|portaudio.
	CaptureBackend string `yaml:"capture_backend"`
}

type Config struct {
	ServiceName   string              `yaml:"service_name"`
	Environment   string              `yaml:"environment"`
	Telemetry     TelemetryConfig     `yaml:"telemetry"`
	Speech        SpeechConfig        `yaml:"speech"`
	Translation   TranslationConfig   `yaml:"translation"`
	AudioCache    AudioCacheConfig    `yaml:"audio_cache"`
	Conversations ConversationsConfig `yaml:"conversations"`
	Audio         AudioConfig         `yaml:"audio"`
}

func Default() Config {
	return Config{
		ServiceName: "ema-tutor",
		Environment: "development",
		Telemetry: TelemetryConfig{
			LogLevel:      "info",
			TraceExporter: "none",
			OTLPInsecure:  true,
		},
		Speech: SpeechConfig{
			Connector:        "websocket",
			LanguageCode:     "es-ES",
			AlignStrategy:    "offset",
			SessionTimeoutMS: 300000,
			SendWindowMS:     10000,
		},
		Translation: TranslationConfig{
			Provider:       "plain",
			TargetLanguage: "Spanish",
			NativeLanguage: "English",
		},
		AudioCache: AudioCacheConfig{
			Dir: "./data/audio-cache",
		},
		Conversations: ConversationsConfig{
			Path: "./data/conversations.db",
		},
		Audio: AudioConfig{
			CaptureBackend: "miniaudio",
		},
	}
}

// Load reads the YAML file at path over the defaults, applies environment
// overrides and validates the result. An empty path loads the defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.Environment, "EMA_TUTOR_ENVIRONMENT")
	overrideString(&cfg.Telemetry.LogLevel, "EMA_TUTOR_LOG_LEVEL")
	overrideString(&cfg.Telemetry.TraceExporter, "EMA_TUTOR_TRACE_EXPORTER")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "EMA_TUTOR_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "EMA_TUTOR_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "EMA_TUTOR_PROMETHEUS_BIND")
	overrideString(&cfg.Speech.APIKey, "GEMINI_API_KEY")
	overrideString(&cfg.Speech.Connector, "EMA_TUTOR_SPEECH_CONNECTOR")
	overrideString(&cfg.Speech.Model, "EMA_TUTOR_SPEECH_MODEL")
	overrideString(&cfg.Speech.VoiceName, "EMA_TUTOR_VOICE_NAME")
	overrideString(&cfg.Speech.LanguageCode, "EMA_TUTOR_LANGUAGE_CODE")
	overrideInt(&cfg.Speech.SessionTimeoutMS, "EMA_TUTOR_SESSION_TIMEOUT_MS")
	overrideString(&cfg.Translation.APIKey, "GROQ_API_KEY")
	overrideString(&cfg.Translation.Provider, "EMA_TUTOR_TRANSLATION_PROVIDER")
	overrideString(&cfg.AudioCache.Dir, "EMA_TUTOR_AUDIO_CACHE_DIR")
	overrideString(&cfg.Conversations.Path, "EMA_TUTOR_CONVERSATIONS_PATH")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func (cfg Config) Validate() error {
	if cfg.ServiceName == "" {
		return errors.New("service_name must not be empty")
	}
	switch cfg.Telemetry.TraceExporter {
	case "none", "stdout":
	case "otlp":
		if strings.TrimSpace(cfg.Telemetry.OTLPEndpoint) == "" {
			return errors.New("telemetry.otlp_endpoint must be set when trace_exporter=otlp")
		}
	default:
		return errors.New("telemetry.trace_exporter must be one of none|stdout|otlp")
	}
	switch cfg.Speech.Connector {
	case "websocket", "genai":
	default:
		return errors.New("speech.connector must be one of websocket|genai")
	}
	switch cfg.Speech.AlignStrategy {
	case "offset", "strict":
	default:
		return errors.New("speech.align_strategy must be one of offset|strict")
	}
	if cfg.Speech.SessionTimeoutMS <= 0 {
		return errors.New("speech.session_timeout_ms must be positive")
	}
	if cfg.Speech.SendWindowMS <= 0 {
		return errors.New("speech.send_window_ms must be positive")
	}
	switch cfg.Translation.Provider {
	case "plain":
	case "groq":
		if cfg.Translation.APIKey == "" {
			return errors.New("translation.api_key must be set when provider=groq")
		}
	default:
		return errors.New("translation.provider must be one of groq|plain")
	}
	if !cfg.AudioCache.InMemory && cfg.AudioCache.Dir == "" {
		return errors.New("audio_cache.dir must not be empty unless in_memory is set")
	}
	if cfg.Conversations.Path == "" {
		return errors.New("conversations.path must not be empty")
	}
	switch cfg.Audio.CaptureBackend {
	case "miniaudio", "portaudio":
	default:
		return errors.New("audio.capture_backend must be one of miniaudio|portaudio")
	}
	return nil
}

func (s SpeechConfig) SessionTimeout() time.Duration {
	return time.Duration(s.SessionTimeoutMS) * time.Millisecond
}

func (s SpeechConfig) SendWindow() time.Duration {
	return time.Duration(s.SendWindowMS) * time.Millisecond
}
