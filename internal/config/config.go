package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	LogFormat    string `yaml:"log_format"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
	StdoutTraces bool   `yaml:"stdout_traces"`
}

type HTTPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Bind    string `yaml:"bind"`
	Port    int    `yaml:"port"`
}

type Config struct {
	RuntimeName     string           `yaml:"runtime_name"`
	Environment     string           `yaml:"environment"`
	InputPath       string           `yaml:"input_path"`
	OutputPath      string           `yaml:"output_path"`
	IntermediateDir string           `yaml:"intermediate_dir"`
	Chunking        ChunkingConfig   `yaml:"chunking"`
	Synthesis       SynthesisConfig  `yaml:"synthesis"`
	Audio           AudioConfig      `yaml:"audio"`
	HTTP            HTTPConfig       `yaml:"http"`
	Telemetry       TelemetryConfig  `yaml:"telemetry"`
	Bus             BusConfig        `yaml:"bus"`
	EventStore      EventStoreConfig `yaml:"event_store"`
}

type ChunkingConfig struct {
	MaxSize int `yaml:"max_size"`
}

type SynthesisConfig struct {
	Mode           string              `yaml:"mode"` // elevenlabs, exec, mock
	Endpoint       string              `yaml:"endpoint"`
	APIKey         string              `yaml:"api_key"`
	VoiceID        string              `yaml:"voice_id"`
	ModelID        string              `yaml:"model_id"`
	OutputFormat   string              `yaml:"output_format"`
	VoiceSettings  VoiceSettingsConfig `yaml:"voice_settings"`
	Command        string              `yaml:"command"`
	TimeoutMS      int                 `yaml:"timeout_ms"`
	Concurrency    int                 `yaml:"concurrency"`
	MaxRetries     int                 `yaml:"max_retries"`
	RetryInitialMS int                 `yaml:"retry_initial_ms"`
}

// VoiceSettingsConfig holds ElevenLabs voice tuning. Nil fields are left to
// the voice's stored defaults.
type VoiceSettingsConfig struct {
	Stability       *float64 `yaml:"stability"`
	SimilarityBoost *float64 `yaml:"similarity_boost"`
	Style           *float64 `yaml:"style"`
	UseSpeakerBoost *bool    `yaml:"use_speaker_boost"`
}

type AudioConfig struct {
	PostProcess       bool    `yaml:"post_process"`
	SpeechRate        float64 `yaml:"speech_rate"`
	FFmpegCommand     string  `yaml:"ffmpeg_command"`
	ToolTimeoutMS     int     `yaml:"tool_timeout_ms"`
	KeepIntermediates bool    `yaml:"keep_intermediates"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxRuns       int    `yaml:"max_runs"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// SynthesisTimeout bounds a single synthesis call.
func (c SynthesisConfig) SynthesisTimeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

// ToolTimeout bounds a single ffmpeg invocation.
func (c AudioConfig) ToolTimeout() time.Duration {
	return time.Duration(c.ToolTimeoutMS) * time.Millisecond
}

func Default() Config {
	return Config{
		RuntimeName:     "loqa-narrate",
		Environment:     "development",
		InputPath:       "article.txt",
		OutputPath:      "article.mp3",
		IntermediateDir: "./audio_chunks",
		Chunking: ChunkingConfig{
			MaxSize: 5000,
		},
		Synthesis: SynthesisConfig{
			Mode:           "elevenlabs",
			Endpoint:       "https://api.elevenlabs.io",
			TimeoutMS:      120000,
			Concurrency:    1,
			MaxRetries:     0,
			RetryInitialMS: 500,
		},
		Audio: AudioConfig{
			PostProcess:   false,
			SpeechRate:    1.0,
			FFmpegCommand: "ffmpeg",
			ToolTimeoutMS: 300000,
		},
		HTTP: HTTPConfig{
			Enabled: false,
			Bind:    "127.0.0.1",
			Port:    9464,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			LogFormat:    "text",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       false,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/narrate-runs.db",
			RetentionMode: "persistent",
			RetentionDays: 30,
			MaxRuns:       1000,
		},
	}
}

// Load reads path (optional) over Default, applies LOQA_* overrides and
// validates the result.
func Load(path string) (Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return cfg, err
	}
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Read is Load without validation, for tools that need only part of the
// configuration.
func Read(path string) (Config, error) {
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
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.InputPath, "LOQA_INPUT_PATH")
	overrideString(&cfg.OutputPath, "LOQA_OUTPUT_PATH")
	overrideString(&cfg.IntermediateDir, "LOQA_INTERMEDIATE_DIR")
	overrideInt(&cfg.Chunking.MaxSize, "LOQA_CHUNKING_MAX_SIZE")
	overrideString(&cfg.Synthesis.Mode, "LOQA_SYNTHESIS_MODE")
	overrideString(&cfg.Synthesis.Endpoint, "LOQA_SYNTHESIS_ENDPOINT")
	overrideString(&cfg.Synthesis.APIKey, "ELEVENLABS_API_KEY")
	overrideString(&cfg.Synthesis.APIKey, "LOQA_SYNTHESIS_API_KEY")
	overrideString(&cfg.Synthesis.VoiceID, "LOQA_SYNTHESIS_VOICE_ID")
	overrideString(&cfg.Synthesis.ModelID, "LOQA_SYNTHESIS_MODEL_ID")
	overrideString(&cfg.Synthesis.OutputFormat, "LOQA_SYNTHESIS_OUTPUT_FORMAT")
	overrideFloatPtr(&cfg.Synthesis.VoiceSettings.Stability, "LOQA_SYNTHESIS_VOICE_STABILITY")
	overrideFloatPtr(&cfg.Synthesis.VoiceSettings.SimilarityBoost, "LOQA_SYNTHESIS_VOICE_SIMILARITY_BOOST")
	overrideFloatPtr(&cfg.Synthesis.VoiceSettings.Style, "LOQA_SYNTHESIS_VOICE_STYLE")
	overrideBoolPtr(&cfg.Synthesis.VoiceSettings.UseSpeakerBoost, "LOQA_SYNTHESIS_VOICE_USE_SPEAKER_BOOST")
	overrideString(&cfg.Synthesis.Command, "LOQA_SYNTHESIS_COMMAND")
	overrideInt(&cfg.Synthesis.TimeoutMS, "LOQA_SYNTHESIS_TIMEOUT_MS")
	overrideInt(&cfg.Synthesis.Concurrency, "LOQA_SYNTHESIS_CONCURRENCY")
	overrideInt(&cfg.Synthesis.MaxRetries, "LOQA_SYNTHESIS_MAX_RETRIES")
	overrideInt(&cfg.Synthesis.RetryInitialMS, "LOQA_SYNTHESIS_RETRY_INITIAL_MS")
	overrideBool(&cfg.Audio.PostProcess, "LOQA_AUDIO_POST_PROCESS")
	overrideFloat(&cfg.Audio.SpeechRate, "LOQA_AUDIO_SPEECH_RATE")
	overrideString(&cfg.Audio.FFmpegCommand, "LOQA_AUDIO_FFMPEG_COMMAND")
	overrideInt(&cfg.Audio.ToolTimeoutMS, "LOQA_AUDIO_TOOL_TIMEOUT_MS")
	overrideBool(&cfg.Audio.KeepIntermediates, "LOQA_AUDIO_KEEP_INTERMEDIATES")
	overrideBool(&cfg.HTTP.Enabled, "LOQA_HTTP_ENABLED")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.LogFormat, "LOQA_TELEMETRY_LOG_FORMAT")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.StdoutTraces, "LOQA_TELEMETRY_STDOUT_TRACES")
	overrideBool(&cfg.Bus.Enabled, "LOQA_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxRuns, "LOQA_EVENT_STORE_MAX_RUNS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
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

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func overrideFloatPtr(target **float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = &parsed
		}
	}
}

func overrideBoolPtr(target **bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = &parsed
		}
	}
}

// Validate reports the first invalid setting in cfg.
func Validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if strings.TrimSpace(cfg.InputPath) == "" {
		return errors.New("input_path must not be empty")
	}
	if strings.TrimSpace(cfg.OutputPath) == "" {
		return errors.New("output_path must not be empty")
	}
	if strings.TrimSpace(cfg.IntermediateDir) == "" {
		return errors.New("intermediate_dir must not be empty")
	}
	switch cfg.Synthesis.Mode {
	case "elevenlabs":
		if cfg.Synthesis.Endpoint == "" {
			return errors.New("synthesis.endpoint must be set when mode=elevenlabs")
		}
		if cfg.Synthesis.APIKey == "" {
			return errors.New("synthesis.api_key must be set when mode=elevenlabs")
		}
		if cfg.Synthesis.VoiceID == "" {
			return errors.New("synthesis.voice_id must be set when mode=elevenlabs")
		}
		if err := validateVoiceSettings(cfg.Synthesis.VoiceSettings); err != nil {
			return err
		}
	case "exec":
		if cfg.Synthesis.Command == "" {
			return errors.New("synthesis.command must be set when mode=exec")
		}
	case "mock":
	default:
		return errors.New("synthesis.mode must be one of elevenlabs|exec|mock")
	}
	if cfg.Synthesis.TimeoutMS < 0 {
		return errors.New("synthesis.timeout_ms must be >= 0")
	}
	if cfg.Synthesis.Concurrency <= 0 {
		return errors.New("synthesis.concurrency must be >= 1")
	}
	if cfg.Synthesis.MaxRetries < 0 {
		return errors.New("synthesis.max_retries must be >= 0")
	}
	if cfg.Synthesis.MaxRetries > 0 && cfg.Synthesis.RetryInitialMS <= 0 {
		return errors.New("synthesis.retry_initial_ms must be positive when retries are enabled")
	}
	if cfg.Audio.SpeechRate <= 0 || math.IsNaN(cfg.Audio.SpeechRate) || math.IsInf(cfg.Audio.SpeechRate, 0) {
		return errors.New("audio.speech_rate must be a positive number")
	}
	if strings.TrimSpace(cfg.Audio.FFmpegCommand) == "" {
		return errors.New("audio.ffmpeg_command must not be empty")
	}
	if cfg.Audio.ToolTimeoutMS < 0 {
		return errors.New("audio.tool_timeout_ms must be >= 0")
	}
	if cfg.HTTP.Enabled {
		if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
			return errors.New("http.port must be between 1 and 65535")
		}
	}
	switch strings.ToLower(cfg.Telemetry.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return errors.New("telemetry.log_level must be one of debug|info|warn|error")
	}
	switch cfg.Telemetry.LogFormat {
	case "text", "json":
	default:
		return errors.New("telemetry.log_format must be one of text|json")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral":
	case "persistent":
		if cfg.EventStore.Path == "" {
			return errors.New("event_store.path must not be empty")
		}
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.EventStore.MaxRuns < 0 {
		return errors.New("event_store.max_runs must be >= 0")
	}
	return nil
}

func validateVoiceSettings(vs VoiceSettingsConfig) error {
	for _, f := range []struct {
		name  string
		value *float64
	}{
		{"stability", vs.Stability},
		{"similarity_boost", vs.SimilarityBoost},
		{"style", vs.Style},
	} {
		if f.value != nil && (*f.value < 0 || *f.value > 1 || math.IsNaN(*f.value)) {
			return fmt.Errorf("synthesis.voice_settings.%s must be between 0 and 1", f.name)
		}
	}
	return nil
}
