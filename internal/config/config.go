package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	Model       ModelConfig      `yaml:"model"`
	Session     SessionConfig    `yaml:"session"`
	EventStore  EventStoreConfig `yaml:"event_store"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

// ModelConfig describes the duplex inference endpoint and the inference
// parameters a session opens with.
type ModelConfig struct {
	Mode             string  `yaml:"mode"` // mock, exec, websocket
	Command          string  `yaml:"command"`
	Endpoint         string  `yaml:"endpoint"`
	DefaultModelID   string  `yaml:"default_model_id"`
	DefaultRegion    string  `yaml:"default_region"`
	RequestTimeoutMS int     `yaml:"request_timeout_ms"`
	SessionTimeoutMS int     `yaml:"session_timeout_ms"`
	MaxTokens        int     `yaml:"max_tokens"`
	TopP             float64 `yaml:"top_p"`
	Temperature      float64 `yaml:"temperature"`
	VoiceID          string  `yaml:"voice_id"`
	InputSampleRate  int     `yaml:"input_sample_rate"`
	OutputSampleRate int     `yaml:"output_sample_rate"`
}

type SessionConfig struct {
	Enabled   bool `yaml:"enabled"`
	MaxActive int  `yaml:"max_active"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

func Default() Config {
	return Config{
		RuntimeName: "parley-runtime",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Model: ModelConfig{
			Mode:             "mock",
			DefaultModelID:   "parley-duplex-1",
			RequestTimeoutMS: 300000,
			SessionTimeoutMS: 300000,
			MaxTokens:        1024,
			TopP:             0.9,
			Temperature:      0.7,
			VoiceID:          "tiffany",
			InputSampleRate:  16000,
			OutputSampleRate: 24000,
		},
		Session: SessionConfig{
			Enabled:   true,
			MaxActive: 8,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/parley-events.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
	}
}

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
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "PARLEY_RUNTIME_NAME")
	overrideString(&cfg.Environment, "PARLEY_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "PARLEY_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "PARLEY_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "PARLEY_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "PARLEY_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "PARLEY_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "PARLEY_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "PARLEY_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "PARLEY_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "PARLEY_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "PARLEY_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "PARLEY_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "PARLEY_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "PARLEY_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "PARLEY_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "PARLEY_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Model.Mode, "PARLEY_MODEL_MODE")
	overrideString(&cfg.Model.Command, "PARLEY_MODEL_COMMAND")
	overrideString(&cfg.Model.Endpoint, "PARLEY_MODEL_ENDPOINT")
	overrideString(&cfg.Model.DefaultModelID, "PARLEY_MODEL_DEFAULT_MODEL_ID")
	overrideString(&cfg.Model.DefaultRegion, "PARLEY_MODEL_DEFAULT_REGION")
	overrideInt(&cfg.Model.RequestTimeoutMS, "PARLEY_MODEL_REQUEST_TIMEOUT_MS")
	overrideInt(&cfg.Model.SessionTimeoutMS, "PARLEY_MODEL_SESSION_TIMEOUT_MS")
	overrideInt(&cfg.Model.MaxTokens, "PARLEY_MODEL_MAX_TOKENS")
	overrideFloat(&cfg.Model.TopP, "PARLEY_MODEL_TOP_P")
	overrideFloat(&cfg.Model.Temperature, "PARLEY_MODEL_TEMPERATURE")
	overrideString(&cfg.Model.VoiceID, "PARLEY_MODEL_VOICE_ID")
	overrideInt(&cfg.Model.InputSampleRate, "PARLEY_MODEL_INPUT_SAMPLE_RATE")
	overrideInt(&cfg.Model.OutputSampleRate, "PARLEY_MODEL_OUTPUT_SAMPLE_RATE")
	overrideBool(&cfg.Session.Enabled, "PARLEY_SESSION_ENABLED")
	overrideInt(&cfg.Session.MaxActive, "PARLEY_SESSION_MAX_ACTIVE")
	overrideString(&cfg.EventStore.Path, "PARLEY_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "PARLEY_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "PARLEY_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "PARLEY_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "PARLEY_EVENT_STORE_VACUUM_ON_START")
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

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	switch cfg.Model.Mode {
	case "mock":
	case "exec":
		if cfg.Model.Command == "" {
			return errors.New("model.command must be set when mode=exec")
		}
	case "websocket":
		if cfg.Model.Endpoint == "" {
			return errors.New("model.endpoint must be set when mode=websocket")
		}
	default:
		return errors.New("model.mode must be one of mock|exec|websocket")
	}
	if cfg.Model.DefaultModelID == "" {
		return errors.New("model.default_model_id must not be empty")
	}
	if cfg.Model.RequestTimeoutMS <= 0 {
		return errors.New("model.request_timeout_ms must be positive")
	}
	if cfg.Model.SessionTimeoutMS <= 0 {
		return errors.New("model.session_timeout_ms must be positive")
	}
	if cfg.Model.MaxTokens <= 0 {
		return errors.New("model.max_tokens must be positive")
	}
	if cfg.Model.TopP <= 0 || cfg.Model.TopP > 1 {
		return errors.New("model.top_p must be in (0, 1]")
	}
	if cfg.Model.Temperature < 0 {
		return errors.New("model.temperature must be >= 0")
	}
	if cfg.Model.InputSampleRate <= 0 {
		return errors.New("model.input_sample_rate must be positive")
	}
	if cfg.Model.OutputSampleRate <= 0 {
		return errors.New("model.output_sample_rate must be positive")
	}
	if cfg.Session.Enabled && cfg.Session.MaxActive <= 0 {
		return errors.New("session.max_active must be >= 1")
	}
	if cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	return nil
}
