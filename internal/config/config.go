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
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

// ServerConfig controls the streaming WebSocket endpoint.
type ServerConfig struct {
	Bind           string `yaml:"bind"`
	Port           int    `yaml:"port"`
	MaxMessageKB   int    `yaml:"max_message_kb"`
	MaxTextLen     int    `yaml:"max_text_len"`
	WriteTimeoutMS int    `yaml:"write_timeout_ms"`
	PingIntervalMS int    `yaml:"ping_interval_ms"`
}

// ModelConfig describes the warm TTS runtime.
type ModelConfig struct {
	Mode               string   `yaml:"mode"` // mock, exec
	Command            string   `yaml:"command"`
	Path               string   `yaml:"path"`
	FallbackPath       string   `yaml:"fallback_path"`
	Voices             []string `yaml:"voices"`
	SampleRate         int      `yaml:"sample_rate"`
	Channels           int      `yaml:"channels"`
	MaxConcurrency     int      `yaml:"max_concurrency"`
	LoadAttempts       int      `yaml:"load_attempts"`
	LoadBackoffMS      int      `yaml:"load_backoff_ms"`
	SynthesisTimeoutMS int      `yaml:"synthesis_timeout_ms"`
	WarmupText         string   `yaml:"warmup_text"`
}

// SchedulerConfig bounds the admission queue in front of the model.
type SchedulerConfig struct {
	QueueDepth         int `yaml:"queue_depth"`
	AdmissionTimeoutMS int `yaml:"admission_timeout_ms"`
}

// LifecycleConfig governs degraded-state recovery and shutdown draining.
type LifecycleConfig struct {
	ReloadAttempts int `yaml:"reload_attempts"`
	DrainGraceMS   int `yaml:"drain_grace_ms"`
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

type AuditConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Path          string `yaml:"path"`
	RetentionDays int    `yaml:"retention_days"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type Config struct {
	ServiceName string          `yaml:"service_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Server      ServerConfig    `yaml:"server"`
	Model       ModelConfig     `yaml:"model"`
	Scheduler   SchedulerConfig `yaml:"scheduler"`
	Lifecycle   LifecycleConfig `yaml:"lifecycle"`
	Bus         BusConfig       `yaml:"bus"`
	Audit       AuditConfig     `yaml:"audit"`
}

func Default() Config {
	return Config{
		ServiceName: "velox-tts",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Server: ServerConfig{
			Bind:           "0.0.0.0",
			Port:           9001,
			MaxMessageKB:   64,
			MaxTextLen:     2000,
			WriteTimeoutMS: 10000,
			PingIntervalMS: 20000,
		},
		Model: ModelConfig{
			Mode:               "mock",
			SampleRate:         24000,
			Channels:           1,
			MaxConcurrency:     1,
			LoadAttempts:       3,
			LoadBackoffMS:      2000,
			SynthesisTimeoutMS: 45000,
		},
		Scheduler: SchedulerConfig{
			QueueDepth:         32,
			AdmissionTimeoutMS: 10000,
		},
		Lifecycle: LifecycleConfig{
			ReloadAttempts: 2,
			DrainGraceMS:   15000,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Audit: AuditConfig{
			Enabled:       false,
			Path:          "./data/velox-audit.db",
			RetentionDays: 30,
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
	overrideString(&cfg.ServiceName, "VELOX_SERVICE_NAME")
	overrideString(&cfg.Environment, "VELOX_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "VELOX_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "VELOX_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "VELOX_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "VELOX_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "VELOX_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Server.Bind, "VELOX_SERVER_BIND")
	overrideInt(&cfg.Server.Port, "VELOX_SERVER_PORT")
	overrideInt(&cfg.Server.MaxMessageKB, "VELOX_SERVER_MAX_MESSAGE_KB")
	overrideInt(&cfg.Server.MaxTextLen, "VELOX_SERVER_MAX_TEXT_LEN")
	overrideInt(&cfg.Server.WriteTimeoutMS, "VELOX_SERVER_WRITE_TIMEOUT_MS")
	overrideInt(&cfg.Server.PingIntervalMS, "VELOX_SERVER_PING_INTERVAL_MS")
	overrideString(&cfg.Model.Mode, "VELOX_MODEL_MODE")
	overrideString(&cfg.Model.Command, "VELOX_MODEL_COMMAND")
	overrideString(&cfg.Model.Path, "VELOX_MODEL_PATH")
	overrideString(&cfg.Model.FallbackPath, "VELOX_MODEL_FALLBACK_PATH")
	overrideStringSlice(&cfg.Model.Voices, "VELOX_MODEL_VOICES")
	overrideInt(&cfg.Model.SampleRate, "VELOX_MODEL_SAMPLE_RATE")
	overrideInt(&cfg.Model.Channels, "VELOX_MODEL_CHANNELS")
	overrideInt(&cfg.Model.MaxConcurrency, "VELOX_MODEL_MAX_CONCURRENCY")
	overrideInt(&cfg.Model.LoadAttempts, "VELOX_MODEL_LOAD_ATTEMPTS")
	overrideInt(&cfg.Model.LoadBackoffMS, "VELOX_MODEL_LOAD_BACKOFF_MS")
	overrideInt(&cfg.Model.SynthesisTimeoutMS, "VELOX_MODEL_SYNTHESIS_TIMEOUT_MS")
	overrideString(&cfg.Model.WarmupText, "VELOX_MODEL_WARMUP_TEXT")
	overrideInt(&cfg.Scheduler.QueueDepth, "VELOX_SCHEDULER_QUEUE_DEPTH")
	overrideInt(&cfg.Scheduler.AdmissionTimeoutMS, "VELOX_SCHEDULER_ADMISSION_TIMEOUT_MS")
	overrideInt(&cfg.Lifecycle.ReloadAttempts, "VELOX_LIFECYCLE_RELOAD_ATTEMPTS")
	overrideInt(&cfg.Lifecycle.DrainGraceMS, "VELOX_LIFECYCLE_DRAIN_GRACE_MS")
	overrideBool(&cfg.Bus.Enabled, "VELOX_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "VELOX_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "VELOX_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "VELOX_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "VELOX_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "VELOX_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "VELOX_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "VELOX_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "VELOX_BUS_CONNECT_TIMEOUT_MS")
	overrideBool(&cfg.Audit.Enabled, "VELOX_AUDIT_ENABLED")
	overrideString(&cfg.Audit.Path, "VELOX_AUDIT_PATH")
	overrideInt(&cfg.Audit.RetentionDays, "VELOX_AUDIT_RETENTION_DAYS")
	overrideBool(&cfg.Audit.VacuumOnStart, "VELOX_AUDIT_VACUUM_ON_START")
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

func validate(cfg Config) error {
	if cfg.ServiceName == "" {
		return errors.New("service_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return errors.New("server.port must be between 1 and 65535")
	}
	if cfg.Server.MaxMessageKB <= 0 {
		return errors.New("server.max_message_kb must be positive")
	}
	if cfg.Server.MaxTextLen <= 0 {
		return errors.New("server.max_text_len must be positive")
	}
	if cfg.Server.WriteTimeoutMS <= 0 {
		return errors.New("server.write_timeout_ms must be positive")
	}
	switch cfg.Model.Mode {
	case "mock", "exec":
	default:
		return errors.New("model.mode must be one of mock|exec")
	}
	if cfg.Model.Mode == "exec" && cfg.Model.Command == "" {
		return errors.New("model.command must be set when mode=exec")
	}
	if cfg.Model.SampleRate <= 0 {
		return errors.New("model.sample_rate must be positive")
	}
	if cfg.Model.Channels <= 0 {
		return errors.New("model.channels must be positive")
	}
	if cfg.Model.MaxConcurrency <= 0 {
		return errors.New("model.max_concurrency must be >= 1")
	}
	if cfg.Model.LoadAttempts <= 0 {
		return errors.New("model.load_attempts must be >= 1")
	}
	if cfg.Model.SynthesisTimeoutMS <= 0 {
		return errors.New("model.synthesis_timeout_ms must be positive")
	}
	if cfg.Scheduler.QueueDepth <= 0 {
		return errors.New("scheduler.queue_depth must be >= 1")
	}
	if cfg.Scheduler.AdmissionTimeoutMS <= 0 {
		return errors.New("scheduler.admission_timeout_ms must be positive")
	}
	if cfg.Lifecycle.ReloadAttempts < 0 {
		return errors.New("lifecycle.reload_attempts must be >= 0")
	}
	if cfg.Lifecycle.DrainGraceMS <= 0 {
		return errors.New("lifecycle.drain_grace_ms must be positive")
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
	if cfg.Audit.Enabled {
		if cfg.Audit.Path == "" {
			return errors.New("audit.path must not be empty when audit is enabled")
		}
		if cfg.Audit.RetentionDays < 0 {
			return errors.New("audit.retention_days must be >= 0")
		}
	}
	return nil
}
