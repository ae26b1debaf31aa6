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

type NodeConfig struct {
	ID                string `yaml:"id"`
	Role              string `yaml:"role"`
	HeartbeatInterval int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int    `yaml:"heartbeat_timeout_ms"`
}

type VoicesConfig struct {
	Path           string `yaml:"path"`
	AutoTranscribe bool   `yaml:"auto_transcribe"`
}

type ArtifactsConfig struct {
	Path                   string `yaml:"path"`
	ExpireHours            int    `yaml:"expire_hours"`
	CleanupIntervalMinutes int    `yaml:"cleanup_interval_minutes"`
}

type ModelConfig struct {
	Mode          string `yaml:"mode"` // mock, exec
	Command       string `yaml:"command"`
	SampleRate    int    `yaml:"sample_rate"`
	Channels      int    `yaml:"channels"`
	UnitTimeoutMS int    `yaml:"unit_timeout_ms"`
}

type TranscriberConfig struct {
	Mode    string `yaml:"mode"` // mock, exec
	Command string `yaml:"command"`
}

type PipelineConfig struct {
	MaxUnitLength int `yaml:"max_unit_length"`
	MaxTextLength int `yaml:"max_text_length"`
	StreamBuffer  int `yaml:"stream_buffer"`
}

type Config struct {
	ServiceName string            `yaml:"service_name"`
	Environment string            `yaml:"environment"`
	HTTP        HTTPConfig        `yaml:"http"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Bus         BusConfig         `yaml:"bus"`
	Node        NodeConfig        `yaml:"node"`
	Voices      VoicesConfig      `yaml:"voices"`
	Artifacts   ArtifactsConfig   `yaml:"artifacts"`
	Model       ModelConfig       `yaml:"model"`
	Transcriber TranscriberConfig `yaml:"transcriber"`
	Pipeline    PipelineConfig    `yaml:"pipeline"`
}

func Default() Config {
	return Config{
		ServiceName: "voxcpmd",
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
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Node: NodeConfig{
			ID:                "voxcpm-node-1",
			Role:              "synthesis",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
		},
		Voices: VoicesConfig{
			Path:           "./data/voices.db",
			AutoTranscribe: true,
		},
		Artifacts: ArtifactsConfig{
			Path:                   "./data/artifacts.db",
			ExpireHours:            24,
			CleanupIntervalMinutes: 60,
		},
		Model: ModelConfig{
			Mode:          "mock",
			SampleRate:    16000,
			Channels:      1,
			UnitTimeoutMS: 60000,
		},
		Transcriber: TranscriberConfig{
			Mode: "mock",
		},
		Pipeline: PipelineConfig{
			MaxUnitLength: 300,
			MaxTextLength: 5000,
			StreamBuffer:  4,
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
	overrideString(&cfg.ServiceName, "VOXCPM_SERVICE_NAME")
	overrideString(&cfg.Environment, "VOXCPM_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "VOXCPM_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "VOXCPM_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "VOXCPM_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "VOXCPM_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "VOXCPM_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Bus.Embedded, "VOXCPM_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "VOXCPM_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "VOXCPM_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "VOXCPM_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "VOXCPM_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "VOXCPM_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "VOXCPM_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "VOXCPM_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "VOXCPM_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Node.ID, "VOXCPM_NODE_ID")
	overrideString(&cfg.Node.Role, "VOXCPM_NODE_ROLE")
	overrideInt(&cfg.Node.HeartbeatInterval, "VOXCPM_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeout, "VOXCPM_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideString(&cfg.Voices.Path, "VOXCPM_VOICES_PATH")
	overrideBool(&cfg.Voices.AutoTranscribe, "VOXCPM_VOICES_AUTO_TRANSCRIBE")
	overrideString(&cfg.Artifacts.Path, "VOXCPM_ARTIFACTS_PATH")
	overrideInt(&cfg.Artifacts.ExpireHours, "VOXCPM_ARTIFACTS_EXPIRE_HOURS")
	overrideInt(&cfg.Artifacts.CleanupIntervalMinutes, "VOXCPM_ARTIFACTS_CLEANUP_INTERVAL_MINUTES")
	overrideString(&cfg.Model.Mode, "VOXCPM_MODEL_MODE")
	overrideString(&cfg.Model.Command, "VOXCPM_MODEL_COMMAND")
	overrideInt(&cfg.Model.SampleRate, "VOXCPM_MODEL_SAMPLE_RATE")
	overrideInt(&cfg.Model.Channels, "VOXCPM_MODEL_CHANNELS")
	overrideInt(&cfg.Model.UnitTimeoutMS, "VOXCPM_MODEL_UNIT_TIMEOUT_MS")
	overrideString(&cfg.Transcriber.Mode, "VOXCPM_TRANSCRIBER_MODE")
	overrideString(&cfg.Transcriber.Command, "VOXCPM_TRANSCRIBER_COMMAND")
	overrideInt(&cfg.Pipeline.MaxUnitLength, "VOXCPM_PIPELINE_MAX_UNIT_LENGTH")
	overrideInt(&cfg.Pipeline.MaxTextLength, "VOXCPM_PIPELINE_MAX_TEXT_LENGTH")
	overrideInt(&cfg.Pipeline.StreamBuffer, "VOXCPM_PIPELINE_STREAM_BUFFER")
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
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Node.ID == "" {
		return errors.New("node.id must not be empty")
	}
	if cfg.Node.HeartbeatInterval <= 0 {
		return errors.New("node.heartbeat_interval_ms must be positive")
	}
	if cfg.Node.HeartbeatTimeout <= cfg.Node.HeartbeatInterval {
		return errors.New("node.heartbeat_timeout_ms must be greater than heartbeat interval")
	}
	if cfg.Voices.Path == "" {
		return errors.New("voices.path must not be empty")
	}
	if cfg.Artifacts.Path == "" {
		return errors.New("artifacts.path must not be empty")
	}
	if cfg.Artifacts.ExpireHours <= 0 {
		return errors.New("artifacts.expire_hours must be positive")
	}
	if cfg.Artifacts.CleanupIntervalMinutes <= 0 {
		return errors.New("artifacts.cleanup_interval_minutes must be positive")
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
	if cfg.Model.UnitTimeoutMS <= 0 {
		return errors.New("model.unit_timeout_ms must be positive")
	}
	switch cfg.Transcriber.Mode {
	case "mock", "exec":
	default:
		return errors.New("transcriber.mode must be one of mock|exec")
	}
	if cfg.Transcriber.Mode == "exec" && cfg.Transcriber.Command == "" {
		return errors.New("transcriber.command must be set when mode=exec")
	}
	if cfg.Pipeline.MaxUnitLength <= 0 {
		return errors.New("pipeline.max_unit_length must be positive")
	}
	if cfg.Pipeline.MaxTextLength < cfg.Pipeline.MaxUnitLength {
		return errors.New("pipeline.max_text_length must be >= max_unit_length")
	}
	if cfg.Pipeline.StreamBuffer <= 0 {
		return errors.New("pipeline.stream_buffer must be positive")
	}
	return nil
}
