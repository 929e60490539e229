package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds piiner configuration.
type Config struct {
	Model     ModelConfig     `yaml:"model"`
	Decode    DecodeConfig    `yaml:"decode"`
	Labels    LabelsConfig    `yaml:"labels"`
	Output    OutputConfig    `yaml:"output"`
	Server    ServerConfig    `yaml:"server"`
	Sinks     SinksConfig     `yaml:"sinks"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

type ModelConfig struct {
	Dir          string `yaml:"dir"`           // directory with model.onnx, config.json, tokenizer
	MaxLength    int    `yaml:"max_length"`    // token budget incl. [CLS]/[SEP]
	Workers      int    `yaml:"workers"`       // concurrent utterances and onnx sessions
	IntraThreads int    `yaml:"intra_threads"` // onnxruntime intra-op threads per session
	InterThreads int    `yaml:"inter_threads"`
}

type DecodeConfig struct {
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
}

type LabelsConfig struct {
	PIITypes []string `yaml:"pii_types"`
}

type OutputConfig struct {
	IncludeConfidence bool   `yaml:"include_confidence"`
	OffsetUnit        string `yaml:"offset_unit"` // char | byte
}

type ServerConfig struct {
	Addr         string `yaml:"addr"` // HTTP listen address, e.g. ":8080"
	MaxBodyBytes int64  `yaml:"max_body_bytes"`
	MaxBatch     int    `yaml:"max_batch"`
	// CacheTTLSeconds keeps results for repeated texts in memory; 0 disables.
	CacheTTLSeconds int `yaml:"cache_ttl_seconds"`
}

// SinksConfig forwards served results; both targets are optional.
type SinksConfig struct {
	JSONLPath        string            `yaml:"jsonl_path"`
	WebhookURL       string            `yaml:"webhook_url"`
	WebhookHeaders   map[string]string `yaml:"webhook_headers"`
	WebhookTimeoutMs int               `yaml:"webhook_timeout_ms"`
	QueueSize        int               `yaml:"queue_size"`
	Workers          int               `yaml:"workers"`
}

// Enabled reports whether any sink target is configured.
func (s SinksConfig) Enabled() bool {
	return strings.TrimSpace(s.JSONLPath) != "" || strings.TrimSpace(s.WebhookURL) != ""
}

type TelemetryConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
	Protocol string `yaml:"protocol"` // grpc | http
}

const (
	OffsetUnitChar = "char"
	OffsetUnitByte = "byte"
)

// Load reads configuration from a YAML file, then applies .env and PIINER_*
// environment overrides. If the file doesn't exist, defaults are used.
func Load(path string) (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	cfg := Default()
	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, err
			}
		case os.IsNotExist(err):
		default:
			return nil, err
		}
	}

	applyEnv(cfg, os.Getenv)
	applyDefaults(cfg)
	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Model: ModelConfig{
			Dir:       "out",
			MaxLength: 256,
			Workers:   1,
		},
		Decode: DecodeConfig{
			ConfidenceThreshold: 0.5,
		},
		Labels: LabelsConfig{
			PIITypes: []string{"CREDIT_CARD", "PHONE", "EMAIL", "PERSON_NAME", "DATE"},
		},
		Output: OutputConfig{
			OffsetUnit: OffsetUnitChar,
		},
		Server: ServerConfig{
			Addr:         ":8080",
			MaxBodyBytes: 1 << 20,
			MaxBatch:     256,
		},
		Sinks: SinksConfig{
			WebhookTimeoutMs: 2000,
			QueueSize:        1000,
			Workers:          1,
		},
		Telemetry: TelemetryConfig{
			Endpoint: "localhost:4317",
			Protocol: "grpc",
		},
	}
}

func applyDefaults(cfg *Config) {
	def := Default()
	if cfg.Model.Dir == "" {
		cfg.Model.Dir = def.Model.Dir
	}
	if cfg.Model.MaxLength == 0 {
		cfg.Model.MaxLength = def.Model.MaxLength
	}
	if cfg.Model.Workers == 0 {
		cfg.Model.Workers = def.Model.Workers
	}
	if cfg.Labels.PIITypes == nil {
		cfg.Labels.PIITypes = def.Labels.PIITypes
	}
	cfg.Output.OffsetUnit = strings.ToLower(strings.TrimSpace(cfg.Output.OffsetUnit))
	if cfg.Output.OffsetUnit == "" {
		cfg.Output.OffsetUnit = def.Output.OffsetUnit
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = def.Server.Addr
	}
	if cfg.Server.MaxBodyBytes == 0 {
		cfg.Server.MaxBodyBytes = def.Server.MaxBodyBytes
	}
	if cfg.Server.MaxBatch == 0 {
		cfg.Server.MaxBatch = def.Server.MaxBatch
	}
	if cfg.Sinks.WebhookTimeoutMs == 0 {
		cfg.Sinks.WebhookTimeoutMs = def.Sinks.WebhookTimeoutMs
	}
	if cfg.Sinks.QueueSize == 0 {
		cfg.Sinks.QueueSize = def.Sinks.QueueSize
	}
	if cfg.Sinks.Workers == 0 {
		cfg.Sinks.Workers = def.Sinks.Workers
	}
	if cfg.Telemetry.Protocol == "" {
		cfg.Telemetry.Protocol = def.Telemetry.Protocol
	}
	if cfg.Telemetry.Endpoint == "" {
		cfg.Telemetry.Endpoint = def.Telemetry.Endpoint
	}
}

// applyEnv overlays PIINER_* variables. Unparseable numbers are ignored and
// left to Validate on the file value.
func applyEnv(cfg *Config, getenv func(string) string) {
	if v := strings.TrimSpace(getenv("PIINER_MODEL_DIR")); v != "" {
		cfg.Model.Dir = v
	}
	if v, err := strconv.Atoi(strings.TrimSpace(getenv("PIINER_MAX_LENGTH"))); err == nil {
		cfg.Model.MaxLength = v
	}
	if v, err := strconv.Atoi(strings.TrimSpace(getenv("PIINER_WORKERS"))); err == nil {
		cfg.Model.Workers = v
	}
	if v, err := strconv.ParseFloat(strings.TrimSpace(getenv("PIINER_CONFIDENCE_THRESHOLD")), 64); err == nil {
		cfg.Decode.ConfidenceThreshold = v
	}
	if v := strings.TrimSpace(getenv("PIINER_SERVER_ADDR")); v != "" {
		cfg.Server.Addr = v
	}
	if v := strings.TrimSpace(getenv("PIINER_WEBHOOK_URL")); v != "" {
		cfg.Sinks.WebhookURL = v
	}
	if v, err := strconv.ParseBool(strings.TrimSpace(getenv("PIINER_TELEMETRY_ENABLED"))); err == nil {
		cfg.Telemetry.Enabled = v
	}
	if v := strings.TrimSpace(getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); v != "" {
		cfg.Telemetry.Endpoint = v
	}
}
