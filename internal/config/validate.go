package config

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/Himanshu7240/PII-Entity-Recognition-for-Noisy-STT-Transcripts/internal/labels"
)

// Validate checks the loaded config for required fields and safe values.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}

	if strings.TrimSpace(cfg.Model.Dir) == "" {
		return errors.New("model.dir must be set")
	}
	if cfg.Model.MaxLength < 3 {
		return fmt.Errorf("model.max_length must be at least 3, got %d", cfg.Model.MaxLength)
	}
	if cfg.Model.Workers < 1 {
		return fmt.Errorf("model.workers must be positive, got %d", cfg.Model.Workers)
	}
	if cfg.Model.IntraThreads < 0 || cfg.Model.InterThreads < 0 {
		return errors.New("model.intra_threads and model.inter_threads must not be negative")
	}

	th := cfg.Decode.ConfidenceThreshold
	if math.IsNaN(th) || th < 0 || th > 1 {
		return fmt.Errorf("decode.confidence_threshold must be within [0,1], got %v", th)
	}

	for _, t := range cfg.Labels.PIITypes {
		if strings.TrimSpace(t) == "" || strings.ContainsAny(t, " -") {
			return fmt.Errorf("labels.pii_types entry %q is not an entity type", t)
		}
	}

	switch cfg.Output.OffsetUnit {
	case OffsetUnitChar, OffsetUnitByte:
	default:
		return fmt.Errorf("output.offset_unit must be %q or %q, got %q", OffsetUnitChar, OffsetUnitByte, cfg.Output.OffsetUnit)
	}

	if strings.TrimSpace(cfg.Server.Addr) == "" {
		return errors.New("server.addr must be set")
	}
	if cfg.Server.MaxBodyBytes <= 0 || cfg.Server.MaxBatch <= 0 {
		return errors.New("server.max_body_bytes and server.max_batch must be positive")
	}
	if cfg.Server.CacheTTLSeconds < 0 {
		return fmt.Errorf("server.cache_ttl_seconds must not be negative, got %d", cfg.Server.CacheTTLSeconds)
	}

	if cfg.Sinks.QueueSize < 0 || cfg.Sinks.Workers < 0 || cfg.Sinks.WebhookTimeoutMs < 0 {
		return errors.New("sinks.queue_size, sinks.workers and sinks.webhook_timeout_ms must not be negative")
	}
	if u := strings.TrimSpace(cfg.Sinks.WebhookURL); u != "" &&
		!strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
		return errors.New("sinks.webhook_url must be an http(s) URL")
	}

	if cfg.Telemetry.Enabled {
		switch strings.ToLower(cfg.Telemetry.Protocol) {
		case "grpc", "http":
		default:
			return fmt.Errorf("telemetry.protocol must be grpc or http, got %q", cfg.Telemetry.Protocol)
		}
		if strings.TrimSpace(cfg.Telemetry.Endpoint) == "" {
			return errors.New("telemetry.endpoint must be set when telemetry is enabled")
		}
	}
	return nil
}

// PIITypes converts the configured names to entity types.
func (c *Config) PIITypes() []labels.EntityType {
	out := make([]labels.EntityType, 0, len(c.Labels.PIITypes))
	for _, t := range c.Labels.PIITypes {
		out = append(out, labels.EntityType(strings.ToUpper(strings.TrimSpace(t))))
	}
	return out
}
