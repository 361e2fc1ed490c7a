package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// maxFactsDebounce is the ceiling on the facts coalescing window.
// Longer windows leave the knowledge base visibly stale.
const maxFactsDebounce = 25 * time.Second

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader] and
// [Validate]. Environment overrides are applied before validation.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies environment
// overrides and validates the result. Useful in tests where configs are
// constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyEnv(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	// Store availability
	if cfg.Store.PostgresDSN == "" {
		errs = append(errs, errors.New("store.postgres_dsn is required"))
	}
	if cfg.Store.EmbeddingDimensions < 0 {
		errs = append(errs, fmt.Errorf("store.embedding_dimensions %d is negative", cfg.Store.EmbeddingDimensions))
	}
	if cfg.Providers.Embeddings.Model != "" && cfg.Store.EmbeddingDimensions <= 0 {
		slog.Warn("providers.embeddings is configured but store.embedding_dimensions is not set; defaulting to 1536")
	}

	// Push
	if cfg.Push.Endpoint == "" {
		slog.Warn("push.endpoint is empty; cards, facts and status updates will not be delivered downstream")
	}
	if cfg.Push.QueueSize < 0 {
		errs = append(errs, fmt.Errorf("push.queue_size %d is negative", cfg.Push.QueueSize))
	}

	// Runtime
	if cfg.Runtime.FactsDebounce < 0 {
		errs = append(errs, fmt.Errorf("runtime.facts_debounce %s is negative", cfg.Runtime.FactsDebounce))
	}
	if cfg.Runtime.FactsDebounce > maxFactsDebounce {
		errs = append(errs, fmt.Errorf("runtime.facts_debounce %s exceeds the %s ceiling", cfg.Runtime.FactsDebounce, maxFactsDebounce))
	}
	if cfg.Runtime.ResumeLimit < 0 {
		errs = append(errs, fmt.Errorf("runtime.resume_limit %d is negative", cfg.Runtime.ResumeLimit))
	}

	// Polling
	for _, iv := range []struct {
		name string
		d    time.Duration
	}{
		{"polling.startup", cfg.Polling.Startup},
		{"polling.pause_resume", cfg.Polling.PauseResume},
		{"polling.stage", cfg.Polling.Stage},
	} {
		if iv.d < 0 {
			errs = append(errs, fmt.Errorf("%s %s is negative", iv.name, iv.d))
		}
	}

	// Model sets
	for name, set := range cfg.ModelSets {
		if name == "" {
			errs = append(errs, errors.New("model_sets contains an empty set name"))
			continue
		}
		if set.Transcript == "" {
			errs = append(errs, fmt.Errorf("model_sets.%s.transcript is required", name))
		}
		if set.Transcription == "" {
			errs = append(errs, fmt.Errorf("model_sets.%s.transcription is required", name))
		}
		if !cfg.Runtime.TranscriptOnly {
			if set.Cards == "" {
				errs = append(errs, fmt.Errorf("model_sets.%s.cards is required unless runtime.transcript_only is set", name))
			}
			if set.Facts == "" {
				errs = append(errs, fmt.Errorf("model_sets.%s.facts is required unless runtime.transcript_only is set", name))
			}
		}
	}
	if len(cfg.ModelSets) == 0 {
		errs = append(errs, errors.New("model_sets must define at least one set"))
	}
	if cfg.DefaultModelSet != "" {
		if _, ok := cfg.ModelSets[cfg.DefaultModelSet]; !ok {
			errs = append(errs, fmt.Errorf("default_model_set %q is not defined in model_sets", cfg.DefaultModelSet))
		}
	} else if len(cfg.ModelSets) > 1 {
		errs = append(errs, errors.New("default_model_set is required when multiple model sets are defined"))
	}

	// Realtime provider credentials
	if cfg.Providers.Realtime.APIKey == "" {
		slog.Warn("providers.realtime.api_key is empty; set it via config or BRIEFWIRE_REALTIME_API_KEY")
	}

	return errors.Join(errs...)
}

// ResolveDefaultSet returns the effective default model set name.
func (c *Config) ResolveDefaultSet() string {
	if c.DefaultModelSet != "" {
		return c.DefaultModelSet
	}
	for name := range c.ModelSets {
		return name
	}
	return ""
}
