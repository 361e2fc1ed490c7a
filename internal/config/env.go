package config

import (
	"log/slog"
	"os"
	"strconv"
	"time"
)

// ApplyEnv overlays BRIEFWIRE_* environment variables onto cfg. Env
// values win over file values so deployments can keep credentials out
// of the config file. Unparseable numeric values are ignored with a
// warning.
func ApplyEnv(cfg *Config) {
	setString(&cfg.Server.ListenAddr, "BRIEFWIRE_LISTEN_ADDR")
	if v := os.Getenv("BRIEFWIRE_LOG_LEVEL"); v != "" {
		cfg.Server.LogLevel = LogLevel(v)
	}

	setString(&cfg.Store.PostgresDSN, "BRIEFWIRE_POSTGRES_DSN")
	setInt(&cfg.Store.EmbeddingDimensions, "BRIEFWIRE_EMBEDDING_DIMENSIONS")

	setString(&cfg.Providers.Realtime.APIKey, "BRIEFWIRE_REALTIME_API_KEY")
	setString(&cfg.Providers.Realtime.BaseURL, "BRIEFWIRE_REALTIME_BASE_URL")
	setString(&cfg.Providers.Embeddings.APIKey, "BRIEFWIRE_EMBEDDINGS_API_KEY")
	setString(&cfg.Providers.Embeddings.BaseURL, "BRIEFWIRE_EMBEDDINGS_BASE_URL")
	setString(&cfg.Providers.Embeddings.Model, "BRIEFWIRE_EMBEDDINGS_MODEL")

	setString(&cfg.Push.Endpoint, "BRIEFWIRE_PUSH_ENDPOINT")
	setString(&cfg.Push.AuthToken, "BRIEFWIRE_PUSH_AUTH_TOKEN")

	setBool(&cfg.Runtime.TranscriptOnly, "BRIEFWIRE_TRANSCRIPT_ONLY")
	setDuration(&cfg.Runtime.FactsDebounce, "BRIEFWIRE_FACTS_DEBOUNCE")
	setInt(&cfg.Runtime.ResumeLimit, "BRIEFWIRE_RESUME_LIMIT")
	setDuration(&cfg.Runtime.SummaryInterval, "BRIEFWIRE_SUMMARY_INTERVAL")

	setDuration(&cfg.Polling.Startup, "BRIEFWIRE_POLL_STARTUP")
	setDuration(&cfg.Polling.PauseResume, "BRIEFWIRE_POLL_PAUSE_RESUME")
	setDuration(&cfg.Polling.Stage, "BRIEFWIRE_POLL_STAGE")

	setString(&cfg.DefaultModelSet, "BRIEFWIRE_DEFAULT_MODEL_SET")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("ignoring unparseable integer env var", "key", key, "value", v)
		return
	}
	*dst = n
}

func setBool(dst *bool, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		slog.Warn("ignoring unparseable boolean env var", "key", key, "value", v)
		return
	}
	*dst = b
}

func setDuration(dst *time.Duration, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		slog.Warn("ignoring unparseable duration env var", "key", key, "value", v)
		return
	}
	*dst = d
}
