package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the chat service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	AllowAnyOrigin   bool
	LogMode          string
	LogLevel         string

	LLMProvider     string
	OpenAIAPIKey    string
	OpenAIBaseURL   string
	EmbeddingModel  string
	EmbeddingDim    int
	SignalModel     string
	FullModel       string
	MicroModel      string
	ProviderTimeout time.Duration

	ChatTemperature   float64
	ChatTopP          float64
	ChatMaxTokens     int
	ChatTimeout       time.Duration
	EnrichmentTimeout time.Duration

	RecallCorpusPath string
	ToneCorpusPath   string
	RecallTopN       int
	RecallMinScore   float64

	MemoryPerThreadLimit int
	MemorySessionLimit   int
	RelevanceThreshold   float64
	RelevantLimit        int

	DatabaseURL string
	SQLitePath  string

	RedisAddr           string
	RedisPassword       string
	RedisDB             int
	ShortTermTTL        time.Duration
	ShortTermMaxThreads int

	SessionLogBackend   string
	SessionLogPath      string
	SessionLogRedactPII bool

	CrisisMessage string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "shrink"),
		LogMode:          envOrDefault("APP_LOG_MODE", "development"),
		LogLevel:         envOrDefault("APP_LOG_LEVEL", "info"),
		ShutdownTimeout:  15 * time.Second,

		LLMProvider:    envOrDefault("LLM_PROVIDER", "auto"),
		OpenAIAPIKey:   stringsTrimSpace("OPENAI_API_KEY"),
		OpenAIBaseURL:  stringsTrimSpace("OPENAI_BASE_URL"),
		EmbeddingModel: envOrDefault("EMBEDDING_MODEL", "text-embedding-3-small"),
		SignalModel:    envOrDefault("SIGNAL_MODEL", "gpt-4o-mini"),
		// The fine-tuned model serves every turn that has any context.
		FullModel:       envOrDefault("FINE_TUNED_MODEL", "gpt-4o"),
		MicroModel:      envOrDefault("MICRO_MODEL", "gpt-4o-mini"),
		ProviderTimeout: 30 * time.Second,

		ChatTemperature:   0.7,
		ChatTopP:          1.0,
		ChatMaxTokens:     512,
		ChatTimeout:       30 * time.Second,
		EnrichmentTimeout: 3 * time.Second,

		RecallCorpusPath: envOrDefault("RECALL_CORPUS_PATH", "data/therapy_corpus_embedded.json"),
		ToneCorpusPath:   envOrDefault("TONE_CORPUS_PATH", "data/shrink_corpus_with_tone_tags.json"),
		RecallTopN:       3,

		MemoryPerThreadLimit: 4,
		MemorySessionLimit:   10,
		RelevanceThreshold:   0.7,
		RelevantLimit:        5,

		DatabaseURL: stringsTrimSpace("DATABASE_URL"),
		SQLitePath:  stringsTrimSpace("SQLITE_PATH"),

		RedisAddr:           stringsTrimSpace("REDIS_ADDR"),
		RedisPassword:       os.Getenv("REDIS_PASSWORD"),
		ShortTermTTL:        30 * time.Minute,
		ShortTermMaxThreads: 1000,

		SessionLogBackend:   envOrDefault("SESSION_LOG_BACKEND", "none"),
		SessionLogPath:      envOrDefault("SESSION_LOG_PATH", "data/session_logs.jsonl"),
		SessionLogRedactPII: true,

		CrisisMessage: stringsTrimSpace("SAFETY_CRISIS_MESSAGE"),
	}

	var err error
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"APP_SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout},
		{"LLM_PROVIDER_TIMEOUT", &cfg.ProviderTimeout},
		{"CHAT_TIMEOUT", &cfg.ChatTimeout},
		{"ENRICHMENT_TIMEOUT", &cfg.EnrichmentTimeout},
		{"SHORT_TERM_TTL", &cfg.ShortTermTTL},
	}
	for _, d := range durations {
		if *d.dst, err = durationFromEnv(d.key, *d.dst); err != nil {
			return Config{}, err
		}
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"EMBEDDING_DIM", &cfg.EmbeddingDim},
		{"CHAT_MAX_TOKENS", &cfg.ChatMaxTokens},
		{"RECALL_TOP_N", &cfg.RecallTopN},
		{"MEMORY_PER_THREAD_LIMIT", &cfg.MemoryPerThreadLimit},
		{"MEMORY_SESSION_LIMIT", &cfg.MemorySessionLimit},
		{"MEMORY_RELEVANT_LIMIT", &cfg.RelevantLimit},
		{"REDIS_DB", &cfg.RedisDB},
		{"SHORT_TERM_MAX_THREADS", &cfg.ShortTermMaxThreads},
	}
	for _, i := range ints {
		if *i.dst, err = intFromEnv(i.key, *i.dst); err != nil {
			return Config{}, err
		}
	}

	floats := []struct {
		key string
		dst *float64
	}{
		{"CHAT_TEMPERATURE", &cfg.ChatTemperature},
		{"CHAT_TOP_P", &cfg.ChatTopP},
		{"RECALL_MIN_SCORE", &cfg.RecallMinScore},
		{"MEMORY_RELEVANCE_THRESHOLD", &cfg.RelevanceThreshold},
	}
	for _, f := range floats {
		if *f.dst, err = floatFromEnv(f.key, *f.dst); err != nil {
			return Config{}, err
		}
	}

	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionLogRedactPII, err = boolFromEnv("SESSION_LOG_REDACT_PII", cfg.SessionLogRedactPII)
	if err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch {
	case c.ChatTemperature < 0 || c.ChatTemperature > 2:
		return fmt.Errorf("CHAT_TEMPERATURE must be within [0, 2]")
	case c.ChatTopP <= 0 || c.ChatTopP > 1:
		return fmt.Errorf("CHAT_TOP_P must be within (0, 1]")
	case c.ChatMaxTokens <= 0:
		return fmt.Errorf("CHAT_MAX_TOKENS must be positive")
	case c.ChatTimeout <= 0:
		return fmt.Errorf("CHAT_TIMEOUT must be positive")
	case c.EnrichmentTimeout <= 0:
		return fmt.Errorf("ENRICHMENT_TIMEOUT must be positive")
	case c.EnrichmentTimeout >= c.ChatTimeout:
		return fmt.Errorf("ENRICHMENT_TIMEOUT must be shorter than CHAT_TIMEOUT")
	case c.RecallTopN <= 0:
		return fmt.Errorf("RECALL_TOP_N must be positive")
	case c.MemoryPerThreadLimit <= 0 || c.MemorySessionLimit <= 0:
		return fmt.Errorf("MEMORY_PER_THREAD_LIMIT and MEMORY_SESSION_LIMIT must be positive")
	case c.RelevanceThreshold < -1 || c.RelevanceThreshold > 1:
		return fmt.Errorf("MEMORY_RELEVANCE_THRESHOLD must be within [-1, 1]")
	case c.RelevantLimit <= 0:
		return fmt.Errorf("MEMORY_RELEVANT_LIMIT must be positive")
	case c.EmbeddingDim < 0:
		return fmt.Errorf("EMBEDDING_DIM must be >= 0")
	case c.ShortTermTTL < time.Second:
		return fmt.Errorf("SHORT_TERM_TTL must be at least 1s")
	}
	switch strings.ToLower(c.SessionLogBackend) {
	case "none", "file", "postgres":
	default:
		return fmt.Errorf("SESSION_LOG_BACKEND must be one of none, file, postgres")
	}
	if strings.EqualFold(c.SessionLogBackend, "postgres") && c.DatabaseURL == "" {
		return fmt.Errorf("SESSION_LOG_BACKEND=postgres requires DATABASE_URL")
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
