// Package config loads service configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the root configuration for the reasoning service.
type Config struct {
	Server    ServerConfig
	Backend   BackendConfig
	Debate    DebateConfig
	Retrieval RetrievalConfig
	Store     StoreConfig
	Templates TemplatesConfig
	Broker    BrokerConfig
	Logging   LoggingConfig
}

type ServerConfig struct {
	Host           string
	Port           string
	ReadTimeout    time.Duration
	MaxConcurrent  int64
	AdmissionQueue int64
}

// BackendConfig describes the streaming inference backend.
type BackendConfig struct {
	BaseURL     string
	Timeout     time.Duration // per-call first-delta deadline
	HardCeiling time.Duration // aggregate per-call ceiling
	EmbedModel  string
}

// DebateConfig holds the per-debate defaults. A request may override any of
// these fields; validation clamps them back into range.
type DebateConfig struct {
	MinRounds        int
	MaxRounds        int
	EarlyStopScore   int
	ProposerModel    string
	SkepticModel     string
	SynthesizerModel string
	ProposerTemp     float64
	SkepticTemp      float64
	SynthesizerTemp  float64
	PerCallTimeout   time.Duration
}

type RetrievalConfig struct {
	TopK            int
	SimilarityFloor float64
}

type StoreConfig struct {
	Path        string
	BusyTimeout time.Duration
}

type TemplatesConfig struct {
	Dirs      []string
	PromptDir string
	Watch     bool
}

type BrokerConfig struct {
	Retention time.Duration
	Buffer    int
}

type LoggingConfig struct {
	Level string
}

// Load builds a Config from the environment, applying defaults.
func Load() *Config {
	return &Config{
		Server: ServerConfig{
			Host:           getEnv("SERVER_HOST", "0.0.0.0"),
			Port:           getEnv("PORT", "8177"),
			ReadTimeout:    getDurationEnv("READ_TIMEOUT", 30*time.Second),
			MaxConcurrent:  int64(getIntEnv("DEBATE_CONCURRENCY", 2)),
			AdmissionQueue: int64(getIntEnv("DEBATE_QUEUE", 8)),
		},
		Backend: BackendConfig{
			BaseURL:     getEnv("REASON_BACKEND_URL", "http://localhost:11434"),
			Timeout:     getDurationEnv("REASON_BACKEND_TIMEOUT", 120*time.Second),
			HardCeiling: getDurationEnv("REASON_BACKEND_CEILING", 10*time.Minute),
			EmbedModel:  getEnv("REASON_EMBED_MODEL", "nomic-embed-text"),
		},
		Debate: DebateConfig{
			MinRounds:        getIntEnv("REASON_MIN_ROUNDS", 1),
			MaxRounds:        getIntEnv("REASON_MAX_ROUNDS", 3),
			EarlyStopScore:   getIntEnv("REASON_EARLY_STOP_SCORE", 8),
			ProposerModel:    getEnv("REASON_PROPOSER_MODEL", "llama3.1"),
			SkepticModel:     getEnv("REASON_SKEPTIC_MODEL", "llama3.1"),
			SynthesizerModel: getEnv("REASON_SYNTH_MODEL", "llama3.1"),
			ProposerTemp:     getFloatEnv("REASON_PROPOSER_TEMP", 0.8),
			SkepticTemp:      getFloatEnv("REASON_SKEPTIC_TEMP", 0.3),
			SynthesizerTemp:  getFloatEnv("REASON_SYNTH_TEMP", 0.5),
			PerCallTimeout:   getDurationEnv("REASON_BACKEND_TIMEOUT", 120*time.Second),
		},
		Retrieval: RetrievalConfig{
			TopK:            getIntEnv("REASON_RAG_TOPK", 3),
			SimilarityFloor: getFloatEnv("REASON_SIMILARITY_FLOOR", 0.35),
		},
		Store: StoreConfig{
			Path:        getEnv("REASON_DB_PATH", "./data/traces.db"),
			BusyTimeout: getDurationEnv("REASON_DB_BUSY_TIMEOUT", 5*time.Second),
		},
		Templates: TemplatesConfig{
			Dirs:      getEnvSlice("REASON_TEMPLATE_DIRS", []string{"./templates"}),
			PromptDir: getEnv("REASON_PROMPT_DIR", ""),
			Watch:     getBoolEnv("TEMPLATE_WATCH", false),
		},
		Broker: BrokerConfig{
			Retention: getDurationEnv("BROKER_RETENTION", 5*time.Minute),
			Buffer:    getIntEnv("BROKER_BUFFER", 1024),
		},
		Logging: LoggingConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
	}
}

// Validate checks ranges that would make the service unusable at boot.
func (c *Config) Validate() error {
	if c.Debate.MinRounds < 1 {
		return fmt.Errorf("REASON_MIN_ROUNDS must be >= 1, got %d", c.Debate.MinRounds)
	}
	if c.Debate.MaxRounds < c.Debate.MinRounds {
		return fmt.Errorf("REASON_MAX_ROUNDS (%d) must be >= REASON_MIN_ROUNDS (%d)",
			c.Debate.MaxRounds, c.Debate.MinRounds)
	}
	if c.Debate.EarlyStopScore < 1 || c.Debate.EarlyStopScore > 10 {
		return fmt.Errorf("REASON_EARLY_STOP_SCORE must be in [1,10], got %d", c.Debate.EarlyStopScore)
	}
	if c.Retrieval.TopK < 1 {
		return fmt.Errorf("REASON_RAG_TOPK must be >= 1, got %d", c.Retrieval.TopK)
	}
	if c.Retrieval.SimilarityFloor < 0 || c.Retrieval.SimilarityFloor > 1 {
		return fmt.Errorf("REASON_SIMILARITY_FLOOR must be in [0,1], got %f", c.Retrieval.SimilarityFloor)
	}
	if c.Server.MaxConcurrent < 1 {
		return fmt.Errorf("DEBATE_CONCURRENCY must be >= 1, got %d", c.Server.MaxConcurrent)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return defaultValue
}
