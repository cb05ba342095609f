package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config holds all keepsake configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	LLM        LLMConfig        `yaml:"llm"`
	Embedding  EmbeddingConfig  `yaml:"embedding"`
	Worker     WorkerConfig     `yaml:"worker"`
	Decay      DecayConfig      `yaml:"decay"`
	Decision   DecisionConfig   `yaml:"decision"`
	Context    ContextConfig    `yaml:"context"`
	Extraction ExtractionConfig `yaml:"extraction"`
	Facts      FactsConfig      `yaml:"facts"`
}

type ServerConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type LLMConfig struct {
	Provider     string `yaml:"provider"` // "anthropic", "openai"
	Model        string `yaml:"model"`
	AnthropicKey string `yaml:"anthropic_key"`
	OpenAIKey    string `yaml:"openai_key"`
}

type EmbeddingConfig struct {
	Provider  string `yaml:"provider"` // "openai", "ollama", "tfidf"
	Model     string `yaml:"model"`
	OllamaURL string `yaml:"ollama_url"`
}

type WorkerConfig struct {
	BatchSize      int `yaml:"batch_size"`       // jobs pulled per pass
	IntervalSecs   int `yaml:"interval_secs"`    // poll interval for the loop
	MaxAttempts    int `yaml:"max_attempts"`     // default per-job attempt budget
	BackoffCapSecs int `yaml:"backoff_cap_secs"` // ceiling on exponential backoff
}

type DecayConfig struct {
	StaleDays       int     `yaml:"stale_days"`       // no decay before this
	FactorPerDay    float64 `yaml:"factor_per_day"`   // importance multiplier per stale day
	Floor           float64 `yaml:"floor"`            // importance never drops below
	ArchiveDays     int     `yaml:"archive_days"`     // unmentioned beyond this → candidate
	ArchiveMaxScore float64 `yaml:"archive_max_score"` // and importance below this → archived
}

type DecisionConfig struct {
	MaxSimilar    int     `yaml:"max_similar"`    // K existing memories given to the LLM
	MinSimilarity float64 `yaml:"min_similarity"` // similarity floor for candidates
}

type ContextConfig struct {
	MaxEntities int `yaml:"max_entities"` // per-type cap in the document
	TokenBudget int `yaml:"token_budget"` // whole-document ceiling
	CacheTTL    int `yaml:"cache_ttl"`    // seconds; assembled document cache
}

type ExtractionConfig struct {
	SampleEvery int `yaml:"sample_every"` // extract every Nth entry; 1 = all
}

type FactsConfig struct {
	SingleValuePredicates []string `yaml:"single_value_predicates"` // additions to the registry
}

// Default returns a Config with the documented defaults.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Bind: "127.0.0.1",
			Port: 37710,
		},
		LLM: LLMConfig{
			Provider: "anthropic",
		},
		Embedding: EmbeddingConfig{
			Provider: "tfidf",
		},
		Worker: WorkerConfig{
			BatchSize:      10,
			IntervalSecs:   15,
			MaxAttempts:    3,
			BackoffCapSecs: 3600,
		},
		Decay: DecayConfig{
			StaleDays:       30,
			FactorPerDay:    0.98,
			Floor:           0.1,
			ArchiveDays:     180,
			ArchiveMaxScore: 0.2,
		},
		Decision: DecisionConfig{
			MaxSimilar:    10,
			MinSimilarity: 0.5,
		},
		Context: ContextConfig{
			MaxEntities: 50,
			TokenBudget: 4000,
			CacheTTL:    300,
		},
		Extraction: ExtractionConfig{
			SampleEvery: 1,
		},
	}
}

// DefaultPath returns ~/.keepsake/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, ".keepsake", "config.yaml"), nil
}

// Load reads the config file at path, layered over defaults, then applies
// environment overrides. A missing file is not an error — defaults apply.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return cfg, err
		}
		path = p
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnv(&cfg)
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}

	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		cfg.LLM.AnthropicKey = key
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		cfg.LLM.OpenAIKey = key
	}
	if path := os.Getenv("KEEPSAKE_DB"); path != "" {
		cfg.Database.Path = path
	}
}

// ListenAddr returns the bind:port address string.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Bind, c.Server.Port)
}
