package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/keepsake/keepsake/internal/config"
	"github.com/keepsake/keepsake/internal/engine"
	"github.com/keepsake/keepsake/internal/llm"
	"github.com/keepsake/keepsake/internal/store"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "keepsake",
	Short: "A temporal knowledge engine for one person's life",
	Long: "Keepsake ingests journal entries, extracts facts about the people, places,\n" +
		"and projects in the user's life, and remembers not just what is true but\n" +
		"what used to be true and when it changed.",
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.keepsake/config.yaml)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(decayCmd)
	rootCmd.AddCommand(contextCmd)
}

// openStore loads config and opens the database, registering any configured
// single-value predicates.
func openStore() (config.Config, *store.DB, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, nil, err
	}

	dbPath := cfg.Database.Path
	if dbPath == "" {
		dbPath, err = store.DefaultDBPath()
		if err != nil {
			return cfg, nil, fmt.Errorf("resolve db path: %w", err)
		}
	}

	db, err := store.Open(dbPath)
	if err != nil {
		return cfg, nil, fmt.Errorf("open database: %w", err)
	}
	store.RegisterSingleValuePredicates(cfg.Facts.SingleValuePredicates)
	return cfg, db, nil
}

// buildEngine wires the engine with the configured reasoning client and the
// best available embedder: OpenAI when keyed, then a local Ollama if one is
// running, then the no-network TF-IDF fallback.
func buildEngine(cfg config.Config, db *store.DB) *engine.Engine {
	var client llm.Client
	c, err := llm.NewClient(cfg.LLM)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: reasoning client not configured (%v); extraction disabled\n", err)
	} else {
		client = c
		fmt.Fprintf(os.Stderr, "  llm: %s\n", cfg.LLM.Provider)
	}

	eng := engine.New(db, client)
	eng.Decision = cfg.Decision
	eng.Decay = cfg.Decay

	switch cfg.Embedding.Provider {
	case "openai":
		if cfg.LLM.OpenAIKey != "" {
			eng.SetEmbedder(engine.NewOpenAIEmbedder(cfg.LLM.OpenAIKey, cfg.Embedding.Model))
			fmt.Fprintln(os.Stderr, "  embedder: openai")
			return eng
		}
		fmt.Fprintln(os.Stderr, "warning: openai embedder configured but no key; falling back")
	case "ollama":
		url := cfg.Embedding.OllamaURL
		if url == "" {
			url = "http://localhost:11434"
		}
		model := cfg.Embedding.Model
		if model == "" {
			model = "nomic-embed-text"
		}
		if engine.ProbeOllama(url, model) {
			eng.SetEmbedder(engine.NewOllamaEmbedder(url, model, 768))
			fmt.Fprintf(os.Stderr, "  embedder: ollama (%s)\n", model)
			return eng
		}
		fmt.Fprintln(os.Stderr, "warning: ollama unreachable; falling back")
	}

	emb, err := engine.NewTFIDFEmbedder(db, 512)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: tfidf embedder init failed: %v\n", err)
		return eng
	}
	eng.SetEmbedder(emb)
	fmt.Fprintln(os.Stderr, "  embedder: tfidf (fallback)")
	return eng
}

// embedMissingAsync backfills vectors in the background.
func embedMissingAsync(eng *engine.Engine) {
	if eng.Embedder == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if n, err := eng.EmbedMissing(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "embed missing: %v\n", err)
		} else if n > 0 {
			fmt.Fprintf(os.Stderr, "  embedded %d missing entities\n", n)
		}
	}()
}
