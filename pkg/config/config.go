package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config carries everything the pipeline components need. It is built
// once and passed to constructors explicitly so tests can substitute
// fake providers without touching process state.
type Config struct {
	// Provider credentials and endpoints.
	EmbeddingsAPIKey string
	LLMAPIKey        string
	APIBaseURL       string // optional OpenAI-compatible override
	RerankBaseURL    string // optional rerank endpoint override

	// Model names.
	EmbeddingModel string
	GenerationModel string
	RerankModel     string

	// Document preparation.
	MaxChunkSize     int
	OverlapSentences int

	// Retrieval.
	TopN int // candidates from vector search
	TopK int // kept after rerank

	// Fetching.
	FetchTimeout  time.Duration
	FetchRate     float64 // requests per second
	EmbeddingRate float64

	// Paths.
	IndexTablePath  string
	OutputDir       string
	GroundTruthPath string
	EvalReportPath  string
}

// FromEnv loads .env if present and builds a Config from the
// environment, applying defaults for everything but the two secrets.
func FromEnv() (*Config, error) {
	// A missing .env file is fine; the environment may already be set.
	_ = godotenv.Load()

	cfg := &Config{
		EmbeddingsAPIKey: os.Getenv("EMBEDDINGS_API_KEY"),
		LLMAPIKey:        os.Getenv("LLM_API_KEY"),
		APIBaseURL:       os.Getenv("OPENAI_API_BASE_URL"),
		RerankBaseURL:    os.Getenv("RERANK_API_BASE_URL"),
		EmbeddingModel:   os.Getenv("EMBEDDING_MODEL"),
		GenerationModel:  os.Getenv("GENERATION_MODEL"),
		RerankModel:      os.Getenv("RERANK_MODEL"),
		IndexTablePath:   os.Getenv("INDEX_TABLE"),
		OutputDir:        os.Getenv("OUTPUT_DIR"),
		GroundTruthPath:  os.Getenv("GROUNDTRUTH_FILE"),
		EvalReportPath:   os.Getenv("EVAL_REPORT"),
		MaxChunkSize:     envInt("MAX_CHUNK_SIZE", 0),
		OverlapSentences: envInt("OVERLAP_SENTENCES", 0),
		TopN:             envInt("TOP_N", 0),
		TopK:             envInt("TOP_K", 0),
	}

	if v := os.Getenv("FETCH_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid FETCH_TIMEOUT: %w", err)
		}
		cfg.FetchTimeout = d
	}

	applyDefaults(cfg)

	if cfg.EmbeddingsAPIKey == "" {
		return nil, fmt.Errorf("missing EMBEDDINGS_API_KEY in environment or .env file")
	}
	if cfg.LLMAPIKey == "" {
		return nil, fmt.Errorf("missing LLM_API_KEY in environment or .env file")
	}

	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.EmbeddingModel == "" {
		cfg.EmbeddingModel = "text-embedding-3-small"
	}
	if cfg.GenerationModel == "" {
		cfg.GenerationModel = "gpt-4o-mini"
	}
	if cfg.RerankModel == "" {
		cfg.RerankModel = "rerank-v3.5"
	}
	if cfg.MaxChunkSize == 0 {
		cfg.MaxChunkSize = 1000
	}
	if cfg.OverlapSentences == 0 {
		cfg.OverlapSentences = 1
	}
	if cfg.TopN == 0 {
		cfg.TopN = 15
	}
	if cfg.TopK == 0 {
		cfg.TopK = 4
	}
	if cfg.FetchTimeout == 0 {
		cfg.FetchTimeout = 20 * time.Second
	}
	if cfg.FetchRate == 0 {
		cfg.FetchRate = 2
	}
	if cfg.EmbeddingRate == 0 {
		cfg.EmbeddingRate = 10
	}
	if cfg.IndexTablePath == "" {
		cfg.IndexTablePath = "files/index_table.json"
	}
	if cfg.OutputDir == "" {
		cfg.OutputDir = "outputs"
	}
	if cfg.GroundTruthPath == "" {
		cfg.GroundTruthPath = "groundtruth.json"
	}
	if cfg.EvalReportPath == "" {
		cfg.EvalReportPath = "eval/privacy_policy_rag_evaluation.json"
	}
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return fallback
}
