package docquery

import (
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all configuration for the DocQuery core.
type Config struct {
	// DBPath is the full path to the SQLite database file.
	// If empty, defaults to <DataDir>/docquery.db.
	DBPath string `json:"db_path" yaml:"db_path" mapstructure:"db_path"`

	// DataDir is the root data directory. Uploads are stored under
	// <DataDir>/uploads/u<owner_id>/ and index files under <DataDir>/indexes/.
	DataDir string `json:"data_dir" yaml:"data_dir" mapstructure:"data_dir"`

	// RedisURL enables the Redis cache backend when non-empty
	// (e.g. redis://localhost:6379/0). Empty selects the in-process cache.
	RedisURL string `json:"redis_url" yaml:"redis_url" mapstructure:"redis_url"`

	// LLM providers
	Generation LLMConfig `json:"generation" yaml:"generation" mapstructure:"generation"`
	Embedding  LLMConfig `json:"embedding" yaml:"embedding" mapstructure:"embedding"`
	Vision     LLMConfig `json:"vision" yaml:"vision" mapstructure:"vision"` // optional: image OCR

	// Chunking
	ChunkSize    int `json:"chunk_size" yaml:"chunk_size" mapstructure:"chunk_size"`
	ChunkOverlap int `json:"chunk_overlap" yaml:"chunk_overlap" mapstructure:"chunk_overlap"`
	MinChunkSize int `json:"min_chunk_size" yaml:"min_chunk_size" mapstructure:"min_chunk_size"`

	// Embedding
	EmbeddingDim       int `json:"embedding_dim" yaml:"embedding_dim" mapstructure:"embedding_dim"`
	EmbeddingBatchSize int `json:"embedding_batch_size" yaml:"embedding_batch_size" mapstructure:"embedding_batch_size"`

	// Vector index
	VectorIndexPath         string  `json:"vector_index_path" yaml:"vector_index_path" mapstructure:"vector_index_path"`
	CompactionTombstoneRatio float64 `json:"compaction_tombstone_ratio" yaml:"compaction_tombstone_ratio" mapstructure:"compaction_tombstone_ratio"`

	// Search
	SearchTopKDefault      int `json:"search_topk_default" yaml:"search_topk_default" mapstructure:"search_topk_default"`
	SearchBranchMultiplier int `json:"search_branch_multiplier" yaml:"search_branch_multiplier" mapstructure:"search_branch_multiplier"`
	SearchBranchCap        int `json:"search_branch_cap" yaml:"search_branch_cap" mapstructure:"search_branch_cap"`
	RRFConstant            int `json:"rrf_constant" yaml:"rrf_constant" mapstructure:"rrf_constant"`

	// Cache TTLs
	QueryCacheTTL     time.Duration `json:"query_cache_ttl" yaml:"query_cache_ttl" mapstructure:"query_cache_ttl"`
	EmbeddingCacheTTL time.Duration `json:"embedding_cache_ttl" yaml:"embedding_cache_ttl" mapstructure:"embedding_cache_ttl"`

	// Generation defaults
	GenerationTemperatureDefault float64 `json:"generation_temperature_default" yaml:"generation_temperature_default" mapstructure:"generation_temperature_default"`
	GenerationMaxTokensDefault   int     `json:"generation_max_tokens_default" yaml:"generation_max_tokens_default" mapstructure:"generation_max_tokens_default"`

	// Outward-call deadlines
	LLMRequestTimeout       time.Duration `json:"llm_request_timeout" yaml:"llm_request_timeout" mapstructure:"llm_request_timeout"`
	EmbeddingRequestTimeout time.Duration `json:"embedding_request_timeout" yaml:"embedding_request_timeout" mapstructure:"embedding_request_timeout"`
	ExtractorTimeout        time.Duration `json:"extractor_timeout" yaml:"extractor_timeout" mapstructure:"extractor_timeout"`

	// Ingestion
	WorkerCount   int   `json:"worker_count" yaml:"worker_count" mapstructure:"worker_count"`
	MaxUploadSize int64 `json:"max_upload_size" yaml:"max_upload_size" mapstructure:"max_upload_size"`
}

// LLMConfig configures a single LLM provider endpoint.
type LLMConfig struct {
	Provider string `json:"provider" yaml:"provider" mapstructure:"provider"` // openai, groq, openrouter, xai, gemini, ollama, lmstudio, custom
	Model    string `json:"model" yaml:"model" mapstructure:"model"`
	BaseURL  string `json:"base_url" yaml:"base_url" mapstructure:"base_url"`
	APIKey   string `json:"api_key" yaml:"api_key" mapstructure:"api_key"`
}

// DefaultConfig returns a Config with the documented defaults.
// Data lives in ~/.docquery/ unless overridden.
func DefaultConfig() Config {
	return Config{
		Generation: LLMConfig{
			Provider: "openai",
			Model:    "gpt-4o-mini",
		},
		Embedding: LLMConfig{
			Provider: "openai",
			Model:    "text-embedding-3-small",
		},
		ChunkSize:    512,
		ChunkOverlap: 50,
		MinChunkSize: 100,

		EmbeddingDim:       1536,
		EmbeddingBatchSize: 100,

		CompactionTombstoneRatio: 0.2,

		SearchTopKDefault:      5,
		SearchBranchMultiplier: 4,
		SearchBranchCap:        100,
		RRFConstant:            60,

		QueryCacheTTL:     time.Hour,
		EmbeddingCacheTTL: 24 * time.Hour,

		GenerationTemperatureDefault: 0.3,
		GenerationMaxTokensDefault:   1000,

		LLMRequestTimeout:       2 * time.Minute,
		EmbeddingRequestTimeout: time.Minute,
		ExtractorTimeout:        5 * time.Minute,

		WorkerCount:   4,
		MaxUploadSize: 50 << 20,
	}
}

// resolveDataDir computes the data directory, falling back to ~/.docquery.
func (c *Config) resolveDataDir() string {
	if c.DataDir != "" {
		return c.DataDir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".docquery"
	}
	return filepath.Join(home, ".docquery")
}

// ResolveDBPath computes the final database path from config fields.
func (c *Config) ResolveDBPath() string {
	if c.DBPath != "" {
		return c.DBPath
	}
	return filepath.Join(c.resolveDataDir(), "docquery.db")
}

// ResolveIndexPath computes the vector index path (without extension);
// the index writes <path>.vec and <path>.sid.
func (c *Config) ResolveIndexPath() string {
	if c.VectorIndexPath != "" {
		return c.VectorIndexPath
	}
	return filepath.Join(c.resolveDataDir(), "indexes", "chunks")
}

// ResolveUploadDir computes the owner-isolated upload directory for a user.
func (c *Config) ResolveUploadDir(ownerID int64) string {
	return filepath.Join(c.resolveDataDir(), "uploads", "u"+strconv.FormatInt(ownerID, 10))
}
