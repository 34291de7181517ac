package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	Vector    VectorConfig
	Registry  RegistryConfig
	Redis     RedisConfig
	LLM       LLMConfig
	Embedding EmbeddingConfig
	Ingestion IngestionConfig
	Retrieval RetrievalConfig
	Prompt    PromptConfig
	Synthesis SynthesisConfig
	RateLimit RateLimitConfig
	Logging   LoggingConfig
}

type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  int
	WriteTimeout int
	BodyLimit    int
}

// VectorConfig selects the vector store backend: "memory", "zilliz" or "chroma".
type VectorConfig struct {
	Backend        string
	CollectionName string
	Zilliz         ZillizConfig
	Chroma         ChromaConfig
}

type ZillizConfig struct {
	Endpoint string
	APIKey   string
}

type ChromaConfig struct {
	URL string
}

// RegistryConfig selects the document registry backend: "memory", "sqlite" or "neo4j".
type RegistryConfig struct {
	Backend string
	SQLite  SQLiteConfig
	Neo4j   Neo4jConfig
}

type SQLiteConfig struct {
	Path string
}

type Neo4jConfig struct {
	URI      string
	Username string
	Password string
	Database string
}

type RedisConfig struct {
	Enabled    bool
	Host       string
	Port       int
	Password   string
	DB         int
	TTLMinutes int
}

type LLMConfig struct {
	Provider         string
	Model            string
	AlternativeModel string
	APIKey           string
	BaseURL          string
	Temperature      float32
	MaxTokens        int
	TimeoutSec       int
}

// EmbeddingConfig selects the embedder: "openai" or "hashing".
type EmbeddingConfig struct {
	Provider   string
	Model      string
	APIKey     string
	BaseURL    string
	Dimension  int
	BatchSize  int
	TimeoutSec int
}

type IngestionConfig struct {
	ChunkSize     int
	ChunkOverlap  int
	MaxFileSizeMB int
	Workers       int
	SeedDir       string
	WatchDir      string
}

type RetrievalConfig struct {
	DefaultSources      int
	MaxSources          int
	MaxPerDocument      int
	CandidateMultiplier int
	MinSimilarity       float64
}

type PromptConfig struct {
	HistoryBudgetChars int
	MaxHistoryTurns    int
	PreviewLength      int
	MaxQuestionChars   int
}

type SynthesisConfig struct {
	SpreadPenalty   float64
	HighThreshold   float64
	MediumThreshold float64
	FallbackAnswer  string
}

type RateLimitConfig struct {
	Enabled              bool
	MaxRequestsPerMinute int
}

type LoggingConfig struct {
	Level      string
	Format     string
	OutputPath string
}

func (c LLMConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

func (c EmbeddingConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

func (c RedisConfig) TTL() time.Duration {
	return time.Duration(c.TTLMinutes) * time.Minute
}

func (c IngestionConfig) MaxFileSize() int64 {
	return int64(c.MaxFileSizeMB) * 1024 * 1024
}

func Load() (*Config, error) {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/legal-rag")

	return load(v)
}

// LoadFile reads configuration from an explicit path, still honouring env overrides.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	return load(v)
}

func load(v *viper.Viper) (*Config, error) {
	v.SetEnvPrefix("LEGAL_RAG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func (c *Config) validate() error {
	if c.Embedding.Dimension <= 0 {
		return fmt.Errorf("embedding.dimension must be positive, got %d", c.Embedding.Dimension)
	}
	if c.Ingestion.ChunkSize <= 0 {
		return fmt.Errorf("ingestion.chunkSize must be positive, got %d", c.Ingestion.ChunkSize)
	}
	if c.Ingestion.ChunkOverlap < 0 || c.Ingestion.ChunkOverlap >= c.Ingestion.ChunkSize {
		return fmt.Errorf("ingestion.chunkOverlap must be in [0, chunkSize), got %d", c.Ingestion.ChunkOverlap)
	}
	if c.Retrieval.MaxSources < 1 {
		return fmt.Errorf("retrieval.maxSources must be at least 1, got %d", c.Retrieval.MaxSources)
	}
	// The in-memory index starts empty on every run, so a registry that
	// outlives the process would list documents with no index entries.
	if isMemory(c.Vector.Backend) && !isMemory(c.Registry.Backend) {
		return fmt.Errorf("registry.backend %q requires a persistent vector.backend, got %q",
			c.Registry.Backend, c.Vector.Backend)
	}
	if c.Synthesis.MediumThreshold > c.Synthesis.HighThreshold {
		return fmt.Errorf("synthesis.mediumThreshold (%.2f) exceeds highThreshold (%.2f)",
			c.Synthesis.MediumThreshold, c.Synthesis.HighThreshold)
	}
	return nil
}

func isMemory(backend string) bool {
	b := strings.ToLower(strings.TrimSpace(backend))
	return b == "" || b == "memory"
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.readTimeout", 60)
	v.SetDefault("server.writeTimeout", 120)
	v.SetDefault("server.bodyLimit", 104857600)

	v.SetDefault("vector.backend", "memory")
	v.SetDefault("vector.collectionName", "legal_documents")
	v.SetDefault("vector.zilliz.endpoint", "localhost:19530")
	v.SetDefault("vector.zilliz.apiKey", "")
	v.SetDefault("vector.chroma.url", "http://localhost:8001")

	v.SetDefault("registry.backend", "memory")
	v.SetDefault("registry.sqlite.path", "./data/registry.db")
	v.SetDefault("registry.neo4j.uri", "bolt://localhost:7687")
	v.SetDefault("registry.neo4j.username", "neo4j")
	v.SetDefault("registry.neo4j.password", "password")
	v.SetDefault("registry.neo4j.database", "neo4j")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.ttlMinutes", 1440)

	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.alternativeModel", "")
	v.SetDefault("llm.apiKey", "")
	v.SetDefault("llm.baseURL", "")
	v.SetDefault("llm.temperature", 0.1)
	v.SetDefault("llm.maxTokens", 1000)
	v.SetDefault("llm.timeoutSec", 60)

	v.SetDefault("embedding.provider", "hashing")
	v.SetDefault("embedding.model", "text-embedding-3-small")
	v.SetDefault("embedding.apiKey", "")
	v.SetDefault("embedding.baseURL", "")
	v.SetDefault("embedding.dimension", 384)
	v.SetDefault("embedding.batchSize", 64)
	v.SetDefault("embedding.timeoutSec", 30)

	v.SetDefault("ingestion.chunkSize", 1000)
	v.SetDefault("ingestion.chunkOverlap", 200)
	v.SetDefault("ingestion.maxFileSizeMB", 50)
	v.SetDefault("ingestion.workers", 4)
	v.SetDefault("ingestion.seedDir", "")
	v.SetDefault("ingestion.watchDir", "")

	v.SetDefault("retrieval.defaultSources", 5)
	v.SetDefault("retrieval.maxSources", 10)
	v.SetDefault("retrieval.maxPerDocument", 2)
	v.SetDefault("retrieval.candidateMultiplier", 4)
	v.SetDefault("retrieval.minSimilarity", 0.0)

	v.SetDefault("prompt.historyBudgetChars", 2000)
	v.SetDefault("prompt.maxHistoryTurns", 0)
	v.SetDefault("prompt.previewLength", 200)
	v.SetDefault("prompt.maxQuestionChars", 4000)

	v.SetDefault("synthesis.spreadPenalty", 2.0)
	v.SetDefault("synthesis.highThreshold", 0.70)
	v.SetDefault("synthesis.mediumThreshold", 0.50)
	v.SetDefault("synthesis.fallbackAnswer",
		"The language model did not respond. Please try again later; the retrieved sources are listed below.")

	v.SetDefault("ratelimit.enabled", true)
	v.SetDefault("ratelimit.maxRequestsPerMinute", 120)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.outputPath", "stdout")
}
