// Copyright Brain Ingest Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the main configuration
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Auth          AuthConfig          `yaml:"auth"`
	Logging       LoggingConfig       `yaml:"logging"`
	Ingest        IngestConfig        `yaml:"ingest"`
	Quota         QuotaConfig         `yaml:"quota"`
	Embedding     EmbeddingConfig     `yaml:"embedding"`
	VectorStore   VectorStoreConfig   `yaml:"vector_store"`
	BlobStore     BlobStoreConfig     `yaml:"blob_store"`
	MetadataStore MetadataStoreConfig `yaml:"metadata_store"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Timeout         time.Duration `yaml:"timeout"`
	MaxRequestBytes int64         `yaml:"max_request_bytes"` // 0 disables the limit
}

// AuthConfig controls owner identity resolution.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"` // empty: trust X-Owner-ID
}

// LoggingConfig mirrors logging.Config.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// IngestConfig tunes the per-file pipeline.
type IngestConfig struct {
	ChunkSize          int    `yaml:"chunk_size"`
	ChunkOverlap       int    `yaml:"chunk_overlap"`
	WindowBytes        int    `yaml:"window_bytes"`
	EmbedBatchSize     int    `yaml:"embed_batch_size"`
	MaxConcurrentFiles int    `yaml:"max_concurrent_files"`
	DefaultBrain       string `yaml:"default_brain"`
}

// QuotaConfig sets the byte budget given to owners without an explicit limit.
type QuotaConfig struct {
	DefaultLimitBytes int64 `yaml:"default_limit_bytes"`
}

// EmbeddingConfig contains embedding service configuration
type EmbeddingConfig struct {
	Endpoint   string        `yaml:"endpoint"` // e.g. "https://api.openai.com/v1"
	APIKey     string        `yaml:"api_key"`
	Model      string        `yaml:"model"`      // e.g. "text-embedding-3-small"
	Dimensions int           `yaml:"dimensions"` // default 1536
	Timeout    time.Duration `yaml:"timeout"`
	Cooldown   time.Duration `yaml:"cooldown"`
	CacheSize  int           `yaml:"cache_size"` // 0 disables the cache
	CacheTTL   time.Duration `yaml:"cache_ttl"`
}

// VectorStoreConfig contains vector store backend configuration
type VectorStoreConfig struct {
	Type             string        `yaml:"type"`           // "memory" (default), "milvus" or "pgvector"
	MilvusAddress    string        `yaml:"milvus_address"` // e.g. "localhost:19530"
	PostgresDSN      string        `yaml:"postgres_dsn"`
	Metric           string        `yaml:"metric"` // "cosine", "l2" or "ip"
	CollectionPrefix string        `yaml:"collection_prefix"`
	BatchSize        int           `yaml:"batch_size"`
	MaxAttempts      int           `yaml:"max_attempts"`
	Timeout          time.Duration `yaml:"timeout"`
}

// BlobStoreConfig contains object storage configuration
type BlobStoreConfig struct {
	Type       string        `yaml:"type"` // "memory" (default), "filesystem" or "s3"
	BaseDir    string        `yaml:"base_dir"`
	S3Bucket   string        `yaml:"s3_bucket"`
	S3Region   string        `yaml:"s3_region"`
	S3Prefix   string        `yaml:"s3_prefix"`
	S3Endpoint string        `yaml:"s3_endpoint"` // MinIO or other S3-compatible endpoint
	AccessKey  string        `yaml:"access_key"`
	SecretKey  string        `yaml:"secret_key"`
	Timeout    time.Duration `yaml:"timeout"`
}

// MetadataStoreConfig selects the FileRecord and quota store.
type MetadataStoreConfig struct {
	Type string `yaml:"type"` // "memory" (default), "sqlite" or "postgres"
	DSN  string `yaml:"dsn"`
}

// Load loads configuration from a YAML file. A .env file in the working
// directory is loaded first when present; environment variables override
// values from the file.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyEnv(&cfg)
	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns default configuration
func Default() *Config {
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Host:    "0.0.0.0",
			Port:    8080,
			Timeout: 60 * time.Second,
		},
	}
	applyEnv(cfg)
	applyDefaults(cfg)
	return cfg
}

// Validate rejects settings the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.Ingest.ChunkOverlap >= c.Ingest.ChunkSize {
		return fmt.Errorf("ingest.chunk_overlap (%d) must be smaller than ingest.chunk_size (%d)",
			c.Ingest.ChunkOverlap, c.Ingest.ChunkSize)
	}
	if c.Embedding.Dimensions <= 0 {
		return errors.New("embedding.dimensions must be positive")
	}
	switch c.VectorStore.Type {
	case "milvus":
		if c.VectorStore.MilvusAddress == "" {
			return errors.New("vector_store.milvus_address is required for milvus")
		}
	case "pgvector":
		if c.VectorStore.PostgresDSN == "" {
			return errors.New("vector_store.postgres_dsn is required for pgvector")
		}
	}
	if c.BlobStore.Type == "s3" && c.BlobStore.S3Bucket == "" {
		return errors.New("blob_store.s3_bucket is required for s3")
	}
	return nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("EMBEDDING_ENDPOINT"); v != "" {
		cfg.Embedding.Endpoint = v
	}
	if v := os.Getenv("EMBEDDING_API_KEY"); v != "" {
		cfg.Embedding.APIKey = v
	}
	if v := os.Getenv("EMBEDDING_MODEL"); v != "" {
		cfg.Embedding.Model = v
	}
	if v := os.Getenv("EMBEDDING_DIMENSIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Embedding.Dimensions = n
		}
	}

	if v := os.Getenv("MILVUS_ADDRESS"); v != "" {
		cfg.VectorStore.MilvusAddress = v
		cfg.VectorStore.Type = "milvus"
	}
	if v := os.Getenv("PGVECTOR_DSN"); v != "" {
		cfg.VectorStore.PostgresDSN = v
		cfg.VectorStore.Type = "pgvector"
	}

	if v := os.Getenv("BLOB_STORE_S3_BUCKET"); v != "" {
		cfg.BlobStore.S3Bucket = v
		cfg.BlobStore.Type = "s3"
	}
	if v := os.Getenv("BLOB_STORE_S3_ENDPOINT"); v != "" {
		cfg.BlobStore.S3Endpoint = v
	}

	if v := os.Getenv("METADATA_DSN"); v != "" {
		cfg.MetadataStore.DSN = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

func applyDefaults(cfg *Config) {
	applyServerDefaults(&cfg.Server)
	applyLoggingDefaults(&cfg.Logging)
	applyIngestDefaults(&cfg.Ingest)
	applyQuotaDefaults(&cfg.Quota)
	applyEmbeddingDefaults(&cfg.Embedding)
	applyVectorStoreDefaults(&cfg.VectorStore)
	applyBlobStoreDefaults(&cfg.BlobStore)
	applyMetadataStoreDefaults(&cfg.MetadataStore)
}

func applyServerDefaults(cfg *ServerConfig) {
	if cfg.Host == "" {
		cfg.Host = "0.0.0.0"
	}
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "info"
	}
	if cfg.Format == "" {
		cfg.Format = "text"
	}
}

func applyIngestDefaults(cfg *IngestConfig) {
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = 3000
	}
	if cfg.ChunkOverlap == 0 {
		cfg.ChunkOverlap = 60
	}
	if cfg.WindowBytes == 0 {
		cfg.WindowBytes = 1 << 20
	}
	if cfg.EmbedBatchSize == 0 {
		cfg.EmbedBatchSize = 16
	}
	if cfg.MaxConcurrentFiles == 0 {
		cfg.MaxConcurrentFiles = 4
	}
	if cfg.DefaultBrain == "" {
		cfg.DefaultBrain = "default"
	}
}

func applyQuotaDefaults(cfg *QuotaConfig) {
	if cfg.DefaultLimitBytes == 0 {
		cfg.DefaultLimitBytes = 1 << 30
	}
}

func applyEmbeddingDefaults(cfg *EmbeddingConfig) {
	if cfg.Model == "" {
		cfg.Model = "text-embedding-3-small"
	}
	if cfg.Dimensions == 0 {
		cfg.Dimensions = 1536
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Cooldown == 0 {
		cfg.Cooldown = 60 * time.Second
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = time.Hour
	}
}

func applyVectorStoreDefaults(cfg *VectorStoreConfig) {
	if cfg.Type == "" {
		cfg.Type = "memory"
	}
	if cfg.Metric == "" {
		cfg.Metric = "cosine"
	}
	if cfg.CollectionPrefix == "" {
		cfg.CollectionPrefix = "brain_"
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 64
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 20 * time.Second
	}
}

func applyBlobStoreDefaults(cfg *BlobStoreConfig) {
	if cfg.Type == "" {
		cfg.Type = "memory"
	}
	if cfg.BaseDir == "" {
		cfg.BaseDir = "./data/blobs"
	}
	if cfg.S3Region == "" {
		cfg.S3Region = "us-east-1"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
}

func applyMetadataStoreDefaults(cfg *MetadataStoreConfig) {
	if cfg.Type == "" {
		cfg.Type = "memory"
	}
	if cfg.Type == "sqlite" && cfg.DSN == "" {
		cfg.DSN = "./data/brainingest.db"
	}
}
