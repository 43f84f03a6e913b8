// Copyright Brain Ingest Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 9090\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Ingest.ChunkSize != 3000 || cfg.Ingest.ChunkOverlap != 60 {
		t.Errorf("chunk defaults = %d/%d, want 3000/60", cfg.Ingest.ChunkSize, cfg.Ingest.ChunkOverlap)
	}
	if cfg.Ingest.WindowBytes != 1<<20 {
		t.Errorf("window bytes = %d, want 1MiB", cfg.Ingest.WindowBytes)
	}
	if cfg.Embedding.Dimensions != 1536 {
		t.Errorf("dimensions = %d, want 1536", cfg.Embedding.Dimensions)
	}
	if cfg.Embedding.Cooldown != time.Minute {
		t.Errorf("cooldown = %v, want 1m", cfg.Embedding.Cooldown)
	}
	if cfg.VectorStore.Type != "memory" || cfg.BlobStore.Type != "memory" || cfg.MetadataStore.Type != "memory" {
		t.Errorf("backend defaults = %q/%q/%q", cfg.VectorStore.Type, cfg.BlobStore.Type, cfg.MetadataStore.Type)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("MILVUS_ADDRESS", "milvus:19530")
	t.Setenv("BLOB_STORE_S3_BUCKET", "uploads")
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("LOG_LEVEL", "debug")

	path := writeConfig(t, "vector_store:\n  type: memory\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.VectorStore.Type != "milvus" || cfg.VectorStore.MilvusAddress != "milvus:19530" {
		t.Errorf("vector store = %+v", cfg.VectorStore)
	}
	if cfg.BlobStore.Type != "s3" || cfg.BlobStore.S3Bucket != "uploads" {
		t.Errorf("blob store = %+v", cfg.BlobStore)
	}
	if cfg.Auth.JWTSecret != "s3cret" {
		t.Errorf("jwt secret not applied")
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("log level = %q, want debug", cfg.Logging.Level)
	}
}

func TestLoad_Validation(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"overlap too large", "ingest:\n  chunk_size: 100\n  chunk_overlap: 100\n", "chunk_overlap"},
		{"milvus without address", "vector_store:\n  type: milvus\n", "milvus_address"},
		{"pgvector without dsn", "vector_store:\n  type: pgvector\n", "postgres_dsn"},
		{"s3 without bucket", "blob_store:\n  type: s3\n", "s3_bucket"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Server.Host != "0.0.0.0" || cfg.Server.Port != 8080 {
		t.Errorf("server defaults = %+v", cfg.Server)
	}
	if cfg.Ingest.DefaultBrain != "default" {
		t.Errorf("default brain = %q", cfg.Ingest.DefaultBrain)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}
