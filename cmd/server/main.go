// Copyright Brain Ingest Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	httpAdapter "github.com/leseb/brainingest/pkg/adapters/http"
	"github.com/leseb/brainingest/pkg/blobstore"
	"github.com/leseb/brainingest/pkg/core/config"
	"github.com/leseb/brainingest/pkg/core/state"
	"github.com/leseb/brainingest/pkg/embedding"
	"github.com/leseb/brainingest/pkg/extractor"
	"github.com/leseb/brainingest/pkg/ingest"
	"github.com/leseb/brainingest/pkg/observability/logging"
	"github.com/leseb/brainingest/pkg/progress"
	"github.com/leseb/brainingest/pkg/provider"
	"github.com/leseb/brainingest/pkg/quota"
	"github.com/leseb/brainingest/pkg/vectorstore"

	// Backends register themselves with their registries.
	_ "github.com/leseb/brainingest/pkg/blobstore/filesystem"
	_ "github.com/leseb/brainingest/pkg/blobstore/memory"
	_ "github.com/leseb/brainingest/pkg/blobstore/s3"
	_ "github.com/leseb/brainingest/pkg/storage/memory"
	_ "github.com/leseb/brainingest/pkg/storage/postgres"
	_ "github.com/leseb/brainingest/pkg/storage/sqlite"
	_ "github.com/leseb/brainingest/pkg/vectorstore/memory"
	_ "github.com/leseb/brainingest/pkg/vectorstore/milvus"
	_ "github.com/leseb/brainingest/pkg/vectorstore/pgvector"
)

var (
	// Version is set via ldflags during build
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	port := flag.Int("port", 0, "HTTP port to listen on (overrides config)")
	version := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *version {
		fmt.Printf("Brain Ingest Server\nVersion: %s\nBuild Time: %s\n", Version, BuildTime)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		// If config file doesn't exist, use defaults
		cfg = config.Default()
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}

	logger := logging.New(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		logger.Warn("Failed to load config, using defaults", "path", *configPath, "error", err)
	}
	logger.Info("Starting Brain Ingest Server",
		"version", Version,
		"build_time", BuildTime)

	if err := run(cfg, logger); err != nil {
		logger.Error("Server failed", "error", err)
		os.Exit(1)
	}
	logger.Info("Server stopped gracefully")
}

func run(cfg *config.Config, logger *logging.Logger) error {
	initCtx := context.Background()

	records, err := state.Providers.New(initCtx, cfg.MetadataStore.Type, provider.Params{
		"dsn":                 cfg.MetadataStore.DSN,
		"default_limit_bytes": strconv.FormatInt(cfg.Quota.DefaultLimitBytes, 10),
	})
	if err != nil {
		return err
	}
	defer records.Close()
	logger.Info("Initialized metadata store", "type", cfg.MetadataStore.Type)

	blobs, err := blobstore.Providers.New(initCtx, cfg.BlobStore.Type, provider.Params{
		"base_dir":   cfg.BlobStore.BaseDir,
		"bucket":     cfg.BlobStore.S3Bucket,
		"region":     cfg.BlobStore.S3Region,
		"prefix":     cfg.BlobStore.S3Prefix,
		"endpoint":   cfg.BlobStore.S3Endpoint,
		"access_key": cfg.BlobStore.AccessKey,
		"secret_key": cfg.BlobStore.SecretKey,
		"timeout":    cfg.BlobStore.Timeout.String(),
	})
	if err != nil {
		return err
	}
	defer blobs.Close()
	logger.Info("Initialized blob store", "type", cfg.BlobStore.Type)

	index, err := vectorstore.Providers.New(initCtx, cfg.VectorStore.Type, provider.Params{
		"address": cfg.VectorStore.MilvusAddress,
		"dsn":     cfg.VectorStore.PostgresDSN,
	})
	if err != nil {
		return err
	}
	defer index.Close(context.Background())
	logger.Info("Initialized vector store backend", "type", cfg.VectorStore.Type)

	metric, err := vectorstore.ParseMetric(cfg.VectorStore.Metric)
	if err != nil {
		return err
	}

	embedder := newEmbedder(cfg.Embedding, logger)

	broker := progress.NewBroker(64)
	defer broker.Close()

	svc, err := ingest.New(ingest.Deps{
		Records:  records,
		Blobs:    blobs,
		Quota:    quota.New(records, quota.WithLogger(logger.Logger)),
		Formats:  extractor.NewRegistry(),
		Embedder: embedder,
		Writer: vectorstore.NewWriter(index, vectorstore.WriterOptions{
			BatchSize:   cfg.VectorStore.BatchSize,
			MaxAttempts: cfg.VectorStore.MaxAttempts,
			Timeout:     cfg.VectorStore.Timeout,
			Logger:      logger.Logger,
		}),
	}, ingest.Options{
		ChunkSize:          cfg.Ingest.ChunkSize,
		ChunkOverlap:       cfg.Ingest.ChunkOverlap,
		WindowBytes:        cfg.Ingest.WindowBytes,
		EmbedBatchSize:     cfg.Ingest.EmbedBatchSize,
		MaxConcurrentFiles: cfg.Ingest.MaxConcurrentFiles,
		Metric:             metric,
		CollectionPrefix:   cfg.VectorStore.CollectionPrefix,
		DefaultBrain:       cfg.Ingest.DefaultBrain,
	},
		ingest.WithLogger(logger.Logger),
		ingest.WithProgress(progress.Multi(broker, progress.LogPublisher{Logger: logger.Logger})),
	)
	if err != nil {
		return err
	}
	defer svc.Close()

	handler := httpAdapter.New(svc, broker, logger, httpAdapter.Options{
		JWTSecret:       cfg.Auth.JWTSecret,
		DefaultBrain:    cfg.Ingest.DefaultBrain,
		MaxRequestBytes: cfg.Server.MaxRequestBytes,
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:        addr,
		Handler:     handler,
		ReadTimeout: cfg.Server.Timeout,
		// Uploads and the progress stream outlive any fixed write deadline.
		IdleTimeout: 120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Server listening", "address", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	// Closing the broker ends open progress streams so Shutdown can drain.
	broker.Close()
	return srv.Shutdown(shutdownCtx)
}

// newEmbedder builds the embedding service. Without an endpoint every
// vector is a hash vector, which keeps ingestion working offline.
func newEmbedder(cfg config.EmbeddingConfig, logger *logging.Logger) *embedding.Service {
	var p embedding.Provider
	if cfg.Endpoint != "" {
		p = embedding.NewOpenAIProvider(cfg.Endpoint, cfg.APIKey, cfg.Model, cfg.Dimensions)
		if cfg.CacheSize > 0 {
			p = embedding.NewCachedProvider(p, cfg.CacheSize, cfg.CacheTTL)
		}
		logger.Info("Initialized embedding client", "endpoint", cfg.Endpoint, "model", cfg.Model)
	} else {
		logger.Warn("No embedding endpoint configured, using hash vectors")
	}
	return embedding.NewService(p, cfg.Dimensions,
		embedding.WithTimeout(cfg.Timeout),
		embedding.WithCooldown(cfg.Cooldown),
		embedding.WithLogger(logger.Logger),
	)
}
