// Copyright Brain Ingest Authors
// SPDX-License-Identifier: Apache-2.0

package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/leseb/brainingest/pkg/provider"
)

// Providers is the registry of vector index backend implementations.
// Import implementation packages with blank imports to register them:
//
//	import _ "github.com/leseb/brainingest/pkg/vectorstore/memory"
//	import _ "github.com/leseb/brainingest/pkg/vectorstore/milvus"
//	import _ "github.com/leseb/brainingest/pkg/vectorstore/pgvector"
var Providers = provider.NewRegistry[Index]("vector_store")

var (
	// ErrCollectionNotFound is returned when writing to a collection that
	// was never created.
	ErrCollectionNotFound = errors.New("collection not found")
	// ErrCollectionMismatch is returned by EnsureCollection when the
	// collection exists with a different dimension or metric.
	ErrCollectionMismatch = errors.New("collection exists with different parameters")
	// ErrInvalidPoint marks a point the index can never accept, such as a
	// wrong vector length. Writes failing with it are not retried.
	ErrInvalidPoint = errors.New("invalid point")
)

// Metric is the distance function of a collection.
type Metric string

const (
	MetricCosine Metric = "cosine"
	MetricL2     Metric = "l2"
	MetricIP     Metric = "ip"
)

// ParseMetric validates a configured metric name.
func ParseMetric(s string) (Metric, error) {
	switch m := Metric(strings.ToLower(s)); m {
	case MetricCosine, MetricL2, MetricIP:
		return m, nil
	case "":
		return MetricCosine, nil
	default:
		return "", fmt.Errorf("unknown distance metric %q", s)
	}
}

// Payload is the metadata stored with every vector.
type Payload struct {
	FileID     string `json:"file_id"`
	ChunkIndex int    `json:"chunk_index"`
	Text       string `json:"text"`
	Filename   string `json:"filename"`
	MimeType   string `json:"mimetype"`
	StorageKey string `json:"storage_key"`
	OwnerID    string `json:"owner_id"`
	BrainID    string `json:"brain_id"`
}

// Point is a vector with its payload.
type Point struct {
	ID      string
	Vector  []float32
	Payload Payload
}

// ScoredPoint is a search hit. Higher scores are closer.
type ScoredPoint struct {
	Point
	Score float64
}

// Filter restricts Scroll, Search and deletes by payload fields. Empty
// fields match everything.
type Filter struct {
	FileID   string
	Filename string
	OwnerID  string
}

// Match reports whether p satisfies the filter.
func (f Filter) Match(p Payload) bool {
	return (f.FileID == "" || f.FileID == p.FileID) &&
		(f.Filename == "" || f.Filename == p.Filename) &&
		(f.OwnerID == "" || f.OwnerID == p.OwnerID)
}

// Index is the external vector store.
type Index interface {
	// EnsureCollection creates the collection with its vector index and the
	// secondary lookup indexes on file id and filename. It is a no-op when
	// the collection already exists with the same dimension and metric.
	EnsureCollection(ctx context.Context, name string, dim int, metric Metric) error

	// Upsert writes points, replacing any with the same ID. A batch is
	// accepted or rejected as a whole.
	Upsert(ctx context.Context, collection string, points []Point) error

	// DeleteByFile removes every point of a file. Missing collections are
	// not an error.
	DeleteByFile(ctx context.Context, collection, fileID string) error

	// Scroll lists points matching filter ordered by file id and chunk
	// index. Backends may omit vectors.
	Scroll(ctx context.Context, collection string, filter Filter, limit int) ([]Point, error)

	// Search returns the topK points closest to vector that match filter.
	Search(ctx context.Context, collection string, vector []float32, filter Filter, topK int) ([]ScoredPoint, error)

	// Close releases any resources held by the backend.
	Close(ctx context.Context) error
}

var invalidNameChars = regexp.MustCompile(`[^a-z0-9_]+`)

// CollectionName derives a collection name from a brain id. The result
// starts with prefix and contains only [a-z0-9_], which every backend
// accepts as an identifier.
func CollectionName(prefix, brainID string) string {
	name := invalidNameChars.ReplaceAllString(strings.ToLower(brainID), "_")
	if name == "" {
		name = "default"
	}
	prefix = invalidNameChars.ReplaceAllString(strings.ToLower(prefix), "_")
	if prefix == "" || (prefix[0] >= '0' && prefix[0] <= '9') {
		prefix = "c_" + prefix
	}
	return prefix + name
}

// ValidatePoint checks a point against the collection dimension.
func ValidatePoint(p Point, dim int) error {
	if p.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidPoint)
	}
	if len(p.Vector) != dim {
		return fmt.Errorf("%w: point %s has %d dimensions, collection has %d", ErrInvalidPoint, p.ID, len(p.Vector), dim)
	}
	for _, v := range p.Vector {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return fmt.Errorf("%w: point %s has a non-finite component", ErrInvalidPoint, p.ID)
		}
	}
	return nil
}
