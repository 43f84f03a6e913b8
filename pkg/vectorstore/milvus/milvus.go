// Copyright Brain Ingest Authors
// SPDX-License-Identifier: Apache-2.0

package milvus

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/leseb/brainingest/pkg/provider"
	"github.com/leseb/brainingest/pkg/vectorstore"
	milvusclient "github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
)

func init() {
	vectorstore.Providers.Register("milvus", func(ctx context.Context, params provider.Params) (vectorstore.Index, error) {
		address := params.String("address", "")
		if address == "" {
			return nil, fmt.Errorf("milvus vector store requires an address")
		}
		return NewBackend(ctx, address)
	})
}

// compile-time check
var _ vectorstore.Index = (*Backend)(nil)

const (
	fieldID         = "id"
	fieldFileID     = "file_id"
	fieldChunkIndex = "chunk_index"
	fieldFilename   = "filename"
	fieldMimeType   = "mimetype"
	fieldStorageKey = "storage_key"
	fieldOwnerID    = "owner_id"
	fieldBrainID    = "brain_id"
	fieldContent    = "content"
	fieldEmbedding  = "embedding"

	maxContentLength = 65535
	maxIDLength      = 64
	maxRefLength     = 256
	maxNameLength    = 1024
)

var payloadFields = []string{
	fieldID, fieldFileID, fieldChunkIndex, fieldFilename, fieldMimeType,
	fieldStorageKey, fieldOwnerID, fieldBrainID, fieldContent,
}

// Backend implements vectorstore.Index using Milvus. One Milvus collection
// is created per brain.
type Backend struct {
	client milvusclient.Client

	mu      sync.RWMutex
	schemas map[string]collectionInfo
}

type collectionInfo struct {
	dim    int
	metric entity.MetricType
}

// NewBackend connects to Milvus and returns a Backend.
func NewBackend(ctx context.Context, address string) (*Backend, error) {
	c, err := milvusclient.NewClient(ctx, milvusclient.Config{
		Address: address,
	})
	if err != nil {
		return nil, fmt.Errorf("milvus connect %s: %w", address, err)
	}
	return &Backend{client: c, schemas: make(map[string]collectionInfo)}, nil
}

func metricType(m vectorstore.Metric) entity.MetricType {
	switch m {
	case vectorstore.MetricL2:
		return entity.L2
	case vectorstore.MetricIP:
		return entity.IP
	default:
		return entity.COSINE
	}
}

// EnsureCollection creates a Milvus collection with an HNSW index on the
// vector field and scalar indexes on file_id and filename, then loads it.
// An existing collection is checked against dim and metric.
func (b *Backend) EnsureCollection(ctx context.Context, coll string, dim int, metric vectorstore.Metric) error {
	mt := metricType(metric)

	exists, err := b.client.HasCollection(ctx, coll)
	if err != nil {
		return fmt.Errorf("check collection %s: %w", coll, err)
	}
	if exists {
		info, err := b.describe(ctx, coll)
		if err != nil {
			return err
		}
		if info.dim != dim || (info.metric != "" && !strings.EqualFold(string(info.metric), string(mt))) {
			return fmt.Errorf("%w: %s has dim=%d metric=%s, requested dim=%d metric=%s",
				vectorstore.ErrCollectionMismatch, coll, info.dim, info.metric, dim, mt)
		}
		// A previous run may have stopped between creating and loading.
		if err := ensureIndexes(ctx, b.client, coll, mt); err != nil {
			return err
		}
		b.remember(coll, collectionInfo{dim: dim, metric: mt})
		return nil
	}

	schema := entity.NewSchema().
		WithName(coll).
		WithField(entity.NewField().
			WithName(fieldID).
			WithDataType(entity.FieldTypeVarChar).
			WithMaxLength(maxIDLength).
			WithIsPrimaryKey(true)).
		WithField(varchar(fieldFileID, maxRefLength)).
		WithField(entity.NewField().
			WithName(fieldChunkIndex).
			WithDataType(entity.FieldTypeInt64)).
		WithField(varchar(fieldFilename, maxNameLength)).
		WithField(varchar(fieldMimeType, maxRefLength)).
		WithField(varchar(fieldStorageKey, maxNameLength)).
		WithField(varchar(fieldOwnerID, maxRefLength)).
		WithField(varchar(fieldBrainID, maxRefLength)).
		WithField(varchar(fieldContent, maxContentLength)).
		WithField(entity.NewField().
			WithName(fieldEmbedding).
			WithDataType(entity.FieldTypeFloatVector).
			WithDim(int64(dim)))

	if err := b.client.CreateCollection(ctx, schema, 1); err != nil {
		return fmt.Errorf("create collection %s: %w", coll, err)
	}

	if err := ensureIndexes(ctx, b.client, coll, mt); err != nil {
		return err
	}

	b.remember(coll, collectionInfo{dim: dim, metric: mt})
	return nil
}

// indexer is the part of the Milvus client that builds and loads indexes.
type indexer interface {
	DescribeIndex(ctx context.Context, collName string, fieldName string, opts ...milvusclient.IndexOption) ([]entity.Index, error)
	CreateIndex(ctx context.Context, collName string, fieldName string, idx entity.Index, async bool, opts ...milvusclient.IndexOption) error
	LoadCollection(ctx context.Context, collName string, async bool, opts ...milvusclient.LoadCollectionOption) error
}

// ensureIndexes creates whichever of the HNSW, file_id and filename indexes
// are missing on coll and then loads it. Calling it again is a no-op apart
// from the load.
func ensureIndexes(ctx context.Context, c indexer, coll string, mt entity.MetricType) error {
	hnsw, err := entity.NewIndexHNSW(mt, 16, 200)
	if err != nil {
		return fmt.Errorf("create HNSW index params: %w", err)
	}
	wanted := []struct {
		field string
		idx   entity.Index
	}{
		{fieldEmbedding, hnsw},
		{fieldFileID, entity.NewScalarIndex()},
		{fieldFilename, entity.NewScalarIndex()},
	}
	for _, w := range wanted {
		// Milvus reports a missing index as an error.
		if idxs, err := c.DescribeIndex(ctx, coll, w.field); err == nil && len(idxs) > 0 {
			continue
		}
		if err := c.CreateIndex(ctx, coll, w.field, w.idx, false); err != nil {
			return fmt.Errorf("create %s index on %s: %w", w.field, coll, err)
		}
	}
	if err := c.LoadCollection(ctx, coll, false); err != nil {
		return fmt.Errorf("load collection %s: %w", coll, err)
	}
	return nil
}

func varchar(name string, maxLen int64) *entity.Field {
	return entity.NewField().
		WithName(name).
		WithDataType(entity.FieldTypeVarChar).
		WithMaxLength(maxLen)
}

func (b *Backend) describe(ctx context.Context, coll string) (collectionInfo, error) {
	c, err := b.client.DescribeCollection(ctx, coll)
	if err != nil {
		return collectionInfo{}, fmt.Errorf("describe collection %s: %w", coll, err)
	}
	var info collectionInfo
	for _, f := range c.Schema.Fields {
		if f.Name == fieldEmbedding {
			info.dim, _ = strconv.Atoi(f.TypeParams[entity.TypeParamDim])
		}
	}
	// Without a vector index the metric stays empty and is not compared.
	if idxs, err := b.client.DescribeIndex(ctx, coll, fieldEmbedding); err == nil && len(idxs) > 0 {
		info.metric = entity.MetricType(idxs[0].Params()["metric_type"])
	}
	return info, nil
}

func (b *Backend) remember(coll string, info collectionInfo) {
	b.mu.Lock()
	b.schemas[coll] = info
	b.mu.Unlock()
}

func (b *Backend) info(coll string) (collectionInfo, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	info, ok := b.schemas[coll]
	return info, ok
}

// Upsert writes points column-wise. Points are validated against the known
// collection dimension first so that a malformed point fails the batch
// with vectorstore.ErrInvalidPoint instead of a server error.
func (b *Backend) Upsert(ctx context.Context, coll string, points []vectorstore.Point) error {
	if len(points) == 0 {
		return nil
	}

	info, ok := b.info(coll)
	if !ok {
		var err error
		if info, err = b.describe(ctx, coll); err != nil {
			return fmt.Errorf("%w: %s: %w", vectorstore.ErrCollectionNotFound, coll, err)
		}
		b.remember(coll, info)
	}

	n := len(points)
	ids := make([]string, n)
	fileIDs := make([]string, n)
	chunkIdx := make([]int64, n)
	filenames := make([]string, n)
	mimeTypes := make([]string, n)
	keys := make([]string, n)
	owners := make([]string, n)
	brains := make([]string, n)
	contents := make([]string, n)
	vectors := make([][]float32, n)

	for i, p := range points {
		if err := vectorstore.ValidatePoint(p, info.dim); err != nil {
			return err
		}
		ids[i] = p.ID
		fileIDs[i] = p.Payload.FileID
		chunkIdx[i] = int64(p.Payload.ChunkIndex)
		filenames[i] = truncate(p.Payload.Filename, maxNameLength)
		mimeTypes[i] = truncate(p.Payload.MimeType, maxRefLength)
		keys[i] = truncate(p.Payload.StorageKey, maxNameLength)
		owners[i] = p.Payload.OwnerID
		brains[i] = p.Payload.BrainID
		contents[i] = truncate(p.Payload.Text, maxContentLength)
		vectors[i] = p.Vector
	}

	_, err := b.client.Upsert(ctx, coll, "",
		entity.NewColumnVarChar(fieldID, ids),
		entity.NewColumnVarChar(fieldFileID, fileIDs),
		entity.NewColumnInt64(fieldChunkIndex, chunkIdx),
		entity.NewColumnVarChar(fieldFilename, filenames),
		entity.NewColumnVarChar(fieldMimeType, mimeTypes),
		entity.NewColumnVarChar(fieldStorageKey, keys),
		entity.NewColumnVarChar(fieldOwnerID, owners),
		entity.NewColumnVarChar(fieldBrainID, brains),
		entity.NewColumnVarChar(fieldContent, contents),
		entity.NewColumnFloatVector(fieldEmbedding, info.dim, vectors),
	)
	if err != nil {
		return fmt.Errorf("upsert into %s: %w", coll, err)
	}

	if err := b.client.Flush(ctx, coll, false); err != nil {
		return fmt.Errorf("flush %s: %w", coll, err)
	}
	return nil
}

// DeleteByFile removes all points for a given file.
func (b *Backend) DeleteByFile(ctx context.Context, coll, fileID string) error {
	exists, err := b.client.HasCollection(ctx, coll)
	if err != nil {
		return fmt.Errorf("check collection %s: %w", coll, err)
	}
	if !exists {
		return nil
	}

	expr := fmt.Sprintf(`%s == "%s"`, fieldFileID, escapeExpr(fileID))
	if err := b.client.Delete(ctx, coll, "", expr); err != nil {
		return fmt.Errorf("delete file points from %s: %w", coll, err)
	}
	return nil
}

// Scroll queries payloads matching filter. Vectors are not returned.
func (b *Backend) Scroll(ctx context.Context, coll string, filter vectorstore.Filter, limit int) ([]vectorstore.Point, error) {
	exists, err := b.client.HasCollection(ctx, coll)
	if err != nil {
		return nil, fmt.Errorf("check collection %s: %w", coll, err)
	}
	if !exists {
		return nil, nil
	}

	expr := filterExpr(filter)
	if expr == "" {
		// Milvus rejects an unbounded query with an empty expression.
		expr = fieldChunkIndex + " >= 0"
	}
	var opts []milvusclient.SearchQueryOptionFunc
	if limit > 0 {
		opts = append(opts, milvusclient.WithLimit(int64(limit)))
	}

	rs, err := b.client.Query(ctx, coll, nil, expr, payloadFields, opts...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", coll, err)
	}

	idCol := rs.GetColumn(fieldID)
	if idCol == nil {
		return nil, nil
	}
	out := make([]vectorstore.Point, 0, idCol.Len())
	for i := 0; i < idCol.Len(); i++ {
		id, _ := idCol.GetAsString(i)
		out = append(out, vectorstore.Point{ID: id, Payload: payloadAt(rs.GetColumn, i)})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Payload.FileID != out[j].Payload.FileID {
			return out[i].Payload.FileID < out[j].Payload.FileID
		}
		return out[i].Payload.ChunkIndex < out[j].Payload.ChunkIndex
	})
	return out, nil
}

// Search performs a vector similarity search in the given collection.
func (b *Backend) Search(ctx context.Context, coll string, vector []float32, filter vectorstore.Filter, topK int) ([]vectorstore.ScoredPoint, error) {
	exists, err := b.client.HasCollection(ctx, coll)
	if err != nil {
		return nil, fmt.Errorf("check collection %s: %w", coll, err)
	}
	if !exists {
		return nil, nil
	}

	if topK <= 0 {
		topK = 10
	}
	mt := entity.COSINE
	if info, ok := b.info(coll); ok && info.metric != "" {
		mt = info.metric
	}

	sp, err := entity.NewIndexHNSWSearchParam(64)
	if err != nil {
		return nil, fmt.Errorf("create search params: %w", err)
	}

	results, err := b.client.Search(
		ctx,
		coll,
		nil,
		filterExpr(filter),
		payloadFields,
		[]entity.Vector{entity.FloatVector(vector)},
		fieldEmbedding,
		mt,
		topK,
		sp,
	)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", coll, err)
	}

	if len(results) == 0 {
		return nil, nil
	}

	sr := results[0]
	if sr.Err != nil {
		return nil, fmt.Errorf("search result error: %w", sr.Err)
	}

	out := make([]vectorstore.ScoredPoint, 0, sr.ResultCount)
	for i := 0; i < sr.ResultCount; i++ {
		id, _ := sr.IDs.GetAsString(i)
		score := float64(sr.Scores[i])
		if mt == entity.L2 {
			// Milvus reports L2 distance; callers expect higher is closer.
			score = -score
		}
		out = append(out, vectorstore.ScoredPoint{
			Point: vectorstore.Point{ID: id, Payload: payloadAt(sr.Fields.GetColumn, i)},
			Score: score,
		})
	}
	return out, nil
}

// Close releases the Milvus client connection.
func (b *Backend) Close(ctx context.Context) error {
	return b.client.Close()
}

func payloadAt(column func(string) entity.Column, i int) vectorstore.Payload {
	str := func(name string) string {
		col := column(name)
		if col == nil {
			return ""
		}
		s, _ := col.GetAsString(i)
		return s
	}
	var chunkIndex int64
	if col := column(fieldChunkIndex); col != nil {
		chunkIndex, _ = col.GetAsInt64(i)
	}
	return vectorstore.Payload{
		FileID:     str(fieldFileID),
		ChunkIndex: int(chunkIndex),
		Text:       str(fieldContent),
		Filename:   str(fieldFilename),
		MimeType:   str(fieldMimeType),
		StorageKey: str(fieldStorageKey),
		OwnerID:    str(fieldOwnerID),
		BrainID:    str(fieldBrainID),
	}
}

// filterExpr renders a Filter as a Milvus boolean expression.
func filterExpr(f vectorstore.Filter) string {
	var parts []string
	if f.FileID != "" {
		parts = append(parts, fmt.Sprintf(`%s == "%s"`, fieldFileID, escapeExpr(f.FileID)))
	}
	if f.Filename != "" {
		parts = append(parts, fmt.Sprintf(`%s == "%s"`, fieldFilename, escapeExpr(f.Filename)))
	}
	if f.OwnerID != "" {
		parts = append(parts, fmt.Sprintf(`%s == "%s"`, fieldOwnerID, escapeExpr(f.OwnerID)))
	}
	return strings.Join(parts, " && ")
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && n < len(s) && s[n]&0xC0 == 0x80 {
		n--
	}
	return s[:n]
}

// escapeExpr escapes backslashes and double quotes in a string for Milvus
// filter expressions.
func escapeExpr(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `"`, `\"`)
}
