// Copyright Brain Ingest Authors
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/leseb/brainingest/pkg/provider"
	"github.com/leseb/brainingest/pkg/vectorstore"
)

func init() {
	vectorstore.Providers.Register("memory", func(_ context.Context, _ provider.Params) (vectorstore.Index, error) {
		return New(), nil
	})
}

// compile-time check
var _ vectorstore.Index = (*Index)(nil)

type collection struct {
	dim    int
	metric vectorstore.Metric
	points map[string]vectorstore.Point
}

// Index is an in-process vectorstore.Index using exact search. It is meant
// for development and tests.
type Index struct {
	mu          sync.RWMutex
	collections map[string]*collection
}

// New creates an empty Index.
func New() *Index {
	return &Index{collections: make(map[string]*collection)}
}

// EnsureCollection creates the collection or verifies its parameters.
func (x *Index) EnsureCollection(_ context.Context, name string, dim int, metric vectorstore.Metric) error {
	if dim <= 0 {
		return fmt.Errorf("collection %s: dimension must be positive", name)
	}
	x.mu.Lock()
	defer x.mu.Unlock()

	if c, ok := x.collections[name]; ok {
		if c.dim != dim || c.metric != metric {
			return fmt.Errorf("%w: %s has dim=%d metric=%s, requested dim=%d metric=%s",
				vectorstore.ErrCollectionMismatch, name, c.dim, c.metric, dim, metric)
		}
		return nil
	}
	x.collections[name] = &collection{
		dim:    dim,
		metric: metric,
		points: make(map[string]vectorstore.Point),
	}
	return nil
}

// Upsert validates every point first and writes none if any is invalid.
func (x *Index) Upsert(_ context.Context, name string, points []vectorstore.Point) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	c, ok := x.collections[name]
	if !ok {
		return fmt.Errorf("%w: %s", vectorstore.ErrCollectionNotFound, name)
	}
	for _, p := range points {
		if err := vectorstore.ValidatePoint(p, c.dim); err != nil {
			return err
		}
	}
	for _, p := range points {
		cp := p
		cp.Vector = append([]float32(nil), p.Vector...)
		c.points[p.ID] = cp
	}
	return nil
}

// DeleteByFile removes every point of fileID.
func (x *Index) DeleteByFile(_ context.Context, name, fileID string) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	c, ok := x.collections[name]
	if !ok {
		return nil
	}
	for id, p := range c.points {
		if p.Payload.FileID == fileID {
			delete(c.points, id)
		}
	}
	return nil
}

// Scroll returns matching points ordered by file id and chunk index.
func (x *Index) Scroll(_ context.Context, name string, filter vectorstore.Filter, limit int) ([]vectorstore.Point, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	c, ok := x.collections[name]
	if !ok {
		return nil, nil
	}
	var out []vectorstore.Point
	for _, p := range c.points {
		if filter.Match(p.Payload) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Payload.FileID != out[j].Payload.FileID {
			return out[i].Payload.FileID < out[j].Payload.FileID
		}
		return out[i].Payload.ChunkIndex < out[j].Payload.ChunkIndex
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Search scores every matching point.
func (x *Index) Search(_ context.Context, name string, vector []float32, filter vectorstore.Filter, topK int) ([]vectorstore.ScoredPoint, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	c, ok := x.collections[name]
	if !ok {
		return nil, nil
	}
	if len(vector) != c.dim {
		return nil, fmt.Errorf("query has %d dimensions, collection %s has %d", len(vector), name, c.dim)
	}
	if topK <= 0 {
		topK = 10
	}

	var out []vectorstore.ScoredPoint
	for _, p := range c.points {
		if !filter.Match(p.Payload) {
			continue
		}
		out = append(out, vectorstore.ScoredPoint{Point: p, Score: score(c.metric, vector, p.Vector)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

// Close is a no-op.
func (x *Index) Close(context.Context) error {
	return nil
}

// Len returns the number of points in a collection.
func (x *Index) Len(name string) int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	if c, ok := x.collections[name]; ok {
		return len(c.points)
	}
	return 0
}

func score(metric vectorstore.Metric, a, b []float32) float64 {
	var dot, na, nb, dist float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
		dist += (x - y) * (x - y)
	}
	switch metric {
	case vectorstore.MetricL2:
		return -math.Sqrt(dist)
	case vectorstore.MetricIP:
		return dot
	default:
		if na == 0 || nb == 0 {
			return 0
		}
		return dot / (math.Sqrt(na) * math.Sqrt(nb))
	}
}
