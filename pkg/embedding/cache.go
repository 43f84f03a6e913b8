// Copyright Brain Ingest Authors
// SPDX-License-Identifier: Apache-2.0

package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// CachedProvider memoizes a Provider's vectors keyed by model and text
// hash. Only texts missing from the cache are sent upstream. Hash fallback
// vectors never reach it because they are produced above the Provider.
type CachedProvider struct {
	next  Provider
	cache *expirable.LRU[string, []float32]
}

// compile-time check
var _ Provider = (*CachedProvider)(nil)

// NewCachedProvider wraps p with an LRU of size entries expiring after ttl.
// It returns p unchanged when caching is disabled.
func NewCachedProvider(p Provider, size int, ttl time.Duration) Provider {
	if p == nil || size <= 0 || ttl <= 0 {
		return p
	}
	return &CachedProvider{
		next:  p,
		cache: expirable.NewLRU[string, []float32](size, nil, ttl),
	}
}

// Model returns the wrapped provider's model.
func (c *CachedProvider) Model() string {
	return c.next.Model()
}

// Embed serves cached vectors and forwards the misses in one call.
func (c *CachedProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	keys := make([]string, len(texts))

	var missTexts []string
	var missIdx []int
	for i, t := range texts {
		keys[i] = c.key(t)
		if v, ok := c.cache.Get(keys[i]); ok {
			out[i] = cloneVector(v)
			continue
		}
		missTexts = append(missTexts, t)
		missIdx = append(missIdx, i)
	}
	if len(missTexts) == 0 {
		return out, nil
	}

	vecs, err := c.next.Embed(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	for j, i := range missIdx {
		if j >= len(vecs) || len(vecs[j]) == 0 {
			continue
		}
		out[i] = vecs[j]
		c.cache.Add(keys[i], cloneVector(vecs[j]))
	}
	return out, nil
}

func (c *CachedProvider) key(text string) string {
	sum := sha256.Sum256([]byte(text))
	return c.next.Model() + ":" + hex.EncodeToString(sum[:])
}

func cloneVector(v []float32) []float32 {
	if len(v) == 0 {
		return nil
	}
	out := make([]float32, len(v))
	copy(out, v)
	return out
}
