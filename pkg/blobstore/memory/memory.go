// Copyright Brain Ingest Authors
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/leseb/brainingest/pkg/blobstore"
	"github.com/leseb/brainingest/pkg/provider"
)

func init() {
	blobstore.Providers.Register("memory", func(_ context.Context, _ provider.Params) (blobstore.Store, error) {
		return New(), nil
	})
}

// compile-time check
var _ blobstore.Store = (*Store)(nil)

type object struct {
	data    []byte
	meta    blobstore.Metadata
	modTime time.Time
}

// Store implements blobstore.Store in memory.
type Store struct {
	mu      sync.RWMutex
	objects map[string]*object
}

// New creates an empty in-memory Store.
func New() *Store {
	return &Store{objects: make(map[string]*object)}
}

// Put buffers r fully and publishes the object only on success.
func (s *Store) Put(ctx context.Context, key string, r io.Reader, meta blobstore.Metadata) (int64, error) {
	if err := blobstore.ValidateKey(key); err != nil {
		return 0, fmt.Errorf("put %q: %w", key, err)
	}

	var buf bytes.Buffer
	n, err := buf.ReadFrom(blobstore.ContextReader(ctx, r))
	if err != nil {
		return n, fmt.Errorf("put %q: %w", key, err)
	}

	s.mu.Lock()
	s.objects[key] = &object{data: buf.Bytes(), meta: meta, modTime: time.Now()}
	s.mu.Unlock()
	return n, nil
}

// Get returns a reader over a copy-free view of the object.
func (s *Store) Get(_ context.Context, key string) (io.ReadCloser, *blobstore.Object, error) {
	s.mu.RLock()
	obj, ok := s.objects[key]
	s.mu.RUnlock()
	if !ok {
		return nil, nil, fmt.Errorf("object %s: %w", key, blobstore.ErrNotFound)
	}
	return io.NopCloser(bytes.NewReader(obj.data)), &blobstore.Object{
		Key:      key,
		Size:     int64(len(obj.data)),
		Metadata: obj.meta,
		ModTime:  obj.modTime,
	}, nil
}

// Delete removes the object if present.
func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.objects, key)
	s.mu.Unlock()
	return nil
}

// List returns objects under prefix sorted by key.
func (s *Store) List(_ context.Context, prefix string) ([]blobstore.Object, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []blobstore.Object
	for key, obj := range s.objects {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		out = append(out, blobstore.Object{
			Key:      key,
			Size:     int64(len(obj.data)),
			Metadata: obj.meta,
			ModTime:  obj.modTime,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Close is a no-op for the in-memory store.
func (s *Store) Close() error {
	return nil
}
