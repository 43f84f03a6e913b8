// Copyright Brain Ingest Authors
// SPDX-License-Identifier: Apache-2.0

package filesystem

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/leseb/brainingest/pkg/blobstore"
	"github.com/leseb/brainingest/pkg/provider"
)

func init() {
	blobstore.Providers.Register("filesystem", func(_ context.Context, params provider.Params) (blobstore.Store, error) {
		return New(params.String("base_dir", "./data/blobs"))
	})
}

// compile-time check
var _ blobstore.Store = (*Store)(nil)

// objectMetadata is the on-disk sidecar for an object.
type objectMetadata struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	FileID      string `json:"file_id,omitempty"`
	OwnerID     string `json:"owner_id,omitempty"`
}

// Store implements blobstore.Store backed by a local filesystem.
//
// Layout:
//
//	<baseDir>/objects/<key>     raw bytes
//	<baseDir>/meta/<key>.json   metadata sidecar
//	<baseDir>/tmp/              in-progress writes
type Store struct {
	baseDir string
}

// New creates a filesystem-backed Store, creating baseDir if it does not exist.
func New(baseDir string) (*Store, error) {
	for _, sub := range []string{"objects", "meta", "tmp"} {
		if err := os.MkdirAll(filepath.Join(baseDir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("create %s dir: %w", sub, err)
		}
	}
	return &Store{baseDir: baseDir}, nil
}

func (s *Store) objectPath(key string) string {
	return filepath.Join(s.baseDir, "objects", filepath.FromSlash(key))
}

func (s *Store) metaPath(key string) string {
	return filepath.Join(s.baseDir, "meta", filepath.FromSlash(key)+".json")
}

// Put streams r into a temp file and renames it into place on success.
func (s *Store) Put(ctx context.Context, key string, r io.Reader, meta blobstore.Metadata) (int64, error) {
	if err := blobstore.ValidateKey(key); err != nil {
		return 0, fmt.Errorf("put %q: %w", key, err)
	}

	tmp, err := os.CreateTemp(filepath.Join(s.baseDir, "tmp"), "put-*")
	if err != nil {
		return 0, fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	n, err := io.Copy(tmp, blobstore.ContextReader(ctx, r))
	if err != nil {
		return n, fmt.Errorf("put %q: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		return n, fmt.Errorf("close temp: %w", err)
	}

	metaBytes, err := json.Marshal(objectMetadata{
		Filename:    meta.Filename,
		ContentType: meta.ContentType,
		FileID:      meta.FileID,
		OwnerID:     meta.OwnerID,
	})
	if err != nil {
		return n, fmt.Errorf("marshal metadata: %w", err)
	}
	if err := writeFileAtomic(s.metaPath(key), metaBytes); err != nil {
		return n, err
	}

	dst := s.objectPath(key)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return n, fmt.Errorf("create object dir: %w", err)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		os.Remove(s.metaPath(key))
		return n, fmt.Errorf("rename object: %w", err)
	}
	committed = true
	return n, nil
}

// Get opens the object for reading.
func (s *Store) Get(_ context.Context, key string) (io.ReadCloser, *blobstore.Object, error) {
	if err := blobstore.ValidateKey(key); err != nil {
		return nil, nil, fmt.Errorf("get %q: %w", key, err)
	}
	f, err := os.Open(s.objectPath(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil, fmt.Errorf("object %s: %w", key, blobstore.ErrNotFound)
		}
		return nil, nil, fmt.Errorf("open object: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("stat object: %w", err)
	}
	return f, &blobstore.Object{
		Key:      key,
		Size:     info.Size(),
		Metadata: s.readMetadata(key),
		ModTime:  info.ModTime(),
	}, nil
}

// Delete removes the object and its sidecar if present.
func (s *Store) Delete(_ context.Context, key string) error {
	if err := blobstore.ValidateKey(key); err != nil {
		return fmt.Errorf("delete %q: %w", key, err)
	}
	if err := os.Remove(s.objectPath(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove object: %w", err)
	}
	if err := os.Remove(s.metaPath(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove metadata: %w", err)
	}
	return nil
}

// List walks the object tree and returns keys under prefix sorted by key.
func (s *Store) List(_ context.Context, prefix string) ([]blobstore.Object, error) {
	root := filepath.Join(s.baseDir, "objects")
	var out []blobstore.Object
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		out = append(out, blobstore.Object{
			Key:      key,
			Size:     info.Size(),
			Metadata: s.readMetadata(key),
			ModTime:  info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk objects: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Close is a no-op for the filesystem store.
func (s *Store) Close() error {
	return nil
}

// readMetadata returns the sidecar contents, or zero metadata when it is
// missing or corrupt.
func (s *Store) readMetadata(key string) blobstore.Metadata {
	data, err := os.ReadFile(s.metaPath(key))
	if err != nil {
		return blobstore.Metadata{}
	}
	var m objectMetadata
	if err := json.Unmarshal(data, &m); err != nil {
		return blobstore.Metadata{}
	}
	return blobstore.Metadata{Filename: m.Filename, ContentType: m.ContentType, FileID: m.FileID, OwnerID: m.OwnerID}
}

func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename %s: %w", filepath.Base(path), err)
	}
	return nil
}
