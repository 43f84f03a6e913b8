// Copyright Brain Ingest Authors
// SPDX-License-Identifier: Apache-2.0

package blobstore

import (
	"context"
	"errors"
	"io"
	"path"
	"strings"
	"time"

	"github.com/leseb/brainingest/pkg/provider"
)

// ErrNotFound is returned when an object does not exist.
var ErrNotFound = errors.New("object not found")

// ErrInvalidKey is returned for keys that are empty, absolute or escape the
// store root.
var ErrInvalidKey = errors.New("invalid object key")

// Providers is the registry of blob store backend implementations.
// Import implementation packages with blank imports to register them:
//
//	import _ "github.com/leseb/brainingest/pkg/blobstore/memory"
//	import _ "github.com/leseb/brainingest/pkg/blobstore/filesystem"
//	import _ "github.com/leseb/brainingest/pkg/blobstore/s3"
var Providers = provider.NewRegistry[Store]("blob_store")

// Metadata is stored alongside each object.
type Metadata struct {
	Filename    string
	ContentType string
	FileID      string
	OwnerID     string
}

// Object describes a stored object.
type Object struct {
	Key      string
	Size     int64
	Metadata Metadata
	ModTime  time.Time
}

// Store is a key-addressed object store. Put streams r to completion and
// must leave no visible object when it returns an error, including when ctx
// is cancelled mid-stream. Delete of a missing key is not an error.
type Store interface {
	Put(ctx context.Context, key string, r io.Reader, meta Metadata) (int64, error)
	Get(ctx context.Context, key string) (io.ReadCloser, *Object, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]Object, error)
	Close() error
}

// Key builds the storage key for a file: <namespace>/<owner>/<fileID><ext>.
func Key(namespace, ownerID, fileID, ext string) string {
	return path.Join(namespace, ownerID, fileID+ext)
}

// ValidateKey rejects keys that could escape a store root.
func ValidateKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return ErrInvalidKey
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == ".." || seg == "." || seg == "" {
			return ErrInvalidKey
		}
	}
	return nil
}

// ContextReader wraps r so that reads fail with the context's error once
// ctx is done.
func ContextReader(ctx context.Context, r io.Reader) io.Reader {
	return &ctxReader{ctx: ctx, r: r}
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		if cause := context.Cause(c.ctx); cause != nil {
			return 0, cause
		}
		return 0, err
	}
	return c.r.Read(p)
}
