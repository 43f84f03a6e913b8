// Copyright Brain Ingest Authors
// SPDX-License-Identifier: Apache-2.0

// Package blobstoretest provides a shared conformance test suite for
// blobstore.Store implementations. Each backend should call
// RunConformanceTests from its own _test.go file.
package blobstoretest

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/leseb/brainingest/pkg/blobstore"
)

// RunConformanceTests exercises a Store implementation against the shared
// contract. The newStore function is called once per sub-test to provide an
// isolated store instance.
func RunConformanceTests(t *testing.T, newStore func(t *testing.T) blobstore.Store) {
	t.Helper()

	t.Run("PutAndGet", func(t *testing.T) {
		store := newStore(t)
		defer store.Close()
		ctx := context.Background()

		content := []byte("hello blob")
		meta := blobstore.Metadata{Filename: "hello.txt", ContentType: "text/plain", FileID: "f1", OwnerID: "alice"}
		n, err := store.Put(ctx, "documents/alice/f1.txt", bytes.NewReader(content), meta)
		if err != nil {
			t.Fatalf("Put: %v", err)
		}
		if n != int64(len(content)) {
			t.Errorf("Put wrote %d bytes, want %d", n, len(content))
		}

		rc, obj, err := store.Get(ctx, "documents/alice/f1.txt")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		defer rc.Close()
		got, err := io.ReadAll(rc)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if !bytes.Equal(got, content) {
			t.Errorf("content = %q, want %q", got, content)
		}
		if obj.Size != int64(len(content)) {
			t.Errorf("size = %d, want %d", obj.Size, len(content))
		}
		if obj.Metadata.Filename != "hello.txt" || obj.Metadata.ContentType != "text/plain" ||
			obj.Metadata.FileID != "f1" || obj.Metadata.OwnerID != "alice" {
			t.Errorf("metadata = %+v", obj.Metadata)
		}
	})

	t.Run("GetMissing", func(t *testing.T) {
		store := newStore(t)
		defer store.Close()

		_, _, err := store.Get(context.Background(), "documents/nobody/missing.txt")
		if !errors.Is(err, blobstore.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("Overwrite", func(t *testing.T) {
		store := newStore(t)
		defer store.Close()
		ctx := context.Background()

		key := "documents/alice/f2.txt"
		if _, err := store.Put(ctx, key, strings.NewReader("v1"), blobstore.Metadata{Filename: "a.txt"}); err != nil {
			t.Fatalf("Put v1: %v", err)
		}
		if _, err := store.Put(ctx, key, strings.NewReader("version two"), blobstore.Metadata{Filename: "b.txt"}); err != nil {
			t.Fatalf("Put v2: %v", err)
		}
		rc, obj, err := store.Get(ctx, key)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		defer rc.Close()
		got, _ := io.ReadAll(rc)
		if string(got) != "version two" || obj.Metadata.Filename != "b.txt" {
			t.Errorf("overwrite not applied: %q %+v", got, obj.Metadata)
		}
	})

	t.Run("DeleteIsIdempotent", func(t *testing.T) {
		store := newStore(t)
		defer store.Close()
		ctx := context.Background()

		key := "images/alice/pic.png"
		if _, err := store.Put(ctx, key, strings.NewReader("png"), blobstore.Metadata{}); err != nil {
			t.Fatalf("Put: %v", err)
		}
		if err := store.Delete(ctx, key); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		if _, _, err := store.Get(ctx, key); !errors.Is(err, blobstore.ErrNotFound) {
			t.Errorf("Get after delete: expected ErrNotFound, got %v", err)
		}
		if err := store.Delete(ctx, key); err != nil {
			t.Errorf("second Delete: %v", err)
		}
	})

	t.Run("ListByPrefix", func(t *testing.T) {
		store := newStore(t)
		defer store.Close()
		ctx := context.Background()

		for _, key := range []string{
			"documents/alice/a.txt",
			"documents/alice/b.txt",
			"documents/bob/c.txt",
			"images/alice/d.png",
		} {
			if _, err := store.Put(ctx, key, strings.NewReader(key), blobstore.Metadata{}); err != nil {
				t.Fatalf("Put %s: %v", key, err)
			}
		}

		objs, err := store.List(ctx, "documents/alice/")
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if len(objs) != 2 || objs[0].Key != "documents/alice/a.txt" || objs[1].Key != "documents/alice/b.txt" {
			t.Errorf("List(documents/alice/) = %v", keys(objs))
		}
		if objs[0].Size != int64(len("documents/alice/a.txt")) {
			t.Errorf("listed size = %d", objs[0].Size)
		}

		all, err := store.List(ctx, "")
		if err != nil {
			t.Fatalf("List all: %v", err)
		}
		if len(all) != 4 {
			t.Errorf("List(\"\") returned %d objects, want 4: %v", len(all), keys(all))
		}
	})

	t.Run("CancelledPutLeavesNoObject", func(t *testing.T) {
		store := newStore(t)
		defer store.Close()

		ctx, cancel := context.WithCancelCause(context.Background())
		body := &cancellingReader{
			r:      bytes.NewReader(bytes.Repeat([]byte("x"), 256<<10)),
			after:  16 << 10,
			cancel: func() { cancel(errors.New("client went away")) },
		}

		key := "documents/alice/partial.bin"
		if _, err := store.Put(ctx, key, body, blobstore.Metadata{}); err == nil {
			t.Fatal("expected Put to fail after cancellation")
		}

		objs, err := store.List(context.Background(), "documents/alice/")
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if len(objs) != 0 {
			t.Errorf("orphaned objects after cancelled put: %v", keys(objs))
		}
	})

	t.Run("InvalidKey", func(t *testing.T) {
		store := newStore(t)
		defer store.Close()

		_, err := store.Put(context.Background(), "../escape", strings.NewReader("x"), blobstore.Metadata{})
		if !errors.Is(err, blobstore.ErrInvalidKey) {
			t.Errorf("expected ErrInvalidKey, got %v", err)
		}
	})
}

// cancellingReader cancels its context once after bytes have been read.
type cancellingReader struct {
	r      io.Reader
	after  int
	read   int
	done   bool
	cancel func()
}

func (c *cancellingReader) Read(p []byte) (int, error) {
	if len(p) > 4096 {
		p = p[:4096]
	}
	n, err := c.r.Read(p)
	c.read += n
	if !c.done && c.read >= c.after {
		c.done = true
		c.cancel()
	}
	return n, err
}

func keys(objs []blobstore.Object) []string {
	out := make([]string, len(objs))
	for i, o := range objs {
		out[i] = o.Key
	}
	return out
}
