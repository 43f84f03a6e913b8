// Copyright Brain Ingest Authors
// SPDX-License-Identifier: Apache-2.0

// Package storagetest provides a shared conformance test suite for
// state.Store implementations. Each backend should call
// RunConformanceTests from its own _test.go file.
package storagetest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leseb/brainingest/pkg/core/state"
)

// DefaultLimit is the default quota limit the suite expects newStore to
// configure.
const DefaultLimit = 10 << 20

// RunConformanceTests exercises a Store implementation against the shared
// contract. newStore is called once per sub-test and must return an empty
// store whose default quota limit is DefaultLimit.
func RunConformanceTests(t *testing.T, newStore func(t *testing.T) state.Store) {
	t.Helper()

	record := func(id, owner, brain string, created time.Time) *state.FileRecord {
		return &state.FileRecord{
			ID:                 id,
			OwnerID:            owner,
			BrainID:            brain,
			Name:               id + ".txt",
			MimeType:           "text/plain",
			Extension:          ".txt",
			Category:           "text",
			Size:               42,
			StorageKey:         "documents/" + owner + "/" + id + ".txt",
			ExtractionStatus:   state.ExtractionExtracted,
			EmbeddedChunkCount: 3,
			TotalChunkCount:    3,
			CreatedAt:          created.UTC().Truncate(time.Millisecond),
			UpdatedAt:          created.UTC().Truncate(time.Millisecond),
		}
	}

	t.Run("CreateAndGet", func(t *testing.T) {
		store := newStore(t)
		defer store.Close()
		ctx := context.Background()

		rec := record("f1", "alice", "b1", time.Now())
		if err := store.CreateFile(ctx, rec); err != nil {
			t.Fatalf("CreateFile: %v", err)
		}

		got, err := store.GetFile(ctx, "alice", "f1")
		if err != nil {
			t.Fatalf("GetFile: %v", err)
		}
		if got.Name != rec.Name || got.StorageKey != rec.StorageKey || got.Size != rec.Size ||
			got.ExtractionStatus != rec.ExtractionStatus || got.EmbeddedChunkCount != 3 ||
			got.BrainID != "b1" || got.Category != "text" {
			t.Errorf("GetFile returned unexpected record: %+v", got)
		}
		if !got.CreatedAt.Equal(rec.CreatedAt) {
			t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, rec.CreatedAt)
		}
	})

	t.Run("CreateDuplicate", func(t *testing.T) {
		store := newStore(t)
		defer store.Close()
		ctx := context.Background()

		rec := record("dup", "alice", "b1", time.Now())
		if err := store.CreateFile(ctx, rec); err != nil {
			t.Fatalf("CreateFile: %v", err)
		}
		err := store.CreateFile(ctx, rec)
		if !errors.Is(err, state.ErrAlreadyExists) {
			t.Fatalf("expected ErrAlreadyExists, got %v", err)
		}
	})

	t.Run("OwnerIsolation", func(t *testing.T) {
		store := newStore(t)
		defer store.Close()
		ctx := context.Background()

		if err := store.CreateFile(ctx, record("f1", "alice", "b1", time.Now())); err != nil {
			t.Fatalf("CreateFile: %v", err)
		}
		if _, err := store.GetFile(ctx, "mallory", "f1"); !errors.Is(err, state.ErrNotFound) {
			t.Errorf("GetFile by other owner: expected ErrNotFound, got %v", err)
		}
		if err := store.DeleteFile(ctx, "mallory", "f1"); !errors.Is(err, state.ErrNotFound) {
			t.Errorf("DeleteFile by other owner: expected ErrNotFound, got %v", err)
		}
	})

	t.Run("Update", func(t *testing.T) {
		store := newStore(t)
		defer store.Close()
		ctx := context.Background()

		rec := record("f1", "alice", "b1", time.Now())
		if err := store.CreateFile(ctx, rec); err != nil {
			t.Fatalf("CreateFile: %v", err)
		}
		rec.Name = "renamed.md"
		rec.EmbeddedChunkCount = 0
		rec.ExtractionStatus = state.ExtractionSkipped
		if err := store.UpdateFile(ctx, rec); err != nil {
			t.Fatalf("UpdateFile: %v", err)
		}
		got, err := store.GetFile(ctx, "alice", "f1")
		if err != nil {
			t.Fatalf("GetFile: %v", err)
		}
		if got.Name != "renamed.md" || got.EmbeddedChunkCount != 0 || got.ExtractionStatus != state.ExtractionSkipped {
			t.Errorf("update not applied: %+v", got)
		}

		missing := record("missing", "alice", "b1", time.Now())
		if err := store.UpdateFile(ctx, missing); !errors.Is(err, state.ErrNotFound) {
			t.Errorf("UpdateFile missing: expected ErrNotFound, got %v", err)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		store := newStore(t)
		defer store.Close()
		ctx := context.Background()

		if err := store.CreateFile(ctx, record("f1", "alice", "b1", time.Now())); err != nil {
			t.Fatalf("CreateFile: %v", err)
		}
		if err := store.DeleteFile(ctx, "alice", "f1"); err != nil {
			t.Fatalf("DeleteFile: %v", err)
		}
		if _, err := store.GetFile(ctx, "alice", "f1"); !errors.Is(err, state.ErrNotFound) {
			t.Errorf("expected ErrNotFound after delete, got %v", err)
		}
		if err := store.DeleteFile(ctx, "alice", "f1"); !errors.Is(err, state.ErrNotFound) {
			t.Errorf("second delete: expected ErrNotFound, got %v", err)
		}
	})

	t.Run("ListOrderAndFilter", func(t *testing.T) {
		store := newStore(t)
		defer store.Close()
		ctx := context.Background()

		base := time.Now().Add(-time.Hour)
		for i, r := range []*state.FileRecord{
			record("c", "alice", "b1", base.Add(3*time.Second)),
			record("a", "alice", "b1", base.Add(1*time.Second)),
			record("b", "alice", "b2", base.Add(2*time.Second)),
			record("z", "bob", "b1", base),
		} {
			if err := store.CreateFile(ctx, r); err != nil {
				t.Fatalf("CreateFile #%d: %v", i, err)
			}
		}

		all, err := store.ListFiles(ctx, state.ListFilesQuery{OwnerID: "alice"})
		if err != nil {
			t.Fatalf("ListFiles: %v", err)
		}
		if ids := idsOf(all); ids != "a,b,c" {
			t.Errorf("ListFiles order = %s, want a,b,c", ids)
		}

		b1, err := store.ListFiles(ctx, state.ListFilesQuery{OwnerID: "alice", BrainID: "b1"})
		if err != nil {
			t.Fatalf("ListFiles brain: %v", err)
		}
		if ids := idsOf(b1); ids != "a,c" {
			t.Errorf("ListFiles brain b1 = %s, want a,c", ids)
		}

		limited, err := store.ListFiles(ctx, state.ListFilesQuery{OwnerID: "alice", Limit: 2})
		if err != nil {
			t.Fatalf("ListFiles limit: %v", err)
		}
		if ids := idsOf(limited); ids != "a,b" {
			t.Errorf("ListFiles limit 2 = %s, want a,b", ids)
		}
	})

	t.Run("QuotaDefaults", func(t *testing.T) {
		store := newStore(t)
		defer store.Close()

		q, err := store.GetQuota(context.Background(), "newcomer")
		if err != nil {
			t.Fatalf("GetQuota: %v", err)
		}
		if q.UsedBytes != 0 || q.LimitBytes != DefaultLimit {
			t.Errorf("GetQuota = %+v, want used=0 limit=%d", q, DefaultLimit)
		}
	})

	t.Run("AddUsageConditional", func(t *testing.T) {
		store := newStore(t)
		defer store.Close()
		ctx := context.Background()

		if _, err := store.AddUsage(ctx, "alice", 4<<20); err != nil {
			t.Fatalf("AddUsage 4MB: %v", err)
		}
		q, err := store.AddUsage(ctx, "alice", 5<<20)
		if err != nil {
			t.Fatalf("AddUsage 5MB: %v", err)
		}
		if q.UsedBytes != 9<<20 {
			t.Errorf("used = %d, want 9MB", q.UsedBytes)
		}
		if _, err := store.AddUsage(ctx, "alice", 2<<20); !errors.Is(err, state.ErrQuotaConflict) {
			t.Fatalf("AddUsage over limit: expected ErrQuotaConflict, got %v", err)
		}
		q, err = store.GetQuota(ctx, "alice")
		if err != nil {
			t.Fatalf("GetQuota: %v", err)
		}
		if q.UsedBytes != 9<<20 {
			t.Errorf("used after rejected add = %d, want 9MB", q.UsedBytes)
		}
	})

	t.Run("AddUsageConcurrent", func(t *testing.T) {
		store := newStore(t)
		defer store.Close()
		ctx := context.Background()

		if err := store.SetQuotaLimit(ctx, "alice", 10); err != nil {
			t.Fatalf("SetQuotaLimit: %v", err)
		}

		var ok atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 25; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := store.AddUsage(ctx, "alice", 1); err == nil {
					ok.Add(1)
				}
			}()
		}
		wg.Wait()

		if ok.Load() != 10 {
			t.Errorf("successful increments = %d, want 10", ok.Load())
		}
		q, err := store.GetQuota(ctx, "alice")
		if err != nil {
			t.Fatalf("GetQuota: %v", err)
		}
		if q.UsedBytes != 10 {
			t.Errorf("used = %d, want 10", q.UsedBytes)
		}
	})

	t.Run("ReleaseUsage", func(t *testing.T) {
		store := newStore(t)
		defer store.Close()
		ctx := context.Background()

		if _, err := store.AddUsage(ctx, "alice", 100); err != nil {
			t.Fatalf("AddUsage: %v", err)
		}
		q, err := store.ReleaseUsage(ctx, "alice", 40)
		if err != nil {
			t.Fatalf("ReleaseUsage: %v", err)
		}
		if q.UsedBytes != 60 {
			t.Errorf("used = %d, want 60", q.UsedBytes)
		}
		q, err = store.ReleaseUsage(ctx, "alice", 1000)
		if err != nil {
			t.Fatalf("ReleaseUsage: %v", err)
		}
		if q.UsedBytes != 0 {
			t.Errorf("used = %d, want floor at 0", q.UsedBytes)
		}
	})

	t.Run("SetQuotaLimit", func(t *testing.T) {
		store := newStore(t)
		defer store.Close()
		ctx := context.Background()

		if _, err := store.AddUsage(ctx, "alice", 100); err != nil {
			t.Fatalf("AddUsage: %v", err)
		}
		if err := store.SetQuotaLimit(ctx, "alice", 50); err != nil {
			t.Fatalf("SetQuotaLimit: %v", err)
		}
		q, err := store.GetQuota(ctx, "alice")
		if err != nil {
			t.Fatalf("GetQuota: %v", err)
		}
		if q.LimitBytes != 50 || q.UsedBytes != 100 {
			t.Errorf("quota = %+v, want used=100 limit=50", q)
		}
		if q.Remaining() != -50 {
			t.Errorf("Remaining = %d, want -50", q.Remaining())
		}
	})
}

func idsOf(recs []*state.FileRecord) string {
	s := ""
	for i, r := range recs {
		if i > 0 {
			s += ","
		}
		s += r.ID
	}
	return s
}
