// Copyright Brain Ingest Authors
// SPDX-License-Identifier: Apache-2.0

package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/leseb/brainingest/pkg/core/state"
	"github.com/leseb/brainingest/pkg/storage/sqlite"
	"github.com/leseb/brainingest/pkg/storage/storagetest"
)

func TestSQLiteConformance(t *testing.T) {
	storagetest.RunConformanceTests(t, func(t *testing.T) state.Store {
		s, err := sqlite.New(context.Background(), filepath.Join(t.TempDir(), "test.db"), storagetest.DefaultLimit)
		if err != nil {
			t.Fatalf("sqlite.New: %v", err)
		}
		return s
	})
}

func TestSQLiteReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "reopen.db")

	s, err := sqlite.New(ctx, path, 100)
	if err != nil {
		t.Fatalf("sqlite.New: %v", err)
	}
	if _, err := s.AddUsage(ctx, "alice", 30); err != nil {
		t.Fatalf("AddUsage: %v", err)
	}
	s.Close()

	s, err = sqlite.New(ctx, path, 100)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	q, err := s.GetQuota(ctx, "alice")
	if err != nil {
		t.Fatalf("GetQuota: %v", err)
	}
	if q.UsedBytes != 30 {
		t.Errorf("used after reopen = %d, want 30", q.UsedBytes)
	}
}
