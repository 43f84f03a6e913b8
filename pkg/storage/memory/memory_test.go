// Copyright Brain Ingest Authors
// SPDX-License-Identifier: Apache-2.0

package memory_test

import (
	"context"
	"testing"

	"github.com/leseb/brainingest/pkg/core/state"
	"github.com/leseb/brainingest/pkg/provider"
	"github.com/leseb/brainingest/pkg/storage/memory"
	"github.com/leseb/brainingest/pkg/storage/storagetest"
)

func TestMemoryConformance(t *testing.T) {
	storagetest.RunConformanceTests(t, func(t *testing.T) state.Store {
		return memory.New(storagetest.DefaultLimit)
	})
}

func TestMemoryRegistered(t *testing.T) {
	s, err := state.Providers.New(context.Background(), "memory", provider.Params{"default_limit_bytes": "123"})
	if err != nil {
		t.Fatalf("Providers.New: %v", err)
	}
	q, err := s.GetQuota(context.Background(), "x")
	if err != nil {
		t.Fatalf("GetQuota: %v", err)
	}
	if q.LimitBytes != 123 {
		t.Errorf("limit = %d, want 123", q.LimitBytes)
	}
}
