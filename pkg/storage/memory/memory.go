// Copyright Brain Ingest Authors
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/leseb/brainingest/pkg/core/state"
	"github.com/leseb/brainingest/pkg/provider"
)

func init() {
	state.Providers.Register("memory", func(_ context.Context, params provider.Params) (state.Store, error) {
		return New(int64(params.Int("default_limit_bytes", 0))), nil
	})
}

// Compile-time interface check.
var _ state.Store = (*Store)(nil)

// Store is an in-memory implementation of state.Store
type Store struct {
	mu           sync.RWMutex
	files        map[string]*state.FileRecord
	quotas       map[string]*state.QuotaState
	defaultLimit int64
}

// New creates a new in-memory store. Owners without an explicit limit get
// defaultLimit bytes.
func New(defaultLimit int64) *Store {
	return &Store{
		files:        make(map[string]*state.FileRecord),
		quotas:       make(map[string]*state.QuotaState),
		defaultLimit: defaultLimit,
	}
}

// CreateFile stores a new record
func (s *Store) CreateFile(_ context.Context, rec *state.FileRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.files[rec.ID]; exists {
		return fmt.Errorf("file %s: %w", rec.ID, state.ErrAlreadyExists)
	}
	cp := *rec
	s.files[rec.ID] = &cp
	return nil
}

// GetFile retrieves a record by owner and id
func (s *Store) GetFile(_ context.Context, ownerID, fileID string) (*state.FileRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, exists := s.files[fileID]
	if !exists || rec.OwnerID != ownerID {
		return nil, fmt.Errorf("file %s: %w", fileID, state.ErrNotFound)
	}
	cp := *rec
	return &cp, nil
}

// UpdateFile replaces an existing record
func (s *Store) UpdateFile(_ context.Context, rec *state.FileRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, exists := s.files[rec.ID]
	if !exists || old.OwnerID != rec.OwnerID {
		return fmt.Errorf("file %s: %w", rec.ID, state.ErrNotFound)
	}
	cp := *rec
	s.files[rec.ID] = &cp
	return nil
}

// DeleteFile removes a record
func (s *Store) DeleteFile(_ context.Context, ownerID, fileID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, exists := s.files[fileID]
	if !exists || rec.OwnerID != ownerID {
		return fmt.Errorf("file %s: %w", fileID, state.ErrNotFound)
	}
	delete(s.files, fileID)
	return nil
}

// ListFiles returns an owner's records ordered by creation time
func (s *Store) ListFiles(_ context.Context, q state.ListFilesQuery) ([]*state.FileRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*state.FileRecord
	for _, rec := range s.files {
		if rec.OwnerID != q.OwnerID {
			continue
		}
		if q.BrainID != "" && rec.BrainID != q.BrainID {
			continue
		}
		cp := *rec
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// GetQuota returns the owner's quota counter
func (s *Store) GetQuota(_ context.Context, ownerID string) (state.QuotaState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if q, ok := s.quotas[ownerID]; ok {
		return *q, nil
	}
	return state.QuotaState{OwnerID: ownerID, LimitBytes: s.defaultLimit}, nil
}

// AddUsage conditionally increments used bytes under the store lock
func (s *Store) AddUsage(_ context.Context, ownerID string, n int64) (state.QuotaState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := s.quotaLocked(ownerID)
	if q.UsedBytes+n > q.LimitBytes {
		return *q, fmt.Errorf("owner %s: %w", ownerID, state.ErrQuotaConflict)
	}
	q.UsedBytes += n
	return *q, nil
}

// ReleaseUsage decrements used bytes, flooring at zero
func (s *Store) ReleaseUsage(_ context.Context, ownerID string, n int64) (state.QuotaState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := s.quotaLocked(ownerID)
	q.UsedBytes -= n
	if q.UsedBytes < 0 {
		q.UsedBytes = 0
	}
	return *q, nil
}

// SetQuotaLimit sets an explicit limit for the owner
func (s *Store) SetQuotaLimit(_ context.Context, ownerID string, limit int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.quotaLocked(ownerID).LimitBytes = limit
	return nil
}

// Close is a no-op for the in-memory store
func (s *Store) Close() error {
	return nil
}

func (s *Store) quotaLocked(ownerID string) *state.QuotaState {
	q, ok := s.quotas[ownerID]
	if !ok {
		q = &state.QuotaState{OwnerID: ownerID, LimitBytes: s.defaultLimit}
		s.quotas[ownerID] = q
	}
	return q
}
