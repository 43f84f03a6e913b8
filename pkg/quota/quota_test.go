// Copyright Brain Ingest Authors
// SPDX-License-Identifier: Apache-2.0

package quota

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/leseb/brainingest/pkg/observability/logging"
	"github.com/leseb/brainingest/pkg/storage/memory"
)

const mb = 1 << 20

func newGuard(t *testing.T, used, limit int64) (*Guard, *memory.Store) {
	t.Helper()
	store := memory.New(limit)
	if used > 0 {
		if _, err := store.AddUsage(context.Background(), "alice", used); err != nil {
			t.Fatalf("seed usage: %v", err)
		}
	}
	return New(store, WithLogger(logging.Discard())), store
}

func TestAuthorizeAndCommit_FitsBudget(t *testing.T) {
	g, _ := newGuard(t, 4*mb, 10*mb)
	ctx := context.Background()

	b, err := g.Authorize(ctx, "alice", 5*mb)
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	for i := 0; i < 5; i++ {
		if err := b.Track(mb); err != nil {
			t.Fatalf("Track chunk %d: %v", i, err)
		}
	}
	if err := g.Commit(ctx, "alice", b.Observed()); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	q, err := g.State(ctx, "alice")
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if q.UsedBytes != 9*mb {
		t.Errorf("used = %d, want exactly 9MB", q.UsedBytes)
	}
}

func TestAuthorize_DeclaredTooLarge(t *testing.T) {
	g, _ := newGuard(t, 4*mb, 10*mb)
	ctx := context.Background()

	_, err := g.Authorize(ctx, "alice", 7*mb)
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("expected ErrQuotaExceeded, got %v", err)
	}

	q, _ := g.State(ctx, "alice")
	if q.UsedBytes != 4*mb {
		t.Errorf("used = %d, want unchanged 4MB", q.UsedBytes)
	}
}

func TestTrack_ExceedsDuringTransfer(t *testing.T) {
	g, _ := newGuard(t, 4*mb, 10*mb)

	// Undeclared size passes the static check.
	b, err := g.Authorize(context.Background(), "alice", 0)
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if b.Remaining() != 6*mb {
		t.Errorf("remaining = %d, want 6MB", b.Remaining())
	}

	var trackErr error
	for i := 0; i < 7 && trackErr == nil; i++ {
		trackErr = b.Track(mb)
	}
	if !errors.Is(trackErr, ErrQuotaExceededDuringTransfer) {
		t.Fatalf("expected ErrQuotaExceededDuringTransfer, got %v", trackErr)
	}
	if b.Observed() != 7*mb {
		t.Errorf("observed = %d, want 7MB", b.Observed())
	}
}

func TestTrack_ExactlyRemainingIsAllowed(t *testing.T) {
	g, _ := newGuard(t, 0, 100)
	b, err := g.Authorize(context.Background(), "alice", 100)
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if err := b.Track(100); err != nil {
		t.Errorf("Track(100) with 100 remaining: %v", err)
	}
	if err := b.Track(1); !errors.Is(err, ErrQuotaExceededDuringTransfer) {
		t.Errorf("Track past remaining: got %v", err)
	}
}

func TestCheckOwner(t *testing.T) {
	tests := []struct {
		name    string
		used    int64
		limit   int64
		wantErr bool
	}{
		{"room left", 4 * mb, 10 * mb, false},
		{"exactly full", 10 * mb, 10 * mb, true},
		{"zero limit", 0, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := memory.New(tt.limit)
			if tt.used > 0 {
				if _, err := store.AddUsage(context.Background(), "alice", tt.used); err != nil {
					t.Fatal(err)
				}
			}
			g := New(store)
			_, err := g.CheckOwner(context.Background(), "alice")
			if tt.wantErr != (err != nil) {
				t.Fatalf("CheckOwner err = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrQuotaExceeded) {
				t.Errorf("expected ErrQuotaExceeded, got %v", err)
			}
		})
	}
}

func TestCommit_ConcurrentUploadsCannotJointlyExceed(t *testing.T) {
	g, _ := newGuard(t, 4*mb, 10*mb)
	ctx := context.Background()

	// Both uploads pass the static check against the same 6MB remaining.
	b1, err := g.Authorize(ctx, "alice", 4*mb)
	if err != nil {
		t.Fatalf("Authorize 1: %v", err)
	}
	b2, err := g.Authorize(ctx, "alice", 4*mb)
	if err != nil {
		t.Fatalf("Authorize 2: %v", err)
	}
	_ = b1.Track(4 * mb)
	_ = b2.Track(4 * mb)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, b := range []*Budget{b1, b2} {
		wg.Add(1)
		go func(i int, b *Budget) {
			defer wg.Done()
			errs[i] = g.Commit(ctx, "alice", b.Observed())
		}(i, b)
	}
	wg.Wait()

	failed := 0
	for _, err := range errs {
		if err != nil {
			if !errors.Is(err, ErrQuotaExceeded) {
				t.Errorf("unexpected commit error: %v", err)
			}
			failed++
		}
	}
	if failed != 1 {
		t.Fatalf("expected exactly one commit to fail, got %d", failed)
	}
	q, _ := g.State(ctx, "alice")
	if q.UsedBytes != 8*mb {
		t.Errorf("used = %d, want 8MB", q.UsedBytes)
	}
}

func TestRelease(t *testing.T) {
	g, _ := newGuard(t, 9*mb, 10*mb)
	ctx := context.Background()

	if err := g.Release(ctx, "alice", 5*mb); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := g.Release(ctx, "alice", 0); err != nil {
		t.Fatalf("Release(0): %v", err)
	}
	q, _ := g.State(ctx, "alice")
	if q.UsedBytes != 4*mb {
		t.Errorf("used = %d, want 4MB", q.UsedBytes)
	}
}
