// Copyright Brain Ingest Authors
// SPDX-License-Identifier: Apache-2.0

// Package quota guards each owner's cumulative stored-byte budget.
//
// A file upload is checked three times: statically against its declared size
// before any byte is written (Authorize), continuously as bytes arrive
// (Budget.Track), and finally when usage is committed. The commit is a
// conditional increment in the record store so that concurrent uploads that
// each passed Authorize cannot jointly push usage past the limit.
package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/leseb/brainingest/pkg/core/state"
	"github.com/leseb/brainingest/pkg/observability/logging"
)

var (
	// ErrQuotaExceeded is the static denial: the declared size, or the final
	// observed size at commit time, does not fit in the remaining budget.
	ErrQuotaExceeded = errors.New("quota exceeded")
	// ErrQuotaExceededDuringTransfer is raised once the bytes actually
	// received exceed the budget captured at authorization.
	ErrQuotaExceededDuringTransfer = errors.New("quota exceeded during transfer")
)

// Guard authorizes, tracks and commits per-owner storage usage.
type Guard struct {
	store  state.Store
	logger *slog.Logger
}

// Option configures a Guard.
type Option func(*Guard)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Guard) { g.logger = l }
}

// New returns a Guard backed by store.
func New(store state.Store, opts ...Option) *Guard {
	g := &Guard{store: store}
	for _, o := range opts {
		o(g)
	}
	g.logger = logging.OrDefault(g.logger)
	return g
}

// CheckOwner fails with ErrQuotaExceeded when the owner has no budget left at
// all. Callers use it to reject a whole request before reading any part.
func (g *Guard) CheckOwner(ctx context.Context, ownerID string) (state.QuotaState, error) {
	q, err := g.store.GetQuota(ctx, ownerID)
	if err != nil {
		return q, fmt.Errorf("read quota: %w", err)
	}
	if q.Remaining() <= 0 {
		return q, fmt.Errorf("%w: owner %s has used %d of %d bytes", ErrQuotaExceeded, ownerID, q.UsedBytes, q.LimitBytes)
	}
	return q, nil
}

// Authorize performs the static check for one file. declared may be zero
// when the client did not announce a size; the returned Budget enforces the
// remaining allowance as bytes arrive either way.
func (g *Guard) Authorize(ctx context.Context, ownerID string, declared int64) (*Budget, error) {
	q, err := g.store.GetQuota(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("read quota: %w", err)
	}
	remaining := q.Remaining()
	if remaining <= 0 || declared > remaining {
		return nil, fmt.Errorf("%w: declared %d bytes, %d remaining", ErrQuotaExceeded, declared, max(remaining, 0))
	}
	return &Budget{remaining: remaining}, nil
}

// Commit adds observed bytes to the owner's usage. It fails with
// ErrQuotaExceeded if a concurrent upload consumed the budget first.
func (g *Guard) Commit(ctx context.Context, ownerID string, observed int64) error {
	q, err := g.store.AddUsage(ctx, ownerID, observed)
	if errors.Is(err, state.ErrQuotaConflict) {
		return fmt.Errorf("%w: committing %d bytes, %d remaining", ErrQuotaExceeded, observed, max(q.Remaining(), 0))
	}
	if err != nil {
		return fmt.Errorf("commit usage: %w", err)
	}
	g.logger.Debug("quota committed", "owner_id", ownerID, "bytes", observed, "used", q.UsedBytes, "limit", q.LimitBytes)
	return nil
}

// Release returns n bytes to the owner's budget after a delete or replace.
func (g *Guard) Release(ctx context.Context, ownerID string, n int64) error {
	if n <= 0 {
		return nil
	}
	q, err := g.store.ReleaseUsage(ctx, ownerID, n)
	if err != nil {
		return fmt.Errorf("release usage: %w", err)
	}
	g.logger.Debug("quota released", "owner_id", ownerID, "bytes", n, "used", q.UsedBytes)
	return nil
}

// State returns the owner's current counter.
func (g *Guard) State(ctx context.Context, ownerID string) (state.QuotaState, error) {
	return g.store.GetQuota(ctx, ownerID)
}

// Budget is the allowance captured for a single file at authorization. It
// is used by the one goroutine pumping that file's bytes.
type Budget struct {
	remaining int64
	observed  int64
}

// Track records n more received bytes and fails once the total exceeds the
// allowance.
func (b *Budget) Track(n int) error {
	b.observed += int64(n)
	if b.observed > b.remaining {
		return fmt.Errorf("%w: received %d bytes, %d remaining", ErrQuotaExceededDuringTransfer, b.observed, b.remaining)
	}
	return nil
}

// Observed returns the total bytes tracked so far.
func (b *Budget) Observed() int64 {
	return b.observed
}

// Remaining returns the allowance captured at authorization.
func (b *Budget) Remaining() int64 {
	return b.remaining
}
