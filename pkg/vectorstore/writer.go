// Copyright Brain Ingest Authors
// SPDX-License-Identifier: Apache-2.0

package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/leseb/brainingest/pkg/observability/logging"
)

// PointFailure records a point the index refused.
type PointFailure struct {
	ID         string
	ChunkIndex int
	Err        error
}

// UpsertReport summarizes a Writer.Upsert call.
type UpsertReport struct {
	Written []string // ids of persisted points, in input order
	Failed  []PointFailure
}

// WriterOptions tunes batching and retries.
type WriterOptions struct {
	BatchSize   int
	MaxAttempts int
	BaseDelay   time.Duration
	Timeout     time.Duration // per index call
	Logger      *slog.Logger
}

// Writer is the ingestion-side front of an Index. It creates collections
// once, splits upserts into batches, retries idempotent calls with
// exponential backoff, and degrades a failing batch to one-point writes so
// that a single bad point does not block its siblings.
type Writer struct {
	index Index
	opts  WriterOptions

	mu      sync.Mutex
	ensured map[string]ensuredParams
}

type ensuredParams struct {
	dim    int
	metric Metric
}

// NewWriter wraps index.
func NewWriter(index Index, opts WriterOptions) *Writer {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 64
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = 200 * time.Millisecond
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 20 * time.Second
	}
	opts.Logger = logging.OrDefault(opts.Logger)
	return &Writer{index: index, opts: opts, ensured: make(map[string]ensuredParams)}
}

// Index returns the wrapped index.
func (w *Writer) Index() Index {
	return w.index
}

// Ensure creates the collection if this Writer has not already done so
// with the same parameters.
func (w *Writer) Ensure(ctx context.Context, collection string, dim int, metric Metric) error {
	w.mu.Lock()
	p, ok := w.ensured[collection]
	w.mu.Unlock()
	if ok && p.dim == dim && p.metric == metric {
		return nil
	}

	err := RetryWithBackoff(ctx, func() error {
		cctx, cancel := context.WithTimeout(ctx, w.opts.Timeout)
		defer cancel()
		return w.index.EnsureCollection(cctx, collection, dim, metric)
	}, w.opts.MaxAttempts, w.opts.BaseDelay)
	if err != nil {
		return fmt.Errorf("ensure collection %s: %w", collection, err)
	}

	w.mu.Lock()
	w.ensured[collection] = ensuredParams{dim: dim, metric: metric}
	w.mu.Unlock()
	return nil
}

// Upsert writes points in batches. Failures are reported per point, never
// returned; the only error is ctx's.
func (w *Writer) Upsert(ctx context.Context, collection string, points []Point) (UpsertReport, error) {
	var report UpsertReport
	for start := 0; start < len(points); start += w.opts.BatchSize {
		if err := ctx.Err(); err != nil {
			return report, context.Cause(ctx)
		}
		batch := points[start:min(start+w.opts.BatchSize, len(points))]

		err := RetryWithBackoff(ctx, func() error {
			return w.upsert(ctx, collection, batch)
		}, w.opts.MaxAttempts, w.opts.BaseDelay)
		if err == nil {
			for _, p := range batch {
				report.Written = append(report.Written, p.ID)
			}
			continue
		}
		if ctx.Err() != nil {
			return report, context.Cause(ctx)
		}

		w.opts.Logger.Warn("batch upsert failed, writing points one at a time",
			"collection", collection, "points", len(batch), "error", err)
		for _, p := range batch {
			if err := w.upsert(ctx, collection, []Point{p}); err != nil {
				if ctx.Err() != nil {
					return report, context.Cause(ctx)
				}
				w.opts.Logger.Warn("point upsert failed",
					"event", logging.EventIndexWriteFailed,
					"collection", collection,
					"point_id", p.ID,
					"file_id", p.Payload.FileID,
					"chunk_index", p.Payload.ChunkIndex,
					"error", err)
				report.Failed = append(report.Failed, PointFailure{ID: p.ID, ChunkIndex: p.Payload.ChunkIndex, Err: err})
				continue
			}
			report.Written = append(report.Written, p.ID)
		}
	}
	return report, nil
}

func (w *Writer) upsert(ctx context.Context, collection string, batch []Point) error {
	cctx, cancel := context.WithTimeout(ctx, w.opts.Timeout)
	defer cancel()
	return w.index.Upsert(cctx, collection, batch)
}

// RetryWithBackoff retries operation up to maxAttempts times, doubling
// baseDelay after each failure. Errors wrapping ErrInvalidPoint,
// ErrCollectionMismatch or ErrCollectionNotFound are permanent and returned
// immediately.
func RetryWithBackoff(ctx context.Context, operation func() error, maxAttempts int, baseDelay time.Duration) error {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var lastErr error
	delay := baseDelay
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return context.Cause(ctx)
		}

		lastErr = operation()
		if lastErr == nil || permanent(lastErr) {
			return lastErr
		}

		// Don't sleep after the last attempt
		if attempt == maxAttempts {
			break
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return context.Cause(ctx)
		case <-timer.C:
		}
		delay *= 2
	}
	return lastErr
}

func permanent(err error) bool {
	return errors.Is(err, ErrInvalidPoint) ||
		errors.Is(err, ErrCollectionMismatch) ||
		errors.Is(err, ErrCollectionNotFound)
}
