// Copyright Brain Ingest Authors
// SPDX-License-Identifier: Apache-2.0

package vectorstore_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/leseb/brainingest/pkg/observability/logging"
	"github.com/leseb/brainingest/pkg/vectorstore"
	"github.com/leseb/brainingest/pkg/vectorstore/memory"
)

const dim = 4

func point(i int) vectorstore.Point {
	return vectorstore.Point{
		ID:     fmt.Sprintf("p%d", i),
		Vector: []float32{float32(i), 1, 0, 0},
		Payload: vectorstore.Payload{
			FileID:     "file-1",
			ChunkIndex: i - 1,
			Text:       fmt.Sprintf("chunk %d", i),
			Filename:   "doc.txt",
		},
	}
}

// countingIndex wraps an Index, counts calls and injects failures.
type countingIndex struct {
	vectorstore.Index

	mu          sync.Mutex
	ensureCalls int
	upsertCalls int
	failUpserts int // fail this many upserts with a transient error
}

func (c *countingIndex) EnsureCollection(ctx context.Context, name string, d int, m vectorstore.Metric) error {
	c.mu.Lock()
	c.ensureCalls++
	c.mu.Unlock()
	return c.Index.EnsureCollection(ctx, name, d, m)
}

func (c *countingIndex) Upsert(ctx context.Context, name string, pts []vectorstore.Point) error {
	c.mu.Lock()
	c.upsertCalls++
	fail := c.failUpserts > 0
	if fail {
		c.failUpserts--
	}
	c.mu.Unlock()
	if fail {
		return errors.New("connection reset")
	}
	return c.Index.Upsert(ctx, name, pts)
}

func newWriter(idx vectorstore.Index) *vectorstore.Writer {
	return vectorstore.NewWriter(idx, vectorstore.WriterOptions{
		BatchSize:   10,
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		Logger:      logging.Discard(),
	})
}

func TestEnsureCollectionIdempotent(t *testing.T) {
	ctx := context.Background()
	mem := memory.New()

	if err := mem.EnsureCollection(ctx, "brain_a", dim, vectorstore.MetricCosine); err != nil {
		t.Fatal(err)
	}
	if err := mem.EnsureCollection(ctx, "brain_a", dim, vectorstore.MetricCosine); err != nil {
		t.Fatalf("second EnsureCollection error = %v", err)
	}
	err := mem.EnsureCollection(ctx, "brain_a", dim+1, vectorstore.MetricCosine)
	if !errors.Is(err, vectorstore.ErrCollectionMismatch) {
		t.Fatalf("mismatched EnsureCollection error = %v, want ErrCollectionMismatch", err)
	}

	idx := &countingIndex{Index: mem}
	w := newWriter(idx)
	for range 3 {
		if err := w.Ensure(ctx, "brain_b", dim, vectorstore.MetricCosine); err != nil {
			t.Fatal(err)
		}
	}
	if idx.ensureCalls != 1 {
		t.Errorf("EnsureCollection reached the index %d times, want 1", idx.ensureCalls)
	}
}

func TestEnsureMismatchIsNotRetried(t *testing.T) {
	ctx := context.Background()
	mem := memory.New()
	if err := mem.EnsureCollection(ctx, "c", dim, vectorstore.MetricL2); err != nil {
		t.Fatal(err)
	}
	idx := &countingIndex{Index: mem}
	err := newWriter(idx).Ensure(ctx, "c", dim, vectorstore.MetricCosine)
	if !errors.Is(err, vectorstore.ErrCollectionMismatch) {
		t.Fatalf("Ensure() error = %v", err)
	}
	if idx.ensureCalls != 1 {
		t.Errorf("ensure calls = %d, want 1", idx.ensureCalls)
	}
}

func TestUpsertDegradesPerPoint(t *testing.T) {
	ctx := context.Background()
	mem := memory.New()
	w := newWriter(mem)
	if err := w.Ensure(ctx, "c", dim, vectorstore.MetricCosine); err != nil {
		t.Fatal(err)
	}

	points := make([]vectorstore.Point, 10)
	for i := range points {
		points[i] = point(i + 1)
	}
	points[6].Vector = []float32{1, 2} // point #7 is malformed

	report, err := w.Upsert(ctx, "c", points)
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Written) != 9 {
		t.Errorf("written = %d, want 9", len(report.Written))
	}
	if len(report.Failed) != 1 || report.Failed[0].ID != "p7" || report.Failed[0].ChunkIndex != 6 {
		t.Fatalf("failed = %+v, want only p7", report.Failed)
	}
	if !errors.Is(report.Failed[0].Err, vectorstore.ErrInvalidPoint) {
		t.Errorf("failure error = %v", report.Failed[0].Err)
	}

	stored, err := mem.Scroll(ctx, "c", vectorstore.Filter{FileID: "file-1"}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(stored) != 9 {
		t.Fatalf("stored = %d points, want 9", len(stored))
	}
	for _, p := range stored {
		if p.ID == "p7" {
			t.Error("malformed point was persisted")
		}
	}
}

func TestUpsertRetriesTransientFailures(t *testing.T) {
	ctx := context.Background()
	idx := &countingIndex{Index: memory.New(), failUpserts: 2}
	w := newWriter(idx)
	if err := w.Ensure(ctx, "c", dim, vectorstore.MetricCosine); err != nil {
		t.Fatal(err)
	}

	report, err := w.Upsert(ctx, "c", []vectorstore.Point{point(1), point(2)})
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Written) != 2 || len(report.Failed) != 0 {
		t.Errorf("report = %+v", report)
	}
	if idx.upsertCalls != 3 {
		t.Errorf("upsert calls = %d, want 3", idx.upsertCalls)
	}
}

func TestUpsertSplitsBatches(t *testing.T) {
	ctx := context.Background()
	idx := &countingIndex{Index: memory.New()}
	w := newWriter(idx)
	if err := w.Ensure(ctx, "c", dim, vectorstore.MetricCosine); err != nil {
		t.Fatal(err)
	}
	points := make([]vectorstore.Point, 25)
	for i := range points {
		points[i] = point(i + 1)
	}
	report, err := w.Upsert(ctx, "c", points)
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Written) != 25 || idx.upsertCalls != 3 {
		t.Errorf("written=%d calls=%d, want 25 and 3", len(report.Written), idx.upsertCalls)
	}
	for i, id := range report.Written {
		if id != points[i].ID {
			t.Fatalf("written[%d] = %s, want input order", i, id)
		}
	}
}

func TestUpsertCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newWriter(memory.New()).Upsert(ctx, "c", []vectorstore.Point{point(1)})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Upsert() error = %v, want context.Canceled", err)
	}
}

func TestRetryWithBackoff(t *testing.T) {
	ctx := context.Background()

	calls := 0
	err := vectorstore.RetryWithBackoff(ctx, func() error {
		calls++
		return fmt.Errorf("bad: %w", vectorstore.ErrInvalidPoint)
	}, 5, time.Millisecond)
	if !errors.Is(err, vectorstore.ErrInvalidPoint) || calls != 1 {
		t.Errorf("permanent error: calls=%d err=%v", calls, err)
	}

	calls = 0
	transient := errors.New("timeout")
	err = vectorstore.RetryWithBackoff(ctx, func() error {
		calls++
		return transient
	}, 3, time.Millisecond)
	if !errors.Is(err, transient) || calls != 3 {
		t.Errorf("transient error: calls=%d err=%v", calls, err)
	}
}

func TestCollectionName(t *testing.T) {
	tests := []struct {
		prefix, brain, want string
	}{
		{"brain_", "Sales-Team", "brain_sales_team"},
		{"brain_", "", "brain_default"},
		{"", "x", "c_x"},
		{"9p_", "ok", "c_9p_ok"},
	}
	for _, tt := range tests {
		if got := vectorstore.CollectionName(tt.prefix, tt.brain); got != tt.want {
			t.Errorf("CollectionName(%q, %q) = %q, want %q", tt.prefix, tt.brain, got, tt.want)
		}
	}
}

func TestParseMetric(t *testing.T) {
	if m, err := vectorstore.ParseMetric("COSINE"); err != nil || m != vectorstore.MetricCosine {
		t.Errorf("ParseMetric(COSINE) = %q, %v", m, err)
	}
	if _, err := vectorstore.ParseMetric("hamming"); err == nil {
		t.Error("ParseMetric(hamming) should fail")
	}
}

func TestMemorySearchAndDelete(t *testing.T) {
	ctx := context.Background()
	mem := memory.New()
	if err := mem.EnsureCollection(ctx, "c", dim, vectorstore.MetricCosine); err != nil {
		t.Fatal(err)
	}
	other := point(9)
	other.Payload.FileID = "file-2"
	other.Vector = []float32{0, 0, 1, 0}
	if err := mem.Upsert(ctx, "c", []vectorstore.Point{point(1), point(2), other}); err != nil {
		t.Fatal(err)
	}

	hits, err := mem.Search(ctx, "c", []float32{0, 0, 1, 0}, vectorstore.Filter{}, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 2 || hits[0].ID != "p9" {
		t.Fatalf("hits = %+v, want p9 first", hits)
	}

	hits, err = mem.Search(ctx, "c", []float32{0, 0, 1, 0}, vectorstore.Filter{FileID: "file-1"}, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 2 {
		t.Fatalf("filtered hits = %d, want 2", len(hits))
	}

	if err := mem.DeleteByFile(ctx, "c", "file-1"); err != nil {
		t.Fatal(err)
	}
	if mem.Len("c") != 1 {
		t.Errorf("Len() = %d after delete, want 1", mem.Len("c"))
	}
	if err := mem.DeleteByFile(ctx, "missing", "file-1"); err != nil {
		t.Errorf("DeleteByFile on missing collection = %v", err)
	}
}
