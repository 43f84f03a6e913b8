// Copyright Brain Ingest Authors
// SPDX-License-Identifier: Apache-2.0

package pgvector

import (
	"context"
	"errors"
	"os"
	"reflect"
	"testing"

	"github.com/leseb/brainingest/pkg/vectorstore"
)

func TestWhere(t *testing.T) {
	tests := []struct {
		name     string
		filter   vectorstore.Filter
		next     int
		wantCond string
		wantArgs []any
	}{
		{"empty", vectorstore.Filter{}, 1, "", nil},
		{"file", vectorstore.Filter{FileID: "f1"}, 1, " WHERE file_id = $1", []any{"f1"}},
		{
			"owner and name after query vector",
			vectorstore.Filter{Filename: "a.txt", OwnerID: "u1"}, 2,
			" WHERE filename = $2 AND owner_id = $3", []any{"a.txt", "u1"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cond, args := where(tt.filter, tt.next)
			if cond != tt.wantCond || !reflect.DeepEqual(args, tt.wantArgs) {
				t.Errorf("where() = %q %v, want %q %v", cond, args, tt.wantCond, tt.wantArgs)
			}
		})
	}
}

func TestScore(t *testing.T) {
	if got := score(vectorstore.MetricCosine, 0.25); got != 0.75 {
		t.Errorf("cosine score = %v", got)
	}
	if got := score(vectorstore.MetricL2, 2); got != -2 {
		t.Errorf("l2 score = %v", got)
	}
	if got := score(vectorstore.MetricIP, -3); got != 3 {
		t.Errorf("ip score = %v", got)
	}
}

func TestTableQuotesIdentifier(t *testing.T) {
	if got := table("brain_default"); got != `"brain_default"` {
		t.Errorf("table() = %s", got)
	}
}

func TestPgvectorRoundTrip(t *testing.T) {
	dsn := os.Getenv("PGVECTOR_TEST_DSN")
	if dsn == "" {
		t.Skip("PGVECTOR_TEST_DSN not set")
	}
	ctx := context.Background()
	x, err := New(ctx, dsn)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer x.Close(ctx)

	const coll = "brain_pgvector_test"
	t.Cleanup(func() {
		_, _ = x.db.ExecContext(ctx, `DROP TABLE IF EXISTS `+table(coll))
		_, _ = x.db.ExecContext(ctx, `DELETE FROM vector_collections WHERE name = $1`, coll)
	})

	if err := x.EnsureCollection(ctx, coll, 3, vectorstore.MetricCosine); err != nil {
		t.Fatal(err)
	}
	if err := x.EnsureCollection(ctx, coll, 3, vectorstore.MetricCosine); err != nil {
		t.Fatalf("second ensure: %v", err)
	}
	if err := x.EnsureCollection(ctx, coll, 4, vectorstore.MetricCosine); !errors.Is(err, vectorstore.ErrCollectionMismatch) {
		t.Fatalf("mismatch error = %v", err)
	}

	points := []vectorstore.Point{
		{ID: "a", Vector: []float32{1, 0, 0}, Payload: vectorstore.Payload{FileID: "f1", ChunkIndex: 0, OwnerID: "u"}},
		{ID: "b", Vector: []float32{0, 1, 0}, Payload: vectorstore.Payload{FileID: "f1", ChunkIndex: 1, OwnerID: "u"}},
	}
	if err := x.Upsert(ctx, coll, points); err != nil {
		t.Fatal(err)
	}
	bad := []vectorstore.Point{{ID: "c", Vector: []float32{1}}}
	if err := x.Upsert(ctx, coll, bad); !errors.Is(err, vectorstore.ErrInvalidPoint) {
		t.Fatalf("bad upsert error = %v", err)
	}

	hits, err := x.Search(ctx, coll, []float32{0, 1, 0}, vectorstore.Filter{OwnerID: "u"}, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 || hits[0].ID != "b" {
		t.Fatalf("hits = %+v", hits)
	}

	if err := x.DeleteByFile(ctx, coll, "f1"); err != nil {
		t.Fatal(err)
	}
	rest, err := x.Scroll(ctx, coll, vectorstore.Filter{}, 0)
	if err != nil || len(rest) != 0 {
		t.Fatalf("scroll after delete = %v, %v", rest, err)
	}
}
