// Copyright Brain Ingest Authors
// SPDX-License-Identifier: Apache-2.0

package milvus

import (
	"context"
	"errors"
	"slices"
	"testing"

	milvusclient "github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"

	"github.com/leseb/brainingest/pkg/vectorstore"
)

func TestFilterExpr(t *testing.T) {
	tests := []struct {
		name   string
		filter vectorstore.Filter
		want   string
	}{
		{"empty", vectorstore.Filter{}, ""},
		{"file", vectorstore.Filter{FileID: "f1"}, `file_id == "f1"`},
		{"all", vectorstore.Filter{FileID: "f1", Filename: "a.txt", OwnerID: "u"}, `file_id == "f1" && filename == "a.txt" && owner_id == "u"`},
		{"quoted name", vectorstore.Filter{Filename: `say "hi".txt`}, `filename == "say \"hi\".txt"`},
		{"backslash", vectorstore.Filter{Filename: `a\b`}, `filename == "a\\b"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := filterExpr(tt.filter); got != tt.want {
				t.Errorf("filterExpr() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestTruncateKeepsRunes(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 10, "short"},
		{"abcdef", 3, "abc"},
		{"héllo", 2, "h"}, // é is two bytes
		{"héllo", 3, "hé"},
	}
	for _, tt := range tests {
		if got := truncate(tt.in, tt.n); got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}

func TestMetricType(t *testing.T) {
	if metricType(vectorstore.MetricL2) != entity.L2 || metricType(vectorstore.MetricIP) != entity.IP || metricType(vectorstore.MetricCosine) != entity.COSINE {
		t.Error("unexpected metric mapping")
	}
}

type fakeIndexer struct {
	present   map[string]bool
	createErr error
	created   []string
	loaded    bool
}

func (f *fakeIndexer) DescribeIndex(_ context.Context, _ string, field string, _ ...milvusclient.IndexOption) ([]entity.Index, error) {
	if f.present[field] {
		return []entity.Index{entity.NewScalarIndex()}, nil
	}
	return nil, errors.New("index not found")
}

func (f *fakeIndexer) CreateIndex(_ context.Context, _ string, field string, _ entity.Index, _ bool, _ ...milvusclient.IndexOption) error {
	if f.createErr != nil {
		return f.createErr
	}
	f.created = append(f.created, field)
	return nil
}

func (f *fakeIndexer) LoadCollection(_ context.Context, _ string, _ bool, _ ...milvusclient.LoadCollectionOption) error {
	f.loaded = true
	return nil
}

func TestEnsureIndexes(t *testing.T) {
	tests := []struct {
		name        string
		present     []string
		createErr   error
		wantCreated []string
		wantLoaded  bool
		wantErr     bool
	}{
		{
			name:        "fresh collection",
			wantCreated: []string{fieldEmbedding, fieldFileID, fieldFilename},
			wantLoaded:  true,
		},
		{
			name:       "complete collection is only loaded",
			present:    []string{fieldEmbedding, fieldFileID, fieldFilename},
			wantLoaded: true,
		},
		{
			name:        "scalar indexes missing after partial create",
			present:     []string{fieldEmbedding},
			wantCreated: []string{fieldFileID, fieldFilename},
			wantLoaded:  true,
		},
		{
			name:      "create failure stops before load",
			createErr: errors.New("boom"),
			wantErr:   true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &fakeIndexer{present: map[string]bool{}, createErr: tt.createErr}
			for _, p := range tt.present {
				f.present[p] = true
			}
			err := ensureIndexes(context.Background(), f, "c", entity.COSINE)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ensureIndexes() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !slices.Equal(f.created, tt.wantCreated) {
				t.Errorf("created = %v, want %v", f.created, tt.wantCreated)
			}
			if f.loaded != tt.wantLoaded {
				t.Errorf("loaded = %v, want %v", f.loaded, tt.wantLoaded)
			}
		})
	}
}
