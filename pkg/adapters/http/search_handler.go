// Copyright Brain Ingest Authors
// SPDX-License-Identifier: Apache-2.0

package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/leseb/brainingest/pkg/core/schema"
	"github.com/leseb/brainingest/pkg/ingest"
	"github.com/leseb/brainingest/pkg/vectorstore"
)

const (
	defaultTopK = 5
	maxTopK     = 100
)

// handleSearch handles POST /v1/brains/{brain_id}/search
func (h *Handler) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req schema.SearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, schema.ErrorTypeInvalidRequest, "Failed to parse request body")
		return
	}
	if req.Query == "" {
		h.writeError(w, http.StatusBadRequest, schema.ErrorTypeInvalidRequest, "query is required")
		return
	}
	if req.TopK <= 0 {
		req.TopK = defaultTopK
	}
	req.TopK = min(req.TopK, maxTopK)

	hits, err := h.svc.Search(r.Context(), ingest.SearchRequest{
		OwnerID: ownerFrom(r.Context()),
		BrainID: r.PathValue("brain_id"),
		Query:   req.Query,
		TopK:    req.TopK,
		FileID:  req.FileID,
	})
	// A brain nobody has uploaded to yet has no collection.
	if err != nil && !errors.Is(err, vectorstore.ErrCollectionNotFound) {
		h.writeServiceError(w, err)
		return
	}

	resp := schema.SearchResponse{Object: "list", Query: req.Query, Data: make([]schema.SearchResult, len(hits))}
	for i, hit := range hits {
		resp.Data[i] = schema.SearchResult{
			Score:      hit.Score,
			FileID:     hit.Payload.FileID,
			Filename:   hit.Payload.Filename,
			ChunkIndex: hit.Payload.ChunkIndex,
			Content:    hit.Payload.Text,
		}
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// handleGetQuota handles GET /v1/quota
func (h *Handler) handleGetQuota(w http.ResponseWriter, r *http.Request) {
	q, err := h.svc.Quota(r.Context(), ownerFrom(r.Context()))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, schema.Quota{
		Object:         "quota",
		OwnerID:        q.OwnerID,
		UsedBytes:      q.UsedBytes,
		LimitBytes:     q.LimitBytes,
		RemainingBytes: max(q.Remaining(), 0),
	})
}
