// Copyright Brain Ingest Authors
// SPDX-License-Identifier: Apache-2.0

package schema

// SearchRequest is the body of POST /v1/brains/{brain_id}/search.
type SearchRequest struct {
	Query  string `json:"query"`
	TopK   int    `json:"top_k,omitempty"`
	FileID string `json:"file_id,omitempty"`
}

// SearchResult is one matching chunk.
type SearchResult struct {
	Score      float64 `json:"score"`
	FileID     string  `json:"file_id"`
	Filename   string  `json:"filename"`
	ChunkIndex int     `json:"chunk_index"`
	Content    string  `json:"content"`
}

// SearchResponse represents a ranked list of chunks
type SearchResponse struct {
	Object string         `json:"object"` // Always "list"
	Query  string         `json:"query"`
	Data   []SearchResult `json:"data"`
}
