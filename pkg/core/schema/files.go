// Copyright Brain Ingest Authors
// SPDX-License-Identifier: Apache-2.0

package schema

// File is a stored file as returned by the files API.
type File struct {
	ID                 string `json:"id"`
	Object             string `json:"object"` // Always "file"
	BrainID            string `json:"brain_id"`
	Filename           string `json:"filename"`
	MimeType           string `json:"mime_type"`
	Extension          string `json:"extension"`
	Category           string `json:"category"`
	Bytes              int64  `json:"bytes"`
	ExtractionStatus   string `json:"extraction_status" enums:"extracted,empty,skipped,unsupported"`
	EmbeddedChunkCount int    `json:"embedded_chunk_count"`
	TotalChunkCount    int    `json:"total_chunk_count"`
	CreatedAt          int64  `json:"created_at"` // Unix timestamp
	UpdatedAt          int64  `json:"updated_at"` // Unix timestamp
}

// FileError describes why a file was rejected, or a non-fatal problem with
// a stored file.
type FileError struct {
	Type    string `json:"type"`
	Stage   string `json:"stage"`
	Message string `json:"message"`
}

// FileOutcome is the per-file result of an upload request.
type FileOutcome struct {
	Object   string      `json:"object"` // Always "file.outcome"
	FileID   string      `json:"file_id,omitempty"`
	Filename string      `json:"filename"`
	Status   string      `json:"status" enums:"stored,stored_partial,rejected"`
	Stage    string      `json:"stage"`
	File     *File       `json:"file,omitempty"`
	Error    *FileError  `json:"error,omitempty"`
	Warnings []FileError `json:"warnings,omitempty"`
}

// UploadResponse lists the outcome of every part of a multipart upload.
type UploadResponse struct {
	Object string        `json:"object"` // Always "list"
	Data   []FileOutcome `json:"data"`
}

// ListFilesResponse represents a list of files
type ListFilesResponse struct {
	Object  string `json:"object"` // Always "list"
	Data    []File `json:"data"`
	FirstID string `json:"first_id,omitempty"`
	LastID  string `json:"last_id,omitempty"`
}

// DeleteFileResponse represents the response from deleting a file
type DeleteFileResponse struct {
	ID      string `json:"id"`
	Object  string `json:"object"` // Always "file"
	Deleted bool   `json:"deleted"`
}
