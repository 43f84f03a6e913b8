// Copyright Brain Ingest Authors
// SPDX-License-Identifier: Apache-2.0

package state

import (
	"context"
	"errors"
	"time"

	"github.com/leseb/brainingest/pkg/provider"
)

// Providers is the registry for FileRecord and quota persistence backends.
var Providers = provider.NewRegistry[Store]("metadata_store")

var (
	// ErrNotFound is returned when a file record does not exist for the owner.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned by CreateFile for a duplicate id.
	ErrAlreadyExists = errors.New("already exists")
	// ErrQuotaConflict is returned by AddUsage when the increment would push
	// used bytes past the limit.
	ErrQuotaConflict = errors.New("usage would exceed quota limit")
)

// Store persists file records and per-owner quota counters.
type Store interface {
	CreateFile(ctx context.Context, rec *FileRecord) error
	GetFile(ctx context.Context, ownerID, fileID string) (*FileRecord, error)
	UpdateFile(ctx context.Context, rec *FileRecord) error
	DeleteFile(ctx context.Context, ownerID, fileID string) error
	ListFiles(ctx context.Context, q ListFilesQuery) ([]*FileRecord, error)

	// GetQuota returns the owner's counter. Owners with no row report zero
	// usage against the store's default limit.
	GetQuota(ctx context.Context, ownerID string) (QuotaState, error)
	// AddUsage increments used bytes by n only if used+n stays within the
	// limit. The check and the write are a single atomic step.
	AddUsage(ctx context.Context, ownerID string, n int64) (QuotaState, error)
	// ReleaseUsage decrements used bytes by n, flooring at zero.
	ReleaseUsage(ctx context.Context, ownerID string, n int64) (QuotaState, error)
	SetQuotaLimit(ctx context.Context, ownerID string, limit int64) error

	Close() error
}

// ExtractionStatus records what text extraction produced for a file.
type ExtractionStatus string

const (
	// ExtractionExtracted means text was extracted and chunked.
	ExtractionExtracted ExtractionStatus = "extracted"
	// ExtractionEmpty means extraction succeeded but yielded no text.
	ExtractionEmpty ExtractionStatus = "empty"
	// ExtractionSkipped means the extractor failed and the file was stored without text.
	ExtractionSkipped ExtractionStatus = "skipped"
	// ExtractionUnsupported means no extractor exists for the category (images).
	ExtractionUnsupported ExtractionStatus = "unsupported"
)

// FileRecord is the persisted metadata for a stored file.
type FileRecord struct {
	ID                 string
	OwnerID            string
	BrainID            string
	Name               string
	MimeType           string
	Extension          string
	Category           string
	Size               int64
	StorageKey         string
	ExtractionStatus   ExtractionStatus
	EmbeddedChunkCount int
	TotalChunkCount    int
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// ListFilesQuery filters ListFiles. BrainID is optional.
type ListFilesQuery struct {
	OwnerID string
	BrainID string
	Limit   int
}

// QuotaState is an owner's cumulative stored-byte budget.
type QuotaState struct {
	OwnerID    string
	UsedBytes  int64
	LimitBytes int64
}

// Remaining returns the bytes still available, which may be negative when
// a limit was lowered below current usage.
func (q QuotaState) Remaining() int64 {
	return q.LimitBytes - q.UsedBytes
}
