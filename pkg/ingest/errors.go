// Copyright Brain Ingest Authors
// SPDX-License-Identifier: Apache-2.0

package ingest

import (
	"context"
	"errors"
	"fmt"

	"github.com/leseb/brainingest/pkg/quota"
)

// Stage is a step of the per-file state machine.
type Stage string

const (
	StageReceived   Stage = "received"
	StageValidating Stage = "validating"
	StageRejected   Stage = "rejected"
	StageAccepted   Stage = "accepted"
	StageStoring    Stage = "storing"
	StageExtracting Stage = "extracting"
	StageChunking   Stage = "chunking"
	StageEmbedding  Stage = "embedding"
	StageIndexing   Stage = "indexing"
	StageCompleted  Stage = "completed"
	StageFailed     Stage = "failed"
)

// Kind classifies a file-level failure.
type Kind string

const (
	KindValidation        Kind = "validation_error"
	KindQuotaExceeded     Kind = "quota_exceeded"
	KindExtraction        Kind = "extraction_error"
	KindEmbeddingProvider Kind = "embedding_provider_error"
	KindIndexWrite        Kind = "index_write_error"
	KindStorage           Kind = "storage_error"
	KindCancelled         Kind = "cancelled"
)

// FileError is an error scoped to one file.
type FileError struct {
	Kind  Kind
	Stage Stage
	Err   error
}

func (e *FileError) Error() string {
	return fmt.Sprintf("%s at %s: %v", e.Kind, e.Stage, e.Err)
}

func (e *FileError) Unwrap() error {
	return e.Err
}

// Fatal reports whether the file must be rolled back. Extraction,
// embedding and index errors only reduce what gets indexed.
func (e *FileError) Fatal() bool {
	switch e.Kind {
	case KindExtraction, KindEmbeddingProvider, KindIndexWrite:
		return false
	default:
		return true
	}
}

// classify wraps err as a FileError. Quota and context errors take their
// own kind regardless of the stage's default.
func classify(stage Stage, kind Kind, err error) *FileError {
	var fe *FileError
	if errors.As(err, &fe) {
		return fe
	}
	switch {
	case errors.Is(err, quota.ErrQuotaExceeded), errors.Is(err, quota.ErrQuotaExceededDuringTransfer):
		kind = KindQuotaExceeded
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		kind = KindCancelled
	}
	return &FileError{Kind: kind, Stage: stage, Err: err}
}
