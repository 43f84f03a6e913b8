// Copyright Brain Ingest Authors
// SPDX-License-Identifier: Apache-2.0

// Package ingest is the ingestion orchestrator. For every uploaded file it
// streams the bytes to blob storage while the same bytes are extracted,
// chunked, embedded and indexed, then either persists a FileRecord or rolls
// the file back.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/leseb/brainingest/pkg/blobstore"
	"github.com/leseb/brainingest/pkg/core/state"
	"github.com/leseb/brainingest/pkg/embedding"
	"github.com/leseb/brainingest/pkg/extractor"
	"github.com/leseb/brainingest/pkg/intake"
	"github.com/leseb/brainingest/pkg/observability/logging"
	"github.com/leseb/brainingest/pkg/progress"
	"github.com/leseb/brainingest/pkg/quota"
	"github.com/leseb/brainingest/pkg/vectorstore"
	"github.com/panjf2000/ants/v2"
)

var (
	// ErrRecordStoreRequired is returned by New when Deps.Records is nil.
	ErrRecordStoreRequired = errors.New("record store is required")
	// ErrBlobStoreRequired is returned by New when Deps.Blobs is nil.
	ErrBlobStoreRequired = errors.New("blob store is required")
	// ErrIndexRequired is returned by New when Deps.Writer is nil.
	ErrIndexRequired = errors.New("vector index writer is required")
	// ErrEmbedderRequired is returned by New when Deps.Embedder is nil.
	ErrEmbedderRequired = errors.New("embedder is required")
)

// Deps are the collaborators of a Service.
type Deps struct {
	Records  state.Store
	Blobs    blobstore.Store
	Quota    *quota.Guard // defaults to a Guard over Records
	Formats  *extractor.Registry
	Embedder *embedding.Service
	Writer   *vectorstore.Writer
}

// Options are the tunables of a Service.
type Options struct {
	ChunkSize          int
	ChunkOverlap       int
	WindowBytes        int
	EmbedBatchSize     int
	MaxConcurrentFiles int
	Metric             vectorstore.Metric
	CollectionPrefix   string
	DefaultBrain       string
	MaxFieldBytes      int64
	RollbackTimeout    time.Duration
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithProgress sets the progress publisher.
func WithProgress(p progress.Publisher) Option {
	return func(s *Service) { s.progress = p }
}

// WithClock overrides time.Now for record timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// Service runs ingestions and the file operations that must keep blobs,
// vectors, records and quota consistent with each other.
type Service struct {
	records  state.Store
	blobs    blobstore.Store
	quota    *quota.Guard
	formats  *extractor.Registry
	embedder *embedding.Service
	writer   *vectorstore.Writer
	progress progress.Publisher
	logger   *slog.Logger
	now      func() time.Time
	opts     Options

	pool     *ants.Pool
	inflight sync.WaitGroup
}

// New builds a Service. Close releases its worker pool.
func New(deps Deps, opts Options, options ...Option) (*Service, error) {
	switch {
	case deps.Records == nil:
		return nil, ErrRecordStoreRequired
	case deps.Blobs == nil:
		return nil, ErrBlobStoreRequired
	case deps.Writer == nil:
		return nil, ErrIndexRequired
	case deps.Embedder == nil:
		return nil, ErrEmbedderRequired
	}

	if opts.WindowBytes <= 0 {
		opts.WindowBytes = extractor.DefaultWindowBytes
	}
	if opts.EmbedBatchSize <= 0 {
		opts.EmbedBatchSize = 16
	}
	if opts.MaxConcurrentFiles <= 0 {
		opts.MaxConcurrentFiles = max(runtime.NumCPU()/2, 1)
	}
	if opts.Metric == "" {
		opts.Metric = vectorstore.MetricCosine
	}
	if opts.DefaultBrain == "" {
		opts.DefaultBrain = "default"
	}
	if opts.RollbackTimeout <= 0 {
		opts.RollbackTimeout = 30 * time.Second
	}

	s := &Service{
		records:  deps.Records,
		blobs:    deps.Blobs,
		quota:    deps.Quota,
		formats:  deps.Formats,
		embedder: deps.Embedder,
		writer:   deps.Writer,
		now:      time.Now,
		opts:     opts,
	}
	for _, o := range options {
		o(s)
	}
	s.logger = logging.OrDefault(s.logger)
	if s.progress == nil {
		s.progress = progress.LogPublisher{Logger: s.logger}
	}
	if s.quota == nil {
		s.quota = quota.New(s.records, quota.WithLogger(s.logger))
	}
	if s.formats == nil {
		s.formats = extractor.NewRegistry()
	}

	pool, err := ants.NewPool(opts.MaxConcurrentFiles)
	if err != nil {
		return nil, fmt.Errorf("create file pool: %w", err)
	}
	s.pool = pool
	return s, nil
}

// Close waits for in-flight files and releases the worker pool.
func (s *Service) Close() {
	s.inflight.Wait()
	s.pool.Release()
}

// Collection returns the vector collection that holds brainID's chunks.
func (s *Service) Collection(brainID string) string {
	return vectorstore.CollectionName(s.opts.CollectionPrefix, s.brain(brainID))
}

func (s *Service) brain(brainID string) string {
	if brainID == "" {
		return s.opts.DefaultBrain
	}
	return brainID
}

// Request is a multipart upload of one or more files.
type Request struct {
	OwnerID     string
	BrainID     string // falls back to the "brain_id" form field, then the default brain
	ContentType string
	Body        io.Reader
}

// OutcomeStatus is the user-visible result of one file.
type OutcomeStatus string

const (
	StatusStored        OutcomeStatus = "stored"
	StatusStoredPartial OutcomeStatus = "stored_partial"
	StatusRejected      OutcomeStatus = "rejected"
)

// FileOutcome reports what happened to one file of a request.
type FileOutcome struct {
	FileID   string
	Filename string
	Status   OutcomeStatus
	Stage    Stage
	Record   *state.FileRecord // nil when rejected
	Err      *FileError        // set when rejected
	Warnings []*FileError      // non-fatal problems of a stored file
}

// Result lists the accepted files in request order, followed by the parts
// rejected during intake.
type Result struct {
	Files []FileOutcome
}

// IngestFiles streams every file part of req through the pipeline. Files
// are processed concurrently and fail independently. The returned error is
// request-level: quota.ErrQuotaExceeded when the owner has no budget left,
// intake.ErrMalformed for broken framing. On framing errors files that
// had not completed are rolled back and the partial Result is returned.
func (s *Service) IngestFiles(ctx context.Context, req Request) (*Result, error) {
	if _, err := s.quota.CheckOwner(ctx, req.OwnerID); err != nil {
		return nil, err
	}
	rd, err := intake.NewReader(req.Body, req.ContentType, s.formats, intake.Options{
		MaxFieldBytes: s.opts.MaxFieldBytes,
		Logger:        s.logger,
	})
	if err != nil {
		return nil, err
	}

	rctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	var (
		jobs    []*fileJob
		readErr error
	)
	for {
		part, err := rd.Next(rctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			readErr = err
			cancel(err)
			break
		}
		brain := req.BrainID
		if brain == "" {
			brain = rd.Fields()["brain_id"]
		}
		jobs = append(jobs, s.start(rctx, fileInput{
			id:          part.ID,
			ownerID:     req.OwnerID,
			brainID:     s.brain(brain),
			filename:    part.Filename,
			contentType: part.ContentType,
			declared:    part.DeclaredSize,
			format:      part.Format,
			body:        part.Body,
		}))
	}

	res := &Result{Files: make([]FileOutcome, 0, len(jobs)+len(rd.Rejections()))}
	for _, j := range jobs {
		<-j.done
		res.Files = append(res.Files, j.outcome)
	}
	for _, rej := range rd.Rejections() {
		err := rej.Err
		if err == nil {
			err = errors.New(rej.Reason)
		}
		res.Files = append(res.Files, FileOutcome{
			Filename: rej.Filename,
			Status:   StatusRejected,
			Stage:    StageRejected,
			Err:      &FileError{Kind: KindValidation, Stage: StageValidating, Err: err},
		})
	}
	return res, readErr
}

// FileUpload is a single file handed over by a collaborator that already
// holds the bytes.
type FileUpload struct {
	OwnerID     string
	BrainID     string
	Filename    string
	ContentType string
	Size        int64 // declared size, 0 when unknown
	Body        io.Reader
}

// IngestFile runs one file through the pipeline and waits for its outcome.
func (s *Service) IngestFile(ctx context.Context, up FileUpload) FileOutcome {
	in, ferr := s.validate(up)
	if ferr != nil {
		return FileOutcome{Filename: up.Filename, Status: StatusRejected, Stage: StageRejected, Err: ferr}
	}
	in.id = uuid.NewString()
	j := s.start(ctx, in)
	<-j.done
	return j.outcome
}

func (s *Service) validate(up FileUpload) (fileInput, *FileError) {
	if up.Filename == "" || up.ContentType == "" {
		return fileInput{}, &FileError{Kind: KindValidation, Stage: StageValidating,
			Err: errors.New("filename and content type are required")}
	}
	format, err := s.formats.Resolve(up.Filename, up.ContentType)
	if err != nil {
		return fileInput{}, &FileError{Kind: KindValidation, Stage: StageValidating, Err: err}
	}
	return fileInput{
		ownerID:     up.OwnerID,
		brainID:     s.brain(up.BrainID),
		filename:    up.Filename,
		contentType: up.ContentType,
		declared:    up.Size,
		format:      format,
		body:        up.Body,
	}, nil
}

// ReplaceFile swaps the content of an existing file. The old vectors and
// blob are removed and their bytes released before the new content is
// ingested under the same id. If the new content is rejected the record
// is deleted as well, so no record points at a missing blob.
func (s *Service) ReplaceFile(ctx context.Context, ownerID, fileID string, up FileUpload) (FileOutcome, error) {
	old, err := s.records.GetFile(ctx, ownerID, fileID)
	if err != nil {
		return FileOutcome{}, err
	}
	up.OwnerID = ownerID
	up.BrainID = old.BrainID
	in, ferr := s.validate(up)
	if ferr != nil {
		return FileOutcome{FileID: fileID, Filename: up.Filename, Status: StatusRejected, Stage: StageRejected, Err: ferr}, nil
	}

	if err := s.purge(ctx, old); err != nil {
		return FileOutcome{}, err
	}

	in.id = fileID
	in.replaces = old
	j := s.start(ctx, in)
	<-j.done

	if j.outcome.Status == StatusRejected {
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.RollbackTimeout)
		defer cancel()
		if err := s.records.DeleteFile(dctx, ownerID, fileID); err != nil && !errors.Is(err, state.ErrNotFound) {
			return j.outcome, fmt.Errorf("delete record of failed replacement: %w", err)
		}
	}
	return j.outcome, nil
}

// DeleteFile removes a file's vectors, then its blob, then its record, and
// finally releases its bytes. A failing step stops the cascade so that a
// retry can finish it.
func (s *Service) DeleteFile(ctx context.Context, ownerID, fileID string) error {
	rec, err := s.records.GetFile(ctx, ownerID, fileID)
	if err != nil {
		return err
	}
	if err := s.purge(ctx, rec); err != nil {
		return err
	}
	if err := s.records.DeleteFile(ctx, ownerID, fileID); err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	s.logger.Info("file deleted", "file_id", fileID, "owner_id", ownerID, "size", rec.Size)
	return nil
}

// purge removes the vectors and blob of rec and releases its bytes.
func (s *Service) purge(ctx context.Context, rec *state.FileRecord) error {
	if err := s.writer.Index().DeleteByFile(ctx, s.Collection(rec.BrainID), rec.ID); err != nil {
		return fmt.Errorf("delete vectors: %w", err)
	}
	if err := s.blobs.Delete(ctx, rec.StorageKey); err != nil {
		return fmt.Errorf("delete blob: %w", err)
	}
	return s.quota.Release(ctx, rec.OwnerID, rec.Size)
}

// GetFile returns one of the owner's records.
func (s *Service) GetFile(ctx context.Context, ownerID, fileID string) (*state.FileRecord, error) {
	return s.records.GetFile(ctx, ownerID, fileID)
}

// ListFiles returns the owner's records, optionally for one brain.
func (s *Service) ListFiles(ctx context.Context, ownerID, brainID string, limit int) ([]*state.FileRecord, error) {
	return s.records.ListFiles(ctx, state.ListFilesQuery{OwnerID: ownerID, BrainID: brainID, Limit: limit})
}

// OpenContent opens the stored bytes of a file. The caller closes the reader.
func (s *Service) OpenContent(ctx context.Context, ownerID, fileID string) (io.ReadCloser, *state.FileRecord, error) {
	rec, err := s.records.GetFile(ctx, ownerID, fileID)
	if err != nil {
		return nil, nil, err
	}
	rc, _, err := s.blobs.Get(ctx, rec.StorageKey)
	if err != nil {
		return nil, nil, fmt.Errorf("open blob: %w", err)
	}
	return rc, rec, nil
}

// SearchRequest is a similarity query over one brain.
type SearchRequest struct {
	OwnerID string
	BrainID string
	Query   string
	TopK    int
	FileID  string // optional
}

// SearchHit is one matching chunk.
type SearchHit struct {
	Score   float64
	Payload vectorstore.Payload
}

// Search embeds the query and returns the owner's closest chunks.
func (s *Service) Search(ctx context.Context, req SearchRequest) ([]SearchHit, error) {
	if req.Query == "" {
		return nil, errors.New("query is required")
	}
	vec, src, err := s.embedder.EmbedOne(ctx, req.Query)
	if err != nil {
		return nil, err
	}
	if src == embedding.SourceHash {
		s.logger.Warn("searching with a hash vector, results are not semantic",
			"event", logging.EventEmbeddingFallback, "owner_id", req.OwnerID)
	}

	points, err := s.writer.Index().Search(ctx, s.Collection(req.BrainID), vec,
		vectorstore.Filter{OwnerID: req.OwnerID, FileID: req.FileID}, req.TopK)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	hits := make([]SearchHit, len(points))
	for i, p := range points {
		hits[i] = SearchHit{Score: p.Score, Payload: p.Payload}
	}
	return hits, nil
}

// Quota returns the owner's usage counter.
func (s *Service) Quota(ctx context.Context, ownerID string) (state.QuotaState, error) {
	return s.quota.State(ctx, ownerID)
}
