// Copyright Brain Ingest Authors
// SPDX-License-Identifier: Apache-2.0

package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/google/uuid"
	"github.com/leseb/brainingest/pkg/blobstore"
	"github.com/leseb/brainingest/pkg/chunker"
	"github.com/leseb/brainingest/pkg/core/state"
	"github.com/leseb/brainingest/pkg/extractor"
	"github.com/leseb/brainingest/pkg/observability/logging"
	"github.com/leseb/brainingest/pkg/progress"
	"github.com/leseb/brainingest/pkg/quota"
	"github.com/leseb/brainingest/pkg/vectorstore"
	"golang.org/x/sync/errgroup"
)

const (
	pumpBufferBytes = 32 << 10
	textQueueDepth  = 8
)

// fileInput is an accepted file before any byte has been read.
type fileInput struct {
	id          string
	ownerID     string
	brainID     string
	filename    string
	contentType string
	declared    int64
	format      extractor.Format
	body        io.Reader
	replaces    *state.FileRecord
}

// fileJob is the state of one file moving through the pipeline. The pump
// runs on the caller's goroutine; storage and text processing run in g;
// finish runs on the pool once both are done.
type fileJob struct {
	s     *Service
	in    fileInput
	key   string
	coll  string
	stage Stage

	parent context.Context
	ctx    context.Context
	cancel context.CancelCauseFunc
	budget *quota.Budget
	g      errgroup.Group

	pw   *io.PipeWriter
	text chan []byte

	pumpErr error

	// Owned by the text goroutine until g.Wait returns.
	extraction     state.ExtractionStatus
	totalChunks    int
	embedded       int
	indexAttempted bool
	indexDisabled  bool
	warnings       []*FileError

	stored int64

	done    chan struct{}
	outcome FileOutcome
}

// start authorizes the file, launches its storage and text sub-pipelines,
// pumps its body and hands the job to the pool for finishing. It returns
// once the body has been consumed; wait on job.done for the outcome.
func (s *Service) start(ctx context.Context, in fileInput) *fileJob {
	j := &fileJob{
		s:      s,
		in:     in,
		key:    blobstore.Key(in.format.Namespace, in.ownerID, in.id, in.format.Extension),
		coll:   s.Collection(in.brainID),
		parent: ctx,
		done:   make(chan struct{}),
	}
	j.publish(StageReceived, "")

	j.stage = StageValidating
	budget, err := s.quota.Authorize(ctx, in.ownerID, in.declared)
	if err != nil {
		j.reject(classify(StageValidating, KindStorage, err))
		return j
	}
	j.budget = budget
	j.publish(StageAccepted, "")

	j.ctx, j.cancel = context.WithCancelCause(ctx)
	j.in.body = blobstore.ContextReader(j.ctx, in.body)
	pr, pw := io.Pipe()
	j.pw = pw
	j.text = make(chan []byte, textQueueDepth)

	j.stage = StageStoring
	j.g.Go(func() error { return j.store(pr) })
	j.g.Go(j.process)

	j.pumpErr = j.pump()

	s.inflight.Add(1)
	if err := s.pool.Submit(j.finish); err != nil {
		j.fail(classify(StageStoring, KindStorage, fmt.Errorf("schedule file: %w", err)))
		j.finish()
	}
	return j
}

// fail cancels the file's sub-pipelines with ferr as the cause. The first
// cause wins.
func (j *fileJob) fail(ferr *FileError) {
	j.cancel(ferr)
	j.pw.CloseWithError(context.Cause(j.ctx))
}

// pump reads the body, enforces the quota as bytes arrive and tees every
// read to the blob writer and the text goroutine.
func (j *fileJob) pump() error {
	defer close(j.text)

	buf := make([]byte, pumpBufferBytes)
	for {
		n, rerr := j.in.body.Read(buf)
		if n > 0 {
			if err := j.budget.Track(n); err != nil {
				ferr := classify(StageStoring, KindQuotaExceeded, err)
				j.fail(ferr)
				return ferr
			}
			if _, err := j.pw.Write(buf[:n]); err != nil {
				ferr := classify(StageStoring, KindStorage, causeOr(j.ctx, err))
				j.fail(ferr)
				return ferr
			}
			select {
			case j.text <- bytes.Clone(buf[:n]):
			case <-j.ctx.Done():
				return classify(StageStoring, KindCancelled, context.Cause(j.ctx))
			}
		}
		if rerr == io.EOF {
			j.pw.Close()
			return nil
		}
		if rerr != nil {
			ferr := classify(StageStoring, KindCancelled, fmt.Errorf("read upload: %w", rerr))
			j.fail(ferr)
			return ferr
		}
	}
}

// store writes the pipe to blob storage. A storage failure cancels the
// text sub-pipeline: an indexed but unstored file is worse than a stored
// but unindexed one.
func (j *fileJob) store(pr *io.PipeReader) error {
	n, err := j.s.blobs.Put(j.ctx, j.key, pr, blobstore.Metadata{
		Filename:    j.in.filename,
		ContentType: j.in.contentType,
		FileID:      j.in.id,
		OwnerID:     j.in.ownerID,
	})
	if err != nil {
		ferr := classify(StageStoring, KindStorage, causeOr(j.ctx, err))
		j.fail(ferr)
		pr.CloseWithError(ferr)
		return ferr
	}
	// Writes after a premature success fail instead of blocking the pump.
	pr.Close()
	j.stored = n
	return nil
}

// process consumes the teed bytes according to the format family.
func (j *fileJob) process() error {
	switch j.in.format.Family {
	case extractor.FamilyWindow:
		return j.processWindows()
	case extractor.FamilyFullBuffer:
		return j.processFullBuffer()
	default:
		for range j.text {
		}
		j.extraction = state.ExtractionUnsupported
		return j.ctxErr(StageExtracting)
	}
}

func (j *fileJob) processWindows() error {
	dec := extractor.NewWindowDecoder(j.s.opts.WindowBytes)
	stream := chunker.NewStream(j.chunkOptions(chunker.MethodWindowed))
	var pending []chunker.Chunk

	push := func(texts ...string) error {
		for _, t := range texts {
			pending = append(pending, stream.Push(t)...)
		}
		j.totalChunks = stream.Emitted()
		for len(pending) >= j.s.opts.EmbedBatchSize {
			if err := j.embedAndIndex(pending[:j.s.opts.EmbedBatchSize]); err != nil {
				return err
			}
			pending = pending[j.s.opts.EmbedBatchSize:]
		}
		return nil
	}

	for b := range j.text {
		if err := push(dec.Feed(b)...); err != nil {
			return err
		}
	}
	if err := j.ctxErr(StageExtracting); err != nil {
		return err
	}
	if err := push(dec.Flush()); err != nil {
		return err
	}
	pending = append(pending, stream.Flush()...)
	j.totalChunks = stream.Emitted()

	for len(pending) > 0 {
		n := min(len(pending), j.s.opts.EmbedBatchSize)
		if err := j.embedAndIndex(pending[:n]); err != nil {
			return err
		}
		pending = pending[n:]
	}

	j.extraction = state.ExtractionExtracted
	if j.totalChunks == 0 {
		j.extraction = state.ExtractionEmpty
	}
	return nil
}

func (j *fileJob) processFullBuffer() error {
	var buf bytes.Buffer
	for b := range j.text {
		buf.Write(b)
	}
	if err := j.ctxErr(StageExtracting); err != nil {
		return err
	}

	j.stage = StageExtracting
	j.publish(StageExtracting, "")
	text, err := j.s.formats.Extract(j.ctx, j.in.format, buf.Bytes())
	if err != nil {
		if cerr := j.ctxErr(StageExtracting); cerr != nil {
			return cerr
		}
		j.s.logger.Warn("text extraction failed, storing file without text",
			"event", logging.EventExtractionSkipped,
			"file_id", j.in.id,
			"filename", j.in.filename,
			"category", j.in.format.Category,
			"error", err)
		j.extraction = state.ExtractionSkipped
		j.warn(&FileError{Kind: KindExtraction, Stage: StageExtracting, Err: err})
		return nil
	}

	j.stage = StageChunking
	chunks := chunker.Split(text, j.chunkOptions(chunker.MethodFullBuffer))
	j.totalChunks = len(chunks)
	if len(chunks) == 0 {
		j.extraction = state.ExtractionEmpty
		return nil
	}
	j.extraction = state.ExtractionExtracted

	for start := 0; start < len(chunks); start += j.s.opts.EmbedBatchSize {
		end := min(start+j.s.opts.EmbedBatchSize, len(chunks))
		if err := j.embedAndIndex(chunks[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (j *fileJob) chunkOptions(m chunker.Method) chunker.Options {
	return chunker.Options{Size: j.s.opts.ChunkSize, Overlap: j.s.opts.ChunkOverlap, Method: m}
}

// embedAndIndex embeds one batch and upserts it. Only cancellation is
// returned; provider and index problems are recorded as warnings.
func (j *fileJob) embedAndIndex(batch []chunker.Chunk) error {
	j.stage = StageEmbedding
	texts := make([]string, len(batch))
	for i, c := range batch {
		texts[i] = c.Text
	}
	res, err := j.s.embedder.Embed(j.ctx, texts)
	if err != nil {
		return classify(StageEmbedding, KindCancelled, err)
	}
	if n := res.Fallbacks(); n > 0 {
		j.warn(&FileError{Kind: KindEmbeddingProvider, Stage: StageEmbedding,
			Err: fmt.Errorf("%d of %d chunks use hash vectors", n, len(batch))})
	}

	if j.indexDisabled {
		return nil
	}
	j.stage = StageIndexing
	dim := j.s.embedder.Dimensions()
	if !j.indexAttempted {
		j.indexAttempted = true
		if err := j.s.writer.Ensure(j.ctx, j.coll, dim, j.s.opts.Metric); err != nil {
			if cerr := j.ctxErr(StageIndexing); cerr != nil {
				return cerr
			}
			j.s.logger.Warn("vector collection unavailable, file will not be indexed",
				"event", logging.EventIndexWriteFailed,
				"file_id", j.in.id,
				"collection", j.coll,
				"error", err)
			j.indexDisabled = true
			j.warn(&FileError{Kind: KindIndexWrite, Stage: StageIndexing, Err: err})
			return nil
		}
	}

	points := make([]vectorstore.Point, len(batch))
	for i, c := range batch {
		points[i] = vectorstore.Point{
			ID:     pointID(j.in.id, c.Index),
			Vector: res.Vectors[i],
			Payload: vectorstore.Payload{
				FileID:     j.in.id,
				ChunkIndex: c.Index,
				Text:       c.Text,
				Filename:   j.in.filename,
				MimeType:   j.mimeType(),
				StorageKey: j.key,
				OwnerID:    j.in.ownerID,
				BrainID:    j.in.brainID,
			},
		}
	}
	report, err := j.s.writer.Upsert(j.ctx, j.coll, points)
	if err != nil {
		return classify(StageIndexing, KindCancelled, err)
	}
	j.embedded += len(report.Written)
	for _, f := range report.Failed {
		j.warn(&FileError{Kind: KindIndexWrite, Stage: StageIndexing,
			Err: fmt.Errorf("chunk %d: %w", f.ChunkIndex, f.Err)})
	}
	j.publish(StageEmbedding, "")
	return nil
}

// pointID derives a stable id so that retried upserts overwrite instead of
// duplicating.
func pointID(fileID string, index int) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(fileID+"#"+strconv.Itoa(index))).String()
}

func (j *fileJob) warn(fe *FileError) {
	j.warnings = append(j.warnings, fe)
}

func (j *fileJob) ctxErr(stage Stage) error {
	if j.ctx.Err() == nil {
		return nil
	}
	return classify(stage, KindCancelled, context.Cause(j.ctx))
}

func (j *fileJob) mimeType() string {
	if j.in.format.ContentType != "" {
		return j.in.format.ContentType
	}
	return j.in.contentType
}

// finish waits for both sub-pipelines, then commits usage and persists the
// record, or rolls the file back.
func (j *fileJob) finish() {
	defer j.s.inflight.Done()
	defer close(j.done)

	gerr := j.g.Wait()
	defer j.cancel(nil)

	if ferr := fatalOf(j.pumpErr, gerr, j.ctx); ferr != nil {
		j.rollback(ferr)
		return
	}
	if j.stored != j.budget.Observed() {
		j.rollback(&FileError{Kind: KindStorage, Stage: StageStoring,
			Err: fmt.Errorf("stored %d bytes, received %d", j.stored, j.budget.Observed())})
		return
	}

	// Usage and the record are written together even if the client goes
	// away now; both sub-pipelines are already durable.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(j.parent), j.s.opts.RollbackTimeout)
	defer cancel()

	if err := j.s.quota.Commit(ctx, j.in.ownerID, j.stored); err != nil {
		j.rollback(classify(StageCompleted, KindStorage, err))
		return
	}

	now := j.s.now().UTC()
	rec := &state.FileRecord{
		ID:                 j.in.id,
		OwnerID:            j.in.ownerID,
		BrainID:            j.in.brainID,
		Name:               j.in.filename,
		MimeType:           j.mimeType(),
		Extension:          j.in.format.Extension,
		Category:           string(j.in.format.Category),
		Size:               j.stored,
		StorageKey:         j.key,
		ExtractionStatus:   j.extraction,
		EmbeddedChunkCount: j.embedded,
		TotalChunkCount:    j.totalChunks,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	var err error
	if j.in.replaces != nil {
		rec.CreatedAt = j.in.replaces.CreatedAt
		err = j.s.records.UpdateFile(ctx, rec)
	} else {
		err = j.s.records.CreateFile(ctx, rec)
	}
	if err != nil {
		if rerr := j.s.quota.Release(ctx, j.in.ownerID, j.stored); rerr != nil {
			j.s.logger.Error("release usage after failed record write", "file_id", j.in.id, "error", rerr)
		}
		j.rollback(classify(StageCompleted, KindStorage, fmt.Errorf("persist record: %w", err)))
		return
	}

	status := StatusStored
	if j.extraction == state.ExtractionSkipped || j.embedded < j.totalChunks {
		status = StatusStoredPartial
	}
	j.stage = StageCompleted
	j.outcome = FileOutcome{
		FileID:   j.in.id,
		Filename: j.in.filename,
		Status:   status,
		Stage:    StageCompleted,
		Record:   rec,
		Warnings: j.warnings,
	}
	j.s.logger.Info("file ingested",
		"event", logging.EventFileCompleted,
		"file_id", j.in.id,
		"filename", j.in.filename,
		"owner_id", j.in.ownerID,
		"brain_id", j.in.brainID,
		"size", j.stored,
		"status", status,
		"extraction", j.extraction,
		"embedded_chunks", j.embedded,
		"total_chunks", j.totalChunks)
	j.publish(StageCompleted, "")
}

// fatalOf picks the error that decides the file's fate. A cancellation
// cause set by a sibling wins over the symptoms it produced elsewhere. Work
// that completed on both sides is kept even if ctx ended afterwards.
func fatalOf(pumpErr, gerr error, ctx context.Context) *FileError {
	if pumpErr == nil && gerr == nil {
		return nil
	}
	for _, err := range []error{context.Cause(ctx), pumpErr, gerr} {
		if err == nil {
			continue
		}
		var fe *FileError
		if errors.As(err, &fe) {
			return fe
		}
		return classify(StageFailed, KindCancelled, err)
	}
	return nil
}

// rollback removes whatever the file left behind. It runs detached from
// the request context so that a disconnect cannot leave orphans.
func (j *fileJob) rollback(ferr *FileError) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(j.parent), j.s.opts.RollbackTimeout)
	defer cancel()

	if j.indexAttempted {
		if err := j.s.writer.Index().DeleteByFile(ctx, j.coll, j.in.id); err != nil {
			j.s.logger.Error("rollback: delete vectors", "file_id", j.in.id, "collection", j.coll, "error", err)
		}
	}
	if err := j.s.blobs.Delete(ctx, j.key); err != nil {
		j.s.logger.Error("rollback: delete blob", "file_id", j.in.id, "key", j.key, "error", err)
	}

	j.s.logger.Warn("file rolled back",
		"event", logging.EventFileRolledBack,
		"file_id", j.in.id,
		"filename", j.in.filename,
		"owner_id", j.in.ownerID,
		"kind", ferr.Kind,
		"stage", ferr.Stage,
		"error", ferr.Err)
	j.reject(ferr)
}

// reject records a rejected outcome. It does not close done.
func (j *fileJob) reject(ferr *FileError) {
	j.stage = StageFailed
	j.outcome = FileOutcome{
		FileID:   j.in.id,
		Filename: j.in.filename,
		Status:   StatusRejected,
		Stage:    ferr.Stage,
		Err:      ferr,
	}
	j.publish(StageFailed, ferr.Error())
	if j.cancel == nil {
		close(j.done)
	}
}

func (j *fileJob) publish(stage Stage, errMsg string) {
	j.s.progress.Publish(progress.Event{
		OwnerID:        j.in.ownerID,
		BrainID:        j.in.brainID,
		FileID:         j.in.id,
		Filename:       j.in.filename,
		Stage:          string(stage),
		ChunksEmbedded: j.embedded,
		TotalChunks:    j.totalChunks,
		Error:          errMsg,
		Time:           j.s.now(),
	})
}

// causeOr prefers ctx's cancellation cause over err.
func causeOr(ctx context.Context, err error) error {
	if cause := context.Cause(ctx); cause != nil {
		return cause
	}
	return err
}
