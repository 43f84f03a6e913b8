// Copyright Brain Ingest Authors
// SPDX-License-Identifier: Apache-2.0

package http

import (
	"io"
	"mime"
	"net/http"
	"strconv"

	"github.com/leseb/brainingest/pkg/core/schema"
	"github.com/leseb/brainingest/pkg/core/state"
	"github.com/leseb/brainingest/pkg/ingest"
)

const maxListLimit = 1000

// handleUploadFiles handles POST /v1/files and POST /v1/brains/{brain_id}/files.
// Each file part gets its own outcome; only framing and owner-level quota
// failures fail the whole request.
func (h *Handler) handleUploadFiles(w http.ResponseWriter, r *http.Request) {
	owner := ownerFrom(r.Context())
	brain := r.PathValue("brain_id")
	if brain == "" {
		brain = r.Header.Get("X-Brain-ID")
	}

	res, err := h.svc.IngestFiles(r.Context(), ingest.Request{
		OwnerID:     owner,
		BrainID:     brain,
		ContentType: r.Header.Get("Content-Type"),
		Body:        r.Body,
	})
	if err != nil {
		h.logger.Warn("Upload failed", "owner_id", owner, "error", err)
		h.writeServiceError(w, err)
		return
	}

	resp := schema.UploadResponse{Object: "list", Data: make([]schema.FileOutcome, len(res.Files))}
	for i, f := range res.Files {
		resp.Data[i] = toOutcome(f)
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// handleListFiles handles GET /v1/files
func (h *Handler) handleListFiles(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxListLimit {
			h.writeError(w, http.StatusBadRequest, schema.ErrorTypeInvalidRequest, "limit must be between 1 and 1000")
			return
		}
		limit = n
	}

	recs, err := h.svc.ListFiles(r.Context(), ownerFrom(r.Context()), r.URL.Query().Get("brain_id"), limit)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	resp := schema.ListFilesResponse{Object: "list", Data: make([]schema.File, len(recs))}
	for i, rec := range recs {
		resp.Data[i] = toFile(rec)
	}
	if len(recs) > 0 {
		resp.FirstID = recs[0].ID
		resp.LastID = recs[len(recs)-1].ID
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// handleGetFile handles GET /v1/files/{id}
func (h *Handler) handleGetFile(w http.ResponseWriter, r *http.Request) {
	rec, err := h.svc.GetFile(r.Context(), ownerFrom(r.Context()), r.PathValue("id"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toFile(rec))
}

// handleGetFileContent handles GET /v1/files/{id}/content
func (h *Handler) handleGetFileContent(w http.ResponseWriter, r *http.Request) {
	rc, rec, err := h.svc.OpenContent(r.Context(), ownerFrom(r.Context()), r.PathValue("id"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", rec.MimeType)
	w.Header().Set("Content-Length", strconv.FormatInt(rec.Size, 10))
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": rec.Name}))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		h.logger.Warn("Content stream interrupted", "file_id", rec.ID, "error", err)
	}
}

// handleReplaceFile handles PUT /v1/files/{id}. The body is multipart with
// a single file part.
func (h *Handler) handleReplaceFile(w http.ResponseWriter, r *http.Request) {
	mr, err := r.MultipartReader()
	if err != nil {
		h.writeError(w, http.StatusBadRequest, schema.ErrorTypeInvalidRequest, "Expected a multipart/form-data body")
		return
	}
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			h.writeError(w, http.StatusBadRequest, schema.ErrorTypeInvalidRequest, "File part is required")
			return
		}
		if err != nil {
			h.writeError(w, http.StatusBadRequest, schema.ErrorTypeInvalidRequest, "Malformed multipart body")
			return
		}
		if part.FileName() == "" {
			part.Close()
			continue
		}

		size, _ := strconv.ParseInt(part.Header.Get("Content-Length"), 10, 64)
		out, err := h.svc.ReplaceFile(r.Context(), ownerFrom(r.Context()), r.PathValue("id"), ingest.FileUpload{
			Filename:    part.FileName(),
			ContentType: part.Header.Get("Content-Type"),
			Size:        size,
			Body:        part,
		})
		part.Close()
		if err != nil {
			h.writeServiceError(w, err)
			return
		}
		h.writeJSON(w, http.StatusOK, toOutcome(out))
		return
	}
}

// handleDeleteFile handles DELETE /v1/files/{id}
func (h *Handler) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.svc.DeleteFile(r.Context(), ownerFrom(r.Context()), id); err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, schema.DeleteFileResponse{ID: id, Object: "file", Deleted: true})
}

func toFile(rec *state.FileRecord) schema.File {
	return schema.File{
		ID:                 rec.ID,
		Object:             "file",
		BrainID:            rec.BrainID,
		Filename:           rec.Name,
		MimeType:           rec.MimeType,
		Extension:          rec.Extension,
		Category:           rec.Category,
		Bytes:              rec.Size,
		ExtractionStatus:   string(rec.ExtractionStatus),
		EmbeddedChunkCount: rec.EmbeddedChunkCount,
		TotalChunkCount:    rec.TotalChunkCount,
		CreatedAt:          rec.CreatedAt.Unix(),
		UpdatedAt:          rec.UpdatedAt.Unix(),
	}
}

func toFileError(fe *ingest.FileError) schema.FileError {
	msg := ""
	if fe.Err != nil {
		msg = fe.Err.Error()
	}
	return schema.FileError{Type: string(fe.Kind), Stage: string(fe.Stage), Message: msg}
}

func toOutcome(o ingest.FileOutcome) schema.FileOutcome {
	out := schema.FileOutcome{
		Object:   "file.outcome",
		FileID:   o.FileID,
		Filename: o.Filename,
		Status:   string(o.Status),
		Stage:    string(o.Stage),
	}
	if o.Record != nil {
		f := toFile(o.Record)
		out.File = &f
	}
	if o.Err != nil {
		e := toFileError(o.Err)
		out.Error = &e
	}
	for _, warn := range o.Warnings {
		out.Warnings = append(out.Warnings, toFileError(warn))
	}
	return out
}
