// Copyright Brain Ingest Authors
// SPDX-License-Identifier: Apache-2.0

package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/leseb/brainingest/pkg/core/schema"
	"github.com/leseb/brainingest/pkg/core/state"
	"github.com/leseb/brainingest/pkg/ingest"
	"github.com/leseb/brainingest/pkg/intake"
	"github.com/leseb/brainingest/pkg/observability/logging"
	"github.com/leseb/brainingest/pkg/progress"
	"github.com/leseb/brainingest/pkg/quota"
)

// Options configures the HTTP adapter.
type Options struct {
	// JWTSecret enables bearer-token auth. When empty the owner is taken
	// from the X-Owner-ID header.
	JWTSecret string
	// DefaultBrain is used by POST /v1/files without an X-Brain-ID header.
	DefaultBrain string
	// MaxRequestBytes caps request bodies. Zero disables the cap.
	MaxRequestBytes int64
}

// Handler implements the HTTP adapter
type Handler struct {
	svc    *ingest.Service
	broker *progress.Broker
	logger *logging.Logger
	opts   Options
	mux    *http.ServeMux
	auth   *authenticator
}

// New creates a new HTTP handler. broker may be nil, in which case the
// progress stream is not served.
func New(svc *ingest.Service, broker *progress.Broker, logger *logging.Logger, opts Options) *Handler {
	if opts.DefaultBrain == "" {
		opts.DefaultBrain = "default"
	}
	h := &Handler{
		svc:    svc,
		broker: broker,
		logger: logger,
		opts:   opts,
		mux:    http.NewServeMux(),
		auth:   &authenticator{secret: []byte(opts.JWTSecret)},
	}

	h.mux.HandleFunc("GET /health", h.handleHealth)

	// Files API
	h.mux.Handle("POST /v1/brains/{brain_id}/files", h.authed(h.handleUploadFiles))
	h.mux.Handle("POST /v1/files", h.authed(h.handleUploadFiles))
	h.mux.Handle("GET /v1/files", h.authed(h.handleListFiles))
	h.mux.Handle("GET /v1/files/{id}", h.authed(h.handleGetFile))
	h.mux.Handle("GET /v1/files/{id}/content", h.authed(h.handleGetFileContent))
	h.mux.Handle("PUT /v1/files/{id}", h.authed(h.handleReplaceFile))
	h.mux.Handle("DELETE /v1/files/{id}", h.authed(h.handleDeleteFile))

	h.mux.Handle("POST /v1/brains/{brain_id}/search", h.authed(h.handleSearch))
	h.mux.Handle("GET /v1/quota", h.authed(h.handleGetQuota))
	if broker != nil {
		h.mux.Handle("GET /v1/progress", h.authed(h.handleProgress))
	}

	return h
}

// ServeHTTP implements http.Handler
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.logger.Info("Request",
		"method", r.Method,
		"path", r.URL.Path,
		"remote_addr", r.RemoteAddr)

	if h.opts.MaxRequestBytes > 0 && r.Body != nil {
		r.Body = http.MaxBytesReader(w, r.Body, h.opts.MaxRequestBytes)
	}
	h.mux.ServeHTTP(w, r)
}

// handleHealth handles health check requests
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Debug("Failed to write response", "error", err)
	}
}

// writeError writes an error response
func (h *Handler) writeError(w http.ResponseWriter, status int, errType, message string) {
	h.writeJSON(w, status, schema.ErrorResponse{
		Error: schema.ErrorBody{Type: errType, Message: message},
	})
}

// writeServiceError maps a service error onto a status code.
func (h *Handler) writeServiceError(w http.ResponseWriter, err error) {
	var maxErr *http.MaxBytesError
	switch {
	case errors.Is(err, state.ErrNotFound):
		h.writeError(w, http.StatusNotFound, schema.ErrorTypeNotFound, "File not found")
	case errors.Is(err, quota.ErrQuotaExceeded), errors.Is(err, quota.ErrQuotaExceededDuringTransfer):
		h.writeError(w, http.StatusRequestEntityTooLarge, schema.ErrorTypeQuotaExceeded, err.Error())
	case errors.As(err, &maxErr):
		h.writeError(w, http.StatusRequestEntityTooLarge, schema.ErrorTypeInvalidRequest, err.Error())
	case errors.Is(err, intake.ErrMalformed):
		h.writeError(w, http.StatusBadRequest, schema.ErrorTypeInvalidRequest, err.Error())
	default:
		h.logger.Error("Request failed", "error", err)
		h.writeError(w, http.StatusInternalServerError, schema.ErrorTypeServer, "Internal error")
	}
}
