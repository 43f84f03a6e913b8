// Copyright Brain Ingest Authors
// SPDX-License-Identifier: Apache-2.0

package http

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/leseb/brainingest/pkg/core/schema"
)

// handleProgress streams the caller's ingestion events as SSE until the
// client goes away.
func (h *Handler) handleProgress(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, http.StatusInternalServerError, schema.ErrorTypeServer, "Streaming not supported")
		return
	}

	owner := ownerFrom(r.Context())
	events, cancel := h.broker.Subscribe(owner)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": subscribed\n\n")
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				h.logger.Error("Failed to marshal event", "error", err)
				continue
			}
			fmt.Fprintf(w, "event: %s\n", ev.Stage)
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}
