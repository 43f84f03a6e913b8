// Copyright Brain Ingest Authors
// SPDX-License-Identifier: Apache-2.0

package http

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	blobmem "github.com/leseb/brainingest/pkg/blobstore/memory"
	"github.com/leseb/brainingest/pkg/core/schema"
	"github.com/leseb/brainingest/pkg/embedding"
	"github.com/leseb/brainingest/pkg/extractor"
	"github.com/leseb/brainingest/pkg/ingest"
	"github.com/leseb/brainingest/pkg/observability/logging"
	"github.com/leseb/brainingest/pkg/progress"
	storemem "github.com/leseb/brainingest/pkg/storage/memory"
	"github.com/leseb/brainingest/pkg/vectorstore"
	vecmem "github.com/leseb/brainingest/pkg/vectorstore/memory"
)

const (
	testOwner = "owner-1"
	testDims  = 64
	testLimit = 1 << 20
)

type hashProvider struct{}

func (hashProvider) Model() string { return "test-embed" }

func (hashProvider) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = embedding.HashVector(t, testDims)
	}
	return out, nil
}

type testServer struct {
	h       *Handler
	records *storemem.Store
	broker  *progress.Broker
}

func newTestServer(t *testing.T, opts Options) *testServer {
	t.Helper()
	log := logging.Discard()
	records := storemem.New(testLimit)
	svc, err := ingest.New(ingest.Deps{
		Records:  records,
		Blobs:    blobmem.New(),
		Formats:  extractor.NewRegistry(),
		Embedder: embedding.NewService(hashProvider{}, testDims, embedding.WithLogger(log)),
		Writer:   vectorstore.NewWriter(vecmem.New(), vectorstore.WriterOptions{BaseDelay: time.Millisecond, Logger: log}),
	}, ingest.Options{ChunkSize: 3000, ChunkOverlap: 60, CollectionPrefix: "brain_"}, ingest.WithLogger(log))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(svc.Close)

	broker := progress.NewBroker(16)
	t.Cleanup(broker.Close)
	return &testServer{
		h:       New(svc, broker, &logging.Logger{Logger: log}, opts),
		records: records,
		broker:  broker,
	}
}

func (s *testServer) do(t *testing.T, method, path, contentType string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	req.Header.Set("X-Owner-ID", testOwner)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	s.h.ServeHTTP(rec, req)
	return rec
}

type filePart struct {
	name, contentType, content string
}

func multipartBody(t *testing.T, parts ...filePart) (io.Reader, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for _, p := range parts {
		hdr := textproto.MIMEHeader{}
		hdr.Set("Content-Disposition", fmt.Sprintf(`form-data; name="files"; filename=%q`, p.name))
		hdr.Set("Content-Type", p.contentType)
		pw, err := w.CreatePart(hdr)
		if err != nil {
			t.Fatal(err)
		}
		io.WriteString(pw, p.content)
	}
	w.Close()
	return &buf, w.FormDataContentType()
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode %s: %v", rec.Body.String(), err)
	}
	return v
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, Options{})
	rec := httptest.NewRecorder()
	s.h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestAuth(t *testing.T) {
	const secret = "test-secret"
	sign := func(key, sub string) string {
		tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
			Subject:   sub,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		}).SignedString([]byte(key))
		if err != nil {
			t.Fatal(err)
		}
		return tok
	}

	tests := []struct {
		name   string
		secret string
		header map[string]string
		want   int
	}{
		{"owner header", "", map[string]string{"X-Owner-ID": "u1"}, http.StatusOK},
		{"no owner", "", nil, http.StatusUnauthorized},
		{"valid token", secret, map[string]string{"Authorization": "Bearer " + sign(secret, "u1")}, http.StatusOK},
		{"wrong key", secret, map[string]string{"Authorization": "Bearer " + sign("other", "u1")}, http.StatusUnauthorized},
		{"no subject", secret, map[string]string{"Authorization": "Bearer " + sign(secret, "")}, http.StatusUnauthorized},
		{"owner header ignored with secret", secret, map[string]string{"X-Owner-ID": "u1"}, http.StatusUnauthorized},
		{"owner header with path", "", map[string]string{"X-Owner-ID": "../images/x"}, http.StatusUnauthorized},
		{"owner header with slash", "", map[string]string{"X-Owner-ID": "a/b"}, http.StatusUnauthorized},
		{"owner header dot", "", map[string]string{"X-Owner-ID": "."}, http.StatusUnauthorized},
		{"subject with path", secret, map[string]string{"Authorization": "Bearer " + sign(secret, "../images/x")}, http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, Options{JWTSecret: tt.secret})
			req := httptest.NewRequest(http.MethodGet, "/v1/quota", nil)
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()
			s.h.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tt.want, rec.Body)
			}
			if tt.want == http.StatusOK {
				if q := decode[schema.Quota](t, rec); q.OwnerID != "u1" || q.LimitBytes != testLimit {
					t.Errorf("quota = %+v", q)
				}
			}
		})
	}
}

func TestFileLifecycle(t *testing.T) {
	s := newTestServer(t, Options{})

	body, ct := multipartBody(t,
		filePart{"notes.txt", "text/plain", "hello brain"},
		filePart{"tool.exe", "application/octet-stream", "MZ"},
	)
	rec := s.do(t, http.MethodPost, "/v1/brains/team/files", ct, body)
	if rec.Code != http.StatusOK {
		t.Fatalf("upload status = %d: %s", rec.Code, rec.Body)
	}
	up := decode[schema.UploadResponse](t, rec)
	if len(up.Data) != 2 {
		t.Fatalf("outcomes = %+v", up.Data)
	}
	stored, rejected := up.Data[0], up.Data[1]
	if stored.Status != "stored" || stored.File == nil || stored.File.BrainID != "team" || stored.File.TotalChunkCount != 1 {
		t.Errorf("stored outcome = %+v", stored)
	}
	if rejected.Status != "rejected" || rejected.Error == nil || rejected.Error.Type != "validation_error" {
		t.Errorf("rejected outcome = %+v", rejected)
	}
	id := stored.FileID

	rec = s.do(t, http.MethodGet, "/v1/files?brain_id=team", "", nil)
	if list := decode[schema.ListFilesResponse](t, rec); len(list.Data) != 1 || list.Data[0].ID != id {
		t.Errorf("list = %+v", list)
	}
	rec = s.do(t, http.MethodGet, "/v1/files?brain_id=other", "", nil)
	if list := decode[schema.ListFilesResponse](t, rec); len(list.Data) != 0 {
		t.Errorf("other brain list = %+v", list)
	}

	rec = s.do(t, http.MethodGet, "/v1/files/"+id+"/content", "", nil)
	if rec.Code != http.StatusOK || rec.Body.String() != "hello brain" {
		t.Errorf("content = %d %q", rec.Code, rec.Body)
	}
	if got := rec.Header().Get("Content-Type"); got != "text/plain" {
		t.Errorf("content type = %q", got)
	}

	rec = s.do(t, http.MethodPost, "/v1/brains/team/search", "application/json", strings.NewReader(`{"query":"hello brain","top_k":3}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("search status = %d: %s", rec.Code, rec.Body)
	}
	if res := decode[schema.SearchResponse](t, rec); len(res.Data) != 1 || res.Data[0].FileID != id || res.Data[0].Content != "hello brain" {
		t.Errorf("search = %+v", res)
	}

	rec = s.do(t, http.MethodDelete, "/v1/files/"+id, "", nil)
	if del := decode[schema.DeleteFileResponse](t, rec); !del.Deleted {
		t.Errorf("delete = %+v", del)
	}
	rec = s.do(t, http.MethodGet, "/v1/files/"+id, "", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("get after delete status = %d", rec.Code)
	}
	rec = s.do(t, http.MethodGet, "/v1/quota", "", nil)
	if q := decode[schema.Quota](t, rec); q.UsedBytes != 0 {
		t.Errorf("used after delete = %d", q.UsedBytes)
	}
}

func TestUploadBrainFromHeader(t *testing.T) {
	s := newTestServer(t, Options{})
	body, ct := multipartBody(t, filePart{"a.md", "text/markdown", "# title"})
	req := httptest.NewRequest(http.MethodPost, "/v1/files", body)
	req.Header.Set("X-Owner-ID", testOwner)
	req.Header.Set("X-Brain-ID", "research")
	req.Header.Set("Content-Type", ct)
	rec := httptest.NewRecorder()
	s.h.ServeHTTP(rec, req)

	up := decode[schema.UploadResponse](t, rec)
	if len(up.Data) != 1 || up.Data[0].File == nil || up.Data[0].File.BrainID != "research" {
		t.Errorf("outcomes = %+v", up.Data)
	}
}

func TestUploadRequestErrors(t *testing.T) {
	s := newTestServer(t, Options{})

	rec := s.do(t, http.MethodPost, "/v1/files", "application/json", strings.NewReader("{}"))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("malformed status = %d", rec.Code)
	}

	if _, err := s.records.AddUsage(context.Background(), testOwner, testLimit); err != nil {
		t.Fatal(err)
	}
	body, ct := multipartBody(t, filePart{"a.txt", "text/plain", "x"})
	rec = s.do(t, http.MethodPost, "/v1/files", ct, body)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("exhausted owner status = %d", rec.Code)
	}
	if e := decode[schema.ErrorResponse](t, rec); e.Error.Type != schema.ErrorTypeQuotaExceeded {
		t.Errorf("error = %+v", e)
	}
}

func TestReplaceFile(t *testing.T) {
	s := newTestServer(t, Options{})
	body, ct := multipartBody(t, filePart{"a.txt", "text/plain", "old text"})
	up := decode[schema.UploadResponse](t, s.do(t, http.MethodPost, "/v1/files", ct, body))
	id := up.Data[0].FileID

	body, ct = multipartBody(t, filePart{"a.txt", "text/plain", "brand new text"})
	rec := s.do(t, http.MethodPut, "/v1/files/"+id, ct, body)
	if rec.Code != http.StatusOK {
		t.Fatalf("replace status = %d: %s", rec.Code, rec.Body)
	}
	if out := decode[schema.FileOutcome](t, rec); out.FileID != id || out.Status != "stored" {
		t.Errorf("outcome = %+v", out)
	}

	rec = s.do(t, http.MethodGet, "/v1/files/"+id+"/content", "", nil)
	if rec.Body.String() != "brand new text" {
		t.Errorf("content = %q", rec.Body)
	}
	rec = s.do(t, http.MethodGet, "/v1/quota", "", nil)
	if q := decode[schema.Quota](t, rec); q.UsedBytes != int64(len("brand new text")) {
		t.Errorf("used = %d", q.UsedBytes)
	}

	rec = s.do(t, http.MethodPut, "/v1/files/missing", ct, strings.NewReader(""))
	if rec.Code != http.StatusBadRequest && rec.Code != http.StatusNotFound {
		t.Errorf("replace missing status = %d", rec.Code)
	}
}

func TestSearchEmptyBrain(t *testing.T) {
	s := newTestServer(t, Options{})
	rec := s.do(t, http.MethodPost, "/v1/brains/nobody/search", "application/json", strings.NewReader(`{"query":"x"}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	if res := decode[schema.SearchResponse](t, rec); len(res.Data) != 0 {
		t.Errorf("search = %+v", res)
	}

	rec = s.do(t, http.MethodPost, "/v1/brains/nobody/search", "application/json", strings.NewReader(`{}`))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("empty query status = %d", rec.Code)
	}
}

func TestProgressStream(t *testing.T) {
	s := newTestServer(t, Options{})
	srv := httptest.NewServer(s.h)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/progress", nil)
	req.Header.Set("X-Owner-ID", testOwner)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	r := bufio.NewReader(resp.Body)
	if line, _ := r.ReadString('\n'); line != ": subscribed\n" {
		t.Fatalf("first line = %q", line)
	}
	r.ReadString('\n')

	s.broker.Publish(progress.Event{OwnerID: "someone-else", FileID: "x", Stage: "completed"})
	s.broker.Publish(progress.Event{OwnerID: testOwner, FileID: "f1", Stage: "completed", TotalChunks: 2})

	if line, _ := r.ReadString('\n'); line != "event: completed\n" {
		t.Fatalf("event line = %q", line)
	}
	data, _ := r.ReadString('\n')
	var ev progress.Event
	if err := json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(data), "data: ")), &ev); err != nil {
		t.Fatal(err)
	}
	if ev.FileID != "f1" || ev.TotalChunks != 2 {
		t.Errorf("event = %+v", ev)
	}
}
