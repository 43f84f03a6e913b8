// Copyright Brain Ingest Authors
// SPDX-License-Identifier: Apache-2.0

// Package intake splits a multipart/form-data request body into file parts
// as it is read, without buffering the request.
package intake

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/leseb/brainingest/pkg/blobstore"
	"github.com/leseb/brainingest/pkg/extractor"
	"github.com/leseb/brainingest/pkg/observability/logging"
)

// ErrMalformed is returned for a body that is not valid multipart framing.
// It is a request-level failure.
var ErrMalformed = errors.New("malformed multipart request")

// Rejection reasons.
const (
	ReasonMissingFilename    = "missing_filename"
	ReasonMissingContentType = "missing_content_type"
	ReasonUnsupportedType    = "unsupported_type"
	ReasonFieldTooLarge      = "field_too_large"
)

// DefaultMaxFieldBytes bounds a non-file form field.
const DefaultMaxFieldBytes = 64 << 10

// Formats resolves a filename and declared type to a supported format.
type Formats interface {
	Resolve(filename, contentType string) (extractor.Format, error)
}

// Options tunes a Reader.
type Options struct {
	MaxFieldBytes int64
	Logger        *slog.Logger
}

// Part is one accepted file. Body must be consumed before the next call to
// Reader.Next; whatever is left unread is discarded.
type Part struct {
	ID           string // server generated
	FieldName    string
	Filename     string
	ContentType  string
	DeclaredSize int64 // 0 when the client sent no Content-Length
	Format       extractor.Format
	Body         io.Reader
}

// Rejection describes a part that was drained and skipped.
type Rejection struct {
	FieldName   string
	Filename    string
	ContentType string
	Reason      string
	Err         error
}

// Reader yields accepted file parts one at a time.
type Reader struct {
	mr      *multipart.Reader
	formats Formats
	opts    Options

	cur        *multipart.Part
	rejections []Rejection
	fields     map[string]string
}

// NewReader validates contentType and prepares to read body.
func NewReader(body io.Reader, contentType string, formats Formats, opts Options) (*Reader, error) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if mediaType != "multipart/form-data" {
		return nil, fmt.Errorf("%w: content type %q", ErrMalformed, mediaType)
	}
	boundary := params["boundary"]
	if boundary == "" {
		return nil, fmt.Errorf("%w: missing boundary", ErrMalformed)
	}
	if opts.MaxFieldBytes <= 0 {
		opts.MaxFieldBytes = DefaultMaxFieldBytes
	}
	opts.Logger = logging.OrDefault(opts.Logger)
	return &Reader{
		mr:      multipart.NewReader(body, boundary),
		formats: formats,
		opts:    opts,
		fields:  make(map[string]string),
	}, nil
}

// Next returns the next accepted file part, or io.EOF after the last one.
// Form fields are collected into Fields; invalid file parts are drained
// and recorded in Rejections. Any framing error is ErrMalformed.
func (r *Reader) Next(ctx context.Context) (*Part, error) {
	if r.cur != nil {
		r.cur.Close()
		r.cur = nil
	}
	for {
		if err := ctx.Err(); err != nil {
			return nil, context.Cause(ctx)
		}
		p, err := r.mr.NextPart()
		if err == io.EOF {
			return nil, io.EOF
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}

		filename := p.FileName()
		contentType := p.Header.Get("Content-Type")

		if filename == "" && contentType == "" {
			if err := r.readField(p); err != nil {
				return nil, err
			}
			continue
		}

		if filename == "" {
			if err := r.reject(p, ReasonMissingFilename, nil); err != nil {
				return nil, err
			}
			continue
		}
		if contentType == "" {
			if err := r.reject(p, ReasonMissingContentType, nil); err != nil {
				return nil, err
			}
			continue
		}
		format, err := r.formats.Resolve(filename, contentType)
		if err != nil {
			if rerr := r.reject(p, ReasonUnsupportedType, err); rerr != nil {
				return nil, rerr
			}
			continue
		}

		var declared int64
		if cl := p.Header.Get("Content-Length"); cl != "" {
			if n, err := strconv.ParseInt(cl, 10, 64); err == nil && n >= 0 {
				declared = n
			}
		}

		r.cur = p
		return &Part{
			ID:           uuid.NewString(),
			FieldName:    p.FormName(),
			Filename:     filename,
			ContentType:  contentType,
			DeclaredSize: declared,
			Format:       format,
			Body:         blobstore.ContextReader(ctx, p),
		}, nil
	}
}

func (r *Reader) readField(p *multipart.Part) error {
	defer p.Close()
	var sb strings.Builder
	n, err := io.Copy(&sb, io.LimitReader(p, r.opts.MaxFieldBytes+1))
	if err != nil {
		return fmt.Errorf("%w: reading field %q: %v", ErrMalformed, p.FormName(), err)
	}
	if n > r.opts.MaxFieldBytes {
		return r.reject(p, ReasonFieldTooLarge, nil)
	}
	r.fields[p.FormName()] = sb.String()
	return nil
}

// reject drains p and records why it was skipped.
func (r *Reader) reject(p *multipart.Part, reason string, cause error) error {
	defer p.Close()
	if _, err := io.Copy(io.Discard, p); err != nil {
		return fmt.Errorf("%w: draining part %q: %v", ErrMalformed, p.FormName(), err)
	}
	rej := Rejection{
		FieldName:   p.FormName(),
		Filename:    p.FileName(),
		ContentType: p.Header.Get("Content-Type"),
		Reason:      reason,
		Err:         cause,
	}
	r.rejections = append(r.rejections, rej)
	r.opts.Logger.Warn("multipart part rejected",
		"event", logging.EventPartRejected,
		"field", rej.FieldName,
		"filename", rej.Filename,
		"content_type", rej.ContentType,
		"reason", reason)
	return nil
}

// Rejections returns the parts skipped so far.
func (r *Reader) Rejections() []Rejection {
	return r.rejections
}

// Fields returns the non-file form fields read so far. Fields that follow
// a file part are only visible once that part has been passed.
func (r *Reader) Fields() map[string]string {
	return r.fields
}
