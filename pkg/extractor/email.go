// Copyright Brain Ingest Authors
// SPDX-License-Identifier: Apache-2.0

package extractor

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"strings"
)

const maxEmailDepth = 5

var headerDecoder = new(mime.WordDecoder)

// extractEmail renders the headers a reader cares about followed by the
// message body. text/plain parts are preferred; HTML-only messages are
// converted with the HTML strategy. Attachments are ignored.
func extractEmail(_ context.Context, content []byte) (string, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(content))
	if err != nil {
		return "", fmt.Errorf("parse message: %w", err)
	}

	var sb strings.Builder
	for _, h := range []string{"Subject", "From", "To", "Cc", "Date"} {
		v := msg.Header.Get(h)
		if v == "" {
			continue
		}
		if dec, err := headerDecoder.DecodeHeader(v); err == nil {
			v = dec
		}
		sb.WriteString(h)
		sb.WriteString(": ")
		sb.WriteString(v)
		sb.WriteString("\n")
	}

	plain, htmlBody, err := emailBody(msg.Header.Get("Content-Type"), msg.Header.Get("Content-Transfer-Encoding"), msg.Body, 0)
	if err != nil {
		return "", err
	}
	body := plain
	if strings.TrimSpace(body) == "" && htmlBody != "" {
		body = htmlToText([]byte(htmlBody))
	}
	if body = strings.TrimSpace(body); body != "" {
		sb.WriteString("\n")
		sb.WriteString(body)
	}
	return strings.TrimSpace(sb.String()), nil
}

// emailBody walks a MIME entity and returns the concatenated text/plain and
// text/html content it contains.
func emailBody(contentType, encoding string, body io.Reader, depth int) (plain, htmlBody string, err error) {
	if depth > maxEmailDepth {
		return "", "", nil
	}
	mediaType, params, perr := mime.ParseMediaType(contentType)
	if perr != nil || contentType == "" {
		mediaType = "text/plain"
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		mr := multipart.NewReader(body, params["boundary"])
		var plainParts, htmlParts []string
		for {
			part, err := mr.NextPart()
			if err == io.EOF {
				break
			}
			if err != nil {
				return "", "", fmt.Errorf("read mime part: %w", err)
			}
			if disp, _, _ := mime.ParseMediaType(part.Header.Get("Content-Disposition")); disp == "attachment" {
				continue
			}
			p, h, err := emailBody(part.Header.Get("Content-Type"), part.Header.Get("Content-Transfer-Encoding"), part, depth+1)
			if err != nil {
				return "", "", err
			}
			if p != "" {
				plainParts = append(plainParts, p)
			}
			if h != "" {
				htmlParts = append(htmlParts, h)
			}
			// multipart/alternative carries the same content twice.
			if mediaType == "multipart/alternative" && len(plainParts) > 0 {
				break
			}
		}
		return strings.Join(plainParts, "\n\n"), strings.Join(htmlParts, "\n"), nil
	}

	if mediaType != "text/plain" && mediaType != "text/html" {
		return "", "", nil
	}

	data, err := io.ReadAll(decodeTransfer(encoding, body))
	if err != nil {
		return "", "", fmt.Errorf("decode %s body: %w", mediaType, err)
	}
	text := decodeText(data)
	if mediaType == "text/html" {
		return "", text, nil
	}
	return text, "", nil
}

func decodeTransfer(encoding string, r io.Reader) io.Reader {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "quoted-printable":
		return quotedprintable.NewReader(r)
	case "base64":
		return base64.NewDecoder(base64.StdEncoding, &newlineStripper{r: r})
	default:
		return r
	}
}

// newlineStripper drops CR and LF so base64 bodies wrapped at 76 columns
// decode cleanly.
type newlineStripper struct {
	r io.Reader
}

func (n *newlineStripper) Read(p []byte) (int, error) {
	for {
		c, err := n.r.Read(p)
		j := 0
		for _, b := range p[:c] {
			if b != '\r' && b != '\n' {
				p[j] = b
				j++
			}
		}
		if j > 0 || err != nil {
			return j, err
		}
	}
}
