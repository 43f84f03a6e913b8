// Copyright Brain Ingest Authors
// SPDX-License-Identifier: Apache-2.0

package extractor

import (
	"bytes"
	"unicode/utf8"
)

// DefaultWindowBytes is the window size used when none is configured.
const DefaultWindowBytes = 1 << 20

// WindowDecoder turns a byte stream of a window-family format into text
// windows of roughly fixed byte size. Windows never split a UTF-8 sequence;
// an incomplete trailing sequence is carried into the next window.
type WindowDecoder struct {
	size    int
	buf     []byte
	started bool
}

// NewWindowDecoder returns a decoder emitting windows of about size bytes.
func NewWindowDecoder(size int) *WindowDecoder {
	if size <= 0 {
		size = DefaultWindowBytes
	}
	return &WindowDecoder{size: size}
}

// Feed appends p and returns the text of every complete window now
// buffered.
func (d *WindowDecoder) Feed(p []byte) []string {
	d.buf = append(d.buf, p...)
	if !d.started && len(d.buf) >= len(utf8BOM) {
		d.buf = bytes.TrimPrefix(d.buf, utf8BOM)
		d.started = true
	}

	var out []string
	for len(d.buf) >= d.size {
		cut := runeBoundary(d.buf, d.size)
		out = append(out, decodeText(d.buf[:cut]))
		d.buf = append(d.buf[:0], d.buf[cut:]...)
	}
	return out
}

// Flush returns whatever remains buffered.
func (d *WindowDecoder) Flush() string {
	if !d.started {
		d.buf = bytes.TrimPrefix(d.buf, utf8BOM)
		d.started = true
	}
	s := decodeText(d.buf)
	d.buf = d.buf[:0]
	return s
}

// runeBoundary returns the largest n <= limit such that b[:n] does not end
// inside a multi-byte sequence. Invalid bytes count as complete.
func runeBoundary(b []byte, limit int) int {
	if limit > len(b) {
		limit = len(b)
	}
	// A UTF-8 sequence is at most 4 bytes; scan back to its start.
	for back := 1; back <= utf8.UTFMax && limit-back >= 0; back++ {
		i := limit - back
		if !utf8.RuneStart(b[i]) {
			continue
		}
		if utf8.FullRune(b[i:limit]) || i == 0 {
			return limit
		}
		return i
	}
	return limit
}
