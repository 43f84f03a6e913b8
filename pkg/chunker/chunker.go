// Copyright Brain Ingest Authors
// SPDX-License-Identifier: Apache-2.0

// Package chunker splits extracted text into overlapping, size-bounded
// chunks.
//
// A chunk ends at the largest natural boundary that fits in the target
// size, trying separators in priority order: paragraph break, line break,
// sentence terminator, whitespace. The next chunk starts Overlap characters
// before the previous one ended, or at its start when it was shorter.
// Whitespace between chunks that would form a chunk of its own is dropped.
// Sizes are counted in runes.
package chunker

import "unicode"

// DefaultSize is the default chunk size in characters.
const DefaultSize = 3000

// DefaultOverlap is the default overlap between chunks in characters.
const DefaultOverlap = 60

// Method records how the chunk's source text was produced.
type Method string

const (
	// MethodFullBuffer chunks come from text extracted after the whole file
	// was buffered.
	MethodFullBuffer Method = "full_buffer"
	// MethodWindowed chunks come from text decoded window by window while
	// the upload was still in progress.
	MethodWindowed Method = "windowed"
)

// Chunk is a sequentially indexed span of text.
type Chunk struct {
	Index  int
	Text   string
	Method Method
}

// Options configures chunk size and overlap.
type Options struct {
	Size    int
	Overlap int
	Method  Method
}

// separators in priority order. A boundary falls right after the separator.
var separators = [][]rune{
	[]rune("\n\n"),
	[]rune("\n"),
	[]rune(". "), []rune("! "), []rune("? "),
	[]rune(" "), []rune("\t"),
}

// normalize applies defaults. An overlap that leaves no forward progress is
// clamped to a quarter of the size.
func (o Options) normalize() Options {
	if o.Size <= 0 {
		o.Size = DefaultSize
	}
	if o.Overlap < 0 {
		o.Overlap = 0
	}
	if o.Overlap >= o.Size {
		o.Overlap = o.Size / 4
	}
	if o.Method == "" {
		o.Method = MethodFullBuffer
	}
	return o
}

// Split chunks text in one pass. Whitespace-only text yields no chunks.
func Split(text string, opts Options) []Chunk {
	s := NewStream(opts)
	out := s.Push(text)
	return append(out, s.Flush()...)
}

// Stream chunks text that arrives incrementally. Chunks emitted by Push are
// identical to what Split would produce for the concatenated input.
type Stream struct {
	opts  Options
	buf   []rune
	carry int // leading runes of buf already emitted as overlap
	next  int
	ended bool
}

// NewStream returns an empty Stream.
func NewStream(opts Options) *Stream {
	return &Stream{opts: opts.normalize()}
}

// Push appends text and returns every chunk whose boundary is already
// decided.
func (s *Stream) Push(text string) []Chunk {
	if s.ended || text == "" {
		return nil
	}
	s.buf = append(s.buf, []rune(text)...)
	return s.drain(false)
}

// Flush emits the remaining buffered text. The stream accepts no more input
// afterwards.
func (s *Stream) Flush() []Chunk {
	if s.ended {
		return nil
	}
	out := s.drain(true)
	s.ended = true
	s.buf = nil
	return out
}

// Emitted returns the number of chunks produced so far.
func (s *Stream) Emitted() int {
	return s.next
}

func (s *Stream) drain(final bool) []Chunk {
	var out []Chunk
	for len(s.buf) > 0 {
		if len(s.buf) <= s.opts.Size {
			if !final {
				break
			}
			if len(s.buf) > s.carry {
				out = s.emit(out, s.buf)
			}
			s.buf = s.buf[:0]
			break
		}

		cut, ok := s.boundary(final)
		if !ok {
			break
		}
		if blank(s.buf[:cut]) {
			// The carried head still belongs to the last emitted chunk.
			s.buf = append(s.buf[:s.carry:s.carry], s.buf[cut:]...)
			continue
		}
		out = s.emit(out, s.buf[:cut])
		if cut == len(s.buf) && final {
			s.buf = s.buf[:0]
			break
		}

		// The tail of this chunk becomes the head of the next one.
		ov := min(s.opts.Overlap, cut)
		s.buf = append(s.buf[:0:0], s.buf[cut-ov:]...)
		s.carry = ov
	}
	return out
}

// boundary finds where the chunk starting at buf[0] ends. It reports false
// when the decision depends on text that has not arrived yet.
func (s *Stream) boundary(final bool) (int, bool) {
	window := s.buf[:s.opts.Size]
	minCut := s.carry + 1

	// A higher-priority separator is only used if it keeps the chunk at
	// least half full; otherwise lower ones are tried first.
	for _, floor := range []int{max(s.opts.Size/2, minCut), minCut} {
		for _, sep := range separators {
			if cut := lastBoundary(window, sep); cut >= floor {
				return cut, true
			}
		}
	}

	// Atomic unit with no internal delimiter: emit it whole, up to the next
	// separator past the window.
	if cut := firstBoundaryAfter(s.buf, s.opts.Size); cut > 0 {
		return cut, true
	}
	if final {
		return len(s.buf), true
	}
	return 0, false
}

func (s *Stream) emit(out []Chunk, text []rune) []Chunk {
	if blank(text) {
		return out
	}
	out = append(out, Chunk{Index: s.next, Text: string(text), Method: s.opts.Method})
	s.next++
	return out
}

func blank(text []rune) bool {
	for _, r := range text {
		if !unicode.IsSpace(r) {
			return false
		}
	}
	return true
}

// lastBoundary returns the index just past the last occurrence of sep in
// window, or -1.
func lastBoundary(window, sep []rune) int {
	for i := len(window) - len(sep); i >= 0; i-- {
		if hasPrefix(window[i:], sep) {
			return i + len(sep)
		}
	}
	return -1
}

// firstBoundaryAfter returns the index just past the first whitespace at or
// after from, or -1.
func firstBoundaryAfter(buf []rune, from int) int {
	for i := from; i < len(buf); i++ {
		switch buf[i] {
		case ' ', '\n', '\t':
			return i + 1
		}
	}
	return -1
}

func hasPrefix(s, prefix []rune) bool {
	if len(s) < len(prefix) {
		return false
	}
	for i := range prefix {
		if s[i] != prefix[i] {
			return false
		}
	}
	return true
}
