// Copyright Brain Ingest Authors
// SPDX-License-Identifier: Apache-2.0

package chunker

import (
	"math/rand"
	"strings"
	"testing"
	"unicode/utf8"
)

func TestSplitEmpty(t *testing.T) {
	for _, in := range []string{"", "   ", "\n\n\t"} {
		if got := Split(in, Options{}); len(got) != 0 {
			t.Errorf("Split(%q) = %d chunks, want 0", in, len(got))
		}
	}
}

func TestSplitShortText(t *testing.T) {
	got := Split("hello world", Options{Size: 100, Overlap: 10})
	if len(got) != 1 {
		t.Fatalf("Split() = %d chunks, want 1", len(got))
	}
	if got[0].Text != "hello world" || got[0].Index != 0 || got[0].Method != MethodFullBuffer {
		t.Errorf("chunk = %+v", got[0])
	}
}

func TestSplitTwelveThousandChars(t *testing.T) {
	text := strings.Repeat("abcd ", 2400) // 12,000 characters
	got := Split(text, Options{Size: 3000, Overlap: 60})

	if len(got) != 5 {
		t.Fatalf("Split() = %d chunks, want 5", len(got))
	}
	assertInvariants(t, got, 3000, 60)
}

func TestSplitPrefersParagraphs(t *testing.T) {
	para := strings.Repeat("word ", 15) // 75 chars
	text := para + "\n\n" + para + "\n\n" + para
	got := Split(text, Options{Size: 100, Overlap: 5})

	if len(got) < 2 {
		t.Fatalf("Split() = %d chunks, want at least 2", len(got))
	}
	if !strings.HasSuffix(got[0].Text, "\n\n") {
		t.Errorf("first chunk %q does not end at the paragraph break", got[0].Text)
	}
	assertInvariants(t, got, 100, 5)
}

func TestSplitSentenceBeforeWhitespace(t *testing.T) {
	text := "First sentence here. Second sentence is a bit longer than the first one and goes on"
	got := Split(text, Options{Size: 40, Overlap: 0})
	if got[0].Text != "First sentence here. " {
		t.Errorf("first chunk = %q, want sentence boundary", got[0].Text)
	}
}

func TestSplitAtomicTokenEmittedWhole(t *testing.T) {
	token := strings.Repeat("x", 250)
	text := "intro " + token + " outro words here"
	got := Split(text, Options{Size: 100, Overlap: 10})

	var found bool
	for _, c := range got {
		if strings.Contains(c.Text, token) {
			found = true
		}
		if n := utf8.RuneCountInString(c.Text); n > 100 && !strings.Contains(c.Text, token) {
			t.Errorf("chunk %d has %d runes without an atomic token", c.Index, n)
		}
	}
	if !found {
		t.Fatalf("atomic token was split: %+v", got)
	}
}

func TestSplitNoDelimitersAtAll(t *testing.T) {
	text := strings.Repeat("y", 500)
	got := Split(text, Options{Size: 100, Overlap: 10})
	if len(got) != 1 || got[0].Text != text {
		t.Fatalf("Split() = %+v, want the whole unsplittable text", got)
	}
}

func TestSplitMultibyteRunes(t *testing.T) {
	text := strings.Repeat("héllo wörld ", 100)
	got := Split(text, Options{Size: 50, Overlap: 8})
	for _, c := range got {
		if !utf8.ValidString(c.Text) {
			t.Fatalf("chunk %d is not valid UTF-8", c.Index)
		}
	}
	assertInvariants(t, got, 50, 8)
}

func TestOptionsNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   Options
		want Options
	}{
		{name: "defaults", in: Options{}, want: Options{Size: DefaultSize, Overlap: 0, Method: MethodFullBuffer}},
		{name: "negative overlap", in: Options{Size: 10, Overlap: -1}, want: Options{Size: 10, Overlap: 0, Method: MethodFullBuffer}},
		{name: "overlap too large", in: Options{Size: 100, Overlap: 100, Method: MethodWindowed}, want: Options{Size: 100, Overlap: 25, Method: MethodWindowed}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.in.normalize(); got != tt.want {
				t.Errorf("normalize() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestStreamMatchesSplit(t *testing.T) {
	text := strings.Repeat("Lorem ipsum dolor sit amet. Consectetur adipiscing elit.\n", 80) +
		strings.Repeat("z", 300) + " tail\n\nlast paragraph"
	opts := Options{Size: 200, Overlap: 20, Method: MethodWindowed}
	want := Split(text, opts)

	for _, step := range []int{1, 7, 64, 199, 1000} {
		s := NewStream(opts)
		var got []Chunk
		runes := []rune(text)
		for i := 0; i < len(runes); i += step {
			end := min(i+step, len(runes))
			got = append(got, s.Push(string(runes[i:end]))...)
		}
		got = append(got, s.Flush()...)

		if len(got) != len(want) {
			t.Fatalf("step %d: %d chunks, want %d", step, len(got), len(want))
		}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("step %d: chunk %d = %+v, want %+v", step, i, got[i], want[i])
			}
		}
		if s.Emitted() != len(want) {
			t.Errorf("Emitted() = %d, want %d", s.Emitted(), len(want))
		}
	}
}

func TestStreamFlushIsTerminal(t *testing.T) {
	s := NewStream(Options{Size: 10})
	s.Push("abc")
	if got := s.Flush(); len(got) != 1 {
		t.Fatalf("Flush() = %d chunks, want 1", len(got))
	}
	if got := s.Push("more"); got != nil {
		t.Errorf("Push after Flush = %+v, want nil", got)
	}
	if got := s.Flush(); got != nil {
		t.Errorf("second Flush = %+v, want nil", got)
	}
}

// assertInvariants checks contiguous indices, the size bound and that
// consecutive chunks share overlap runes, or all of a shorter predecessor.
func assertInvariants(t *testing.T, chunks []Chunk, size, overlap int) {
	t.Helper()
	for i, c := range chunks {
		if c.Index != i {
			t.Errorf("chunk %d has index %d", i, c.Index)
		}
		if n := utf8.RuneCountInString(c.Text); n > size {
			t.Errorf("chunk %d has %d runes, max %d", i, n, size)
		}
		if i == 0 || overlap == 0 {
			continue
		}
		prev := []rune(chunks[i-1].Text)
		tail := string(prev[len(prev)-min(overlap, len(prev)):])
		if !strings.HasPrefix(c.Text, tail) {
			t.Errorf("chunk %d does not start with the %d-rune tail of chunk %d", i, overlap, i-1)
		}
	}
}

func TestSplitDelimiterInsideFirstOverlap(t *testing.T) {
	token := strings.Repeat("x", 100)
	got := Split("ab "+token, Options{Size: 50, Overlap: 10})

	if len(got) != 2 {
		t.Fatalf("Split() = %q, want 2 chunks", got)
	}
	if got[0].Text != "ab " {
		t.Errorf("first chunk = %q, want %q", got[0].Text, "ab ")
	}
	if got[1].Text != "ab "+token {
		t.Errorf("second chunk = %q, want the short head plus the token", got[1].Text)
	}
}

func TestSplitBlankSpanKeepsOverlap(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		size    int
		overlap int
		want    []string
	}{
		{name: "blank line run", text: "a \n  a", size: 4, overlap: 2, want: []string{"a \n", " \na"}},
		{name: "blank between words", text: "a\n  \na", size: 4, overlap: 3, want: []string{"a\n", "a\n  ", "\n  a"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Split(tt.text, Options{Size: tt.size, Overlap: tt.overlap})
			if len(got) != len(tt.want) {
				t.Fatalf("Split() = %+v, want %q", got, tt.want)
			}
			for i, w := range tt.want {
				if got[i].Text != w {
					t.Errorf("chunk %d = %q, want %q", i, got[i].Text, w)
				}
			}
		})
	}
}

// TestSplitRandomInputs checks the size bound, the overlap and Stream/Split
// agreement over generated text dense in separators.
func TestSplitRandomInputs(t *testing.T) {
	alphabets := []string{"ab \n", "abcde \n.", "xy\t \n\n!", "e \n"}
	rng := rand.New(rand.NewSource(1))

	for n := 0; n < 2000; n++ {
		alphabet := alphabets[rng.Intn(len(alphabets))]
		var sb strings.Builder
		for i := rng.Intn(300); i > 0; i-- {
			sb.WriteByte(alphabet[rng.Intn(len(alphabet))])
		}
		text := sb.String()
		size := 2 + rng.Intn(39)
		opts := Options{Size: size, Overlap: rng.Intn(size)}

		got := Split(text, opts)
		for i, c := range got {
			runes := []rune(c.Text)
			head := 0
			if i > 0 {
				prev := []rune(got[i-1].Text)
				head = min(opts.Overlap, len(prev))
				if !strings.HasPrefix(c.Text, string(prev[len(prev)-head:])) {
					t.Fatalf("%q size=%d overlap=%d: chunk %d misses the tail of chunk %d", text, size, opts.Overlap, i, i-1)
				}
			}
			if len(runes) <= size {
				continue
			}
			body := strings.TrimRight(string(runes[head:]), " \n\t")
			if strings.ContainsAny(body, " \n\t") {
				t.Fatalf("%q size=%d overlap=%d: oversize chunk %d %q has an internal delimiter", text, size, opts.Overlap, i, c.Text)
			}
		}

		s := NewStream(opts)
		var streamed []Chunk
		step := 1 + rng.Intn(20)
		for i := 0; i < len(text); i += step {
			streamed = append(streamed, s.Push(text[i:min(i+step, len(text))])...)
		}
		streamed = append(streamed, s.Flush()...)
		if len(streamed) != len(got) {
			t.Fatalf("%q: stream produced %d chunks, split %d", text, len(streamed), len(got))
		}
		for i := range got {
			if streamed[i] != got[i] {
				t.Fatalf("%q: stream chunk %d = %q, split %q", text, i, streamed[i].Text, got[i].Text)
			}
		}
	}
}
