// Copyright Brain Ingest Authors
// SPDX-License-Identifier: Apache-2.0

package extractor

import (
	"bytes"
	"context"
	"strings"

	"golang.org/x/net/html"
)

// blockElements end a line of visible text.
var blockElements = map[string]bool{
	"p": true, "div": true, "br": true, "li": true, "tr": true, "table": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"section": true, "article": true, "header": true, "footer": true, "pre": true, "blockquote": true,
}

// extractHTML strips HTML tags and returns the visible text content.
// Script and style elements are skipped entirely.
func extractHTML(_ context.Context, content []byte) (string, error) {
	return htmlToText(content), nil
}

func htmlToText(content []byte) string {
	doc, err := html.Parse(bytes.NewReader(content))
	if err != nil {
		// Fall back to raw text if HTML is malformed
		return decodeText(content)
	}

	var buf bytes.Buffer
	walkHTML(doc, &buf)

	lines := strings.Split(buf.String(), "\n")
	out := lines[:0]
	for _, l := range lines {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return strings.Join(out, "\n")
}

func walkHTML(n *html.Node, buf *bytes.Buffer) {
	if n.Type == html.ElementNode {
		switch n.Data {
		case "script", "style", "noscript", "head":
			return
		}
	}

	if n.Type == html.TextNode {
		text := strings.Join(strings.Fields(n.Data), " ")
		if text != "" {
			if b := buf.Bytes(); len(b) > 0 && b[len(b)-1] != '\n' {
				buf.WriteByte(' ')
			}
			buf.WriteString(text)
		}
	}

	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walkHTML(c, buf)
	}

	if n.Type == html.ElementNode && blockElements[n.Data] {
		buf.WriteByte('\n')
	}
}
