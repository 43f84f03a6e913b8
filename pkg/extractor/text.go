// Copyright Brain Ingest Authors
// SPDX-License-Identifier: Apache-2.0

package extractor

import (
	"bytes"
	"context"
	"strings"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// extractPlain returns the content as UTF-8 text.
func extractPlain(_ context.Context, content []byte) (string, error) {
	return decodeText(content), nil
}

// decodeText strips a leading BOM and replaces invalid UTF-8 sequences.
func decodeText(content []byte) string {
	content = bytes.TrimPrefix(content, utf8BOM)
	return strings.ToValidUTF8(string(content), "�")
}
