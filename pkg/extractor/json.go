// Copyright Brain Ingest Authors
// SPDX-License-Identifier: Apache-2.0

package extractor

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
)

// extractJSON pretty-prints a JSON document, or each line of a JSONL
// document, for text extraction. Invalid JSON is returned as-is.
func extractJSON(_ context.Context, content []byte) (string, error) {
	var buf bytes.Buffer
	if err := json.Indent(&buf, content, "", "  "); err == nil {
		return buf.String(), nil
	}

	var sb strings.Builder
	for _, line := range strings.Split(decodeText(content), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		buf.Reset()
		if err := json.Indent(&buf, []byte(line), "", "  "); err != nil {
			sb.WriteString(line)
			continue
		}
		sb.WriteString(buf.String())
	}
	return sb.String(), nil
}
