// Copyright Brain Ingest Authors
// SPDX-License-Identifier: Apache-2.0

package extractor

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"code.sajari.com/docconv"
	"github.com/xuri/excelize/v2"
)

// ODF packages store their media type uncompressed as the first zip entry.
var odtMarker = []byte("mimetypeapplication/vnd.oasis.opendocument.text")

// extractWord handles DOCX and ODT documents via docconv.
func extractWord(_ context.Context, content []byte) (string, error) {
	head := content
	if len(head) > 128 {
		head = head[:128]
	}
	var (
		text string
		err  error
	)
	if bytes.Contains(head, odtMarker) {
		text, _, err = docconv.ConvertODT(bytes.NewReader(content))
	} else {
		text, _, err = docconv.ConvertDocx(bytes.NewReader(content))
	}
	if err != nil {
		return "", fmt.Errorf("convert document: %w", err)
	}
	return strings.TrimSpace(text), nil
}

// extractPresentation handles PPTX slides via docconv.
func extractPresentation(_ context.Context, content []byte) (string, error) {
	text, _, err := docconv.ConvertPptx(bytes.NewReader(content))
	if err != nil {
		return "", fmt.Errorf("convert presentation: %w", err)
	}
	return strings.TrimSpace(text), nil
}

// extractSpreadsheet renders every sheet as tab-separated rows under a
// "# <sheet>" heading.
func extractSpreadsheet(ctx context.Context, content []byte) (string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(content))
	if err != nil {
		return "", fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()

	var sb strings.Builder
	for _, sheet := range f.GetSheetList() {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		rows, err := f.GetRows(sheet)
		if err != nil {
			return "", fmt.Errorf("read sheet %q: %w", sheet, err)
		}
		if len(rows) == 0 {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString("# ")
		sb.WriteString(sheet)
		for _, row := range rows {
			sb.WriteString("\n")
			sb.WriteString(strings.Join(row, "\t"))
		}
	}
	return sb.String(), nil
}

// extractCSV reads CSV or TSV content and returns it as tab-separated text.
// Each row is joined with tabs, rows are separated by newlines.
func extractCSV(_ context.Context, content []byte) (string, error) {
	reader := csv.NewReader(bytes.NewReader(content))
	reader.LazyQuotes = true
	reader.FieldsPerRecord = -1 // allow variable field counts
	if looksTabSeparated(content) {
		reader.Comma = '\t'
	}

	var sb strings.Builder
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			// If CSV parsing fails, fall back to raw text
			return decodeText(content), nil
		}
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(strings.Join(record, "\t"))
	}

	return sb.String(), nil
}

func looksTabSeparated(content []byte) bool {
	line := content
	if i := bytes.IndexByte(content, '\n'); i >= 0 {
		line = content[:i]
	}
	return bytes.Count(line, []byte("\t")) > bytes.Count(line, []byte(","))
}
