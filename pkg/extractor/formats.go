// Copyright Brain Ingest Authors
// SPDX-License-Identifier: Apache-2.0

package extractor

func registerDefaults(r *Registry) {
	r.Register(CategoryPDF, FamilyFullBuffer, extractPDF,
		[]string{".pdf"},
		[]string{"application/pdf"})
	r.Register(CategoryWord, FamilyFullBuffer, extractWord,
		[]string{".docx", ".odt"},
		[]string{
			"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
			"application/vnd.oasis.opendocument.text",
		})
	r.Register(CategoryPresentation, FamilyFullBuffer, extractPresentation,
		[]string{".pptx"},
		[]string{"application/vnd.openxmlformats-officedocument.presentationml.presentation"})
	r.Register(CategorySpreadsheet, FamilyFullBuffer, extractSpreadsheet,
		[]string{".xlsx", ".xlsm"},
		[]string{
			"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
			"application/vnd.ms-excel.sheet.macroenabled.12",
		})
	r.Register(CategoryCSV, FamilyFullBuffer, extractCSV,
		[]string{".csv", ".tsv"},
		[]string{"text/csv", "text/tab-separated-values"})
	r.Register(CategoryEmail, FamilyFullBuffer, extractEmail,
		[]string{".eml"},
		[]string{"message/rfc822"})
	r.Register(CategoryHTML, FamilyFullBuffer, extractHTML,
		[]string{".html", ".htm"},
		[]string{"text/html", "application/xhtml+xml"})
	r.Register(CategoryJSON, FamilyFullBuffer, extractJSON,
		[]string{".json", ".jsonl", ".ndjson"},
		[]string{"application/json", "application/x-ndjson"})
	r.Register(CategoryText, FamilyWindow, extractPlain,
		[]string{".txt", ".md", ".markdown", ".rst", ".log", ".text"},
		[]string{"text/plain", "text/markdown"})
	r.Register(CategoryCode, FamilyWindow, extractPlain,
		[]string{
			".go", ".py", ".js", ".ts", ".tsx", ".jsx", ".java", ".kt", ".c", ".h", ".cpp", ".hpp",
			".cs", ".rs", ".rb", ".php", ".swift", ".scala", ".sh", ".sql", ".yaml", ".yml",
			".toml", ".ini", ".xml", ".css", ".proto",
		},
		[]string{"text/x-go", "text/x-python", "application/javascript", "text/javascript", "application/xml", "text/xml", "application/x-yaml"})
	r.Register(CategoryImage, FamilyNone, nil,
		[]string{".png", ".jpg", ".jpeg", ".gif", ".webp"},
		[]string{"image/png", "image/jpeg", "image/gif", "image/webp"})
}
