// Copyright Brain Ingest Authors
// SPDX-License-Identifier: Apache-2.0

// Package extractor converts uploaded bytes into plain text.
//
// Formats are resolved to a normalized Category from the filename extension
// (falling back to the declared content type). Each Category maps to one
// extraction strategy and one Family. Full-buffer formats need the whole
// file before extraction; window formats are decoded incrementally with a
// WindowDecoder as bytes arrive.
package extractor

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"path/filepath"
	"runtime/debug"
	"strings"
	"sync"
)

var (
	// ErrUnsupported is returned by Resolve for unknown extensions and types.
	ErrUnsupported = errors.New("unsupported file type")
	// ErrNoStrategy is returned by Extract for categories that carry no text.
	ErrNoStrategy = errors.New("no extraction strategy for category")
)

// Category is a normalized file kind.
type Category string

const (
	CategoryPDF          Category = "pdf"
	CategoryWord         Category = "word"
	CategoryPresentation Category = "presentation"
	CategorySpreadsheet  Category = "spreadsheet"
	CategoryCSV          Category = "csv"
	CategoryEmail        Category = "email"
	CategoryHTML         Category = "html"
	CategoryJSON         Category = "json"
	CategoryText         Category = "text"
	CategoryCode         Category = "code"
	CategoryImage        Category = "image"
)

// Family says how bytes must be presented to a strategy.
type Family int

const (
	// FamilyFullBuffer formats are not decomposable into byte windows.
	FamilyFullBuffer Family = iota
	// FamilyWindow formats can be decoded window by window as they arrive.
	FamilyWindow
	// FamilyNone formats are stored but never extracted.
	FamilyNone
)

func (f Family) String() string {
	switch f {
	case FamilyFullBuffer:
		return "full_buffer"
	case FamilyWindow:
		return "window"
	default:
		return "none"
	}
}

// Blob namespaces used in storage keys.
const (
	NamespaceDocuments = "documents"
	NamespaceImages    = "images"
)

// Format is the resolved description of an upload.
type Format struct {
	Category    Category
	Family      Family
	Namespace   string
	Extension   string // lower-case, with leading dot
	ContentType string // normalized media type
}

// Func extracts text from a complete file. An empty string with a nil error
// means the file carries no text.
type Func func(ctx context.Context, content []byte) (string, error)

type strategy struct {
	family    Family
	namespace string
	fn        Func
	defExt    string
}

// Registry maps extensions and content types to categories and categories
// to strategies. The zero value is not usable; call NewRegistry.
type Registry struct {
	mu         sync.RWMutex
	strategies map[Category]strategy
	byExt      map[string]Category
	byType     map[string]Category
}

// NewRegistry returns a registry preloaded with the built-in formats.
func NewRegistry() *Registry {
	r := &Registry{
		strategies: make(map[Category]strategy),
		byExt:      make(map[string]Category),
		byType:     make(map[string]Category),
	}
	registerDefaults(r)
	return r
}

// Register adds or replaces the strategy for cat and binds the given
// extensions (".pdf") and media types ("application/pdf") to it. The first
// extension becomes the default when a filename has none.
func (r *Registry) Register(cat Category, family Family, fn Func, exts []string, types []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ns := NamespaceDocuments
	if cat == CategoryImage {
		ns = NamespaceImages
	}
	st := strategy{family: family, namespace: ns, fn: fn}
	if old, ok := r.strategies[cat]; ok {
		st.defExt = old.defExt
	}
	for _, e := range exts {
		e = strings.ToLower(e)
		r.byExt[e] = cat
		if st.defExt == "" {
			st.defExt = e
		}
	}
	for _, t := range types {
		r.byType[strings.ToLower(t)] = cat
	}
	r.strategies[cat] = st
}

// SetStrategy replaces only the extraction function for an existing category.
func (r *Registry) SetStrategy(cat Category, fn Func) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.strategies[cat]
	if !ok {
		return fmt.Errorf("category %q: %w", cat, ErrUnsupported)
	}
	st.fn = fn
	r.strategies[cat] = st
	return nil
}

// Resolve determines the Format of an upload. The extension wins over the
// declared content type; an unknown extension with a known type is accepted
// and given the category's default extension.
func (r *Registry) Resolve(filename, contentType string) (Format, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ext := strings.ToLower(filepath.Ext(filename))
	mediaType := normalizeType(contentType)

	cat, ok := r.byExt[ext]
	if !ok {
		cat, ok = r.byType[mediaType]
		if !ok {
			return Format{}, fmt.Errorf("%w: %q (%s)", ErrUnsupported, filename, contentType)
		}
		ext = r.strategies[cat].defExt
	}

	st := r.strategies[cat]
	return Format{
		Category:    cat,
		Family:      st.family,
		Namespace:   st.namespace,
		Extension:   ext,
		ContentType: mediaType,
	}, nil
}

// Extract runs the category's strategy over the full content. Parser panics
// on corrupt input are recovered and reported as errors.
func (r *Registry) Extract(ctx context.Context, f Format, content []byte) (text string, err error) {
	r.mu.RLock()
	st, ok := r.strategies[f.Category]
	r.mu.RUnlock()
	if !ok || st.fn == nil {
		return "", fmt.Errorf("%s: %w", f.Category, ErrNoStrategy)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	defer func() {
		if p := recover(); p != nil {
			text = ""
			err = fmt.Errorf("extract %s: parser panic: %v\n%s", f.Category, p, debug.Stack())
		}
	}()
	text, err = st.fn(ctx, content)
	if err != nil {
		return "", fmt.Errorf("extract %s: %w", f.Category, err)
	}
	return text, nil
}

func normalizeType(contentType string) string {
	if contentType == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(contentType))
	}
	return mt
}
