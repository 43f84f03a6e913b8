// Copyright Brain Ingest Authors
// SPDX-License-Identifier: Apache-2.0

// Package embedding turns chunk texts into fixed-dimension vectors.
//
// Service wraps a Provider and guarantees a full, aligned result: one vector
// of the configured dimension per input text, in input order. It first tries
// one batch call, keeps every well-formed vector from it, retries the
// remaining indices one text at a time, and substitutes a deterministic hash
// vector for any text the provider still cannot embed. A circuit breaker
// short-circuits straight to hash vectors for a cooldown period after the
// provider has failed hard.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/leseb/brainingest/pkg/observability/logging"
)

// ErrProvider marks failures reported by the embedding provider.
var ErrProvider = errors.New("embedding provider error")

// Provider is the external embedding model.
type Provider interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Model() string
}

// Source says where a vector came from.
type Source int

const (
	// SourceBatch vectors came from the multi-text call.
	SourceBatch Source = iota
	// SourceSingle vectors came from a per-text retry.
	SourceSingle
	// SourceHash vectors are deterministic hash fallbacks.
	SourceHash
)

// Result holds one vector per input text.
type Result struct {
	Vectors [][]float32
	Sources []Source
}

// Fallbacks returns how many vectors are hash fallbacks.
func (r Result) Fallbacks() int {
	n := 0
	for _, s := range r.Sources {
		if s == SourceHash {
			n++
		}
	}
	return n
}

// Service is the stateful embedder shared by all ingestions. It is safe for
// concurrent use.
type Service struct {
	provider   Provider
	dimensions int
	cooldown   time.Duration
	timeout    time.Duration
	logger     *slog.Logger
	now        func() time.Time

	mu          sync.Mutex
	lastFailure time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithCooldown sets how long the breaker stays open after a hard failure.
func WithCooldown(d time.Duration) Option {
	return func(s *Service) { s.cooldown = d }
}

// WithTimeout bounds each provider call.
func WithTimeout(d time.Duration) Option {
	return func(s *Service) { s.timeout = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithClock replaces time.Now. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService returns a Service producing vectors of the given dimension. A
// nil provider is allowed: every text then gets a hash vector.
func NewService(p Provider, dimensions int, opts ...Option) *Service {
	s := &Service{
		provider:   p,
		dimensions: dimensions,
		cooldown:   60 * time.Second,
		timeout:    30 * time.Second,
		now:        time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	s.logger = logging.OrDefault(s.logger)
	return s
}

// Dimensions returns the configured vector length.
func (s *Service) Dimensions() int {
	return s.dimensions
}

// Embed returns one vector per text. Provider failures never surface as
// errors; the only error is ctx's, once it is done.
func (s *Service) Embed(ctx context.Context, texts []string) (Result, error) {
	res := Result{
		Vectors: make([][]float32, len(texts)),
		Sources: make([]Source, len(texts)),
	}
	if len(texts) == 0 {
		return res, nil
	}
	if err := ctx.Err(); err != nil {
		return Result{}, context.Cause(ctx)
	}

	pending := make([]int, 0, len(texts))
	if s.available() {
		vecs, err := s.call(ctx, texts)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Result{}, context.Cause(ctx)
		}
		if err != nil {
			s.logger.Warn("batch embedding failed, retrying per text",
				"event", logging.EventEmbeddingFallback, "texts", len(texts), "error", err)
		}
		for i := range texts {
			if err == nil && i < len(vecs) && len(vecs[i]) == s.dimensions {
				res.Vectors[i] = vecs[i]
				res.Sources[i] = SourceBatch
				continue
			}
			pending = append(pending, i)
		}
		if err == nil && len(pending) > 0 {
			s.logger.Warn("batch embedding returned malformed vectors",
				"event", logging.EventEmbeddingFallback, "got", len(vecs), "want", len(texts), "malformed", len(pending))
		}
	} else {
		for i := range texts {
			pending = append(pending, i)
		}
	}

	for _, i := range pending {
		if s.available() {
			vecs, err := s.call(ctx, texts[i:i+1])
			if ctx.Err() != nil {
				return Result{}, context.Cause(ctx)
			}
			if err == nil && len(vecs) == 1 && len(vecs[0]) == s.dimensions {
				res.Vectors[i] = vecs[0]
				res.Sources[i] = SourceSingle
				continue
			}
			if err == nil {
				err = fmt.Errorf("%w: malformed single vector", ErrProvider)
			}
			s.trip(err)
		}
		res.Vectors[i] = HashVector(texts[i], s.dimensions)
		res.Sources[i] = SourceHash
	}

	if n := res.Fallbacks(); n > 0 {
		s.logger.Warn("using hash vectors", "event", logging.EventEmbeddingFallback, "count", n, "texts", len(texts))
	}
	return res, nil
}

// EmbedOne embeds a single text, e.g. a search query.
func (s *Service) EmbedOne(ctx context.Context, text string) ([]float32, Source, error) {
	res, err := s.Embed(ctx, []string{text})
	if err != nil {
		return nil, SourceHash, err
	}
	return res.Vectors[0], res.Sources[0], nil
}

// available reports whether the breaker is closed.
func (s *Service) available() bool {
	if s.provider == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastFailure.IsZero() || s.now().Sub(s.lastFailure) >= s.cooldown
}

// trip opens the breaker.
func (s *Service) trip(err error) {
	s.mu.Lock()
	s.lastFailure = s.now()
	s.mu.Unlock()
	s.logger.Warn("embedding provider unavailable, short-circuiting to hash vectors",
		"event", logging.EventEmbeddingFallback, "cooldown", s.cooldown, "error", err)
}

func (s *Service) call(ctx context.Context, texts []string) ([][]float32, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	vecs, err := s.provider.Embed(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProvider, err)
	}
	return vecs, nil
}
