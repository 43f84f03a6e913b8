// Copyright Brain Ingest Authors
// SPDX-License-Identifier: Apache-2.0

// Package pgvector stores vectors in PostgreSQL using the pgvector
// extension. Each collection is its own table with an HNSW index.
package pgvector

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/leseb/brainingest/pkg/provider"
	"github.com/leseb/brainingest/pkg/vectorstore"
	"github.com/pgvector/pgvector-go"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func init() {
	vectorstore.Providers.Register("pgvector", func(ctx context.Context, params provider.Params) (vectorstore.Index, error) {
		dsn := params.String("dsn", "")
		if dsn == "" {
			return nil, fmt.Errorf("pgvector vector store requires a dsn")
		}
		return New(ctx, dsn)
	})
}

// compile-time check
var _ vectorstore.Index = (*Index)(nil)

const registryDDL = `
CREATE TABLE IF NOT EXISTS vector_collections (
	name   TEXT PRIMARY KEY,
	dim    INTEGER NOT NULL,
	metric TEXT NOT NULL
)`

type collectionInfo struct {
	dim    int
	metric vectorstore.Metric
}

// Index implements vectorstore.Index on PostgreSQL.
type Index struct {
	db *sql.DB

	mu          sync.RWMutex
	collections map[string]collectionInfo
}

// New opens dsn, enables the vector extension and creates the collection
// registry table.
func New(ctx context.Context, dsn string) (*Index, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("pgvector open: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxIdleTime(10 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pgvector ping: %w", err)
	}
	x, err := NewWithDB(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return x, nil
}

// NewWithDB uses an existing connection pool.
func NewWithDB(ctx context.Context, db *sql.DB) (*Index, error) {
	if _, err := db.ExecContext(ctx, `CREATE EXTENSION IF NOT EXISTS vector`); err != nil {
		return nil, fmt.Errorf("create vector extension: %w", err)
	}
	if _, err := db.ExecContext(ctx, registryDDL); err != nil {
		return nil, fmt.Errorf("create collection registry: %w", err)
	}
	return &Index{db: db, collections: make(map[string]collectionInfo)}, nil
}

func table(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

func opClass(m vectorstore.Metric) string {
	switch m {
	case vectorstore.MetricL2:
		return "vector_l2_ops"
	case vectorstore.MetricIP:
		return "vector_ip_ops"
	default:
		return "vector_cosine_ops"
	}
}

func operator(m vectorstore.Metric) string {
	switch m {
	case vectorstore.MetricL2:
		return "<->"
	case vectorstore.MetricIP:
		return "<#>"
	default:
		return "<=>"
	}
}

// EnsureCollection creates the table, its HNSW index and the file_id and
// filename lookup indexes inside one transaction.
func (x *Index) EnsureCollection(ctx context.Context, name string, dim int, metric vectorstore.Metric) error {
	if dim <= 0 {
		return fmt.Errorf("collection %s: dimension must be positive", name)
	}
	if info, ok, err := x.lookup(ctx, name); err != nil {
		return err
	} else if ok {
		if info.dim != dim || info.metric != metric {
			return fmt.Errorf("%w: %s has dim=%d metric=%s, requested dim=%d metric=%s",
				vectorstore.ErrCollectionMismatch, name, info.dim, info.metric, dim, metric)
		}
		return nil
	}

	tx, err := x.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	t := table(name)
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id          TEXT PRIMARY KEY,
			file_id     TEXT NOT NULL,
			chunk_index INTEGER NOT NULL,
			filename    TEXT NOT NULL DEFAULT '',
			mimetype    TEXT NOT NULL DEFAULT '',
			storage_key TEXT NOT NULL DEFAULT '',
			owner_id    TEXT NOT NULL DEFAULT '',
			brain_id    TEXT NOT NULL DEFAULT '',
			content     TEXT NOT NULL DEFAULT '',
			embedding   vector(%d) NOT NULL
		)`, t, dim),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s USING hnsw (embedding %s)`,
			table(name+"_embedding_idx"), t, opClass(metric)),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (file_id)`, table(name+"_file_id_idx"), t),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (filename)`, table(name+"_filename_idx"), t),
	}
	for _, s := range stmts {
		if _, err := tx.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("create collection %s: %w", name, err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO vector_collections (name, dim, metric) VALUES ($1, $2, $3) ON CONFLICT (name) DO NOTHING`,
		name, dim, string(metric)); err != nil {
		return fmt.Errorf("register collection %s: %w", name, err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	// A concurrent creator may have won with other parameters.
	info, _, err := x.lookup(ctx, name)
	if err != nil {
		return err
	}
	if info.dim != dim || info.metric != metric {
		return fmt.Errorf("%w: %s", vectorstore.ErrCollectionMismatch, name)
	}
	return nil
}

func (x *Index) lookup(ctx context.Context, name string) (collectionInfo, bool, error) {
	x.mu.RLock()
	info, ok := x.collections[name]
	x.mu.RUnlock()
	if ok {
		return info, true, nil
	}

	var metric string
	err := x.db.QueryRowContext(ctx,
		`SELECT dim, metric FROM vector_collections WHERE name = $1`, name).Scan(&info.dim, &metric)
	if errors.Is(err, sql.ErrNoRows) {
		return collectionInfo{}, false, nil
	}
	if err != nil {
		return collectionInfo{}, false, fmt.Errorf("lookup collection %s: %w", name, err)
	}
	info.metric = vectorstore.Metric(metric)

	x.mu.Lock()
	x.collections[name] = info
	x.mu.Unlock()
	return info, true, nil
}

// Upsert writes every point in one transaction.
func (x *Index) Upsert(ctx context.Context, name string, points []vectorstore.Point) error {
	if len(points) == 0 {
		return nil
	}
	info, ok, err := x.lookup(ctx, name)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", vectorstore.ErrCollectionNotFound, name)
	}
	for _, p := range points {
		if err := vectorstore.ValidatePoint(p, info.dim); err != nil {
			return err
		}
	}

	tx, err := x.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	q := fmt.Sprintf(`
		INSERT INTO %s
			(id, file_id, chunk_index, filename, mimetype, storage_key, owner_id, brain_id, content, embedding)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			file_id = EXCLUDED.file_id,
			chunk_index = EXCLUDED.chunk_index,
			filename = EXCLUDED.filename,
			mimetype = EXCLUDED.mimetype,
			storage_key = EXCLUDED.storage_key,
			owner_id = EXCLUDED.owner_id,
			brain_id = EXCLUDED.brain_id,
			content = EXCLUDED.content,
			embedding = EXCLUDED.embedding`, table(name))
	stmt, err := tx.PrepareContext(ctx, q)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, p := range points {
		pl := p.Payload
		if _, err := stmt.ExecContext(ctx,
			p.ID, pl.FileID, pl.ChunkIndex, pl.Filename, pl.MimeType, pl.StorageKey,
			pl.OwnerID, pl.BrainID, pl.Text, pgvector.NewVector(p.Vector),
		); err != nil {
			return fmt.Errorf("upsert point %s: %w", p.ID, err)
		}
	}
	return tx.Commit()
}

// DeleteByFile removes every row of fileID.
func (x *Index) DeleteByFile(ctx context.Context, name, fileID string) error {
	if _, ok, err := x.lookup(ctx, name); err != nil || !ok {
		return err
	}
	_, err := x.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE file_id = $1`, table(name)), fileID)
	if err != nil {
		return fmt.Errorf("delete file %s from %s: %w", fileID, name, err)
	}
	return nil
}

const payloadColumns = `id, file_id, chunk_index, filename, mimetype, storage_key, owner_id, brain_id, content`

// where renders filter as a WHERE clause whose placeholders start at $next.
func where(f vectorstore.Filter, next int) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(col, v string) {
		if v == "" {
			return
		}
		conds = append(conds, fmt.Sprintf("%s = $%d", col, next+len(args)))
		args = append(args, v)
	}
	add("file_id", f.FileID)
	add("filename", f.Filename)
	add("owner_id", f.OwnerID)
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func scanPayload(sc interface{ Scan(...any) error }, extra ...any) (vectorstore.Point, error) {
	var p vectorstore.Point
	pl := &p.Payload
	dest := append([]any{&p.ID, &pl.FileID, &pl.ChunkIndex, &pl.Filename, &pl.MimeType,
		&pl.StorageKey, &pl.OwnerID, &pl.BrainID, &pl.Text}, extra...)
	err := sc.Scan(dest...)
	return p, err
}

// Scroll lists matching rows with their vectors.
func (x *Index) Scroll(ctx context.Context, name string, filter vectorstore.Filter, limit int) ([]vectorstore.Point, error) {
	if _, ok, err := x.lookup(ctx, name); err != nil || !ok {
		return nil, err
	}
	cond, args := where(filter, 1)
	q := fmt.Sprintf(`SELECT %s, embedding FROM %s%s ORDER BY file_id, chunk_index`, payloadColumns, table(name), cond)
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := x.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("scroll %s: %w", name, err)
	}
	defer rows.Close()

	var out []vectorstore.Point
	for rows.Next() {
		var emb pgvector.Vector
		p, err := scanPayload(rows, &emb)
		if err != nil {
			return nil, err
		}
		p.Vector = emb.Slice()
		out = append(out, p)
	}
	return out, rows.Err()
}

// Search orders rows by the collection's distance operator.
func (x *Index) Search(ctx context.Context, name string, vector []float32, filter vectorstore.Filter, topK int) ([]vectorstore.ScoredPoint, error) {
	info, ok, err := x.lookup(ctx, name)
	if err != nil || !ok {
		return nil, err
	}
	if topK <= 0 {
		topK = 10
	}
	cond, args := where(filter, 2)
	q := fmt.Sprintf(`SELECT %s, embedding %s $1 AS distance FROM %s%s ORDER BY distance LIMIT %d`,
		payloadColumns, operator(info.metric), table(name), cond, topK)

	rows, err := x.db.QueryContext(ctx, q, append([]any{pgvector.NewVector(vector)}, args...)...)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", name, err)
	}
	defer rows.Close()

	var out []vectorstore.ScoredPoint
	for rows.Next() {
		var distance float64
		p, err := scanPayload(rows, &distance)
		if err != nil {
			return nil, err
		}
		out = append(out, vectorstore.ScoredPoint{Point: p, Score: score(info.metric, distance)})
	}
	return out, rows.Err()
}

// score converts a pgvector distance so that higher is closer.
func score(m vectorstore.Metric, distance float64) float64 {
	switch m {
	case vectorstore.MetricCosine:
		return 1 - distance
	default:
		// <-> is a distance and <#> is the negated inner product.
		return -distance
	}
}

// Close closes the connection pool.
func (x *Index) Close(context.Context) error {
	return x.db.Close()
}
