// Copyright Brain Ingest Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlstore implements state.Store over database/sql. The sqlite and
// postgres backends share it and differ only in driver and placeholder style.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/leseb/brainingest/pkg/core/state"
)

// Dialect selects the bind-parameter syntax.
type Dialect int

const (
	// Question uses "?" placeholders (SQLite).
	Question Dialect = iota
	// Dollar uses "$1".."$n" placeholders (PostgreSQL).
	Dollar
)

// Compile-time interface check.
var _ state.Store = (*Store)(nil)

// Store is a SQL-backed state.Store.
type Store struct {
	db           *sql.DB
	dialect      Dialect
	name         string
	defaultLimit int64
}

// New wraps an open database, creating tables when they do not exist. name
// prefixes error messages ("sqlite", "postgres").
func New(ctx context.Context, db *sql.DB, dialect Dialect, name string, defaultLimit int64) (*Store, error) {
	s := &Store{db: db, dialect: dialect, name: name, defaultLimit: defaultLimit}
	if err := s.createTables(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// DB exposes the underlying handle, mainly for tests.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) createTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS files (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			brain_id TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL DEFAULT '',
			mime_type TEXT NOT NULL DEFAULT '',
			extension TEXT NOT NULL DEFAULT '',
			category TEXT NOT NULL DEFAULT '',
			size BIGINT NOT NULL DEFAULT 0,
			storage_key TEXT NOT NULL DEFAULT '',
			extraction_status TEXT NOT NULL DEFAULT '',
			embedded_chunks INTEGER NOT NULL DEFAULT 0,
			total_chunks INTEGER NOT NULL DEFAULT 0,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_files_owner ON files(owner_id, brain_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS quotas (
			owner_id TEXT PRIMARY KEY,
			used_bytes BIGINT NOT NULL DEFAULT 0,
			limit_bytes BIGINT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%s create tables: %w", s.name, err)
		}
	}
	return nil
}

// bind rewrites "?" placeholders for the store's dialect.
func (s *Store) bind(query string) string {
	if s.dialect != Dollar {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// --- file records ---

const fileColumns = `id, owner_id, brain_id, name, mime_type, extension, category, size, storage_key,
	extraction_status, embedded_chunks, total_chunks, created_at, updated_at`

func (s *Store) CreateFile(ctx context.Context, rec *state.FileRecord) error {
	res, err := s.db.ExecContext(ctx, s.bind(
		`INSERT INTO files (`+fileColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO NOTHING`),
		rec.ID, rec.OwnerID, rec.BrainID, rec.Name, rec.MimeType, rec.Extension, rec.Category,
		rec.Size, rec.StorageKey, string(rec.ExtractionStatus), rec.EmbeddedChunkCount, rec.TotalChunkCount,
		toMillis(rec.CreatedAt), toMillis(rec.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("%s insert file: %w", s.name, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("file %s: %w", rec.ID, state.ErrAlreadyExists)
	}
	return nil
}

func (s *Store) GetFile(ctx context.Context, ownerID, fileID string) (*state.FileRecord, error) {
	row := s.db.QueryRowContext(ctx, s.bind(
		`SELECT `+fileColumns+` FROM files WHERE id = ? AND owner_id = ?`), fileID, ownerID)
	rec, err := scanFile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("file %s: %w", fileID, state.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%s get file: %w", s.name, err)
	}
	return rec, nil
}

func (s *Store) UpdateFile(ctx context.Context, rec *state.FileRecord) error {
	res, err := s.db.ExecContext(ctx, s.bind(
		`UPDATE files SET brain_id=?, name=?, mime_type=?, extension=?, category=?, size=?, storage_key=?,
		 extraction_status=?, embedded_chunks=?, total_chunks=?, updated_at=?
		 WHERE id=? AND owner_id=?`),
		rec.BrainID, rec.Name, rec.MimeType, rec.Extension, rec.Category, rec.Size, rec.StorageKey,
		string(rec.ExtractionStatus), rec.EmbeddedChunkCount, rec.TotalChunkCount, toMillis(rec.UpdatedAt),
		rec.ID, rec.OwnerID,
	)
	if err != nil {
		return fmt.Errorf("%s update file: %w", s.name, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("file %s: %w", rec.ID, state.ErrNotFound)
	}
	return nil
}

func (s *Store) DeleteFile(ctx context.Context, ownerID, fileID string) error {
	res, err := s.db.ExecContext(ctx, s.bind(`DELETE FROM files WHERE id=? AND owner_id=?`), fileID, ownerID)
	if err != nil {
		return fmt.Errorf("%s delete file: %w", s.name, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("file %s: %w", fileID, state.ErrNotFound)
	}
	return nil
}

func (s *Store) ListFiles(ctx context.Context, q state.ListFilesQuery) ([]*state.FileRecord, error) {
	query := `SELECT ` + fileColumns + ` FROM files WHERE owner_id = ?`
	args := []any{q.OwnerID}
	if q.BrainID != "" {
		query += ` AND brain_id = ?`
		args = append(args, q.BrainID)
	}
	query += ` ORDER BY created_at ASC, id ASC`
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.bind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("%s list files: %w", s.name, err)
	}
	defer rows.Close()

	var out []*state.FileRecord
	for rows.Next() {
		rec, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("%s scan file: %w", s.name, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s list files: %w", s.name, err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanFile(row scanner) (*state.FileRecord, error) {
	var (
		rec              state.FileRecord
		status           string
		created, updated int64
	)
	err := row.Scan(&rec.ID, &rec.OwnerID, &rec.BrainID, &rec.Name, &rec.MimeType, &rec.Extension,
		&rec.Category, &rec.Size, &rec.StorageKey, &status, &rec.EmbeddedChunkCount, &rec.TotalChunkCount,
		&created, &updated)
	if err != nil {
		return nil, err
	}
	rec.ExtractionStatus = state.ExtractionStatus(status)
	rec.CreatedAt = fromMillis(created)
	rec.UpdatedAt = fromMillis(updated)
	return &rec, nil
}

// --- quotas ---

func (s *Store) GetQuota(ctx context.Context, ownerID string) (state.QuotaState, error) {
	q := state.QuotaState{OwnerID: ownerID}
	err := s.db.QueryRowContext(ctx, s.bind(
		`SELECT used_bytes, limit_bytes FROM quotas WHERE owner_id = ?`), ownerID).Scan(&q.UsedBytes, &q.LimitBytes)
	if errors.Is(err, sql.ErrNoRows) {
		q.LimitBytes = s.defaultLimit
		return q, nil
	}
	if err != nil {
		return q, fmt.Errorf("%s get quota: %w", s.name, err)
	}
	return q, nil
}

func (s *Store) ensureQuotaRow(ctx context.Context, ownerID string) error {
	_, err := s.db.ExecContext(ctx, s.bind(
		`INSERT INTO quotas (owner_id, used_bytes, limit_bytes) VALUES (?, 0, ?)
		 ON CONFLICT (owner_id) DO NOTHING`), ownerID, s.defaultLimit)
	if err != nil {
		return fmt.Errorf("%s ensure quota: %w", s.name, err)
	}
	return nil
}

// AddUsage performs the check and the increment in one UPDATE so that two
// concurrent uploads cannot both pass.
func (s *Store) AddUsage(ctx context.Context, ownerID string, n int64) (state.QuotaState, error) {
	if err := s.ensureQuotaRow(ctx, ownerID); err != nil {
		return state.QuotaState{}, err
	}
	q := state.QuotaState{OwnerID: ownerID}
	err := s.db.QueryRowContext(ctx, s.bind(
		`UPDATE quotas SET used_bytes = used_bytes + ?
		 WHERE owner_id = ? AND used_bytes + ? <= limit_bytes
		 RETURNING used_bytes, limit_bytes`), n, ownerID, n).Scan(&q.UsedBytes, &q.LimitBytes)
	if errors.Is(err, sql.ErrNoRows) {
		cur, gerr := s.GetQuota(ctx, ownerID)
		if gerr != nil {
			return q, gerr
		}
		return cur, fmt.Errorf("owner %s: %w", ownerID, state.ErrQuotaConflict)
	}
	if err != nil {
		return q, fmt.Errorf("%s add usage: %w", s.name, err)
	}
	return q, nil
}

func (s *Store) ReleaseUsage(ctx context.Context, ownerID string, n int64) (state.QuotaState, error) {
	if err := s.ensureQuotaRow(ctx, ownerID); err != nil {
		return state.QuotaState{}, err
	}
	q := state.QuotaState{OwnerID: ownerID}
	err := s.db.QueryRowContext(ctx, s.bind(
		`UPDATE quotas SET used_bytes = CASE WHEN used_bytes < ? THEN 0 ELSE used_bytes - ? END
		 WHERE owner_id = ?
		 RETURNING used_bytes, limit_bytes`), n, n, ownerID).Scan(&q.UsedBytes, &q.LimitBytes)
	if err != nil {
		return q, fmt.Errorf("%s release usage: %w", s.name, err)
	}
	return q, nil
}

func (s *Store) SetQuotaLimit(ctx context.Context, ownerID string, limit int64) error {
	_, err := s.db.ExecContext(ctx, s.bind(
		`INSERT INTO quotas (owner_id, used_bytes, limit_bytes) VALUES (?, 0, ?)
		 ON CONFLICT (owner_id) DO UPDATE SET limit_bytes = excluded.limit_bytes`), ownerID, limit)
	if err != nil {
		return fmt.Errorf("%s set quota limit: %w", s.name, err)
	}
	return nil
}
