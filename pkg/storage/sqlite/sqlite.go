// Copyright Brain Ingest Authors
// SPDX-License-Identifier: Apache-2.0

package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/leseb/brainingest/pkg/core/state"
	"github.com/leseb/brainingest/pkg/provider"
	"github.com/leseb/brainingest/pkg/storage/sqlstore"

	_ "modernc.org/sqlite"
)

func init() {
	state.Providers.Register("sqlite", func(ctx context.Context, params provider.Params) (state.Store, error) {
		return New(ctx, params.String("dsn", "./data/brainingest.db"), int64(params.Int("default_limit_bytes", 0)))
	})
}

// New opens (or creates) a SQLite database at path. The connection pool is
// pinned to one connection so that writes serialize instead of failing with
// SQLITE_BUSY.
func New(ctx context.Context, path string, defaultLimit int64) (*sqlstore.Store, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("sqlite mkdir: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite ping: %w", err)
	}

	s, err := sqlstore.New(ctx, db, sqlstore.Question, "sqlite", defaultLimit)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}
