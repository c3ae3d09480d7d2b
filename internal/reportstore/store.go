// Package reportstore materializes StatusDB's bucketed aggregates into a
// small DuckDB schema (rollups, host_history) and renders the JSON report
// artifacts named in spec §6 from it. It is an analytical secondary index,
// never the source of truth — re-running Materializer.Run over the same
// StatusDB state upserts identical rows.
package reportstore

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"

	"github.com/orbitwatch/pulse/internal/reportstore/migrate"
)

// DefaultReportInterval is how often a caller should re-run Materializer.Run and
// rewrite the JSON artifacts when no interval is configured.
const DefaultReportInterval = 5 * time.Minute

// Store manages the reportstore DuckDB connection.
type Store struct {
	db           *sql.DB
	mu           sync.RWMutex
	dbPath       string
	QueryTimeout time.Duration
}

// Open creates or opens the DuckDB database at dbPath, applying pending
// migrations. An empty dbPath opens an in-memory database, useful for
// tests.
func Open(dbPath string, queryTimeout ...time.Duration) (*Store, error) {
	dsn := ""
	if dbPath != "" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("reportstore: mkdir: %w", err)
		}
		dsn = dbPath
	}

	db, err := sql.Open("duckdb", dsn)
	if err != nil {
		return nil, fmt.Errorf("reportstore: open: %w", err)
	}

	if err := migrate.NewRunner(db).Run(); err != nil {
		db.Close()
		return nil, fmt.Errorf("reportstore: migrate: %w", err)
	}

	qt := 30 * time.Second
	if len(queryTimeout) > 0 && queryTimeout[0] > 0 {
		qt = queryTimeout[0]
	}

	return &Store{db: db, dbPath: dbPath, QueryTimeout: qt}, nil
}

// Close closes the database connection.
func (s *Store) Close() error { return s.db.Close() }

// Path returns the on-disk file this store was opened against, or "" for
// an in-memory store.
func (s *Store) Path() string { return s.dbPath }

// DBPath returns the on-disk file this store was opened against, satisfying
// backupmgr.Snapshotter.
func (s *Store) DBPath() string { return s.dbPath }

// SnapshotTo flushes pending writes and copies the database file to
// dstPath. Only meaningful for a file-backed store.
func (s *Store) SnapshotTo(dstPath string) error {
	if s.dbPath == "" {
		return fmt.Errorf("reportstore: snapshot: in-memory store has no backing file")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := s.queryCtx()
	defer cancel()
	if _, err := s.db.ExecContext(ctx, "CHECKPOINT"); err != nil {
		return fmt.Errorf("reportstore: checkpoint: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(dstPath), 0o755); err != nil {
		return fmt.Errorf("reportstore: mkdir: %w", err)
	}
	src, err := os.Open(s.dbPath)
	if err != nil {
		return fmt.Errorf("reportstore: open source: %w", err)
	}
	defer src.Close()

	dst, err := os.Create(dstPath)
	if err != nil {
		return fmt.Errorf("reportstore: create dest: %w", err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("reportstore: copy: %w", err)
	}
	return dst.Close()
}

// queryCtx returns a context bounded by the store's configured query
// timeout.
func (s *Store) queryCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.QueryTimeout)
}
