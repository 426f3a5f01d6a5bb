// Package storage persists fetched items, fetch-cycle status, and run
// outcomes in a local sqlite database.
package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"briefbot/internal/execution"
	"briefbot/internal/pipeline"
	logx "briefbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// itemRetention is how long seen items are kept for dedup before pruning.
const itemRetention = 7 * 24 * time.Hour

type Config struct {
	Path        string
	BusyTimeout time.Duration
}

type Store struct {
	db  *sql.DB
	log logx.Logger
}

func Open(cfg Config, log logx.Logger) (*Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("storage path is required")
	}
	dbPath := filepath.Join(cfg.Path, "briefbot.db")
	if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &Store{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *Store) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// AddItems inserts fetched items, ignoring ones already seen. Returns the
// number of new rows.
func (s *Store) AddItems(ctx context.Context, items []pipeline.ContentItem) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR IGNORE INTO items(id, source, title, link, published, summary, seen_at)
		 VALUES(?,?,?,?,?,?,?)`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	added := 0
	now := time.Now().Format(time.RFC3339Nano)
	for _, it := range items {
		res, err := stmt.ExecContext(ctx,
			it.ID, it.Source, it.Title, it.Link,
			it.Published.Format(time.RFC3339Nano), it.Summary, now)
		if err != nil {
			return 0, err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			added++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return added, nil
}

// Deduplicate prunes items past the retention window. Returns the number of
// rows removed.
func (s *Store) Deduplicate(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-itemRetention).Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx, `DELETE FROM items WHERE seen_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *Store) SaveCycleStatus(ctx context.Context, status pipeline.FetchCycleStatus) error {
	sources, err := json.Marshal(status.Sources)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO fetch_cycles(started_at, total_items, took_ms, sources)
		 VALUES(?,?,?,?)`,
		status.StartedAt.Format(time.RFC3339Nano),
		status.TotalItems,
		status.ExecutionTime.Milliseconds(),
		string(sources),
	)
	return err
}

// SaveRun records a completed execution so outcomes survive restarts; the
// in-memory tracker history stays the source of truth for status queries.
func (s *Store) SaveRun(ctx context.Context, e execution.HistoryEntry) error {
	errs, err := json.Marshal(e.Errors)
	if err != nil {
		return err
	}
	cats, err := json.Marshal(e.Categories)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs(id, success, started_at, ended_at, took_ms, trigger, identity, items, categories, errors, delivered)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.Success,
		e.StartedAt.Format(time.RFC3339Nano), e.EndedAt.Format(time.RFC3339Nano),
		e.Duration.Milliseconds(),
		string(e.Trigger), e.Identity,
		e.ItemsProcessed, string(cats), string(errs), e.ReportDelivered,
	)
	return err
}
