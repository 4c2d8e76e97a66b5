// Package postgres provides Postgres-backed session and page stores.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Default table names.
const (
	DefaultSessionsTable = "crawl_sessions"
	DefaultPagesTable    = "pages"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// querier is the subset of *pgxpool.Pool the stores use; pgxmock satisfies it in tests.
type querier interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
}

// Open parses cfg and connects a pool. The caller owns the pool and must Close it.
func Open(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

func tableName(name, fallback string) (string, error) {
	if name == "" {
		name = fallback
	}
	if !validTableName.MatchString(name) {
		return "", fmt.Errorf("invalid table name %q", name)
	}
	return name, nil
}

// EnsureSchema creates the session and page tables when they do not exist.
func EnsureSchema(ctx context.Context, db querier, sessionsTable, pagesTable string) error {
	sessions, err := tableName(sessionsTable, DefaultSessionsTable)
	if err != nil {
		return err
	}
	pages, err := tableName(pagesTable, DefaultPagesTable)
	if err != nil {
		return err
	}
	if _, err := db.Exec(ctx, fmt.Sprintf(sessionsDDL, sessions)); err != nil {
		return fmt.Errorf("create %s: %w", sessions, err)
	}
	if _, err := db.Exec(ctx, fmt.Sprintf(pagesDDL, pages)); err != nil {
		return fmt.Errorf("create %s: %w", pages, err)
	}
	if _, err := db.Exec(ctx, fmt.Sprintf(pagesIndexDDL, pages)); err != nil {
		return fmt.Errorf("index %s: %w", pages, err)
	}
	return nil
}

const sessionsDDL = `
CREATE TABLE IF NOT EXISTS %s (
	id                 TEXT PRIMARY KEY,
	site_id            TEXT NOT NULL,
	user_id            TEXT NOT NULL,
	start_url          TEXT NOT NULL,
	status             TEXT NOT NULL,
	total_urls_scraped INTEGER NOT NULL DEFAULT 0,
	visited_urls       TEXT[] NOT NULL DEFAULT '{}',
	failed_urls        TEXT[] NOT NULL DEFAULT '{}',
	scraped_page_ids   TEXT[] NOT NULL DEFAULT '{}',
	created_at         TIMESTAMPTZ NOT NULL,
	updated_at         TIMESTAMPTZ NOT NULL,
	completed_at       TIMESTAMPTZ,
	error_message      TEXT
)`

const pagesDDL = `
CREATE TABLE IF NOT EXISTS %s (
	seq              BIGSERIAL,
	id               TEXT NOT NULL UNIQUE,
	page_identifier  TEXT NOT NULL,
	session_id       TEXT NOT NULL,
	site_id          TEXT NOT NULL,
	user_id          TEXT NOT NULL,
	url              TEXT NOT NULL,
	file_name        TEXT NOT NULL,
	title            TEXT NOT NULL,
	optimized_markup TEXT NOT NULL,
	optimized        BOOLEAN NOT NULL,
	scraping_method  TEXT NOT NULL,
	file_path        TEXT NOT NULL DEFAULT '',
	content          JSONB NOT NULL,
	metadata         JSONB NOT NULL,
	scraped_at       TIMESTAMPTZ NOT NULL,
	saved_at         TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (page_identifier, session_id)
)`

const pagesIndexDDL = `CREATE INDEX IF NOT EXISTS %[1]s_session_seq_idx ON %[1]s (session_id, seq)`
