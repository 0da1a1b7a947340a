// Package index is the persistent search index over component versions: a
// SQLite database holding one table per component type with the version
// envelope and the searchable denormalized fields, plus the semantic index
// tables. Payload bodies live in the blockstore; rows here carry the CID.
package index

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "github.com/mattn/go-sqlite3"
)

// MaxClauseCount bounds IN-list sizes; callers chunk larger id sets.
const MaxClauseCount = 800

// Options describes the connection level settings.
type Options struct {
	// DriverName selects a registered driver (default "sqlite3").
	DriverName string
	// JournalMode, Synchronous default to WAL / NORMAL.
	JournalMode string
	Synchronous string
	// BusyTimeout before SQLITE_BUSY surfaces. Default 5s.
	BusyTimeout time.Duration
	// CacheSize in pages (negative = KiB). 0 leaves the default.
	CacheSize    int
	MaxOpenConns int
	MaxIdleConns int
}

// DB is a thin wrapper over *sql.DB that owns the schema and retries
// transient busy errors on the write path.
type DB struct {
	db *sql.DB
}

// Open connects, applies pragmas and ensures the schema.
func Open(path string, opts Options) (*DB, error) {
	if path == "" {
		return nil, errors.New("index: empty path")
	}
	driver := opts.DriverName
	if driver == "" {
		driver = "sqlite3"
	}
	journal := opts.JournalMode
	if journal == "" {
		journal = "WAL"
	}
	syncMode := opts.Synchronous
	if syncMode == "" {
		syncMode = "NORMAL"
	}
	busy := opts.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}

	db, err := sql.Open(driver, path)
	if err != nil {
		return nil, err
	}
	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		db.SetMaxIdleConns(opts.MaxIdleConns)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pragmas := []string{
		fmt.Sprintf("PRAGMA journal_mode=%s", journal),
		fmt.Sprintf("PRAGMA synchronous=%s", syncMode),
		fmt.Sprintf("PRAGMA busy_timeout=%d", busy.Milliseconds()),
		"PRAGMA foreign_keys=OFF",
	}
	if opts.CacheSize != 0 {
		pragmas = append(pragmas, fmt.Sprintf("PRAGMA cache_size=%d", opts.CacheSize))
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("index: apply %s: %w", pragma, err)
		}
	}

	d := &DB{db: db}
	if err := d.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return d, nil
}

const envelopeColumns = `
	component_id TEXT NOT NULL,
	path TEXT NOT NULL,
	start INTEGER NOT NULL,
	"end" INTEGER,
	active INTEGER NOT NULL DEFAULT 1,
	module_id TEXT,
	effective_time TEXT,
	released INTEGER NOT NULL DEFAULT 0,
	release_hash TEXT,
	deleted INTEGER NOT NULL DEFAULT 0,
	cid TEXT NOT NULL`

func (d *DB) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS concept (` + envelopeColumns + `,
			definition_status_id TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_concept_cid ON concept(component_id, path, start)`,
		`CREATE INDEX IF NOT EXISTS idx_concept_path ON concept(path, start)`,

		`CREATE TABLE IF NOT EXISTS description (` + envelopeColumns + `,
			concept_id TEXT,
			term TEXT,
			language_code TEXT,
			type_id TEXT,
			case_significance_id TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_description_cid ON description(component_id, path, start)`,
		`CREATE INDEX IF NOT EXISTS idx_description_concept ON description(concept_id, path)`,

		`CREATE TABLE IF NOT EXISTS relationship (` + envelopeColumns + `,
			source_id TEXT,
			destination_id TEXT,
			type_id TEXT,
			group_id INTEGER,
			characteristic_type_id TEXT,
			modifier_id TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_relationship_cid ON relationship(component_id, path, start)`,
		`CREATE INDEX IF NOT EXISTS idx_relationship_source ON relationship(source_id, path)`,
		`CREATE INDEX IF NOT EXISTS idx_relationship_type ON relationship(type_id, destination_id, path)`,

		`CREATE TABLE IF NOT EXISTS member (` + envelopeColumns + `,
			refset_id TEXT,
			referenced_component_id TEXT,
			concept_id TEXT,
			additional_fields TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_member_cid ON member(component_id, path, start)`,
		`CREATE INDEX IF NOT EXISTS idx_member_referenced ON member(referenced_component_id, path)`,
		`CREATE INDEX IF NOT EXISTS idx_member_refset ON member(refset_id, path)`,

		`CREATE TABLE IF NOT EXISTS query_concept (
			concept_id TEXT NOT NULL,
			path TEXT NOT NULL,
			start INTEGER NOT NULL,
			"end" INTEGER,
			stated INTEGER NOT NULL,
			parents TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_qc ON query_concept(concept_id, stated, path, start)`,

		`CREATE TABLE IF NOT EXISTS query_ancestor (
			concept_id TEXT NOT NULL,
			ancestor_id TEXT NOT NULL,
			path TEXT NOT NULL,
			start INTEGER NOT NULL,
			"end" INTEGER,
			stated INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_qa_ancestor ON query_ancestor(ancestor_id, stated, path, start)`,
		`CREATE INDEX IF NOT EXISTS idx_qa_concept ON query_ancestor(concept_id, stated, path, start)`,
	}
	for _, stmt := range stmts {
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("index: schema: %w", err)
		}
	}
	return nil
}

// busyRetry wraps a write so transient SQLITE_BUSY from a concurrent reader
// checkpoint does not surface to the commit.
func busyRetry(ctx context.Context, op func() error) error {
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(50*time.Millisecond), 5), ctx)
	return backoff.Retry(func() error {
		err := op()
		if err != nil && strings.Contains(err.Error(), "database is locked") {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}, policy)
}

// Exec runs a write statement with busy retry.
func (d *DB) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	var res sql.Result
	err := busyRetry(ctx, func() error {
		var err error
		res, err = d.db.ExecContext(ctx, query, args...)
		return err
	})
	return res, err
}

// Query runs a read statement.
func (d *DB) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return d.db.QueryContext(ctx, query, args...)
}

// QueryRow runs a single-row read.
func (d *DB) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return d.db.QueryRowContext(ctx, query, args...)
}

// BeginTx opens a transaction; the caller commits or rolls back.
func (d *DB) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return d.db.BeginTx(ctx, nil)
}

// Underlying exposes the raw handle for maintenance statements.
func (d *DB) Underlying() *sql.DB { return d.db }

func (d *DB) Close() error {
	if d == nil || d.db == nil {
		return nil
	}
	return d.db.Close()
}
