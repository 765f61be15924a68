// Package catalog is the relational store for users, VMs, and checkpoints
// (spec.md §4.1): a single embedded SQLite file guarded by a process-wide
// exclusive lock, so exactly one noid process can write to a given data
// directory at a time.
package catalog

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/noidhq/noid/lock/flock"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Catalog is the handle to the on-disk catalog file.
//
// Every method holds mu for its whole body, satisfying spec.md §4.1's
// "concurrent callers are serialized by an internal lock";
// db.SetMaxOpenConns(1) also keeps all queries on one connection. The flock
// in processLock is a
// different guarantee: one writer *process* per data directory, held for
// the lifetime of this Catalog, not per query.
type Catalog struct {
	db          *sql.DB
	processLock *flock.Lock
	mu          sync.Mutex
}

// Open acquires the process-wide exclusive lock on lockPath, opens (and, if
// necessary, creates and migrates) the SQLite file at dbPath, and verifies
// any pre-existing schema is compatible.
func Open(ctx context.Context, lockPath, dbPath string) (*Catalog, error) {
	pl := flock.New(lockPath)
	ok, err := pl.TryLock(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire catalog lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("catalog at %s is held by another process", dbPath)
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_foreign_keys=0", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		_ = pl.Unlock(ctx)
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	// SQLite is single-writer; one connection keeps every statement ordered
	// and avoids SQLITE_BUSY from this process's own goroutines.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		_ = pl.Unlock(ctx)
		return nil, fmt.Errorf("ping catalog: %w", err)
	}

	if err := applyMigrations(ctx, db); err != nil {
		_ = db.Close()
		_ = pl.Unlock(ctx)
		return nil, err
	}

	if err := checkSchema(ctx, db); err != nil {
		_ = db.Close()
		_ = pl.Unlock(ctx)
		return nil, err
	}

	return &Catalog{db: db, processLock: pl}, nil
}

// Close releases the database handle and the process-wide lock.
func (c *Catalog) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.db.Close(); err != nil {
		return fmt.Errorf("close catalog: %w", err)
	}
	return c.processLock.Unlock(ctx)
}

type migration struct {
	version int
	name    string
	sql     string
}

func applyMigrations(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL
	);`); err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}

	applied, err := loadApplied(ctx, db)
	if err != nil {
		return err
	}

	migrations, err := loadMigrations()
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if applied[m.version] {
			continue
		}
		if err := executeMigration(ctx, db, m); err != nil {
			return err
		}
	}
	return nil
}

func loadApplied(ctx context.Context, db *sql.DB) (map[int]bool, error) {
	rows, err := db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("select applied migrations: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	applied := make(map[int]bool)
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan migration version: %w", err)
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

func loadMigrations() ([]migration, error) {
	entries, err := fs.Glob(migrationsFS, "migrations/*.sql")
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}
	sort.Strings(entries)

	migrations := make([]migration, 0, len(entries))
	for _, path := range entries {
		content, err := fs.ReadFile(migrationsFS, path)
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", path, err)
		}
		base := strings.TrimPrefix(path, "migrations/")
		parts := strings.SplitN(base, "_", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid migration filename: %s", base)
		}
		var version int
		if _, err := fmt.Sscanf(parts[0], "%d", &version); err != nil {
			return nil, fmt.Errorf("parse version for %s: %w", base, err)
		}
		name := strings.TrimSuffix(parts[1], ".sql")
		migrations = append(migrations, migration{version: version, name: name, sql: string(content)})
	}
	return migrations, nil
}

func executeMigration(ctx context.Context, db *sql.DB, m migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration %d: %w", m.version, err)
	}

	if _, err := tx.ExecContext(ctx, m.sql); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("apply migration %d (%s): %w", m.version, m.name, err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version, name) VALUES(?, ?);`, m.version, m.name); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("record migration %d: %w", m.version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %d: %w", m.version, err)
	}
	return nil
}

// requiredColumns names the columns this version of noid depends on,
// per table. checkSchema rejects a pre-existing database missing any of
// them, rather than silently operating on an incompatible schema.
var requiredColumns = map[string][]string{
	"users":       {"id", "name", "token_digest", "created_at"},
	"vms":         {"user_id", "name", "cpus", "mem_mib", "kernel_path", "rootfs_path", "net_index", "tap_name", "guest_ip", "host_ip", "mac", "pid", "socket_path", "state", "created_at"},
	"checkpoints": {"id", "user_id", "vm_name", "label", "snapshot_dir", "created_at"},
}

func checkSchema(ctx context.Context, db *sql.DB) error {
	for table, cols := range requiredColumns {
		present, err := tableColumns(ctx, db, table)
		if err != nil {
			return err
		}
		for _, col := range cols {
			if !present[col] {
				return fmt.Errorf("catalog schema incompatible: table %s missing column %s", table, col)
			}
		}
	}
	return nil
}

func tableColumns(ctx context.Context, db *sql.DB, table string) (map[string]bool, error) {
	// table is one of the fixed literals in requiredColumns, never caller
	// input, so string-building the PRAGMA is safe.
	rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, fmt.Errorf("inspect table %s: %w", table, err)
	}
	defer rows.Close() //nolint:errcheck

	present := make(map[string]bool)
	for rows.Next() {
		var (
			cid        int
			name       string
			ctype      string
			notNull    int
			dfltValue  sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dfltValue, &pk); err != nil {
			return nil, fmt.Errorf("scan table_info(%s): %w", table, err)
		}
		present[name] = true
	}
	return present, rows.Err()
}
