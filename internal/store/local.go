package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// DefaultNamespace prefixes every key this application writes to the local
// database, so the file can be shared with unrelated data.
const DefaultNamespace = "canvas-agent:"

// SQLiteBackend is the standalone key/value store.
type SQLiteBackend struct {
	db        *sql.DB
	namespace string
}

// OpenSQLite opens (creating if needed) the SQLite database at path.
func OpenSQLite(path, namespace string) (*SQLiteBackend, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("store: sqlite path must not be empty")
	}
	if namespace == "" {
		namespace = DefaultNamespace
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("store: create database directory: %w", err)
	}

	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}
	// A single writer avoids SQLITE_BUSY from our own goroutines.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: ping database: %w", err)
	}

	const schema = `
	CREATE TABLE IF NOT EXISTS kv (
		key        TEXT PRIMARY KEY,
		value      BLOB NOT NULL,
		updated_at INTEGER NOT NULL
	);`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: create schema: %w", err)
	}
	return &SQLiteBackend{db: db, namespace: namespace}, nil
}

func (b *SQLiteBackend) nsKey(key string) string {
	return b.namespace + key
}

func (b *SQLiteBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := b.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, b.nsKey(key)).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("store: sqlite get: %w", err)
	}
	return value, true, nil
}

func (b *SQLiteBackend) Set(ctx context.Context, key string, value []byte) error {
	_, err := b.db.ExecContext(ctx, `
	INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		b.nsKey(key), value, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("store: sqlite set: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) Delete(ctx context.Context, key string) error {
	if _, err := b.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, b.nsKey(key)); err != nil {
		return fmt.Errorf("store: sqlite delete: %w", err)
	}
	return nil
}

// Keys returns the un-namespaced keys starting with prefix, sorted.
func (b *SQLiteBackend) Keys(ctx context.Context, prefix string) ([]string, error) {
	full := b.nsKey(prefix)
	rows, err := b.db.QueryContext(ctx,
		`SELECT key FROM kv WHERE substr(key, 1, length(?)) = ? ORDER BY key`, full, full)
	if err != nil {
		return nil, fmt.Errorf("store: sqlite keys: %w", err)
	}
	defer func() { _ = rows.Close() }()

	keys := []string{}
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("store: sqlite scan key: %w", err)
		}
		keys = append(keys, strings.TrimPrefix(k, b.namespace))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: sqlite iterate keys: %w", err)
	}
	return keys, nil
}

// Clear deletes every key in this backend's namespace and nothing else.
func (b *SQLiteBackend) Clear(ctx context.Context) error {
	_, err := b.db.ExecContext(ctx,
		`DELETE FROM kv WHERE substr(key, 1, length(?)) = ?`, b.namespace, b.namespace)
	if err != nil {
		return fmt.Errorf("store: sqlite clear: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}
