package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using modernc.org/sqlite. One database file
// per browser profile plays the role the original's per-browser storage did.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS kv (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Get(ctx context.Context, key string) (json.RawMessage, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM kv WHERE key = ?`, key,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get %s", key)
	}
	return json.RawMessage(value), nil
}

func (s *SQLiteStore) Set(ctx context.Context, key string, value json.RawMessage) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, string(value), time.Now().UTC(),
	)
	return eris.Wrapf(err, "sqlite: set %s", key)
}

func (s *SQLiteStore) Remove(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key)
	return eris.Wrapf(err, "sqlite: remove %s", key)
}

func (s *SQLiteStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	// ESCAPE keeps underscores in keys literal.
	pattern := strings.ReplaceAll(strings.ReplaceAll(prefix, `\`, `\\`), "_", `\_`)
	pattern = strings.ReplaceAll(pattern, "%", `\%`) + "%"

	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM kv WHERE key LIKE ? ESCAPE '\' ORDER BY key`, pattern,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: keys %s", prefix)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan key")
		}
		keys = append(keys, k)
	}
	return keys, eris.Wrap(rows.Err(), "sqlite: keys iterate")
}
