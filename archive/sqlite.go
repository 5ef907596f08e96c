package archive

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/chazu/umbra/classfile"
	"github.com/chazu/umbra/platform"

	_ "modernc.org/sqlite" // pure go sqlite driver
)

// SQLite is an archive stored in a single SQLite table keyed by
// (level, name). The digest column lets tooling compare archives without
// decoding them.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens or creates an SQLite archive at path. ":memory:" is allowed.
func OpenSQLite(path string) (*SQLite, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("archive: create dirs: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("archive: open sqlite: %w", err)
	}
	// A single connection keeps ":memory:" databases shared.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS classes (
		level INTEGER NOT NULL,
		name TEXT NOT NULL,
		digest TEXT NOT NULL,
		payload BLOB NOT NULL,
		PRIMARY KEY (level, name)
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("archive: create classes table: %w", err)
	}
	return &SQLite{db: db}, nil
}

// Close releases the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// Class implements Provider.
func (s *SQLite) Class(ctx context.Context, level platform.Level, name string) (*classfile.Class, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM classes WHERE level = ? AND name = ?`, int(level), name).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(level, name)
	}
	if err != nil {
		return nil, fmt.Errorf("archive: select %s: %w", name, err)
	}
	return classfile.Decode(payload)
}

// Classes lists the classes of a level in sorted order.
func (s *SQLite) Classes(ctx context.Context, level platform.Level) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name FROM classes WHERE level = ? ORDER BY name`, int(level))
	if err != nil {
		return nil, fmt.Errorf("archive: list: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("archive: scan: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// Put inserts or replaces c for level.
func (s *SQLite) Put(ctx context.Context, level platform.Level, c *classfile.Class) error {
	data, err := classfile.Encode(c)
	if err != nil {
		return err
	}
	digest, err := classfile.DigestOf(c)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO classes (level, name, digest, payload) VALUES (?, ?, ?, ?)`,
		int(level), c.Name, digest.String(), data); err != nil {
		return fmt.Errorf("archive: insert %s: %w", c.Name, err)
	}
	return nil
}

// Digest returns the stored digest of a class without decoding it.
func (s *SQLite) Digest(ctx context.Context, level platform.Level, name string) (string, error) {
	var digest string
	err := s.db.QueryRowContext(ctx,
		`SELECT digest FROM classes WHERE level = ? AND name = ?`, int(level), name).Scan(&digest)
	if errors.Is(err, sql.ErrNoRows) {
		return "", notFound(level, name)
	}
	if err != nil {
		return "", fmt.Errorf("archive: select digest: %w", err)
	}
	return digest, nil
}
