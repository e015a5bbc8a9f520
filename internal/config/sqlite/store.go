// Package sqlite provides a SQLite-based config.Store implementation,
// using the pure-Go modernc.org/sqlite driver (no cgo).
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"platformdriver/internal/config"
)

// Store is a SQLite-based config.Store implementation.
type Store struct {
	db *sql.DB
}

var _ config.Store = (*Store)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS root_config (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	payload TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS device_config (
	path TEXT PRIMARY KEY,
	payload TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS blob (
	key TEXT PRIMARY KEY,
	data BLOB NOT NULL
);
`

// NewStore opens (creating if necessary) a SQLite database at path and
// applies the schema.
func NewStore(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create config directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite: avoid SQLITE_BUSY under concurrent writers
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) LoadRoot(ctx context.Context) (*config.RootConfig, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM root_config WHERE id = 1`).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load root config: %w", err)
	}
	var cfg config.RootConfig
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, fmt.Errorf("parse root config: %w", err)
	}
	return &cfg, nil
}

func (s *Store) SaveRoot(ctx context.Context, cfg *config.RootConfig) error {
	payload, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal root config: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO root_config (id, payload) VALUES (1, ?)
		 ON CONFLICT(id) DO UPDATE SET payload = excluded.payload`, string(payload))
	if err != nil {
		return fmt.Errorf("save root config: %w", err)
	}
	return nil
}

func (s *Store) LoadDevices(ctx context.Context) (map[string]*config.DeviceConfig, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT path, payload FROM device_config`)
	if err != nil {
		return nil, fmt.Errorf("load devices: %w", err)
	}
	defer rows.Close()

	out := make(map[string]*config.DeviceConfig)
	for rows.Next() {
		var path, payload string
		if err := rows.Scan(&path, &payload); err != nil {
			return nil, fmt.Errorf("scan device row: %w", err)
		}
		var dc config.DeviceConfig
		if err := json.Unmarshal([]byte(payload), &dc); err != nil {
			return nil, fmt.Errorf("parse device config %s: %w", path, err)
		}
		out[path] = &dc
	}
	return out, rows.Err()
}

func (s *Store) SaveDevice(ctx context.Context, path string, cfg *config.DeviceConfig) error {
	payload, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal device config: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO device_config (path, payload) VALUES (?, ?)
		 ON CONFLICT(path) DO UPDATE SET payload = excluded.payload`, path, string(payload))
	if err != nil {
		return fmt.Errorf("save device config %s: %w", path, err)
	}
	return nil
}

func (s *Store) DeleteDevice(ctx context.Context, path string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM device_config WHERE path = ?`, path)
	if err != nil {
		return fmt.Errorf("delete device config %s: %w", path, err)
	}
	return nil
}

func (s *Store) LoadBlob(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM blob WHERE key = ?`, key).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load blob %s: %w", key, err)
	}
	return data, nil
}

func (s *Store) SaveBlob(ctx context.Context, key string, data []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO blob (key, data) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET data = excluded.data`, key, data)
	if err != nil {
		return fmt.Errorf("save blob %s: %w", key, err)
	}
	return nil
}
