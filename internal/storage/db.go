package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	_ "modernc.org/sqlite"
)

var log = logging.Logger("storage")

// schemaVersion is bumped whenever migrate gains a step.
const schemaVersion = "1"

// DB wraps the peer's SQLite database.
type DB struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex
}

// Open opens or creates calls.db in the given directory.
func Open(configDir string) (*DB, error) {
	dbPath := filepath.Join(configDir, "calls.db")

	if err := os.MkdirAll(configDir, 0755); err != nil {
		return nil, fmt.Errorf("create config dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	d := &DB{db: db, path: dbPath}
	if err := d.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	log.Debugf("opened %s", dbPath)
	return d, nil
}

func (d *DB) migrate() error {
	steps := []struct {
		name string
		sql  string
	}{
		{"meta table", `
			CREATE TABLE IF NOT EXISTS _meta (
				key   TEXT PRIMARY KEY,
				value TEXT
			);`},
		{"calls table", `
			CREATE TABLE IF NOT EXISTS calls (
				id           TEXT PRIMARY KEY,
				peer_id      TEXT NOT NULL,
				role         TEXT NOT NULL,
				media        TEXT NOT NULL,
				reason       TEXT NOT NULL,
				created_at   INTEGER NOT NULL,
				connected_at INTEGER NOT NULL DEFAULT 0,
				ended_at     INTEGER NOT NULL
			);
			CREATE INDEX IF NOT EXISTS calls_ended_at ON calls (ended_at);`},
		{"peer cache table", `
			CREATE TABLE IF NOT EXISTS _peer_cache (
				peer_id   TEXT PRIMARY KEY,
				label     TEXT NOT NULL DEFAULT '',
				addrs     TEXT NOT NULL DEFAULT '[]',
				last_seen INTEGER NOT NULL
			);`},
	}
	for _, s := range steps {
		if _, err := d.db.Exec(s.sql); err != nil {
			return fmt.Errorf("create %s: %w", s.name, err)
		}
	}
	prev, ok, err := d.GetMeta("schema_version")
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if ok && prev == schemaVersion {
		return nil
	}
	if ok {
		log.Infof("schema version %s -> %s", prev, schemaVersion)
	}
	return d.SetMeta("schema_version", schemaVersion)
}

// Close closes the database
func (d *DB) Close() error {
	return d.db.Close()
}

// Path returns the database file path
func (d *DB) Path() string {
	return d.path
}

// SetMeta stores an internal key/value pair.
func (d *DB) SetMeta(key, value string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`INSERT OR REPLACE INTO _meta (key, value) VALUES (?, ?)`, key, value)
	return err
}

// GetMeta returns the value for key, or "" and false if it is unset.
func (d *DB) GetMeta(key string) (string, bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var v string
	err := d.db.QueryRow(`SELECT value FROM _meta WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}
