// Package database owns the sqlite file behind the record store and the
// chapter cache.
package database

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const defaultBusyTimeout = 5 * time.Second

type Config struct {
	Path string
	// BusyTimeout is how long a writer waits on a locked database before
	// failing. Zero means defaultBusyTimeout.
	BusyTimeout time.Duration
}

// DefaultConfig reads MANGAVERSE_DB_PATH, falling back to
// ~/.mangaverse/data.db.
func DefaultConfig() Config {
	if p := os.Getenv("MANGAVERSE_DB_PATH"); p != "" {
		return Config{Path: p}
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return Config{Path: filepath.Join(home, ".mangaverse", "data.db")}
}

// dsn carries the pragmas as connection parameters so every pooled
// connection gets them, not only the first.
func (c Config) dsn() string {
	busy := c.BusyTimeout
	if busy <= 0 {
		busy = defaultBusyTimeout
	}
	q := url.Values{}
	q.Set("_busy_timeout", strconv.FormatInt(busy.Milliseconds(), 10))
	q.Set("_journal_mode", "WAL")
	q.Set("_foreign_keys", "on")
	return c.Path + "?" + q.Encode()
}

// Open creates the parent directory if needed, opens the database and
// applies the schema. The returned handle is ready for both stores.
func Open(cfg Config) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := sql.Open("sqlite3", cfg.dsn())
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", cfg.Path, err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", cfg.Path, err)
	}
	if err := Migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}
