package database

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenAppliesSchema(t *testing.T) {
	cfg := Config{Path: filepath.Join(t.TempDir(), "nested", "data.db")}

	db, err := Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	for _, table := range []string{"manga_records", "chapter_cache"} {
		var n int
		require.NoError(t, db.QueryRow(`SELECT count(*) FROM `+table).Scan(&n), table)
		assert.Zero(t, n)
	}
	// the schema is safe to re-apply
	require.NoError(t, Migrate(db))

	var mode string
	require.NoError(t, db.QueryRow(`PRAGMA journal_mode`).Scan(&mode))
	assert.Equal(t, "wal", mode)

	var fk int
	require.NoError(t, db.QueryRow(`PRAGMA foreign_keys`).Scan(&fk))
	assert.Equal(t, 1, fk)
}

func TestReopenKeepsRows(t *testing.T) {
	cfg := Config{Path: filepath.Join(t.TempDir(), "data.db")}
	db, err := Open(cfg)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO chapter_cache (source, link, images, created_at) VALUES ('a', 'l', '["x"]', CURRENT_TIMESTAMP)`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	var n int
	require.NoError(t, db.QueryRow(`SELECT count(*) FROM chapter_cache`).Scan(&n))
	assert.Equal(t, 1, n)
}

func TestDSN(t *testing.T) {
	dsn := Config{Path: "/data/x.db"}.dsn()
	assert.Contains(t, dsn, "_busy_timeout=5000")
	assert.Contains(t, dsn, "_journal_mode=WAL")
	assert.Contains(t, Config{Path: "x.db", BusyTimeout: 250 * time.Millisecond}.dsn(), "_busy_timeout=250")
}

func TestDefaultConfigEnvOverride(t *testing.T) {
	t.Setenv("MANGAVERSE_DB_PATH", "/tmp/override.db")
	require.Equal(t, "/tmp/override.db", DefaultConfig().Path)
}
