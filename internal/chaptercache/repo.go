// Package chaptercache memoizes chapter image scrapes in sqlite, keyed by
// (source, chapter link). Entries are write-once.
package chaptercache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"mangaverse/pkg/models"
)

type Repo struct {
	DB *sql.DB
}

func NewRepo(db *sql.DB) *Repo {
	return &Repo{DB: db}
}

// Get returns the entry for (source, link), or nil on a miss.
func (r *Repo) Get(ctx context.Context, source, link string) (*models.ChapterCacheEntry, error) {
	row := r.DB.QueryRowContext(ctx, `
		SELECT source, link, images, next_slug, prev_slug, created_at
		FROM chapter_cache
		WHERE source = ? AND link = ?
	`, source, link)

	var (
		e          models.ChapterCacheEntry
		imagesJSON string
	)
	if err := row.Scan(&e.Source, &e.Link, &imagesJSON, &e.Next, &e.Prev, &e.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan chapter cache: %w", err)
	}
	if err := json.Unmarshal([]byte(imagesJSON), &e.Images); err != nil {
		return nil, fmt.Errorf("decode cached images for %s: %w", link, err)
	}
	return &e, nil
}

// Insert stores data under (source, link) unless an entry already exists.
// It reports whether this call created the entry; a concurrent duplicate is
// not an error.
func (r *Repo) Insert(ctx context.Context, source, link string, data *models.ChapterData) (bool, error) {
	if data.Empty() {
		return false, fmt.Errorf("refusing to cache empty chapter %s", link)
	}
	imagesJSON, err := json.Marshal(data.Images)
	if err != nil {
		return false, fmt.Errorf("marshal images: %w", err)
	}

	res, err := r.DB.ExecContext(ctx, `
		INSERT INTO chapter_cache (source, link, images, next_slug, prev_slug, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(source, link) DO NOTHING
	`, source, link, string(imagesJSON), data.Next, data.Prev, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("insert chapter cache: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}
