package manga

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"mangaverse/pkg/models"
)

const recordColumns = `id, title, image, rating, chapter, previous_chapter, type, layout, trending,
	popularity, link, source, chapters, genres, synopsis, status, author, updated_at`

type Repo struct {
	DB  *sql.DB
	Now func() time.Time
}

func NewRepo(db *sql.DB) *Repo {
	return &Repo{DB: db, Now: func() time.Time { return time.Now().UTC() }}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*models.MangaRecord, error) {
	var (
		m            models.MangaRecord
		trending     int
		chaptersJSON sql.NullString
		genresJSON   sql.NullString
	)
	if err := row.Scan(
		&m.ID, &m.Title, &m.Image, &m.Rating, &m.Chapter, &m.PreviousChapter, &m.Type, &m.Layout, &trending,
		&m.Popularity, &m.Link, &m.Source, &chaptersJSON, &genresJSON, &m.Synopsis, &m.Status, &m.Author, &m.UpdatedAt,
	); err != nil {
		return nil, err
	}
	m.Trending = trending != 0
	// a corrupt column should not hide the rest of the record; lazy repair rewrites it
	_ = json.Unmarshal([]byte(chaptersJSON.String), &m.Chapters)
	_ = json.Unmarshal([]byte(genresJSON.String), &m.Genres)
	if m.Chapters == nil {
		m.Chapters = []models.Chapter{}
	}
	if m.Genres == nil {
		m.Genres = []string{}
	}
	return &m, nil
}

func (r *Repo) queryRecords(ctx context.Context, query string, args ...any) ([]models.MangaRecord, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var out []models.MangaRecord
	for rows.Next() {
		m, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		out = append(out, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows err: %w", err)
	}
	return out, nil
}

func (r *Repo) GetByID(ctx context.Context, id int64) (*models.MangaRecord, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM manga_records WHERE id = ?`, id)
	m, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan getByID: %w", err)
	}
	return m, nil
}

func (r *Repo) GetByTitleSource(ctx context.Context, title, source string) (*models.MangaRecord, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM manga_records WHERE title = ? AND source = ?`, title, source)
	m, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan getByTitleSource: %w", err)
	}
	return m, nil
}

// UpsertTrending records a listing hit: an existing (title, source) row gets
// its listing fields refreshed and is flagged trending, otherwise a new
// trending row is created. Optional fields never blank out stored values.
func (r *Repo) UpsertTrending(ctx context.Context, s models.Summary, popularity int) error {
	_, err := r.DB.ExecContext(ctx, `
		INSERT INTO manga_records (title, image, chapter, previous_chapter, link, source, trending, popularity, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT(title, source) DO UPDATE SET
		  image = CASE WHEN excluded.image <> '' THEN excluded.image ELSE manga_records.image END,
		  chapter = CASE WHEN excluded.chapter <> '' THEN excluded.chapter ELSE manga_records.chapter END,
		  previous_chapter = CASE WHEN excluded.previous_chapter <> '' THEN excluded.previous_chapter ELSE manga_records.previous_chapter END,
		  link = CASE WHEN excluded.link <> '' THEN excluded.link ELSE manga_records.link END,
		  trending = 1,
		  popularity = excluded.popularity,
		  updated_at = excluded.updated_at
	`, s.Title, s.Image, s.Chapter, s.PreviousChapter, s.Link, s.Source, popularity, r.Now())
	if err != nil {
		return fmt.Errorf("upsert trending %q/%s: %w", s.Title, s.Source, err)
	}
	return nil
}

// Save upserts the full record by (title, source) and returns its id.
func (r *Repo) Save(ctx context.Context, m *models.MangaRecord) (int64, error) {
	chaptersJSON, err := json.Marshal(nonNilChapters(m.Chapters))
	if err != nil {
		return 0, fmt.Errorf("marshal chapters for %s: %w", m.Title, err)
	}
	genresJSON, err := json.Marshal(nonNilStrings(m.Genres))
	if err != nil {
		return 0, fmt.Errorf("marshal genres for %s: %w", m.Title, err)
	}
	m.UpdatedAt = r.Now()

	row := r.DB.QueryRowContext(ctx, `
		INSERT INTO manga_records (title, image, rating, chapter, previous_chapter, type, layout, trending,
		  popularity, link, source, chapters, genres, synopsis, status, author, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(title, source) DO UPDATE SET
		  image = excluded.image,
		  rating = excluded.rating,
		  chapter = excluded.chapter,
		  previous_chapter = excluded.previous_chapter,
		  type = excluded.type,
		  layout = excluded.layout,
		  trending = MAX(manga_records.trending, excluded.trending),
		  popularity = MAX(manga_records.popularity, excluded.popularity),
		  link = excluded.link,
		  chapters = excluded.chapters,
		  genres = excluded.genres,
		  synopsis = excluded.synopsis,
		  status = excluded.status,
		  author = excluded.author,
		  updated_at = excluded.updated_at
		RETURNING id
	`, m.Title, m.Image, m.Rating, m.Chapter, m.PreviousChapter, m.Type, m.Layout, boolInt(m.Trending),
		m.Popularity, m.Link, m.Source, string(chaptersJSON), string(genresJSON), m.Synopsis, m.Status, m.Author, m.UpdatedAt)
	if err := row.Scan(&m.ID); err != nil {
		return 0, fmt.Errorf("save record %q/%s: %w", m.Title, m.Source, err)
	}
	return m.ID, nil
}

// ListTrending returns one row per distinct title among trending records,
// the most recently updated instance, newest first.
func (r *Repo) ListTrending(ctx context.Context, page, limit int) ([]models.MangaRecord, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if page < 1 {
		page = 1
	}
	return r.queryRecords(ctx, `
		SELECT `+recordColumns+` FROM (
		  SELECT *, ROW_NUMBER() OVER (PARTITION BY LOWER(title) ORDER BY updated_at DESC, id DESC) AS rn
		  FROM manga_records
		  WHERE trending = 1
		)
		WHERE rn = 1
		ORDER BY updated_at DESC, id DESC
		LIMIT ? OFFSET ?
	`, limit, (page-1)*limit)
}

// CountTrending counts distinct trending titles.
func (r *Repo) CountTrending(ctx context.Context) (int, error) {
	var total int
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(DISTINCT LOWER(title)) FROM manga_records WHERE trending = 1`).Scan(&total); err != nil {
		return 0, fmt.Errorf("count scan: %w", err)
	}
	return total, nil
}

// FindBySlug fuzzy-matches a URL slug such as "solo-leveling" against stored
// titles and links.
func (r *Repo) FindBySlug(ctx context.Context, slug string) ([]models.MangaRecord, error) {
	words := strings.FieldsFunc(strings.ToLower(slug), func(c rune) bool {
		return c == '-' || c == '_' || c == ' ' || c == '/'
	})
	if len(words) == 0 {
		return nil, nil
	}
	titleLike := "%" + strings.Join(words, "%") + "%"
	linkLike := "%/" + strings.Join(words, "-") + "%"
	return r.queryRecords(ctx, `
		SELECT `+recordColumns+` FROM manga_records
		WHERE LOWER(title) LIKE ? OR LOWER(link) LIKE ?
		ORDER BY updated_at DESC, id DESC
		LIMIT 20
	`, titleLike, linkLike)
}

func (r *Repo) ListAll(ctx context.Context) ([]models.MangaRecord, error) {
	return r.queryRecords(ctx, `SELECT `+recordColumns+` FROM manga_records ORDER BY id ASC`)
}

// BackfillMetadataByTitle fills genres, synopsis, author and status on every
// record sharing title. Populated values are kept.
func (r *Repo) BackfillMetadataByTitle(ctx context.Context, title string, d *models.Detail) (int64, error) {
	genresJSON, err := json.Marshal(nonNilStrings(d.Genres))
	if err != nil {
		return 0, fmt.Errorf("marshal genres: %w", err)
	}
	res, err := r.DB.ExecContext(ctx, `
		UPDATE manga_records SET
		  genres = CASE WHEN genres IN ('', '[]', 'null') THEN ? ELSE genres END,
		  synopsis = CASE WHEN synopsis = '' THEN ? ELSE synopsis END,
		  author = CASE WHEN author = '' THEN ? ELSE author END,
		  status = CASE WHEN status = '' THEN ? ELSE status END
		WHERE LOWER(title) = LOWER(?)
	`, string(genresJSON), d.Synopsis, d.Author, d.Status, title)
	if err != nil {
		return 0, fmt.Errorf("backfill %q: %w", title, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nonNilChapters(c []models.Chapter) []models.Chapter {
	if c == nil {
		return []models.Chapter{}
	}
	return c
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
