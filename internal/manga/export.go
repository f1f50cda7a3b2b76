package manga

import (
	"encoding/csv"
	"io"
	"strconv"
	"strings"
	"time"

	"mangaverse/pkg/models"
)

var exportHeader = []string{
	"id", "title", "source", "author", "genres", "status", "type", "rating",
	"total_chapters", "latest_chapter", "trending", "popularity", "link", "cover_url", "updated_at",
}

// WriteCSV writes one row per record. Genres are joined with "|".
func WriteCSV(w io.Writer, records []models.MangaRecord) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(exportHeader); err != nil {
		return err
	}
	for _, m := range records {
		updated := ""
		if !m.UpdatedAt.IsZero() {
			updated = m.UpdatedAt.UTC().Format(time.RFC3339)
		}
		if err := cw.Write([]string{
			strconv.FormatInt(m.ID, 10),
			m.Title,
			m.Source,
			m.Author,
			strings.Join(m.Genres, "|"),
			m.Status,
			m.Type,
			strconv.FormatFloat(m.Rating, 'f', -1, 64),
			strconv.Itoa(len(m.Chapters)),
			m.Chapter,
			strconv.FormatBool(m.Trending),
			strconv.Itoa(m.Popularity),
			m.Link,
			m.Image,
			updated,
		}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
