package manga

import (
	"net/url"
	"time"

	"mangaverse/internal/refcodec"
	"mangaverse/pkg/models"
)

// Views replace every upstream URL with an opaque reference: detail and
// chapter links become refs, images point at the image proxy.

type SummaryView struct {
	Title           string `json:"title"`
	Image           string `json:"image"`
	Source          string `json:"source"`
	Chapter         string `json:"chapter"`
	PreviousChapter string `json:"previous_chapter"`
	Ref             string `json:"ref"`
}

type ChapterView struct {
	Title    string `json:"title"`
	Ref      string `json:"ref"`
	Released string `json:"released,omitempty"`
}

type DetailView struct {
	Title    string        `json:"title"`
	Image    string        `json:"image"`
	Synopsis string        `json:"synopsis,omitempty"`
	Genres   []string      `json:"genres"`
	Author   string        `json:"author,omitempty"`
	Status   string        `json:"status,omitempty"`
	Rating   float64       `json:"rating,omitempty"`
	Type     string        `json:"type,omitempty"`
	Source   string        `json:"source"`
	Ref      string        `json:"ref"`
	Chapters []ChapterView `json:"chapters"`
}

type RecordView struct {
	ID              int64         `json:"id"`
	Title           string        `json:"title"`
	Image           string        `json:"image"`
	Rating          float64       `json:"rating"`
	Chapter         string        `json:"chapter"`
	PreviousChapter string        `json:"previous_chapter"`
	Type            string        `json:"type,omitempty"`
	Trending        bool          `json:"trending"`
	Popularity      int           `json:"popularity"`
	Source          string        `json:"source"`
	Ref             string        `json:"ref"`
	Genres          []string      `json:"genres"`
	Synopsis        string        `json:"synopsis,omitempty"`
	Status          string        `json:"status,omitempty"`
	Author          string        `json:"author,omitempty"`
	UpdatedAt       time.Time     `json:"updated_at"`
	Chapters        []ChapterView `json:"chapters"`
}

type ChapterDataView struct {
	Images []string `json:"images"`
	Next   string   `json:"next,omitempty"`
	Prev   string   `json:"prev,omitempty"`
}

func ref(source, link string) string {
	if link == "" {
		return ""
	}
	return refcodec.Encode(models.Reference{Source: source, Link: link})
}

func (h *Handler) proxied(source, image string) string {
	if image == "" {
		return ""
	}
	return h.ImagePath + "?ref=" + url.QueryEscape(ref(source, image))
}

func (h *Handler) summaryViews(in []models.Summary) []SummaryView {
	out := make([]SummaryView, 0, len(in))
	for _, s := range in {
		out = append(out, SummaryView{
			Title:           s.Title,
			Image:           h.proxied(s.Source, s.Image),
			Source:          s.Source,
			Chapter:         s.Chapter,
			PreviousChapter: s.PreviousChapter,
			Ref:             ref(s.Source, s.Link),
		})
	}
	return out
}

func chapterViews(source string, in []models.Chapter) []ChapterView {
	out := make([]ChapterView, 0, len(in))
	for _, ch := range in {
		out = append(out, ChapterView{Title: ch.Title, Ref: ref(source, ch.Link), Released: ch.Released})
	}
	return out
}

func (h *Handler) detailView(d *models.Detail) DetailView {
	genres := d.Genres
	if genres == nil {
		genres = []string{}
	}
	return DetailView{
		Title:    d.Title,
		Image:    h.proxied(d.Source, d.Image),
		Synopsis: d.Synopsis,
		Genres:   genres,
		Author:   d.Author,
		Status:   d.Status,
		Rating:   d.Rating,
		Type:     d.Type,
		Source:   d.Source,
		Ref:      ref(d.Source, d.Link),
		Chapters: chapterViews(d.Source, d.Chapters),
	}
}

func (h *Handler) recordViews(in []models.MangaRecord) []RecordView {
	out := make([]RecordView, 0, len(in))
	for _, m := range in {
		genres := m.Genres
		if genres == nil {
			genres = []string{}
		}
		out = append(out, RecordView{
			ID:              m.ID,
			Title:           m.Title,
			Image:           h.proxied(m.Source, m.Image),
			Rating:          m.Rating,
			Chapter:         m.Chapter,
			PreviousChapter: m.PreviousChapter,
			Type:            m.Type,
			Trending:        m.Trending,
			Popularity:      m.Popularity,
			Source:          m.Source,
			Ref:             ref(m.Source, m.Link),
			Genres:          genres,
			Synopsis:        m.Synopsis,
			Status:          m.Status,
			Author:          m.Author,
			UpdatedAt:       m.UpdatedAt,
			Chapters:        chapterViews(m.Source, m.Chapters),
		})
	}
	return out
}

func (h *Handler) chapterDataView(source string, d *models.ChapterData) ChapterDataView {
	images := make([]string, 0, len(d.Images))
	for _, img := range d.Images {
		images = append(images, h.proxied(source, img))
	}
	return ChapterDataView{Images: images, Next: ref(source, d.Next), Prev: ref(source, d.Prev)}
}
