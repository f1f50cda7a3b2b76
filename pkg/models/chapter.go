package models

import "time"

// ChapterData is the reader payload for one chapter.
type ChapterData struct {
	Images []string `json:"images"`
	Next   string   `json:"next,omitempty"`
	Prev   string   `json:"prev,omitempty"`
}

// Empty reports whether the chapter carries no images.
func (d *ChapterData) Empty() bool {
	return d == nil || len(d.Images) == 0
}

// ChapterCacheEntry is a write-once memo of a chapter scrape keyed by
// (Source, Link).
type ChapterCacheEntry struct {
	Source    string    `json:"source"`
	Link      string    `json:"link"`
	Images    []string  `json:"images"`
	Next      string    `json:"next,omitempty"`
	Prev      string    `json:"prev,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Data returns the reader payload stored in the entry.
func (e *ChapterCacheEntry) Data() *ChapterData {
	return &ChapterData{Images: e.Images, Next: e.Next, Prev: e.Prev}
}

// Reference is the decoded form of an opaque reference token.
type Reference struct {
	Source string `json:"source"`
	Link   string `json:"link"`
}
