package models

import "time"

// Summary is the listing-level view of one catalog item, produced by
// list-popular and search. It is never persisted as-is.
type Summary struct {
	Title           string `json:"title"`
	Image           string `json:"image"`
	Source          string `json:"source"`
	Chapter         string `json:"chapter"`          // latest chapter label
	PreviousChapter string `json:"previous_chapter"` // second latest chapter label
	Link            string `json:"link"`             // canonical detail link
}

// Detail is the full metadata of one item as scraped from its detail page.
type Detail struct {
	Title    string    `json:"title"`
	Image    string    `json:"image"`
	Synopsis string    `json:"synopsis,omitempty"`
	Genres   []string  `json:"genres"`
	Author   string    `json:"author,omitempty"`
	Status   string    `json:"status,omitempty"`
	Rating   float64   `json:"rating,omitempty"`
	Type     string    `json:"type,omitempty"`
	Chapters []Chapter `json:"chapters"`
	Link     string    `json:"link"`
	Source   string    `json:"source"`
}

// Chapter is one entry of a chapter list, newest first by convention.
// Released is empty when the source did not publish a reliable date.
type Chapter struct {
	Title    string `json:"title"`
	Link     string `json:"link"`
	Released string `json:"released,omitempty"`
}

// MangaRecord is the persisted, normalized form of an item.
// (Title, Source) is unique.
type MangaRecord struct {
	ID              int64     `json:"id"`
	Title           string    `json:"title"`
	Image           string    `json:"image"`
	Rating          float64   `json:"rating"`
	Chapter         string    `json:"chapter"`
	PreviousChapter string    `json:"previous_chapter"`
	Type            string    `json:"type,omitempty"`
	Layout          string    `json:"layout,omitempty"`
	Trending        bool      `json:"trending"`
	Popularity      int       `json:"popularity"`
	Link            string    `json:"link"`
	Source          string    `json:"source"`
	Chapters        []Chapter `json:"chapters"`
	Genres          []string  `json:"genres"`
	Synopsis        string    `json:"synopsis,omitempty"`
	Status          string    `json:"status,omitempty"`
	Author          string    `json:"author,omitempty"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// ApplyDetail copies the scraped fields of d onto r, keeping r's identity.
// Empty scraped fields never overwrite populated ones.
func (r *MangaRecord) ApplyDetail(d *Detail) {
	if d == nil {
		return
	}
	if r.Title == "" {
		r.Title = d.Title
	}
	if d.Image != "" {
		r.Image = d.Image
	}
	if d.Rating > 0 {
		r.Rating = d.Rating
	}
	if d.Type != "" {
		r.Type = d.Type
	}
	if d.Link != "" {
		r.Link = d.Link
	}
	if d.Source != "" {
		r.Source = d.Source
	}
	if len(d.Chapters) > 0 {
		r.Chapters = d.Chapters
		r.Chapter = d.Chapters[0].Title
		if len(d.Chapters) > 1 {
			r.PreviousChapter = d.Chapters[1].Title
		}
	}
	if len(d.Genres) > 0 {
		r.Genres = d.Genres
	}
	if d.Synopsis != "" {
		r.Synopsis = d.Synopsis
	}
	if d.Status != "" {
		r.Status = d.Status
	}
	if d.Author != "" {
		r.Author = d.Author
	}
}
