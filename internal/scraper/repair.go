package scraper

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"go.uber.org/zap"

	"mangaverse/internal/sources"
	"mangaverse/pkg/models"
)

// reVerboseDate matches "March 3, 2024" style dates. Seeing one in a chapter
// title means an earlier parse put the release date into the title.
var reVerboseDate = regexp.MustCompile(`(?i)\b(jan(uary)?|feb(ruary)?|mar(ch)?|apr(il)?|may|june?|july?|aug(ust)?|sep(t(ember)?)?|oct(ober)?|nov(ember)?|dec(ember)?)\.?\s+\d{1,2}(st|nd|rd|th)?,?\s+\d{4}\b`)

// looksCorrupted flags chapter lists an earlier scrape got wrong.
func looksCorrupted(chapters []models.Chapter) bool {
	for _, ch := range chapters {
		if ch.Released == "" || reVerboseDate.MatchString(ch.Title) {
			return true
		}
	}
	return false
}

// GetDetailBySlug resolves a slug against stored records. An unknown slug is
// imported from the default source on first touch. Matching records with a
// missing or corrupted chapter list, or no genres, are re-scraped and the
// fix persisted before they are returned.
func (o *Orchestrator) GetDetailBySlug(ctx context.Context, slug string) ([]models.MangaRecord, error) {
	records, err := o.records.FindBySlug(ctx, slug)
	if err != nil {
		return nil, fmt.Errorf("find by slug: %w", err)
	}
	if len(records) == 0 {
		rec, err := o.firstTouch(ctx, slug)
		if err != nil || rec == nil {
			return nil, err
		}
		return []models.MangaRecord{*rec}, nil
	}

	backfilled := map[string]*models.Detail{}
	for i := range records {
		rec := &records[i]
		needChapters := len(rec.Chapters) == 0 || looksCorrupted(rec.Chapters)
		needMeta := len(rec.Genres) == 0
		if d, ok := backfilled[normalizeKey(rec.Title)]; ok && needMeta {
			applyMeta(rec, d)
			needMeta = false
		}
		if !needChapters && !needMeta {
			continue
		}

		src, err := o.registry.Get(rec.Source)
		if err != nil {
			o.log.Debug("record from unregistered source", zap.String("source", rec.Source))
			continue
		}
		d := call(o, src, "fetch-detail", func() (*models.Detail, error) { return src.FetchDetail(ctx, rec.Link) })
		if d == nil {
			continue
		}

		if needChapters && len(d.Chapters) > 0 {
			rec.ApplyDetail(d)
			if _, err := o.records.Save(ctx, rec); err != nil {
				o.log.Warn("lazy repair save failed", zap.String("title", rec.Title), zap.Error(err))
			} else {
				o.log.Info("chapter list repaired", zap.String("title", rec.Title), zap.String("source", rec.Source),
					zap.Int("chapters", len(rec.Chapters)))
			}
		}
		if needMeta && len(d.Genres) > 0 {
			if _, err := o.records.BackfillMetadataByTitle(ctx, rec.Title, d); err != nil {
				o.log.Warn("metadata backfill failed", zap.String("title", rec.Title), zap.Error(err))
				continue
			}
			backfilled[normalizeKey(rec.Title)] = d
			applyMeta(rec, d)
		}
	}

	// records earlier in the list may share a title backfilled later
	for i := range records {
		if d, ok := backfilled[normalizeKey(records[i].Title)]; ok {
			applyMeta(&records[i], d)
		}
	}
	return records, nil
}

// applyMeta mirrors BackfillMetadataByTitle on an in-memory record.
func applyMeta(rec *models.MangaRecord, d *models.Detail) {
	if len(rec.Genres) == 0 {
		rec.Genres = d.Genres
	}
	if rec.Synopsis == "" {
		rec.Synopsis = d.Synopsis
	}
	if rec.Author == "" {
		rec.Author = d.Author
	}
	if rec.Status == "" {
		rec.Status = d.Status
	}
}

func (o *Orchestrator) firstTouch(ctx context.Context, slug string) (*models.MangaRecord, error) {
	if o.cfg.DefaultSource == "" {
		return nil, nil
	}
	src, err := o.registry.Get(o.cfg.DefaultSource)
	if err != nil {
		return nil, err
	}
	guesser, ok := src.(sources.LinkGuesser)
	if !ok {
		return nil, nil
	}
	o.log.Info("importing unknown slug", zap.String("slug", slug), zap.String("source", src.ID()))
	return o.Import(ctx, src.ID(), guesser.GuessDetailLink(slug))
}

// Import scrapes link from source and upserts the resulting record.
func (o *Orchestrator) Import(ctx context.Context, source, link string) (*models.MangaRecord, error) {
	src, err := o.registry.Get(source)
	if err != nil {
		return nil, err
	}
	d := call(o, src, "fetch-detail", func() (*models.Detail, error) { return src.FetchDetail(ctx, link) })
	if d == nil || d.Title == "" {
		return nil, nil
	}
	fillOrigin(d, source, link)
	return o.persistDetail(ctx, d)
}

// fillOrigin defaults the provenance fields a source left empty.
func fillOrigin(d *models.Detail, source, link string) {
	if d.Source == "" {
		d.Source = source
	}
	if d.Link == "" {
		d.Link = link
	}
}

func (o *Orchestrator) persistDetail(ctx context.Context, d *models.Detail) (*models.MangaRecord, error) {
	rec, err := o.records.GetByTitleSource(ctx, d.Title, d.Source)
	if err != nil {
		return nil, fmt.Errorf("load record: %w", err)
	}
	if rec == nil {
		rec = &models.MangaRecord{}
	}
	rec.ApplyDetail(d)
	if _, err := o.records.Save(ctx, rec); err != nil {
		return nil, fmt.Errorf("save record: %w", err)
	}
	return rec, nil
}

// Stats summarizes an UpdateAll run.
type Stats struct {
	Updated int `json:"updated"`
	Failed  int `json:"failed"`
}

// UpdateAll re-scrapes every stored record one at a time, pausing
// UpdateDelay between upstream calls. It stops early when ctx is done.
func (o *Orchestrator) UpdateAll(ctx context.Context) (Stats, error) {
	var st Stats
	records, err := o.records.ListAll(ctx)
	if err != nil {
		return st, fmt.Errorf("list records: %w", err)
	}

	for i := range records {
		rec := &records[i]
		if i > 0 && o.cfg.UpdateDelay > 0 {
			select {
			case <-ctx.Done():
				return st, ctx.Err()
			case <-time.After(o.cfg.UpdateDelay):
			}
		}

		src, err := o.registry.Get(rec.Source)
		if err != nil || rec.Link == "" {
			st.Failed++
			continue
		}
		d := call(o, src, "fetch-detail", func() (*models.Detail, error) { return src.FetchDetail(ctx, rec.Link) })
		if d == nil {
			st.Failed++
			continue
		}
		rec.ApplyDetail(d)
		if _, err := o.records.Save(ctx, rec); err != nil {
			o.log.Warn("update save failed", zap.String("title", rec.Title), zap.Error(err))
			st.Failed++
			continue
		}
		st.Updated++
	}
	o.log.Info("update-all finished", zap.Int("updated", st.Updated), zap.Int("failed", st.Failed))
	return st, nil
}
