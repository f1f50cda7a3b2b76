package scraper

import (
	"context"

	"go.uber.org/zap"

	"mangaverse/pkg/models"
)

// GetChapterImages serves a chapter from the cache, scraping and caching it
// on a miss. A failed cache write is logged and the scraped data returned.
func (o *Orchestrator) GetChapterImages(ctx context.Context, source, link string) (*models.ChapterData, error) {
	entry, err := o.cache.Get(ctx, source, link)
	if err != nil {
		o.log.Warn("chapter cache read failed", zap.String("source", source), zap.String("link", link), zap.Error(err))
	}
	if entry != nil {
		o.metrics.CacheLookup(true)
		return entry.Data(), nil
	}
	o.metrics.CacheLookup(false)

	src, err := o.registry.Get(source)
	if err != nil {
		return nil, err
	}
	data := call(o, src, "fetch-chapter-images", func() (*models.ChapterData, error) {
		return src.FetchChapterImages(ctx, link)
	})
	if data.Empty() {
		return nil, nil
	}

	if _, err := o.cache.Insert(ctx, source, link, data); err != nil {
		o.log.Warn("chapter cache write failed", zap.String("source", source), zap.String("link", link), zap.Error(err))
	}
	return data, nil
}
