// Package scraper coordinates the registered sources: it fans listing calls
// out, persists normalized records, repairs them lazily and memoizes chapter
// scrapes.
package scraper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"mangaverse/internal/metrics"
	"mangaverse/internal/sources"
	"mangaverse/pkg/models"
)

// RecordStore persists MangaRecords; *manga.Repo implements it.
type RecordStore interface {
	UpsertTrending(ctx context.Context, s models.Summary, popularity int) error
	Save(ctx context.Context, m *models.MangaRecord) (int64, error)
	GetByTitleSource(ctx context.Context, title, source string) (*models.MangaRecord, error)
	ListTrending(ctx context.Context, page, limit int) ([]models.MangaRecord, error)
	FindBySlug(ctx context.Context, slug string) ([]models.MangaRecord, error)
	ListAll(ctx context.Context) ([]models.MangaRecord, error)
	BackfillMetadataByTitle(ctx context.Context, title string, d *models.Detail) (int64, error)
}

// ChapterCache is the write-once chapter memo; *chaptercache.Repo implements it.
type ChapterCache interface {
	Get(ctx context.Context, source, link string) (*models.ChapterCacheEntry, error)
	Insert(ctx context.Context, source, link string, data *models.ChapterData) (bool, error)
}

type Config struct {
	// DefaultSource is used for first-touch imports of unknown slugs. Empty
	// means the first registered source.
	DefaultSource string
	// UpdateDelay separates consecutive upstream calls in UpdateAll.
	UpdateDelay time.Duration
	Logger      *zap.Logger
	Metrics     *metrics.Metrics
}

type Orchestrator struct {
	registry *sources.Registry
	records  RecordStore
	cache    ChapterCache
	cfg      Config
	log      *zap.Logger
	metrics  *metrics.Metrics
}

func New(reg *sources.Registry, records RecordStore, cache ChapterCache, cfg Config) *Orchestrator {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.UpdateDelay < 0 {
		cfg.UpdateDelay = 0
	}
	if cfg.DefaultSource == "" && reg != nil {
		if all := reg.All(); len(all) > 0 {
			cfg.DefaultSource = all[0].ID()
		}
	}
	return &Orchestrator{
		registry: reg,
		records:  records,
		cache:    cache,
		cfg:      cfg,
		log:      cfg.Logger,
		metrics:  cfg.Metrics,
	}
}

// Registry exposes the registered sources to the API layer.
func (o *Orchestrator) Registry() *sources.Registry { return o.registry }

// DefaultSource is the source unknown slugs are imported from: the
// configured one, else the first registered.
func (o *Orchestrator) DefaultSource() string { return o.cfg.DefaultSource }

// call runs one source operation, converting panics and errors into absence
// after logging and counting them.
func call[T any](o *Orchestrator, src sources.Source, op string, fn func() (T, error)) (out T) {
	start := time.Now()
	outcome := metrics.OutcomeOK
	defer func() {
		if r := recover(); r != nil {
			o.log.Error("source panicked",
				zap.String("source", src.ID()), zap.String("op", op), zap.Any("panic", r))
			outcome = metrics.OutcomeError
			var zero T
			out = zero
		}
		o.metrics.ObserveSourceOp(src.ID(), op, outcome, time.Since(start))
	}()

	res, err := fn()
	if err != nil {
		outcome = sources.KindOf(err).String()
		o.log.Warn("source operation failed",
			zap.String("source", src.ID()), zap.String("op", op),
			zap.String("kind", outcome), zap.Error(err))
		var zero T
		return zero
	}
	if isEmpty(res) {
		outcome = metrics.OutcomeEmpty
	}
	return res
}

func isEmpty(v any) bool {
	switch x := v.(type) {
	case []models.Summary:
		return len(x) == 0
	case []string:
		return len(x) == 0
	case *models.Detail:
		return x == nil
	case *models.ChapterData:
		return x.Empty()
	}
	return false
}

// selectSources returns every source for an empty filter, else the named one.
func (o *Orchestrator) selectSources(filter string) ([]sources.Source, error) {
	if filter == "" {
		return o.registry.All(), nil
	}
	src, err := o.registry.Get(filter)
	if err != nil {
		return nil, err
	}
	return []sources.Source{src}, nil
}

// fanOut runs fn on every source concurrently. A failing source never
// cancels the others; results keep source order.
func (o *Orchestrator) fanOut(ctx context.Context, srcs []sources.Source, op string,
	fn func(ctx context.Context, src sources.Source) ([]models.Summary, error)) [][]models.Summary {
	results := make([][]models.Summary, len(srcs))
	var wg sync.WaitGroup
	for i, src := range srcs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = call(o, src, op, func() ([]models.Summary, error) { return fn(ctx, src) })
		}()
	}
	wg.Wait()
	return results
}

// ScrapeAll lists the first popular page of every source and returns the
// successes, deduplicated per source by normalized title.
func (o *Orchestrator) ScrapeAll(ctx context.Context) []models.Summary {
	var out []models.Summary
	for _, batch := range o.scrapeAll(ctx) {
		out = append(out, batch...)
	}
	return out
}

func (o *Orchestrator) scrapeAll(ctx context.Context) [][]models.Summary {
	srcs := o.registry.All()
	batches := o.fanOut(ctx, srcs, "list-popular", func(ctx context.Context, src sources.Source) ([]models.Summary, error) {
		return src.ListPopular(ctx, 1)
	})
	for i, batch := range batches {
		if len(batch) == 0 {
			o.log.Warn("source returned no popular items", zap.String("source", srcs[i].ID()))
			continue
		}
		batches[i] = dedupeSummaries(batch)
	}
	return batches
}

// RefreshPopularCache re-scrapes every listing and upserts the results as
// trending records. An empty scrape leaves the stored records untouched.
func (o *Orchestrator) RefreshPopularCache(ctx context.Context) (int, error) {
	batches := o.scrapeAll(ctx)
	total := 0
	for _, b := range batches {
		total += len(b)
	}
	if total == 0 {
		o.log.Warn("popular refresh found nothing; keeping the existing cache")
		o.metrics.RefreshRun(metrics.OutcomeEmpty)
		return 0, nil
	}

	upserted := 0
	var errs []error
	for _, batch := range batches {
		for i, s := range batch {
			if err := o.records.UpsertTrending(ctx, s, len(batch)-i); err != nil {
				errs = append(errs, err)
				continue
			}
			upserted++
		}
	}
	o.metrics.RefreshRun(metrics.OutcomeOK)
	o.log.Info("popular cache refreshed", zap.Int("upserted", upserted), zap.Int("failed", len(errs)))
	if len(errs) > 0 {
		return upserted, fmt.Errorf("refresh popular cache: %w", errors.Join(errs...))
	}
	return upserted, nil
}

func (o *Orchestrator) GetPopular(ctx context.Context, page, limit int) ([]models.MangaRecord, error) {
	return o.records.ListTrending(ctx, page, limit)
}

// ListPopular is the live listing, bypassing the persisted cache.
func (o *Orchestrator) ListPopular(ctx context.Context, sourceFilter string, page int) ([]models.Summary, error) {
	srcs, err := o.selectSources(sourceFilter)
	if err != nil {
		return nil, err
	}
	var out []models.Summary
	for _, batch := range o.fanOut(ctx, srcs, "list-popular", func(ctx context.Context, src sources.Source) ([]models.Summary, error) {
		return src.ListPopular(ctx, page)
	}) {
		out = append(out, batch...)
	}
	return out, nil
}

func (o *Orchestrator) Search(ctx context.Context, query, sourceFilter string) ([]models.Summary, error) {
	srcs, err := o.selectSources(sourceFilter)
	if err != nil {
		return nil, err
	}
	var out []models.Summary
	for _, batch := range o.fanOut(ctx, srcs, "search", func(ctx context.Context, src sources.Source) ([]models.Summary, error) {
		return src.Search(ctx, query)
	}) {
		out = append(out, dedupeSummaries(batch)...)
	}
	return out, nil
}

// FetchDetail scrapes one detail page. A successful scrape also creates or
// refreshes the stored record; a failed save is logged and the detail is
// still returned.
func (o *Orchestrator) FetchDetail(ctx context.Context, source, link string) (*models.Detail, error) {
	src, err := o.registry.Get(source)
	if err != nil {
		return nil, err
	}
	d := call(o, src, "fetch-detail", func() (*models.Detail, error) { return src.FetchDetail(ctx, link) })
	if d == nil || d.Title == "" {
		return d, nil
	}
	fillOrigin(d, source, link)
	if _, err := o.persistDetail(ctx, d); err != nil {
		o.log.Warn("persist fetched detail failed", zap.String("source", source), zap.String("link", link), zap.Error(err))
	}
	return d, nil
}

// ListGenres merges the genres of every source that can browse by genre.
func (o *Orchestrator) ListGenres(ctx context.Context, sourceFilter string) ([]string, error) {
	srcs, err := o.selectSources(sourceFilter)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, src := range srcs {
		gl, ok := src.(sources.GenreLister)
		if !ok {
			continue
		}
		out = mergeStringSlices(out, call(o, src, "list-genres", func() ([]string, error) { return gl.ListGenres(ctx) }))
	}
	return out, nil
}

func (o *Orchestrator) ListByGenre(ctx context.Context, sourceFilter, genre string, page int) ([]models.Summary, error) {
	srcs, err := o.selectSources(sourceFilter)
	if err != nil {
		return nil, err
	}
	var listers []sources.Source
	for _, src := range srcs {
		if _, ok := src.(sources.GenreLister); ok {
			listers = append(listers, src)
		}
	}
	var out []models.Summary
	for _, batch := range o.fanOut(ctx, listers, "list-by-genre", func(ctx context.Context, src sources.Source) ([]models.Summary, error) {
		return src.(sources.GenreLister).ListByGenre(ctx, genre, page)
	}) {
		out = append(out, batch...)
	}
	return out, nil
}
