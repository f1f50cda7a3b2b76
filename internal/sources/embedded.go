package sources

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"mangaverse/pkg/models"
)

const (
	embeddedPageSize  = 20
	embeddedBatchSize = 5
	// genreScanWindow bounds how much of the catalog one genre request reads.
	genreScanWindow = 60
)

// The sitemap has a fixed repeating shape, a regexp is enough.
var reSitemapEntry = regexp.MustCompile(`<loc>\s*([^<\s]+)\s*</loc>\s*<lastmod>\s*([^<\s]+)\s*</lastmod>`)

type sitemapEntry struct {
	Slug    string
	LastMod time.Time
	raw     string
}

// EmbeddedSource reads statically exported pages that carry their state in
// a script#__NEXT_DATA__ JSON blob, discovering the catalog via sitemap.xml.
type EmbeddedSource struct {
	cfg   Config
	fetch *fetcher
	log   *zap.Logger
}

func NewEmbeddedSource(cfg Config, opts Options) *EmbeddedSource {
	if cfg.SeriesPrefix == "" {
		cfg.SeriesPrefix = "/series/"
	}
	return &EmbeddedSource{cfg: cfg, fetch: newFetcher(cfg, opts), log: opts.Logger.With(zap.String("source", cfg.ID))}
}

func (s *EmbeddedSource) ID() string { return s.cfg.ID }

func (s *EmbeddedSource) GuessDetailLink(slug string) string {
	return s.cfg.BaseURL + s.cfg.SeriesPrefix + slug
}

// sitemap returns the series slugs, most recently modified first.
func (s *EmbeddedSource) sitemap(ctx context.Context) ([]sitemapEntry, error) {
	target := s.cfg.BaseURL + "/sitemap.xml"
	body, err := s.fetch.get(ctx, target)
	if err != nil {
		return nil, err
	}

	var out []sitemapEntry
	seen := map[string]bool{}
	for _, m := range reSitemapEntry.FindAllStringSubmatch(string(body), -1) {
		slug := s.slugOf(m[1])
		if slug == "" || seen[slug] {
			continue
		}
		seen[slug] = true
		e := sitemapEntry{Slug: slug, raw: m[2]}
		if t, err := parseLastMod(m[2]); err == nil {
			e.LastMod = t
		}
		out = append(out, e)
	}
	if len(out) == 0 {
		return nil, structural(s.cfg.ID, target, "no series entries in sitemap")
	}

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].LastMod.Equal(out[j].LastMod) {
			return out[i].LastMod.After(out[j].LastMod)
		}
		return out[i].raw > out[j].raw
	})
	return out, nil
}

func parseLastMod(v string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", v)
}

// slugOf returns the series slug of a series page URL, "" for any other URL
// (chapter pages included).
func (s *EmbeddedSource) slugOf(loc string) string {
	p := pathOf(loc)
	i := strings.Index(p, s.cfg.SeriesPrefix)
	if i < 0 {
		return ""
	}
	rest := strings.Trim(p[i+len(s.cfg.SeriesPrefix):], "/")
	if rest == "" || strings.Contains(rest, "/") {
		return ""
	}
	return rest
}

func (s *EmbeddedSource) ListPopular(ctx context.Context, page int) ([]models.Summary, error) {
	entries, err := s.sitemap(ctx)
	if err != nil {
		return nil, err
	}
	window := paginate(entries, page, embeddedPageSize)
	if len(window) == 0 {
		return nil, nil
	}
	return s.summariesFor(ctx, window), nil
}

// summariesFor fetches the details of entries in bounded concurrent groups.
// Order follows entries; failed fetches are skipped.
func (s *EmbeddedSource) summariesFor(ctx context.Context, entries []sitemapEntry) []models.Summary {
	details := s.details(ctx, entries)
	out := make([]models.Summary, 0, len(details))
	for _, d := range details {
		if d != nil {
			out = append(out, summaryFromDetail(d))
		}
	}
	return out
}

func (s *EmbeddedSource) details(ctx context.Context, entries []sitemapEntry) []*models.Detail {
	details := make([]*models.Detail, len(entries))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(embeddedBatchSize)
	for i, e := range entries {
		g.Go(func() error {
			d, err := s.FetchDetail(gctx, s.GuessDetailLink(e.Slug))
			if err != nil {
				s.log.Debug("detail fetch failed", zap.String("slug", e.Slug), zap.Error(err))
				return nil
			}
			details[i] = d
			return nil
		})
	}
	_ = g.Wait()
	return details
}

// nextData returns the embedded JSON state of a page.
func (s *EmbeddedSource) nextData(ctx context.Context, link string) (*goquery.Document, gjson.Result, error) {
	doc, err := s.fetch.document(ctx, link)
	if err != nil {
		return nil, gjson.Result{}, err
	}
	raw := strings.TrimSpace(doc.Find("script#__NEXT_DATA__").First().Text())
	if raw == "" {
		return doc, gjson.Result{}, structural(s.cfg.ID, link, "no embedded state")
	}
	if !gjson.Valid(raw) {
		return doc, gjson.Result{}, decodeErr(s.cfg.ID, link, errInvalidJSON)
	}
	return doc, gjson.Get(raw, "props.pageProps"), nil
}

func (s *EmbeddedSource) FetchDetail(ctx context.Context, link string) (*models.Detail, error) {
	doc, state, err := s.nextData(ctx, link)
	if doc == nil {
		return nil, err
	}
	series := state.Get("series")
	if err != nil || !series.Exists() {
		// Layout without state: the HTML chapter tiers still apply.
		if err == nil {
			err = structural(s.cfg.ID, link, "no series in embedded state")
		}
		title := firstText(doc.Selection, "h1")
		if title == "" {
			return nil, err
		}
		return &models.Detail{
			Title:    title,
			Link:     link,
			Source:   s.cfg.ID,
			Image:    resolveURL(link, firstImage(doc.Selection, "img")),
			Genres:   []string{},
			Chapters: s.htmlChapters(doc, link),
		}, nil
	}

	slug := series.Get("slug").String()
	if slug == "" {
		slug = s.slugOf(link)
	}
	d := &models.Detail{
		Title:    series.Get("title").String(),
		Image:    resolveURL(link, firstString(series, "cover", "thumbnail", "image")),
		Synopsis: cleanText(firstString(series, "description", "synopsis")),
		Genres:   stringsOf(series.Get("genres")),
		Author:   firstString(series, "author", "authors.0.name"),
		Status:   series.Get("status").String(),
		Rating:   series.Get("rating").Float(),
		Type:     series.Get("type").String(),
		Link:     link,
		Source:   s.cfg.ID,
	}
	if d.Genres == nil {
		d.Genres = []string{}
	}
	series.Get("chapters").ForEach(func(_, ch gjson.Result) bool {
		chSlug := firstString(ch, "slug", "url", "number")
		if chSlug == "" {
			return true
		}
		chLink := resolveURL(s.cfg.BaseURL+s.cfg.SeriesPrefix+slug+"/", chSlug)
		title := firstString(ch, "title", "name")
		if title == "" {
			title = chapterTitleFromLink(chLink)
		}
		d.Chapters = append(d.Chapters, models.Chapter{Title: title, Link: chLink, Released: firstString(ch, "date", "releasedAt")})
		return true
	})
	if len(d.Chapters) == 0 {
		d.Chapters = s.htmlChapters(doc, link)
	}
	if d.Title == "" {
		d.Title = titleFromSlug(slug)
	}
	return d, nil
}

func (s *EmbeddedSource) htmlChapters(doc *goquery.Document, link string) []models.Chapter {
	if chs := chaptersFromPatterns(doc.Selection, link); len(chs) > 0 {
		return chs
	}
	return chaptersFromAnchors(doc.Selection, link)
}

func (s *EmbeddedSource) FetchChapterImages(ctx context.Context, link string) (*models.ChapterData, error) {
	doc, state, err := s.nextData(ctx, link)
	if doc == nil {
		return nil, err
	}
	if err == nil {
		ch := state.Get("chapter")
		var images []string
		for _, u := range stringsOf(ch.Get("images")) {
			images = append(images, resolveURL(link, u))
		}
		if images = dedupe(images); len(images) > 0 {
			return &models.ChapterData{
				Images: images,
				Next:   navLink(link, firstString(ch, "next", "nextSlug")),
				Prev:   navLink(link, firstString(ch, "prev", "prevSlug")),
			}, nil
		}
	}

	images, next, prev := imagesFromDocument(doc, link)
	if len(images) == 0 {
		return nil, structural(s.cfg.ID, link, "no reader images")
	}
	return &models.ChapterData{Images: images, Next: next, Prev: prev}, nil
}

// Search matches the query against sitemap slugs; there is no search
// endpoint on statically exported sites.
func (s *EmbeddedSource) Search(ctx context.Context, query string) ([]models.Summary, error) {
	needle := slugify(query)
	if needle == "" {
		return nil, nil
	}
	entries, err := s.sitemap(ctx)
	if err != nil {
		return nil, err
	}
	var hits []sitemapEntry
	for _, e := range entries {
		if strings.Contains(e.Slug, needle) {
			hits = append(hits, e)
			if len(hits) == embeddedPageSize {
				break
			}
		}
	}
	if len(hits) == 0 {
		return nil, nil
	}
	return s.summariesFor(ctx, hits), nil
}

func (s *EmbeddedSource) ListGenres(ctx context.Context) ([]string, error) {
	entries, err := s.sitemap(ctx)
	if err != nil {
		return nil, err
	}
	if len(entries) > genreScanWindow {
		entries = entries[:genreScanWindow]
	}
	seen := map[string]bool{}
	var out []string
	for _, d := range s.details(ctx, entries) {
		if d == nil {
			continue
		}
		for _, g := range d.Genres {
			if k := genreKey(g); k != "" && !seen[k] {
				seen[k] = true
				out = append(out, g)
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

// ListByGenre scans only the first genreScanWindow catalog entries so one
// request has a bounded cost. Matches keep catalog order.
func (s *EmbeddedSource) ListByGenre(ctx context.Context, genre string, page int) ([]models.Summary, error) {
	want := genreKey(genre)
	if want == "" {
		return nil, nil
	}
	entries, err := s.sitemap(ctx)
	if err != nil {
		return nil, err
	}
	if len(entries) > genreScanWindow {
		entries = entries[:genreScanWindow]
	}

	var matches []models.Summary
	for _, d := range s.details(ctx, entries) {
		if d == nil {
			continue
		}
		for _, g := range d.Genres {
			if genreKey(g) == want {
				matches = append(matches, summaryFromDetail(d))
				break
			}
		}
	}
	return paginate(matches, page, embeddedPageSize), nil
}

// genreKey folds "Slice of Life", "slice-of-life" and "slice_of_life"
// together.
func genreKey(g string) string {
	g = strings.ToLower(strings.TrimSpace(g))
	g = strings.NewReplacer("-", " ", "_", " ").Replace(g)
	return strings.Join(strings.Fields(g), " ")
}

func slugify(q string) string {
	return strings.Join(strings.Fields(genreKey(q)), "-")
}

func firstString(r gjson.Result, paths ...string) string {
	for _, p := range paths {
		if v := strings.TrimSpace(r.Get(p).String()); v != "" {
			return v
		}
	}
	return ""
}

func paginate[T any](items []T, page, size int) []T {
	if page < 1 {
		page = 1
	}
	start := (page - 1) * size
	if start >= len(items) {
		return nil
	}
	end := start + size
	if end > len(items) {
		end = len(items)
	}
	return items[start:end]
}
