package sources

import (
	"context"
	"net/url"
	"regexp"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"github.com/tidwall/gjson"

	"mangaverse/pkg/models"
)

var reBuildManifest = regexp.MustCompile(`/_next/static/([A-Za-z0-9_-]+)/_buildManifest\.js`)

// BuildAPISource talks to a Next.js deployment through its versioned
// /_next/data/<build id>/ JSON endpoints. The build id changes on every
// deploy, so it is discovered lazily and dropped on the first failure.
type BuildAPISource struct {
	cfg   Config
	fetch *fetcher

	mu      sync.Mutex
	buildID string
}

func NewBuildAPISource(cfg Config, opts Options) *BuildAPISource {
	if cfg.SeriesPrefix == "" {
		cfg.SeriesPrefix = "/series/"
	}
	return &BuildAPISource{cfg: cfg, fetch: newFetcher(cfg, opts)}
}

func (s *BuildAPISource) ID() string { return s.cfg.ID }

func (s *BuildAPISource) GuessDetailLink(slug string) string {
	return s.cfg.BaseURL + s.cfg.SeriesPrefix + slug
}

// BuildID returns the cached build id, discovering it from the homepage when
// none is cached.
func (s *BuildAPISource) BuildID(ctx context.Context) (string, error) {
	s.mu.Lock()
	id := s.buildID
	s.mu.Unlock()
	if id != "" {
		return id, nil
	}

	target := s.cfg.BaseURL + "/"
	body, err := s.fetch.get(ctx, target)
	if err != nil {
		return "", err
	}
	doc, err := s.fetch.parse(target, body)
	if err != nil {
		return "", err
	}
	if id = buildIDFrom(doc, string(body)); id == "" {
		return "", structural(s.cfg.ID, target, "no build id on homepage")
	}
	s.remember(id)
	return id, nil
}

func buildIDFrom(doc *goquery.Document, body string) string {
	if raw := doc.Find("script#__NEXT_DATA__").First().Text(); raw != "" {
		if id := gjson.Get(raw, "buildId").String(); id != "" {
			return id
		}
	}
	if m := reBuildManifest.FindStringSubmatch(body); m != nil {
		return m[1]
	}
	return ""
}

func (s *BuildAPISource) remember(id string) {
	s.mu.Lock()
	s.buildID = id
	s.mu.Unlock()
}

func (s *BuildAPISource) invalidate() {
	s.mu.Lock()
	s.buildID = ""
	s.mu.Unlock()
}

// versioned fetches /_next/data/<id><path>.json and returns its pageProps.
// Any failure invalidates the id so the next call rediscovers it.
func (s *BuildAPISource) versioned(ctx context.Context, path string) (gjson.Result, error) {
	id, err := s.BuildID(ctx)
	if err != nil {
		return gjson.Result{}, err
	}
	target := s.cfg.BaseURL + "/_next/data/" + id + path + ".json"
	body, err := s.fetch.get(ctx, target)
	if err != nil {
		s.invalidate()
		return gjson.Result{}, err
	}
	if !gjson.ValidBytes(body) {
		s.invalidate()
		return gjson.Result{}, decodeErr(s.cfg.ID, target, errInvalidJSON)
	}
	props := gjson.GetBytes(body, "pageProps")
	if !props.Exists() {
		s.invalidate()
		return gjson.Result{}, structural(s.cfg.ID, target, "no pageProps")
	}
	return props, nil
}

// seriesPath splits ".../series/<slug>[/<chapter>]" into its parts.
func (s *BuildAPISource) seriesPath(link string) (slug, chapter string) {
	p := pathOf(link)
	i := strings.Index(p, s.cfg.SeriesPrefix)
	if i < 0 {
		return "", ""
	}
	parts := strings.Split(strings.Trim(p[i+len(s.cfg.SeriesPrefix):], "/"), "/")
	slug = parts[0]
	if len(parts) > 1 {
		chapter = parts[1]
	}
	return slug, chapter
}

// ListPopular reads the homepage cards. Only the first page exists.
func (s *BuildAPISource) ListPopular(ctx context.Context, page int) ([]models.Summary, error) {
	if page > 1 {
		return nil, nil
	}
	target := s.cfg.BaseURL + "/"
	body, err := s.fetch.get(ctx, target)
	if err != nil {
		return nil, err
	}
	doc, err := s.fetch.parse(target, body)
	if err != nil {
		return nil, err
	}
	if id := buildIDFrom(doc, string(body)); id != "" {
		s.remember(id)
	}

	var out []models.Summary
	seen := map[string]bool{}
	doc.Find("a[href*='" + s.cfg.SeriesPrefix + "']").Each(func(_ int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		link := resolveURL(target, href)
		slug, chapter := s.seriesPath(link)
		if slug == "" || chapter != "" || seen[link] {
			return
		}
		img := a.Find("img").First()
		if img.Length() == 0 {
			return
		}
		seen[link] = true

		title, _ := a.Attr("title")
		if title == "" {
			title, _ = img.Attr("alt")
		}
		if title = cleanText(title); title == "" {
			title = cleanText(a.Text())
		}
		if title == "" {
			title = titleFromSlug(slug)
		}

		sum := models.Summary{Title: title, Link: link, Source: s.cfg.ID, Image: resolveURL(target, imageSrc(img))}
		card := a.ParentsFiltered("article, li, div").First()
		var labels []string
		card.Find("a[href*='" + s.cfg.SeriesPrefix + "']").Each(func(_ int, ch *goquery.Selection) {
			h, _ := ch.Attr("href")
			if _, c := s.seriesPath(resolveURL(target, h)); c != "" {
				if t := cleanText(ch.Text()); t != "" {
					labels = append(labels, t)
				}
			}
		})
		if len(labels) > 0 {
			sum.Chapter = labels[0]
		}
		if len(labels) > 1 {
			sum.PreviousChapter = labels[1]
		}
		out = append(out, sum)
	})
	if len(out) == 0 {
		return nil, structural(s.cfg.ID, target, "no series cards on homepage")
	}
	return out, nil
}

func (s *BuildAPISource) FetchDetail(ctx context.Context, link string) (*models.Detail, error) {
	slug, _ := s.seriesPath(link)
	if slug == "" {
		return nil, structural(s.cfg.ID, link, "not a series link")
	}
	props, err := s.versioned(ctx, s.cfg.SeriesPrefix+slug)
	if err != nil {
		return nil, err
	}
	series := props.Get("series")
	if !series.Exists() {
		return nil, nil
	}

	d := &models.Detail{
		Title:    series.Get("title").String(),
		Image:    resolveURL(link, firstString(series, "cover", "thumbnail")),
		Synopsis: cleanText(firstString(series, "description", "synopsis")),
		Genres:   stringsOf(series.Get("tags")),
		Author:   firstString(series, "author", "authors.0"),
		Status:   series.Get("status").String(),
		Rating:   series.Get("rating").Float(),
		Type:     series.Get("type").String(),
		Link:     s.GuessDetailLink(slug),
		Source:   s.cfg.ID,
	}
	if d.Genres == nil {
		d.Genres = []string{}
	}
	chapters := props.Get("chapters")
	if !chapters.Exists() {
		chapters = series.Get("chapters")
	}
	chapters.ForEach(func(_, ch gjson.Result) bool {
		token := firstString(ch, "token", "slug", "chapter_id")
		if token == "" {
			return true
		}
		title := firstString(ch, "title", "name")
		if title == "" {
			if n := ch.Get("number").String(); n != "" {
				title = "Chapter " + n
			}
		}
		d.Chapters = append(d.Chapters, models.Chapter{
			Title:    title,
			Link:     s.GuessDetailLink(slug) + "/" + url.PathEscape(token),
			Released: firstString(ch, "release_date", "date"),
		})
		return true
	})
	return d, nil
}

func (s *BuildAPISource) FetchChapterImages(ctx context.Context, link string) (*models.ChapterData, error) {
	slug, chapter := s.seriesPath(link)
	if slug == "" || chapter == "" {
		return nil, structural(s.cfg.ID, link, "not a chapter link")
	}
	props, err := s.versioned(ctx, s.cfg.SeriesPrefix+slug+"/"+chapter)
	if err != nil {
		return nil, err
	}

	images := dedupe(stringsOf(props.Get("chapter.images")))
	if len(images) == 0 {
		return nil, structural(s.cfg.ID, link, "no images in chapter payload")
	}
	data := &models.ChapterData{Images: images}
	base := s.GuessDetailLink(slug) + "/"
	if n := firstString(props, "next", "chapter.next"); n != "" {
		data.Next = navLink(base, n)
	}
	if p := firstString(props, "previous", "prev", "chapter.previous"); p != "" {
		data.Prev = navLink(base, p)
	}
	return data, nil
}

// Search uses the site's JSON search endpoint.
func (s *BuildAPISource) Search(ctx context.Context, query string) ([]models.Summary, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	target := s.cfg.BaseURL + "/api/series?search=" + url.QueryEscape(query)
	body, err := s.fetch.get(ctx, target)
	if err != nil {
		return nil, err
	}
	if !gjson.ValidBytes(body) {
		return nil, decodeErr(s.cfg.ID, target, errInvalidJSON)
	}
	list := gjson.ParseBytes(body)
	if !list.IsArray() {
		list = list.Get("series")
	}

	var out []models.Summary
	list.ForEach(func(_, v gjson.Result) bool {
		slug := v.Get("slug").String()
		title := v.Get("title").String()
		if slug == "" || title == "" {
			return true
		}
		out = append(out, models.Summary{
			Title:   title,
			Image:   resolveURL(target, firstString(v, "cover", "thumbnail")),
			Source:  s.cfg.ID,
			Chapter: firstString(v, "last_chapter", "latest_chapter"),
			Link:    s.GuessDetailLink(slug),
		})
		return true
	})
	return out, nil
}
