package sources

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"mangaverse/pkg/models"
)

const (
	listingItems = ".page-item-detail, .c-tabs-item__content, .list-truyen-item-wrap, .story_item, .bs .bsx"
	listingTitle = "h3 a, h4 a, .post-title a, .tt a, a[title]"
	listingLabel = ".chapter-item .chapter a, .chapter a, a.list-story-item-wrap-chapter, .epxs"
)

// StaticSource scrapes server-rendered pages (Madara-like and manganato-like
// themes).
type StaticSource struct {
	cfg   Config
	fetch *fetcher
}

func NewStaticSource(cfg Config, opts Options) *StaticSource {
	if cfg.PopularPath == "" {
		cfg.PopularPath = "/manga/page/%d/?m_orderby=trending"
	}
	if cfg.SeriesPrefix == "" {
		cfg.SeriesPrefix = "/manga/"
	}
	return &StaticSource{cfg: cfg, fetch: newFetcher(cfg, opts)}
}

func (s *StaticSource) ID() string { return s.cfg.ID }

func (s *StaticSource) GuessDetailLink(slug string) string {
	return s.cfg.BaseURL + s.cfg.SeriesPrefix + url.PathEscape(slug) + "/"
}

func (s *StaticSource) ListPopular(ctx context.Context, page int) ([]models.Summary, error) {
	if page < 1 {
		page = 1
	}
	target := s.cfg.BaseURL + pageTemplate(s.cfg.PopularPath, page)
	doc, err := s.fetch.document(ctx, target)
	if err != nil {
		return nil, err
	}
	items := s.summaries(doc.Selection, target)
	if len(items) == 0 {
		return nil, structural(s.cfg.ID, target, "no listing items")
	}
	return items, nil
}

func (s *StaticSource) Search(ctx context.Context, query string) ([]models.Summary, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	target := s.cfg.BaseURL + "/?s=" + url.QueryEscape(query) + "&post_type=wp-manga"
	doc, err := s.fetch.document(ctx, target)
	if err != nil {
		return nil, err
	}
	return s.summaries(doc.Selection, target), nil
}

// summaries parses listing cards. Missing optional fields stay empty rather
// than dropping the card.
func (s *StaticSource) summaries(root *goquery.Selection, base string) []models.Summary {
	var out []models.Summary
	seen := map[string]bool{}
	root.Find(listingItems).Each(func(_ int, item *goquery.Selection) {
		a := item.Find(listingTitle).First()
		if a.Length() == 0 {
			a = item.Find("a[href]").First()
		}
		href, _ := a.Attr("href")
		link := resolveURL(base, href)

		title := cleanText(a.Text())
		if title == "" {
			title, _ = a.Attr("title")
		}
		if title == "" {
			title, _ = item.Find("img").First().Attr("alt")
		}
		title = cleanText(title)
		if title == "" || link == "" || seen[link] {
			return
		}
		seen[link] = true

		sum := models.Summary{
			Title:  title,
			Link:   link,
			Source: s.cfg.ID,
			Image:  resolveURL(base, firstImage(item, "img")),
		}
		labels := uniqueTexts(item, listingLabel)
		if len(labels) > 0 {
			sum.Chapter = labels[0]
		}
		if len(labels) > 1 {
			sum.PreviousChapter = labels[1]
		}
		out = append(out, sum)
	})
	return out
}

func (s *StaticSource) FetchDetail(ctx context.Context, link string) (*models.Detail, error) {
	doc, err := s.fetch.document(ctx, link)
	if err != nil {
		return nil, err
	}
	root := doc.Selection

	d := &models.Detail{
		Link:   link,
		Source: s.cfg.ID,
		Title:  firstText(root, ".post-title h1, h1.entry-title, .story-info-right h1, h1"),
		Image:  resolveURL(link, firstImage(root, ".summary_image img, .story-info-left img, .manga-info-pic img, .thumb img")),
		Author: firstText(root, ".author-content a, a[href*='/author/']"),
		Genres: uniqueTexts(root, ".genres-content a, .mgen a, a[href*='/genre/'], a[href*='/genres/']"),
		Status: labeledValue(root, "status"),
		Type:   labeledValue(root, "type"),
		Rating: parseRating(firstText(root, ".post-total-rating .score, [itemprop='ratingValue'], .rating .num")),
	}
	if d.Title == "" {
		return nil, structural(s.cfg.ID, link, "no title on detail page")
	}

	synopsis := firstText(root, ".summary__content, .description-summary, #panel-story-info-description, [itemprop='description']")
	d.Synopsis = strings.TrimSpace(strings.TrimPrefix(synopsis, "Description :"))

	d.Chapters = s.chapters(ctx, doc, link)
	return d, nil
}

// chapters applies the tiers: advertised sub-endpoint, structural patterns,
// then the same-site anchor scan.
func (s *StaticSource) chapters(ctx context.Context, doc *goquery.Document, link string) []models.Chapter {
	if endpoint, method := s.chapterEndpoint(doc, link); endpoint != "" {
		var body []byte
		var err error
		if method == "POST" {
			body, err = s.fetch.post(ctx, endpoint, "")
		} else {
			body, err = s.fetch.get(ctx, endpoint)
		}
		if err == nil {
			if sub, perr := s.fetch.parse(endpoint, body); perr == nil {
				if chs := chaptersFromPatterns(sub.Selection, link); len(chs) > 0 {
					return chs
				}
			}
		}
	}
	if chs := chaptersFromPatterns(doc.Selection, link); len(chs) > 0 {
		return chs
	}
	return chaptersFromAnchors(doc.Selection, link)
}

func (s *StaticSource) chapterEndpoint(doc *goquery.Document, link string) (string, string) {
	if v, ok := doc.Find("[data-chapters-url]").First().Attr("data-chapters-url"); ok && strings.TrimSpace(v) != "" {
		return resolveURL(link, v), "GET"
	}
	if doc.Find("#manga-chapters-holder").Length() > 0 {
		return strings.TrimRight(link, "/") + "/ajax/chapters/", "POST"
	}
	return "", ""
}

func (s *StaticSource) FetchChapterImages(ctx context.Context, link string) (*models.ChapterData, error) {
	doc, err := s.fetch.document(ctx, link)
	if err != nil {
		return nil, err
	}
	images, next, prev := imagesFromDocument(doc, link)
	if len(images) == 0 {
		return nil, structural(s.cfg.ID, link, "no reader images")
	}
	return &models.ChapterData{Images: images, Next: next, Prev: prev}, nil
}

func pageTemplate(path string, page int) string {
	if strings.Contains(path, "%d") {
		return fmt.Sprintf(path, page)
	}
	return path
}
