package sources

import (
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"github.com/tidwall/gjson"

	"mangaverse/pkg/models"
)

type chapterPattern struct {
	item string
	date string
}

// chapterPatterns are tried in order; the first one yielding entries wins.
var chapterPatterns = []chapterPattern{
	{item: "li.wp-manga-chapter", date: ".chapter-release-date"},
	{item: ".row-content-chapter li, .chapter-list .row", date: ".chapter-time"},
	{item: "#chapterlist li, .eplister li", date: ".chapterdate"},
}

// chaptersFromPatterns runs the structural chapter-list selectors.
func chaptersFromPatterns(s *goquery.Selection, base string) []models.Chapter {
	for _, p := range chapterPatterns {
		var out []models.Chapter
		seen := map[string]bool{}
		s.Find(p.item).Each(func(_ int, item *goquery.Selection) {
			a := item.Find("a[href]").First()
			href, _ := a.Attr("href")
			link := resolveURL(base, href)
			if link == "" || seen[link] {
				return
			}
			seen[link] = true

			title := cleanText(a.Find(".chapternum").Text())
			if title == "" {
				title = cleanText(a.Contents().Not(p.date).Text())
			}
			if title == "" || utf8.RuneCountInString(title) > maxChapterTitle {
				title = chapterTitleFromLink(link)
			}

			date := item.Find(p.date).First()
			released := cleanText(date.Text())
			if released == "" {
				released, _ = date.Find("[title]").Attr("title")
			}
			out = append(out, models.Chapter{Title: title, Link: link, Released: strings.TrimSpace(released)})
		})
		if len(out) > 0 {
			return out
		}
	}
	return nil
}

// chaptersFromAnchors scans every same-site anchor shaped like a chapter
// link. It is the last resort when no known layout matched.
func chaptersFromAnchors(s *goquery.Selection, base string) []models.Chapter {
	var out []models.Chapter
	seen := map[string]bool{}
	s.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		link := resolveURL(base, href)
		if link == "" || seen[link] || !sameHost(link, base) || !reChapterHref.MatchString(pathOf(link)) {
			return
		}
		seen[link] = true

		title := cleanText(a.Text())
		if title == "" || utf8.RuneCountInString(title) > maxChapterTitle {
			title = chapterTitleFromLink(link)
		}
		out = append(out, models.Chapter{Title: title, Link: link})
	})
	return out
}

// Reader container selectors, most specific first.
const (
	readerPrimary   = ".reading-content img, #readerarea img"
	readerAlternate = ".container-chapter-reader img, .chapter-content img"
	readerSection   = "section [data-src]"
)

// imagesFromDocument walks the reader tiers and stops at the first one that
// yields images. Navigation anchors win over links found in the script blob.
func imagesFromDocument(doc *goquery.Document, base string) (images []string, next, prev string) {
	for _, sel := range []string{readerPrimary, readerAlternate} {
		var urls []string
		doc.Find(sel).Each(func(_ int, img *goquery.Selection) {
			urls = append(urls, resolveURL(base, imageSrc(img)))
		})
		if images = dedupe(urls); len(images) > 0 {
			break
		}
	}

	if len(images) == 0 {
		var urls []string
		doc.Find(readerSection).Each(func(_ int, el *goquery.Selection) {
			v, _ := el.Attr("data-src")
			urls = append(urls, resolveURL(base, v))
		})
		images = dedupe(urls)
	}

	var scriptNext, scriptPrev string
	if len(images) == 0 {
		images, scriptNext, scriptPrev = imagesFromScripts(doc, base)
	}

	next = navLink(base, attrOf(doc.Find(`a.next_page, .nav-next a, a[rel="next"], a.navi-change-chapter-btn-next`), "href"))
	prev = navLink(base, attrOf(doc.Find(`a.prev_page, .nav-previous a, a[rel="prev"], a.navi-change-chapter-btn-prev`), "href"))
	if next == "" {
		next = scriptNext
	}
	if prev == "" {
		prev = scriptPrev
	}
	return images, next, prev
}

// imagesFromScripts looks for a reader configuration blob of the form
// {"sources":[{"images":[...]}], "nextUrl": "...", "prevUrl": "..."}.
func imagesFromScripts(doc *goquery.Document, base string) (images []string, next, prev string) {
	doc.Find("script").EachWithBreak(func(_ int, sc *goquery.Selection) bool {
		blob := jsonObjectAround(sc.Text(), `"sources"`)
		if blob == "" || !gjson.Valid(blob) {
			return true
		}
		cfg := gjson.Parse(blob)
		var urls []string
		cfg.Get("sources").ForEach(func(_, src gjson.Result) bool {
			for _, u := range stringsOf(src.Get("images")) {
				urls = append(urls, resolveURL(base, u))
			}
			return len(urls) == 0
		})
		images = dedupe(urls)
		if len(images) == 0 {
			return true
		}
		next = navLink(base, cfg.Get("nextUrl").String())
		prev = navLink(base, cfg.Get("prevUrl").String())
		return false
	})
	return images, next, prev
}

// jsonObjectAround returns the balanced {...} object that encloses the
// first occurrence of key in text.
func jsonObjectAround(text, key string) string {
	idx := strings.Index(text, key)
	if idx < 0 {
		return ""
	}
	for start := strings.LastIndex(text[:idx], "{"); start >= 0; start = strings.LastIndex(text[:start], "{") {
		if end := matchBrace(text, start); end > idx {
			return text[start : end+1]
		}
		if start == 0 {
			break
		}
	}
	return ""
}

// matchBrace returns the index of the brace closing the one at start,
// skipping braces inside JSON strings, or -1.
func matchBrace(text string, start int) int {
	depth := 0
	inString, escaped := false, false
	for i := start; i < len(text); i++ {
		c := text[i]
		switch {
		case escaped:
			escaped = false
		case inString && c == '\\':
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// stringsOf flattens a JSON array of strings or of {url|src|name} objects.
func stringsOf(r gjson.Result) []string {
	var out []string
	r.ForEach(func(_, v gjson.Result) bool {
		s := v.String()
		if v.IsObject() {
			for _, k := range []string{"url", "src", "name", "title"} {
				if f := v.Get(k); f.Exists() {
					s = f.String()
					break
				}
			}
		}
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
		return true
	})
	return out
}

func attrOf(s *goquery.Selection, attr string) string {
	v, _ := s.First().Attr(attr)
	return v
}

func pathOf(link string) string {
	if i := strings.Index(link, "://"); i >= 0 {
		rest := link[i+3:]
		if j := strings.Index(rest, "/"); j >= 0 {
			return rest[j:]
		}
		return "/"
	}
	return link
}

func dedupe(urls []string) []string {
	var out []string
	seen := map[string]bool{}
	for _, u := range urls {
		u = strings.TrimSpace(u)
		if u == "" || strings.HasPrefix(u, "data:") || seen[u] {
			continue
		}
		seen[u] = true
		out = append(out, u)
	}
	return out
}
