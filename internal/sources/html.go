package sources

import (
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"

	"mangaverse/pkg/models"
)

// maxChapterTitle is the longest anchor text still accepted as a chapter
// label; anything longer is prose picked up by the fallback scan.
const maxChapterTitle = 80

var (
	reSpaces      = regexp.MustCompile(`\s+`)
	reNumber      = regexp.MustCompile(`\d+(?:\.\d+)?`)
	reChapterHref = regexp.MustCompile(`(?i)(?:^|[-_/])(?:chapter|ch)[-_/]?\d+`)
	reChapterNum  = regexp.MustCompile(`(?i)(?:chapter|ch)[-_/]?(\d+(?:[.-]\d+)?)`)
)

func cleanText(s string) string {
	return strings.TrimSpace(reSpaces.ReplaceAllString(s, " "))
}

// resolveURL makes href absolute against base.
func resolveURL(base, href string) string {
	href = strings.TrimSpace(href)
	if href == "" {
		return ""
	}
	u, err := url.Parse(href)
	if err != nil {
		return href
	}
	if u.IsAbs() {
		return u.String()
	}
	b, err := url.Parse(base)
	if err != nil {
		return href
	}
	return b.ResolveReference(u).String()
}

// navLink normalizes a next/prev href; placeholders become "".
func navLink(base, href string) string {
	href = strings.TrimSpace(href)
	lower := strings.ToLower(href)
	if href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(lower, "javascript:") {
		return ""
	}
	return resolveURL(base, href)
}

func sameHost(a, b string) bool {
	ua, err1 := url.Parse(a)
	ub, err2 := url.Parse(b)
	if err1 != nil || err2 != nil {
		return false
	}
	return strings.EqualFold(strings.TrimPrefix(ua.Hostname(), "www."), strings.TrimPrefix(ub.Hostname(), "www."))
}

// imageSrc picks the real image URL from lazy-loading attributes first.
func imageSrc(sel *goquery.Selection) string {
	for _, attr := range []string{"data-src", "data-lazy-src", "data-original", "src"} {
		if v, ok := sel.Attr(attr); ok {
			v = strings.TrimSpace(v)
			if v != "" && !strings.HasPrefix(v, "data:") {
				return v
			}
		}
	}
	if ss, ok := sel.Attr("srcset"); ok {
		if fields := strings.Fields(strings.TrimSpace(ss)); len(fields) > 0 {
			return fields[0]
		}
	}
	return ""
}

// firstText returns the first non-empty cleaned text among the matches.
func firstText(s *goquery.Selection, selector string) string {
	var out string
	s.Find(selector).EachWithBreak(func(_ int, el *goquery.Selection) bool {
		out = cleanText(el.Text())
		return out == ""
	})
	return out
}

func firstImage(s *goquery.Selection, selector string) string {
	var out string
	s.Find(selector).EachWithBreak(func(_ int, el *goquery.Selection) bool {
		out = imageSrc(el)
		return out == ""
	})
	return out
}

func uniqueTexts(s *goquery.Selection, selector string) []string {
	var out []string
	seen := map[string]bool{}
	s.Find(selector).Each(func(_ int, el *goquery.Selection) {
		t := cleanText(el.Text())
		k := strings.ToLower(t)
		if t == "" || seen[k] {
			return
		}
		seen[k] = true
		out = append(out, t)
	})
	return out
}

// labeledValue finds a "Label: value" row such as "Status Ongoing".
func labeledValue(s *goquery.Selection, label string) string {
	var out string
	s.Find(".post-content_item, .imptdt, .tsinfo div, tr, li").EachWithBreak(func(_ int, el *goquery.Selection) bool {
		t := cleanText(el.Text())
		if !strings.HasPrefix(strings.ToLower(t), label) {
			return true
		}
		v := strings.TrimSpace(t[len(label):])
		v = strings.TrimSpace(strings.TrimLeft(v, ":"))
		if v == "" || utf8.RuneCountInString(v) > 40 {
			return true
		}
		out = v
		return false
	})
	return out
}

func parseRating(s string) float64 {
	m := reNumber.FindString(s)
	if m == "" {
		return 0
	}
	f, err := strconv.ParseFloat(m, 64)
	if err != nil {
		return 0
	}
	return f
}

// chapterTitleFromLink builds "Chapter 12.5" out of ".../chapter-12-5/".
func chapterTitleFromLink(link string) string {
	path := link
	if u, err := url.Parse(link); err == nil {
		path = u.Path
	}
	if m := reChapterNum.FindStringSubmatch(path); m != nil {
		return "Chapter " + strings.ReplaceAll(m[1], "-", ".")
	}
	seg := strings.Trim(path, "/")
	if i := strings.LastIndex(seg, "/"); i >= 0 {
		seg = seg[i+1:]
	}
	return strings.TrimSpace(strings.ReplaceAll(seg, "-", " "))
}

// titleFromSlug turns "solo-leveling" into "Solo Leveling".
func titleFromSlug(slug string) string {
	words := strings.FieldsFunc(slug, func(r rune) bool { return r == '-' || r == '_' })
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

// summaryFromDetail keeps the listing-level fields of d.
func summaryFromDetail(d *models.Detail) models.Summary {
	s := models.Summary{Title: d.Title, Image: d.Image, Source: d.Source, Link: d.Link}
	if len(d.Chapters) > 0 {
		s.Chapter = d.Chapters[0].Title
	}
	if len(d.Chapters) > 1 {
		s.PreviousChapter = d.Chapters[1].Title
	}
	return s
}
