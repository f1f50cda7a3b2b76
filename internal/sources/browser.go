package sources

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"mangaverse/pkg/models"
)

// Step budgets. Each step has its own deadline inside browserTimeout, so a
// stalled page fails while the browser is still alive to be snapshotted.
const (
	browserTimeout       = 45 * time.Second
	browserNavTimeout    = 20 * time.Second
	browserScrollTimeout = 8 * time.Second
	browserWaitTimeout   = 15 * time.Second
	snapshotTimeout      = 5 * time.Second
	maxScrollSteps       = 12
)

// stealthJS runs before any page script.
const stealthJS = `Object.defineProperty(navigator, 'webdriver', {get: () => undefined});
window.chrome = window.chrome || {runtime: {}};
Object.defineProperty(navigator, 'languages', {get: () => ['en-US', 'en']});
Object.defineProperty(navigator, 'plugins', {get: () => [1, 2, 3, 4, 5]});`

const extractListJS = `(() => {
  const abs = (h) => { try { return new URL(h, location.href).href } catch (e) { return '' } };
  const out = [];
  const seen = new Set();
  document.querySelectorAll(%q).forEach((card) => {
    const a = card.querySelector('a[href]');
    if (!a) return;
    const link = abs(a.getAttribute('href'));
    if (!link || seen.has(link)) return;
    seen.add(link);
    const img = card.querySelector('img');
    const title = (card.querySelector('h3, h2, .title, [class*=title]') || a).textContent.trim()
      || (img && img.alt) || a.title || '';
    const chapters = Array.from(card.querySelectorAll('a[href*="chapter"]')).map((c) => c.textContent.trim()).filter(Boolean);
    out.push({title, link, image: img ? abs(img.getAttribute('data-src') || img.getAttribute('src') || '') : '', chapters});
  });
  return out;
})()`

const extractDetailJS = `(() => {
  const abs = (h) => { try { return new URL(h, location.href).href } catch (e) { return '' } };
  const text = (sel) => { const el = document.querySelector(sel); return el ? el.textContent.trim() : '' };
  const img = document.querySelector('img[alt][src*="cover"], .thumb img, main img');
  const chapters = [];
  const seen = new Set();
  document.querySelectorAll('a[href*="chapter"]').forEach((a) => {
    const link = abs(a.getAttribute('href'));
    if (!link || seen.has(link) || new URL(link).host !== location.host) return;
    seen.add(link);
    const date = a.querySelector('time, [class*=date]');
    const label = (a.querySelector('[class*=title], span') || a).textContent.trim();
    chapters.push({title: label, link, released: date ? date.textContent.trim() : ''});
  });
  return {
    title: text('h1'),
    image: img ? abs(img.getAttribute('src')) : '',
    synopsis: text('[class*=summary], [class*=description], [itemprop=description]'),
    genres: Array.from(document.querySelectorAll('a[href*="genre"]')).map((g) => g.textContent.trim()).filter(Boolean),
    author: text('a[href*="author"]'),
    status: text('[class*=status]'),
    rating: text('[class*=rating]'),
    chapters,
  };
})()`

const extractImagesJS = `(() => {
  const abs = (h) => { try { return new URL(h, location.href).href } catch (e) { return '' } };
  const images = Array.from(document.querySelectorAll(%q))
    .map((i) => abs(i.getAttribute('data-src') || i.getAttribute('src') || ''))
    .filter((u) => u && !u.startsWith('data:'));
  const nav = (sel) => { const a = document.querySelector(sel); const h = a ? a.getAttribute('href') : ''; return h && !h.startsWith('#') ? abs(h) : '' };
  return {images, next: nav('a[rel=next], a[class*=next]'), prev: nav('a[rel=prev], a[class*=prev]')};
})()`

type browserCard struct {
	Title    string   `json:"title"`
	Link     string   `json:"link"`
	Image    string   `json:"image"`
	Chapters []string `json:"chapters"`
}

type browserDetail struct {
	Title    string           `json:"title"`
	Image    string           `json:"image"`
	Synopsis string           `json:"synopsis"`
	Genres   []string         `json:"genres"`
	Author   string           `json:"author"`
	Status   string           `json:"status"`
	Rating   string           `json:"rating"`
	Chapters []models.Chapter `json:"chapters"`
}

// BrowserSource drives a stealth-configured headless Chrome for sites that
// only render behind scripts. Every call owns one browser process, which is
// torn down before the call returns.
type BrowserSource struct {
	cfg           Config
	userAgent     string
	timeout       time.Duration
	navTimeout    time.Duration
	scrollTimeout time.Duration
	waitTimeout   time.Duration
	snapshotDir   string
	log           *zap.Logger
}

func NewBrowserSource(cfg Config, opts Options) *BrowserSource {
	if cfg.PopularPath == "" {
		cfg.PopularPath = "/series?page=%d&order=popular"
	}
	if cfg.SeriesPrefix == "" {
		cfg.SeriesPrefix = "/series/"
	}
	if cfg.Container == "" {
		cfg.Container = ".grid > a, .series-card, .bsx"
	}
	return &BrowserSource{
		cfg:           cfg,
		userAgent:     opts.UserAgent,
		timeout:       browserTimeout,
		navTimeout:    browserNavTimeout,
		scrollTimeout: browserScrollTimeout,
		waitTimeout:   browserWaitTimeout,
		snapshotDir:   opts.SnapshotDir,
		log:           opts.Logger.With(zap.String("source", cfg.ID)),
	}
}

func (s *BrowserSource) ID() string { return s.cfg.ID }

func (s *BrowserSource) GuessDetailLink(slug string) string {
	return s.cfg.BaseURL + s.cfg.SeriesPrefix + slug
}

func (s *BrowserSource) ListPopular(ctx context.Context, page int) ([]models.Summary, error) {
	if page < 1 {
		page = 1
	}
	return s.cards(ctx, "list-popular", s.cfg.BaseURL+pageTemplate(s.cfg.PopularPath, page))
}

func (s *BrowserSource) Search(ctx context.Context, query string) ([]models.Summary, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	return s.cards(ctx, "search", s.cfg.BaseURL+"/series?name="+url.QueryEscape(query))
}

func (s *BrowserSource) cards(ctx context.Context, op, target string) ([]models.Summary, error) {
	var cards []browserCard
	if err := s.run(ctx, op, target, s.cfg.Container, fmt.Sprintf(extractListJS, s.cfg.Container), &cards); err != nil {
		return nil, err
	}
	out := make([]models.Summary, 0, len(cards))
	for _, c := range cards {
		if c.Title == "" || c.Link == "" {
			continue
		}
		sum := models.Summary{Title: cleanText(c.Title), Link: c.Link, Image: c.Image, Source: s.cfg.ID}
		if len(c.Chapters) > 0 {
			sum.Chapter = cleanText(c.Chapters[0])
		}
		if len(c.Chapters) > 1 {
			sum.PreviousChapter = cleanText(c.Chapters[1])
		}
		out = append(out, sum)
	}
	return out, nil
}

func (s *BrowserSource) FetchDetail(ctx context.Context, link string) (*models.Detail, error) {
	var raw browserDetail
	if err := s.run(ctx, "fetch-detail", link, "h1", extractDetailJS, &raw); err != nil {
		return nil, err
	}
	if raw.Title == "" {
		return nil, structural(s.cfg.ID, link, "no title rendered")
	}
	d := &models.Detail{
		Title:    cleanText(raw.Title),
		Image:    raw.Image,
		Synopsis: cleanText(raw.Synopsis),
		Genres:   raw.Genres,
		Author:   cleanText(raw.Author),
		Status:   cleanText(strings.TrimPrefix(cleanText(raw.Status), "Status")),
		Rating:   parseRating(raw.Rating),
		Link:     link,
		Source:   s.cfg.ID,
	}
	if d.Genres == nil {
		d.Genres = []string{}
	}
	for _, ch := range raw.Chapters {
		ch.Title = cleanText(ch.Title)
		if ch.Title == "" || len([]rune(ch.Title)) > maxChapterTitle {
			ch.Title = chapterTitleFromLink(ch.Link)
		}
		d.Chapters = append(d.Chapters, ch)
	}
	return d, nil
}

func (s *BrowserSource) FetchChapterImages(ctx context.Context, link string) (*models.ChapterData, error) {
	const readerImages = "img[alt*='chapter' i], .reading-content img, [class*=reader] img"
	var data models.ChapterData
	if err := s.run(ctx, "fetch-chapter-images", link, readerImages, fmt.Sprintf(extractImagesJS, readerImages), &data); err != nil {
		return nil, err
	}
	data.Images = dedupe(data.Images)
	if len(data.Images) == 0 {
		return nil, structural(s.cfg.ID, link, "no reader images rendered")
	}
	return &data, nil
}

// run launches a browser, navigates to target, simulates a reader, waits for
// waitSel and evaluates extractJS into out. On failure a screenshot and the
// page HTML are kept in the snapshot directory.
func (s *BrowserSource) run(ctx context.Context, op, target, waitSel, extractJS string, out any) error {
	// The extraction gets s.timeout; the rest is left for the failure snapshot.
	ctx, cancel := context.WithTimeout(ctx, s.timeout+snapshotTimeout)
	defer cancel()

	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("lang", "en-US"),
		chromedp.WindowSize(1366, 900),
	)
	if s.userAgent != "" {
		allocOpts = append(allocOpts, chromedp.UserAgent(s.userAgent))
	}
	if s.cfg.ExecPath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(s.cfg.ExecPath))
	}
	if os.Geteuid() == 0 {
		// Chrome refuses to start sandboxed as root, the usual container case.
		allocOpts = append(allocOpts, chromedp.NoSandbox)
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, allocOpts...)
	defer cancelAlloc()
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)
	defer cancelBrowser()

	// Start the browser on browserCtx itself: cancelling the context of the
	// first Run closes the browser.
	if err := chromedp.Run(browserCtx); err != nil {
		s.log.Warn("browser start failed", zap.String("op", op), zap.Error(err))
		return &Error{Kind: KindTransport, Source: s.cfg.ID, URL: target, Err: err}
	}

	err := chromedp.Run(browserCtx, bounded("extract", s.timeout, chromedp.Tasks{
		chromedp.ActionFunc(func(ctx context.Context) error {
			_, err := page.AddScriptToEvaluateOnNewDocument(stealthJS).Do(ctx)
			return err
		}),
		bounded("navigate", s.navTimeout, chromedp.Navigate(target)),
		scrollBounded(s.scrollTimeout),
		waitBounded(waitSel, s.waitTimeout),
		chromedp.Evaluate(extractJS, out),
	}))
	if err == nil {
		return nil
	}

	kind := KindTransport
	if strings.Contains(err.Error(), "wait for") {
		kind = KindStructural
	}
	s.log.Warn("browser extraction failed", zap.String("op", op), zap.String("url", target), zap.Error(err))
	s.snapshot(browserCtx, op)
	return &Error{Kind: kind, Source: s.cfg.ID, URL: target, Err: err}
}

// bounded runs action under its own deadline d.
func bounded(name string, d time.Duration, action chromedp.Action) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		bctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()
		if err := action.Do(bctx); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		return nil
	})
}

// humanize moves the cursor and scrolls in small steps so lazy content
// loads. The scroll loop stops at the page bottom or after maxScrollSteps.
func humanize() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		x, y := 200.0, 150.0
		for i := 0; i < 4; i++ {
			x += 60 + rand.Float64()*120
			y += 40 + rand.Float64()*90
			if err := chromedp.MouseEvent(input.MouseMoved, x, y).Do(ctx); err != nil {
				return err
			}
		}
		for i := 0; i < maxScrollSteps; i++ {
			var atBottom bool
			if err := chromedp.Evaluate(`window.scrollBy(0, 500 + Math.random() * 300);
				window.innerHeight + window.scrollY >= document.body.scrollHeight - 2`, &atBottom).Do(ctx); err != nil {
				return err
			}
			if atBottom {
				return nil
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(150+rand.IntN(250)) * time.Millisecond):
			}
		}
		return nil
	})
}

// scrollBounded runs humanize for at most d. Running out of scroll time is
// not a failure; the wait step decides whether the content arrived.
func scrollBounded(d time.Duration) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		sctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()
		err := humanize().Do(sctx)
		if err != nil && sctx.Err() != nil && ctx.Err() == nil {
			return nil
		}
		if err != nil {
			return fmt.Errorf("scroll: %w", err)
		}
		return nil
	})
}

func waitBounded(sel string, d time.Duration) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		wctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()
		if err := chromedp.WaitReady(sel, chromedp.ByQuery).Do(wctx); err != nil {
			return fmt.Errorf("wait for %q: %w", sel, err)
		}
		return nil
	})
}

// snapshot captures what the browser saw for offline inspection. It is
// best-effort: a browser that never started has nothing to capture.
func (s *BrowserSource) snapshot(browserCtx context.Context, op string) {
	if s.snapshotDir == "" {
		return
	}
	ctx, cancel := context.WithTimeout(browserCtx, snapshotTimeout)
	defer cancel()

	var png []byte
	var html string
	// A page still loading has no queryable root yet, so stop it and read the
	// markup through the runtime.
	if err := chromedp.Run(ctx,
		chromedp.ActionFunc(func(ctx context.Context) error {
			_ = page.StopLoading().Do(ctx)
			return nil
		}),
		chromedp.CaptureScreenshot(&png),
		chromedp.Evaluate(`document.documentElement ? document.documentElement.outerHTML : ""`, &html),
	); err != nil {
		s.log.Debug("snapshot capture failed", zap.String("op", op), zap.Error(err))
		return
	}
	base, err := writeSnapshot(s.snapshotDir, s.cfg.ID, op, png, html)
	if err != nil {
		s.log.Warn("snapshot write failed", zap.Error(err))
		return
	}
	s.log.Info("snapshot saved", zap.String("op", op), zap.String("path", base))
}

// writeSnapshot stores <dir>/<source>-<op>-<uuid>.{png,html} and returns the
// common path prefix.
func writeSnapshot(dir, source, op string, png []byte, html string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create snapshot dir: %w", err)
	}
	base := filepath.Join(dir, fmt.Sprintf("%s-%s-%s", source, op, uuid.NewString()))
	if len(png) > 0 {
		if err := os.WriteFile(base+".png", png, 0o644); err != nil {
			return "", fmt.Errorf("write screenshot: %w", err)
		}
	}
	if err := os.WriteFile(base+".html", []byte(html), 0o644); err != nil {
		return "", fmt.Errorf("write html: %w", err)
	}
	return base, nil
}
