// Package sources integrates external comic sites behind one Source
// interface. Each variant owns its extraction strategy; callers never see
// upstream HTML or JSON shapes.
package sources

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"mangaverse/pkg/models"
)

// Source is implemented by every external site integration.
//
// Ordinary absence is (nil, nil). Any returned error is an *Error and
// carries no data; callers log it and treat it as absence.
type Source interface {
	ID() string
	ListPopular(ctx context.Context, page int) ([]models.Summary, error)
	FetchDetail(ctx context.Context, link string) (*models.Detail, error)
	FetchChapterImages(ctx context.Context, link string) (*models.ChapterData, error)
	Search(ctx context.Context, query string) ([]models.Summary, error)
}

// GenreLister is the optional genre browsing capability.
type GenreLister interface {
	ListGenres(ctx context.Context) ([]string, error)
	ListByGenre(ctx context.Context, genre string, page int) ([]models.Summary, error)
}

// LinkGuesser builds a canonical detail link out of a bare slug, used for
// first-touch imports.
type LinkGuesser interface {
	GuessDetailLink(slug string) string
}

// Variant names accepted in Config.Kind.
const (
	KindStaticHTML = "static"
	KindEmbedded   = "embedded"
	KindBuildAPI   = "buildapi"
	KindBrowser    = "browser"
)

// Config describes one registered source.
type Config struct {
	ID       string `yaml:"id"`
	Kind     string `yaml:"kind"`
	BaseURL  string `yaml:"base_url"`
	Referer  string `yaml:"referer"`
	CFBypass bool   `yaml:"cf_bypass"`

	// ImageHosts lists CDN hosts whose images need this source's referer.
	ImageHosts []string `yaml:"image_hosts"`

	// PopularPath is appended to BaseURL; %d is replaced by the page.
	PopularPath string `yaml:"popular_path"`
	// SeriesPrefix is the path segment in front of series slugs.
	SeriesPrefix string `yaml:"series_prefix"`

	// Browser variant only.
	ExecPath  string `yaml:"exec_path"`
	Container string `yaml:"container"`
}

// RefererOrBase returns the Referer upstream expects for this source.
func (c Config) RefererOrBase() string {
	if c.Referer != "" {
		return c.Referer
	}
	return strings.TrimRight(c.BaseURL, "/") + "/"
}

// Options carries the process-wide settings every variant needs.
type Options struct {
	Client      *http.Client
	Timeout     time.Duration
	UserAgent   string
	SnapshotDir string
	Logger      *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = 12 * time.Second
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// New builds the variant named by cfg.Kind.
func New(cfg Config, opts Options) (Source, error) {
	if cfg.ID == "" || cfg.BaseURL == "" {
		return nil, fmt.Errorf("source config needs id and base_url (got %q, %q)", cfg.ID, cfg.BaseURL)
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	opts = opts.withDefaults()
	if opts.Client == nil {
		opts.Client = NewHTTPClient(cfg.CFBypass)
	} else if cfg.CFBypass {
		opts.Client = NewHTTPClient(true)
	}

	switch cfg.Kind {
	case KindStaticHTML:
		return NewStaticSource(cfg, opts), nil
	case KindEmbedded:
		return NewEmbeddedSource(cfg, opts), nil
	case KindBuildAPI:
		return NewBuildAPISource(cfg, opts), nil
	case KindBrowser:
		return NewBrowserSource(cfg, opts), nil
	default:
		return nil, fmt.Errorf("source %s: unknown kind %q", cfg.ID, cfg.Kind)
	}
}

func newFetcher(cfg Config, opts Options) *fetcher {
	return &fetcher{
		source:    cfg.ID,
		client:    opts.Client,
		timeout:   opts.Timeout,
		userAgent: opts.UserAgent,
		referer:   cfg.RefererOrBase(),
	}
}
