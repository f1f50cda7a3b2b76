// Package imageproxy relays upstream images with the headers each source
// demands. Every failure, including saturation, is answered with a tiny
// placeholder image because the consumer is an <img> element.
package imageproxy

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"mangaverse/internal/metrics"
	"mangaverse/internal/refcodec"
	"mangaverse/internal/sources"
)

const maxImageBytes = 20 << 20

const (
	successCacheControl     = "public, max-age=31536000, immutable"
	placeholderCacheControl = "public, max-age=60"
)

// placeholderGIF is a transparent 1x1 GIF.
var placeholderGIF = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00, 0x80, 0x00, 0x00, 0x00, 0x00, 0x00,
	0xff, 0xff, 0xff, 0x21, 0xf9, 0x04, 0x01, 0x00, 0x00, 0x00, 0x00, 0x2c, 0x00, 0x00, 0x00, 0x00,
	0x01, 0x00, 0x01, 0x00, 0x00, 0x02, 0x02, 0x44, 0x01, 0x00, 0x3b,
}

type Config struct {
	MaxInFlight int32
	Timeout     time.Duration
	UserAgent   string
	Client      *http.Client
	Logger      *zap.Logger
	Metrics     *metrics.Metrics
}

type Proxy struct {
	client    *http.Client
	max       int32
	timeout   time.Duration
	userAgent string
	log       *zap.Logger
	metrics   *metrics.Metrics

	bySource map[string]string
	byHost   map[string]string

	inFlight atomic.Int32
}

// New builds a proxy whose referer table comes from the source configs.
func New(cfgs []sources.Config, cfg Config) *Proxy {
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 30
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	p := &Proxy{
		client:    cfg.Client,
		max:       cfg.MaxInFlight,
		timeout:   cfg.Timeout,
		userAgent: cfg.UserAgent,
		log:       cfg.Logger,
		metrics:   cfg.Metrics,
		bySource:  map[string]string{},
		byHost:    map[string]string{},
	}
	for _, sc := range cfgs {
		referer := sc.RefererOrBase()
		p.bySource[sc.ID] = referer
		if u, err := url.Parse(sc.BaseURL); err == nil && u.Hostname() != "" {
			p.byHost[hostKey(u.Hostname())] = referer
		}
		for _, h := range sc.ImageHosts {
			p.byHost[hostKey(h)] = referer
		}
	}
	return p
}

// InFlight reports the number of upstream fetches currently running.
func (p *Proxy) InFlight() int32 { return p.inFlight.Load() }

// Referer picks the Referer for target: an explicit source hint wins, then
// the longest matching host suffix.
func (p *Proxy) Referer(target *url.URL, sourceHint string) string {
	if r, ok := p.bySource[sourceHint]; ok {
		return r
	}
	host := hostKey(target.Hostname())
	for {
		if r, ok := p.byHost[host]; ok {
			return r
		}
		i := strings.IndexByte(host, '.')
		if i < 0 {
			return ""
		}
		host = host[i+1:]
	}
}

func (p *Proxy) acquire() bool {
	n := p.inFlight.Add(1)
	if n > p.max {
		p.inFlight.Add(-1)
		return false
	}
	p.metrics.SetProxyInFlight(n)
	return true
}

func (p *Proxy) release() {
	p.metrics.SetProxyInFlight(p.inFlight.Add(-1))
}

// Handle serves GET /image?url=<raw>|ref=<token>[&source=<id>].
func (p *Proxy) Handle(c *gin.Context) {
	target, hint, err := p.target(c)
	if err != nil {
		p.log.Debug("image proxy rejected input", zap.Error(err))
		p.placeholder(c, metrics.OutcomePlaceholder)
		return
	}

	if !p.acquire() {
		p.placeholder(c, metrics.OutcomeSaturated)
		return
	}
	defer p.release()

	if err := p.relay(c, target, hint); err != nil {
		p.log.Debug("image relay failed", zap.String("url", target.String()), zap.Error(err))
		p.placeholder(c, metrics.OutcomePlaceholder)
		return
	}
	p.metrics.ProxyResponse(metrics.OutcomeOK)
}

func (p *Proxy) target(c *gin.Context) (*url.URL, string, error) {
	raw, hint := c.Query("url"), c.Query("source")
	if token := c.Query("ref"); token != "" {
		ref, err := refcodec.Decode(token)
		if err != nil {
			return nil, "", err
		}
		raw = ref.Link
		if hint == "" {
			hint = ref.Source
		}
	}
	if raw == "" {
		return nil, "", fmt.Errorf("no image url")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, "", fmt.Errorf("parse image url: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, "", fmt.Errorf("unsupported image url %q", raw)
	}
	return u, hint, nil
}

// relay writes the upstream image to c. Nothing is written on error, so the
// caller can still answer with the placeholder.
func (p *Proxy) relay(c *gin.Context, target *url.URL, hint string) error {
	ctx, cancel := context.WithTimeout(c.Request.Context(), p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if ref := p.Referer(target, hint); ref != "" {
		req.Header.Set("Referer", ref)
	}
	if p.userAgent != "" {
		req.Header.Set("User-Agent", p.userAgent)
	}
	req.Header.Set("Accept", "image/avif,image/webp,image/*,*/*;q=0.8")

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("upstream status %d", resp.StatusCode)
	}

	// One byte over the limit tells a truncated body from an exact fit.
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes+1))
	if err != nil {
		return fmt.Errorf("read image: %w", err)
	}
	if len(body) > maxImageBytes {
		return fmt.Errorf("image exceeds %d bytes", maxImageBytes)
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = http.DetectContentType(body)
	}
	c.Header("Cache-Control", successCacheControl)
	c.Data(http.StatusOK, contentType, body)
	return nil
}

func (p *Proxy) placeholder(c *gin.Context, outcome string) {
	p.metrics.ProxyResponse(outcome)
	c.Header("Cache-Control", placeholderCacheControl)
	c.Data(http.StatusOK, "image/gif", placeholderGIF)
}

func hostKey(h string) string {
	return strings.TrimPrefix(strings.ToLower(h), "www.")
}
