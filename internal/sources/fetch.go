package sources

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	cloudflarebp "github.com/DaRealFreak/cloudflare-bp-go"
	"github.com/PuerkitoBio/goquery"
)

const maxBodyBytes = 8 << 20

// NewHTTPClient returns the client shared by the HTTP based variants.
// Deadlines come from per-request contexts, not from the client.
func NewHTTPClient(cfBypass bool) *http.Client {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.MaxIdleConnsPerHost = 16

	var rt http.RoundTripper = tr
	if cfBypass {
		rt = cloudflarebp.AddCloudFlareByPass(rt)
	}
	return &http.Client{Transport: rt}
}

// fetcher performs one bounded request per call and classifies every
// failure into an *Error.
type fetcher struct {
	source    string
	client    *http.Client
	timeout   time.Duration
	userAgent string
	referer   string
}

func (f *fetcher) get(ctx context.Context, target string) ([]byte, error) {
	return f.do(ctx, http.MethodGet, target, nil, nil)
}

func (f *fetcher) post(ctx context.Context, target string, form string) ([]byte, error) {
	hdr := http.Header{}
	hdr.Set("Content-Type", "application/x-www-form-urlencoded")
	hdr.Set("X-Requested-With", "XMLHttpRequest")
	return f.do(ctx, http.MethodPost, target, strings.NewReader(form), hdr)
}

func (f *fetcher) document(ctx context.Context, target string) (*goquery.Document, error) {
	body, err := f.get(ctx, target)
	if err != nil {
		return nil, err
	}
	return f.parse(target, body)
}

func (f *fetcher) parse(target string, body []byte) (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, decodeErr(f.source, target, err)
	}
	return doc, nil
}

func (f *fetcher) do(ctx context.Context, method, target string, body io.Reader, hdr http.Header) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, &Error{Kind: KindTransport, Source: f.source, URL: target, Err: fmt.Errorf("build request: %w", err)}
	}
	for k, vs := range hdr {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}
	if f.referer != "" {
		req.Header.Set("Referer", f.referer)
	}
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "text/html,application/xhtml+xml,application/json;q=0.9,*/*;q=0.8")
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &Error{Kind: KindTransport, Source: f.source, URL: target, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, &Error{Kind: KindTransport, Source: f.source, URL: target, Err: fmt.Errorf("read body: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &Error{Kind: KindBlocked, Source: f.source, URL: target, Status: resp.StatusCode}
	}
	if isChallenge(resp.Header, data) {
		return nil, &Error{Kind: KindBlocked, Source: f.source, URL: target, Status: resp.StatusCode,
			Err: fmt.Errorf("bot challenge page")}
	}
	return data, nil
}

// isChallenge detects Cloudflare interstitials that are served with 200.
func isChallenge(h http.Header, body []byte) bool {
	hasRay := h.Get("Cf-Ray") != ""
	if hasRay && strings.EqualFold(h.Get("Cf-Mitigated"), "challenge") {
		return true
	}
	if !hasRay && !strings.Contains(strings.ToLower(h.Get("Server")), "cloudflare") {
		return false
	}

	head := body
	if len(head) > 4096 {
		head = head[:4096]
	}
	text := strings.ToLower(string(head))
	return strings.Contains(text, "just a moment") ||
		strings.Contains(text, "checking your browser") ||
		strings.Contains(text, "ddos protection by cloudflare")
}
