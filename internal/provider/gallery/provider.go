// Package gallery implements a ContentProvider that scrapes a gallery page for
// media links with gocolly and streams each media item to disk.
package gallery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/spf13/afero"

	"github.com/JakeFAU/media-fetcher/internal/fetch"
)

const (
	defaultTimeout       = 30 * time.Second
	defaultMediaSelector = "img[src], video[src], source[src], a[data-media]"
)

// Config controls provider behavior.
type Config struct {
	// BaseURL is joined with bare identifiers; absolute URLs are used as-is.
	BaseURL       string
	UserAgent     string
	Timeout       time.Duration
	MediaSelector string

	// RetryAttempts counts the first try; 1 disables retries.
	RetryAttempts  int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
}

// Provider resolves gallery pages and downloads media items.
type Provider struct {
	cfg           Config
	base          *url.URL
	fs            afero.Fs
	client        *http.Client
	baseCollector *colly.Collector
	retry         *RetryPolicy
}

type collectorHooks interface {
	OnHTML(string, colly.HTMLCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Provider that writes items through fsys.
func New(cfg Config, fsys afero.Fs) (*Provider, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("%w: provider base url is required", fetch.ErrConfiguration)
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/") + "/")
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("%w: invalid provider base url %q", fetch.ErrConfiguration, cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MediaSelector == "" {
		cfg.MediaSelector = defaultMediaSelector
	}
	if fsys == nil {
		fsys = afero.NewOsFs()
	}

	transport := newHTTPTransport()
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.WithTransport(transport)

	return &Provider{
		cfg:           cfg,
		base:          base,
		fs:            fsys,
		client:        &http.Client{Transport: transport},
		baseCollector: c,
		retry:         NewRetryPolicy(cfg.RetryAttempts, cfg.RetryBaseDelay, cfg.RetryMaxDelay),
	}, nil
}

// ResolveTarget visits the target's gallery page and lists its media items.
// A 404 maps to ErrTargetNotFound and a 401/403 to ErrAccessDenied. Transient
// failures are retried under the provider's retry policy.
func (p *Provider) ResolveTarget(ctx context.Context, identifier string) (fetch.TargetInfo, error) {
	pageURL, err := p.resolveURL(identifier)
	if err != nil {
		return fetch.TargetInfo{}, err
	}

	var scrape *scrapeState
	err = p.retry.do(ctx, func() error {
		scrape = newScrapeState()
		var visitErr error
		collector := p.baseCollector.Clone()
		if p.cfg.UserAgent != "" {
			collector.UserAgent = p.cfg.UserAgent
		}
		collector.SetRequestTimeout(p.cfg.Timeout)
		p.configureCollectorHooks(collector, scrape, &visitErr)
		return p.runCollector(ctx, collector, pageURL, &visitErr)
	})
	if err != nil {
		return fetch.TargetInfo{}, fmt.Errorf("resolve %s: %w", identifier, err)
	}

	items := scrape.items()
	return fetch.TargetInfo{
		Identifier: identifier,
		ItemCount:  len(items),
		Metadata:   scrape.metadata(),
		Items:      items,
	}, nil
}

func (p *Provider) configureCollectorHooks(hooks collectorHooks, scrape *scrapeState, visitErr *error) {
	hooks.OnHTML("title", func(e *colly.HTMLElement) {
		scrape.setMeta("title", strings.TrimSpace(e.Text))
	})
	hooks.OnHTML(`meta[property^="og:"]`, func(e *colly.HTMLElement) {
		scrape.setMeta(e.Attr("property"), e.Attr("content"))
	})
	hooks.OnHTML(p.cfg.MediaSelector, func(e *colly.HTMLElement) {
		link := firstNonEmpty(e.Attr("data-media"), e.Attr("data-src"), e.Attr("src"), e.Attr("href"))
		if link == "" {
			return
		}
		scrape.addItem(e.Request.AbsoluteURL(link))
	})
	hooks.OnError(func(r *colly.Response, err error) {
		*visitErr = classifyStatus(r, err)
	})
}

func (p *Provider) runCollector(ctx context.Context, collector *colly.Collector, target string, visitErr *error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("gallery visit canceled: %w", err)
	}
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(target)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("gallery visit canceled: %w", ctx.Err())
	case err := <-done:
		if *visitErr != nil {
			return *visitErr
		}
		if err != nil {
			return fmt.Errorf("gallery visit failed: %w", err)
		}
		return nil
	}
}

func classifyStatus(r *colly.Response, err error) error {
	if r == nil {
		return fmt.Errorf("%w: %v", fetch.ErrTransientFetch, err)
	}
	switch {
	case r.StatusCode == http.StatusNotFound, r.StatusCode == http.StatusGone:
		return fetch.ErrTargetNotFound
	case r.StatusCode == http.StatusUnauthorized, r.StatusCode == http.StatusForbidden:
		return fetch.ErrAccessDenied
	case r.StatusCode == 0, transientStatus(r.StatusCode):
		return fmt.Errorf("%w: status %d: %v", fetch.ErrTransientFetch, r.StatusCode, err)
	default:
		return fmt.Errorf("status %d: %w", r.StatusCode, err)
	}
}

// transientStatus reports statuses worth retrying.
func transientStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout, http.StatusTooEarly, http.StatusTooManyRequests:
		return true
	}
	return code >= http.StatusInternalServerError
}

// resolveURL turns an identifier into an absolute URL under the base.
func (p *Provider) resolveURL(identifier string) (string, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "", errors.New("empty identifier")
	}
	if u, err := url.Parse(identifier); err == nil && u.Scheme != "" && u.Host != "" {
		return u.String(), nil
	}
	ref, err := url.Parse(url.PathEscape(strings.Trim(identifier, "/")))
	if err != nil {
		return "", fmt.Errorf("invalid identifier %q: %w", identifier, err)
	}
	return p.base.ResolveReference(ref).String(), nil
}

// scrapeState accumulates collector callbacks for one visit.
type scrapeState struct {
	mu    sync.Mutex
	meta  map[string]string
	seen  map[string]struct{}
	links []string
}

func newScrapeState() *scrapeState {
	return &scrapeState{
		meta: make(map[string]string),
		seen: make(map[string]struct{}),
	}
}

func (s *scrapeState) setMeta(key, value string) {
	if key == "" || value == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.meta[key]; !exists {
		s.meta[key] = value
	}
}

func (s *scrapeState) addItem(link string) {
	if link == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.seen[link]; dup {
		return
	}
	s.seen[link] = struct{}{}
	s.links = append(s.links, link)
}

func (s *scrapeState) metadata() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.meta))
	for k, v := range s.meta {
		out[k] = v
	}
	return out
}

func (s *scrapeState) items() []fetch.ItemRef {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := make([]fetch.ItemRef, 0, len(s.links))
	names := make(map[string]int, len(s.links))
	for i, link := range s.links {
		name := itemName(link, i)
		if n := names[name]; n > 0 {
			ext := path.Ext(name)
			name = fmt.Sprintf("%s_%d%s", strings.TrimSuffix(name, ext), n, ext)
		}
		names[itemName(link, i)]++
		items = append(items, fetch.ItemRef{
			ID:   fmt.Sprintf("%03d", i+1),
			Name: name,
			URL:  link,
		})
	}
	return items
}

func itemName(link string, idx int) string {
	if u, err := url.Parse(link); err == nil {
		if base := path.Base(u.Path); base != "" && base != "/" && base != "." {
			return base
		}
	}
	return fmt.Sprintf("item_%03d", idx+1)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
