// Package fetch downloads single web pages for website sources.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/bull/ragdesk/internal/apperr"
	"github.com/bull/ragdesk/internal/github"
)

const (
	DefaultMaxBytes = 5 << 20
	DefaultTimeout  = 30 * time.Second
	userAgent       = "ragdesk-fetcher/1.0"
)

var (
	ErrUnsupportedScheme = errors.New("unsupported url scheme")
	ErrPageTooLarge      = errors.New("page exceeds size limit")
	ErrBadStatus         = errors.New("unexpected http status")
)

// Page is a fetched document.
type Page struct {
	URL         string
	ContentType string
	Body        []byte
}

// Fetcher retrieves one page per call. github.com blob URLs are read through
// the contents API when a GitHub fetcher is configured.
type Fetcher struct {
	client   *http.Client
	github   *github.Fetcher
	maxBytes int64
	timeout  time.Duration
	logger   *slog.Logger
}

type Option func(*Fetcher)

func WithHTTPClient(c *http.Client) Option {
	return func(f *Fetcher) { f.client = c }
}

func WithGitHub(g *github.Fetcher) Option {
	return func(f *Fetcher) { f.github = g }
}

func WithMaxBytes(n int64) Option {
	return func(f *Fetcher) {
		if n > 0 {
			f.maxBytes = n
		}
	}
}

func WithTimeout(d time.Duration) Option {
	return func(f *Fetcher) {
		if d > 0 {
			f.timeout = d
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(f *Fetcher) {
		if l != nil {
			f.logger = l
		}
	}
}

func New(opts ...Option) *Fetcher {
	f := &Fetcher{
		client:   &http.Client{},
		maxBytes: DefaultMaxBytes,
		timeout:  DefaultTimeout,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Validate checks that raw is an absolute http or https URL.
func Validate(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, apperr.Validation("invalid url %q: %v", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, apperr.Wrap(fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme),
			apperr.CategoryValidation, apperr.CodeInvalidInput, "Use an http or https URL.", false)
	}
	if u.Host == "" {
		return nil, apperr.Validation("url %q has no host", raw)
	}
	return u, nil
}

// Fetch downloads the page at raw within the configured timeout.
func (f *Fetcher) Fetch(ctx context.Context, raw string) (*Page, error) {
	u, err := Validate(raw)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	if f.github != nil {
		if ref, err := github.ParseBlobURL(u.String()); err == nil {
			return f.fetchGitHub(ctx, u.String(), ref)
		}
	}
	return f.fetchHTTP(ctx, u.String())
}

func (f *Fetcher) fetchGitHub(ctx context.Context, raw string, ref github.BlobRef) (*Page, error) {
	doc, err := f.github.FetchFile(ctx, ref)
	if err != nil {
		return nil, fetchFailed(raw, err, true)
	}
	if int64(len(doc.Content)) > f.maxBytes {
		return nil, fetchFailed(raw, ErrPageTooLarge, false)
	}
	f.logger.Debug("fetched github file", "url", raw, "sha", doc.SHA)
	return &Page{URL: raw, ContentType: contentTypeFor(ref.Path), Body: []byte(doc.Content)}, nil
}

func (f *Fetcher) fetchHTTP(ctx context.Context, raw string) (*Page, error) {
	var page *Page
	operation := func() error {
		p, err := f.get(ctx, raw)
		if err != nil {
			return err
		}
		page = p
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = f.timeout

	notify := func(err error, wait time.Duration) {
		f.logger.Debug("retrying page fetch", "url", raw, "wait", wait, "error", err)
	}
	if err := backoff.RetryNotify(operation, backoff.WithContext(b, ctx), notify); err != nil {
		var classified interface{ Category() apperr.Category }
		if errors.As(err, &classified) {
			return nil, err
		}
		return nil, fetchFailed(raw, err, true)
	}
	return page, nil
}

// get performs one attempt. Network errors and 5xx/429 responses are
// retryable; everything else is permanent.
func (f *Fetcher) get(ctx context.Context, raw string) (*Page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, raw, nil)
	if err != nil {
		return nil, backoff.Permanent(apperr.Validation("invalid url %q: %v", raw, err))
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,text/plain,text/markdown;q=0.9,*/*;q=0.5")

	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, backoff.Permanent(fetchFailed(raw, err, true))
		}
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		err := fmt.Errorf("%w: %s", ErrBadStatus, resp.Status)
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return nil, err
		}
		return nil, backoff.Permanent(fetchFailed(raw, err, false))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > f.maxBytes {
		return nil, backoff.Permanent(fetchFailed(raw, fmt.Errorf("%w of %d bytes", ErrPageTooLarge, f.maxBytes), false))
	}

	return &Page{
		URL:         resp.Request.URL.String(),
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
	}, nil
}

func fetchFailed(raw string, err error, retryable bool) error {
	return apperr.Wrap(fmt.Errorf("fetch %s: %w", raw, err),
		apperr.CategoryExtraction, apperr.CodeFetchFailed,
		"The page could not be downloaded. Check that the URL is public and reachable.", retryable)
}

func contentTypeFor(p string) string {
	switch strings.ToLower(path.Ext(p)) {
	case ".md", ".markdown", ".mdx":
		return "text/markdown"
	case ".html", ".htm":
		return "text/html"
	}
	return "text/plain"
}
