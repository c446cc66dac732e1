// Package github reads single files from GitHub repositories through the
// contents API, waiting out primary and secondary rate limits.
package github

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/gofri/go-github-ratelimit/github_ratelimit"
	"github.com/google/go-github/v81/github"
)

// Client wraps the GitHub API client with rate limiting support
type Client struct {
	*github.Client
}

// ClientOption configures NewClient.
type ClientOption func(*clientOptions)

type clientOptions struct {
	token     string
	baseURL   string
	transport http.RoundTripper
}

// WithToken authenticates requests, raising the hourly limit from 60 to 5000.
func WithToken(token string) ClientOption {
	return func(o *clientOptions) { o.token = token }
}

// WithBaseURL points the client at another API root, such as a GitHub
// Enterprise server or a test server.
func WithBaseURL(baseURL string) ClientOption {
	return func(o *clientOptions) { o.baseURL = baseURL }
}

// WithTransport sets the round tripper under the rate limit waiter.
func WithTransport(rt http.RoundTripper) ClientOption {
	return func(o *clientOptions) { o.transport = rt }
}

// NewClient creates a GitHub client. Rate limit responses are retried after
// the reset time GitHub reports.
func NewClient(opts ...ClientOption) (*Client, error) {
	var o clientOptions
	for _, opt := range opts {
		opt(&o)
	}

	rateLimiter, err := github_ratelimit.NewRateLimitWaiterClient(o.transport)
	if err != nil {
		return nil, fmt.Errorf("create rate limit waiter: %w", err)
	}

	ghClient := github.NewClient(rateLimiter)
	if o.token != "" {
		ghClient = ghClient.WithAuthToken(o.token)
	}
	if o.baseURL != "" {
		base := o.baseURL
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		u, err := url.Parse(base)
		if err != nil {
			return nil, fmt.Errorf("parse github base url: %w", err)
		}
		ghClient.BaseURL = u
	}

	return &Client{Client: ghClient}, nil
}
