package embedding

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// ErrRateLimited marks an upstream HTTP 429 response. Callers retry these
// with backoff; every other upstream error is permanent.
var ErrRateLimited = errors.New("upstream rate limited")

// Client wraps the OpenAI client shared by embedding and generation.
type Client struct {
	client *openai.Client
}

// NewClient creates an OpenAI client. baseURL may be empty to use the default
// endpoint. Built-in SDK retries are disabled; callers retry on ErrRateLimited.
func NewClient(apiKey, baseURL string) (*Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}

	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	client := openai.NewClient(opts...)

	return &Client{client: &client}, nil
}

// Client returns the underlying OpenAI client for use in other packages (e.g., generation).
func (c *Client) Client() *openai.Client {
	return c.client
}

// Embeddings returns the embeddings service.
func (c *Client) Embeddings() EmbeddingsAPI {
	return &c.client.Embeddings
}

// IsRateLimited reports whether err is an upstream rate limit response.
func IsRateLimited(err error) bool {
	if errors.Is(err, ErrRateLimited) {
		return true
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests
	}
	return false
}
