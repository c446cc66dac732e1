package github

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/go-github/v81/github"
)

var (
	ErrNotBlobURL = errors.New("not a github blob url")
	ErrNotFile    = errors.New("github path is not a file")
)

// BlobRef identifies one file at one ref, as in
// https://github.com/<owner>/<repo>/blob/<ref>/<path>.
type BlobRef struct {
	Owner string
	Repo  string
	Ref   string
	Path  string
}

// FetchedDoc is a file read through the contents API.
type FetchedDoc struct {
	Path    string
	Content string
	SHA     string
	URL     string
}

// ParseBlobURL recognises github.com blob URLs. Branch names containing
// slashes are not supported; the first segment after blob is the ref.
func ParseBlobURL(raw string) (BlobRef, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return BlobRef{}, fmt.Errorf("%w: %v", ErrNotBlobURL, err)
	}
	host := strings.ToLower(u.Hostname())
	if host != "github.com" && host != "www.github.com" {
		return BlobRef{}, ErrNotBlobURL
	}
	parts := strings.SplitN(strings.Trim(u.Path, "/"), "/", 5)
	if len(parts) < 5 || parts[2] != "blob" || parts[4] == "" {
		return BlobRef{}, ErrNotBlobURL
	}
	return BlobRef{Owner: parts[0], Repo: parts[1], Ref: parts[3], Path: parts[4]}, nil
}

// Fetcher reads single files from GitHub repositories.
type Fetcher struct {
	client *Client
}

// NewFetcher creates a new document fetcher
func NewFetcher(client *Client) *Fetcher {
	return &Fetcher{client: client}
}

// FetchFile fetches the decoded content of the file ref points at.
func (f *Fetcher) FetchFile(ctx context.Context, ref BlobRef) (*FetchedDoc, error) {
	var opts *github.RepositoryContentGetOptions
	if ref.Ref != "" {
		opts = &github.RepositoryContentGetOptions{Ref: ref.Ref}
	}

	fileContent, _, _, err := f.client.Repositories.GetContents(ctx, ref.Owner, ref.Repo, ref.Path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to get content of %s: %w", ref.Path, err)
	}
	if fileContent == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFile, ref.Path)
	}

	content, err := fileContent.GetContent()
	if err != nil {
		return nil, fmt.Errorf("failed to decode content of %s: %w", ref.Path, err)
	}

	rawURL := fmt.Sprintf("https://raw.githubusercontent.com/%s/%s/%s/%s", ref.Owner, ref.Repo, ref.Ref, ref.Path)

	return &FetchedDoc{
		Path:    ref.Path,
		Content: content,
		SHA:     fileContent.GetSHA(),
		URL:     rawURL,
	}, nil
}
