// Package registry downloads plugin artifacts from a remote registry.
//
// Files are addressed with the raw-file convention used by source hosts:
//
//	<base>/<repository>/<branch>/<file>
package registry

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/wasmproxy/wasmproxy/domain/ports"
)

// DefaultBaseURL is the raw-file endpoint used when none is configured.
const DefaultBaseURL = "https://raw.githubusercontent.com"

// Option is a functional option for configuring the client.
type Option func(*clientConfig)

type clientConfig struct {
	client      *http.Client
	baseURL     string
	branch      string
	timeout     time.Duration
	maxBodySize int64
}

func defaultClientConfig() clientConfig {
	return clientConfig{
		baseURL:     DefaultBaseURL,
		branch:      "master",
		timeout:     60 * time.Second,
		maxBodySize: 256 * 1024 * 1024, // 256MB
	}
}

// WithBaseURL sets the raw-file base URL.
func WithBaseURL(base string) Option {
	return func(c *clientConfig) {
		if base != "" {
			c.baseURL = strings.TrimRight(base, "/")
		}
	}
}

// WithBranch sets the branch files are fetched from.
func WithBranch(branch string) Option {
	return func(c *clientConfig) {
		if branch != "" {
			c.branch = branch
		}
	}
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *clientConfig) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithMaxBodySize limits how many bytes a single download may write.
func WithMaxBodySize(size int64) Option {
	return func(c *clientConfig) {
		if size > 0 {
			c.maxBodySize = size
		}
	}
}

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *clientConfig) {
		c.client = client
	}
}

// Client implements ports.RegistryClient over HTTP GET.
type Client struct {
	config clientConfig
}

// NewClient creates a registry client.
func NewClient(opts ...Option) ports.RegistryClient {
	cfg := defaultClientConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.client == nil {
		cfg.client = &http.Client{}
	}
	return &Client{config: cfg}
}

// FileURL returns the URL a repository file is fetched from.
func (c *Client) FileURL(repository, file string) string {
	parts := []string{c.config.baseURL, strings.Trim(repository, "/"), c.config.branch}
	for _, seg := range strings.Split(strings.TrimLeft(file, "/"), "/") {
		parts = append(parts, url.PathEscape(seg))
	}
	return strings.Join(parts, "/")
}

// Fetch copies file from repository into w.
func (c *Client) Fetch(ctx context.Context, repository, file string, w io.Writer) error {
	if repository == "" {
		return fmt.Errorf("fetch %s: descriptor has no repository", file)
	}
	return c.Download(ctx, c.FileURL(repository, file), w)
}

// Download copies the body of a GET on rawURL into w.
func (c *Client) Download(ctx context.Context, rawURL string, w io.Writer) error {
	ctx, cancel := context.WithTimeout(ctx, c.config.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request for %s: %w", rawURL, err)
	}

	resp, err := c.config.client.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("GET %s: unexpected status %d", rawURL, resp.StatusCode)
	}

	n, err := io.Copy(w, io.LimitReader(resp.Body, c.config.maxBodySize+1))
	if err != nil {
		return fmt.Errorf("GET %s: read body: %w", rawURL, err)
	}
	if n > c.config.maxBodySize {
		return fmt.Errorf("GET %s: body exceeds %d bytes", rawURL, c.config.maxBodySize)
	}
	return nil
}
