// Package spotify provides a wrapper around the Spotify Web API.
package spotify

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/zmb3/spotify/v2"
)

// DefaultBaseURL is the Spotify Web API root.
const DefaultBaseURL = "https://api.spotify.com/v1/"

const (
	defaultFetchTimeout = 10 * time.Second
	defaultRetryDelay   = 2 * time.Second
)

// Client wraps the Spotify API client with convenience methods.
type Client struct {
	api          *spotify.Client
	httpClient   *http.Client
	baseURL      string
	fetchTimeout time.Duration
	retryDelay   time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL points the client at another API root. Used by tests.
func WithBaseURL(u string) Option {
	return func(c *Client) {
		c.baseURL = u
	}
}

// WithFetchTimeout bounds each attempt of a feed request.
func WithFetchTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.fetchTimeout = d
	}
}

// WithRetryDelay sets the wait before the single retry of a failed fetch.
func WithRetryDelay(d time.Duration) Option {
	return func(c *Client) {
		c.retryDelay = d
	}
}

// New creates a new Spotify client wrapper.
// The HTTP client should already be authenticated (see auth.Authenticator.HTTPClient).
func New(httpClient *http.Client, opts ...Option) *Client {
	c := &Client{
		httpClient:   httpClient,
		baseURL:      DefaultBaseURL,
		fetchTimeout: defaultFetchTimeout,
		retryDelay:   defaultRetryDelay,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.api = spotify.New(httpClient, spotify.WithBaseURL(c.baseURL))
	return c
}

// UserID returns the current user's Spotify ID.
func (c *Client) UserID(ctx context.Context) (string, error) {
	user, err := c.api.CurrentUser(ctx)
	if err != nil {
		return "", fmt.Errorf("getting current user: %w", err)
	}
	return user.ID, nil
}
