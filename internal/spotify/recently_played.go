package spotify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"github.com/justestif/go-spotify-listen-ingest/internal/normalize"
)

// MaxRecentlyPlayed is the largest page the recently played endpoint returns.
const MaxRecentlyPlayed = 50

// Sentinel errors.
var (
	// ErrTransient marks failures worth retrying: network errors, timeouts,
	// rate limiting and server errors.
	ErrTransient = errors.New("transient spotify error")

	// ErrUnauthorized is returned when the access token is rejected.
	ErrUnauthorized = errors.New("spotify rejected the access token")
)

// StatusError is a non-2xx response from the Web API.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("spotify API status %d", e.StatusCode)
	}
	return fmt.Sprintf("spotify API status %d: %s", e.StatusCode, e.Message)
}

// Unwrap classifies the status so callers can use errors.Is.
func (e *StatusError) Unwrap() error {
	switch {
	case e.StatusCode == http.StatusUnauthorized:
		return ErrUnauthorized
	case e.StatusCode == http.StatusTooManyRequests, e.StatusCode >= 500:
		return ErrTransient
	}
	return nil
}

// RecentlyPlayed fetches one page of the user's most recent plays, newest
// first. limit is clamped to 1..MaxRecentlyPlayed. A failed attempt is
// retried once after the retry delay when the failure is transient.
func (c *Client) RecentlyPlayed(ctx context.Context, limit int) ([]normalize.PlayEvent, error) {
	limit = max(1, min(limit, MaxRecentlyPlayed))

	params := url.Values{
		"limit": {strconv.Itoa(limit)},
	}
	reqURL := c.baseURL + "me/player/recently-played?" + params.Encode()

	body, err := c.doRequest(ctx, reqURL)
	if err != nil {
		return nil, fmt.Errorf("fetching recently played: %w", err)
	}

	var resp recentlyPlayedResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parsing recently played response: %w", err)
	}

	events := make([]normalize.PlayEvent, len(resp.Items))
	for i, item := range resp.Items {
		events[i] = convertItem(item)
	}
	return events, nil
}

// doRequest performs an HTTP GET with one retry on transient failure.
func (c *Client) doRequest(ctx context.Context, reqURL string) ([]byte, error) {
	body, err := c.doSingleRequest(ctx, reqURL)
	if err == nil || !errors.Is(err, ErrTransient) || ctx.Err() != nil {
		return body, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(c.retryDelay):
	}

	body, retryErr := c.doSingleRequest(ctx, reqURL)
	if retryErr != nil {
		return nil, fmt.Errorf("retrying after %v: %w", err, retryErr)
	}
	return body, nil
}

// doSingleRequest performs a single HTTP request bounded by the fetch timeout.
func (c *Client) doSingleRequest(ctx context.Context, reqURL string) ([]byte, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("executing request: %w: %w", ErrTransient, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("reading response body: %w: %w", ErrTransient, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		statusErr := &StatusError{StatusCode: resp.StatusCode}
		var apiErr errorResponse
		if err := json.Unmarshal(body, &apiErr); err == nil {
			statusErr.Message = apiErr.Error.Message
		}
		return nil, statusErr
	}

	return body, nil
}
