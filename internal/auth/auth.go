package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	spotifyauth "github.com/zmb3/spotify/v2/auth"
	"golang.org/x/oauth2"
)

const (
	// DefaultRedirectURL uses explicit IPv4 loopback as required by Spotify for local development.
	// See: https://developer.spotify.com/documentation/web-api/concepts/redirect-uri
	DefaultRedirectURL = "http://127.0.0.1:8080/callback"

	defaultCallbackTimeout = 2 * time.Minute
)

var (
	// ErrMissingCredentials is returned when the client ID or secret is empty.
	ErrMissingCredentials = errors.New("missing Spotify client ID or secret")

	// ErrNotLoggedIn is returned when no token has been cached yet.
	ErrNotLoggedIn = errors.New("no cached Spotify token; run the login command first")

	// ErrAuthTimeout is returned when the OAuth callback is not received in time.
	ErrAuthTimeout = errors.New("authentication timed out waiting for callback")

	// ErrStateMismatch is returned when the OAuth state parameter doesn't match.
	ErrStateMismatch = errors.New("OAuth state mismatch")
)

// Authenticator handles Spotify OAuth2 authentication.
type Authenticator struct {
	auth            *spotifyauth.Authenticator
	config          *oauth2.Config
	cache           *TokenCache
	redirectURL     string
	callbackTimeout time.Duration
	log             zerolog.Logger
}

// Option configures an Authenticator.
type Option func(*Authenticator)

// WithLogger sets the logger.
func WithLogger(log zerolog.Logger) Option {
	return func(a *Authenticator) {
		a.log = log
	}
}

// WithEndpoint overrides the OAuth endpoint used to refresh tokens.
func WithEndpoint(endpoint oauth2.Endpoint) Option {
	return func(a *Authenticator) {
		a.config.Endpoint = endpoint
	}
}

// WithCallbackTimeout bounds how long Login waits for the browser callback.
func WithCallbackTimeout(d time.Duration) Option {
	return func(a *Authenticator) {
		a.callbackTimeout = d
	}
}

// New creates an Authenticator requesting read access to the user's
// recently played tracks. Returns ErrMissingCredentials if clientID or
// clientSecret is empty. An empty redirectURL means DefaultRedirectURL.
func New(clientID, clientSecret, redirectURL string, cache *TokenCache, opts ...Option) (*Authenticator, error) {
	if clientID == "" || clientSecret == "" {
		return nil, ErrMissingCredentials
	}
	if redirectURL == "" {
		redirectURL = DefaultRedirectURL
	}

	scopes := []string{spotifyauth.ScopeUserReadRecentlyPlayed}

	a := &Authenticator{
		auth: spotifyauth.New(
			spotifyauth.WithClientID(clientID),
			spotifyauth.WithClientSecret(clientSecret),
			spotifyauth.WithRedirectURL(redirectURL),
			spotifyauth.WithScopes(scopes...),
		),
		config: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURL,
			Scopes:       scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:  spotifyauth.AuthURL,
				TokenURL: spotifyauth.TokenURL,
			},
		},
		cache:           cache,
		redirectURL:     redirectURL,
		callbackTimeout: defaultCallbackTimeout,
		log:             zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// HTTPClient returns an HTTP client authorized with the cached token.
// Expired tokens are refreshed transparently and the refreshed token is
// written back to the cache. Returns ErrNotLoggedIn without a cached token.
func (a *Authenticator) HTTPClient(ctx context.Context) (*http.Client, error) {
	token, err := a.cache.Load()
	if err != nil {
		return nil, fmt.Errorf("loading cached token: %w", err)
	}
	if token == nil {
		return nil, ErrNotLoggedIn
	}

	src := &cachingTokenSource{
		src:   a.config.TokenSource(ctx, token),
		cache: a.cache,
		last:  token.AccessToken,
		log:   a.log,
	}
	return oauth2.NewClient(ctx, src), nil
}

// cachingTokenSource persists every new access token it hands out.
type cachingTokenSource struct {
	src   oauth2.TokenSource
	cache *TokenCache
	log   zerolog.Logger

	mu   sync.Mutex
	last string
}

func (s *cachingTokenSource) Token() (*oauth2.Token, error) {
	token, err := s.src.Token()
	if err != nil {
		return nil, fmt.Errorf("refreshing token: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if token.AccessToken != s.last {
		s.last = token.AccessToken
		if err := s.cache.Save(token); err != nil {
			// The refresh itself succeeded.
			s.log.Warn().Err(err).Str("path", s.cache.Path()).Msg("Failed to cache refreshed token")
		} else {
			s.log.Debug().Time("expiry", token.Expiry).Msg("Cached refreshed token")
		}
	}
	return token, nil
}

// Login performs the OAuth authorization code flow and caches the token.
// The authorization URL is written to out for the user to open.
func (a *Authenticator) Login(ctx context.Context, out io.Writer) error {
	state, err := generateState()
	if err != nil {
		return fmt.Errorf("generating state: %w", err)
	}

	u, err := url.Parse(a.redirectURL)
	if err != nil {
		return fmt.Errorf("parsing redirect URL: %w", err)
	}

	// Channel to receive the token from callback
	tokenCh := make(chan *oauth2.Token, 1)
	errCh := make(chan error, 1)

	ln, err := net.Listen("tcp", u.Host)
	if err != nil {
		return fmt.Errorf("listening for callback: %w", err)
	}

	server := &http.Server{
		Handler:           a.callbackRouter(u.Path, state, tokenCh, errCh),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Start server in background
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			select {
			case errCh <- fmt.Errorf("callback server error: %w", err):
			default:
			}
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	fmt.Fprintln(out, "\nTo authenticate, open this URL in your browser:")
	fmt.Fprintln(out, a.auth.AuthURL(state))
	fmt.Fprintln(out, "\nWaiting for authentication...")

	var token *oauth2.Token
	select {
	case token = <-tokenCh:
	case err := <-errCh:
		return err
	case <-time.After(a.callbackTimeout):
		return ErrAuthTimeout
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := a.cache.Save(token); err != nil {
		return fmt.Errorf("caching token: %w", err)
	}
	a.log.Info().Str("path", a.cache.Path()).Msg("Spotify token cached")
	return nil
}

// callbackRouter serves the OAuth redirect on path.
func (a *Authenticator) callbackRouter(path, state string, tokenCh chan<- *oauth2.Token, errCh chan<- error) http.Handler {
	if path == "" {
		path = "/"
	}
	r := chi.NewRouter()
	r.Get(path, func(w http.ResponseWriter, r *http.Request) {
		a.handleCallback(w, r, state, tokenCh, errCh)
	})
	return r
}

// handleCallback processes the OAuth callback from Spotify.
func (a *Authenticator) handleCallback(w http.ResponseWriter, r *http.Request, expectedState string, tokenCh chan<- *oauth2.Token, errCh chan<- error) {
	// Verify state
	if r.URL.Query().Get("state") != expectedState {
		http.Error(w, "State mismatch", http.StatusBadRequest)
		sendErr(errCh, ErrStateMismatch)
		return
	}

	// Check for error response
	if errMsg := r.URL.Query().Get("error"); errMsg != "" {
		http.Error(w, "Authentication failed: "+errMsg, http.StatusBadRequest)
		sendErr(errCh, fmt.Errorf("spotify auth error: %s", errMsg))
		return
	}

	// Exchange code for token
	token, err := a.auth.Token(r.Context(), expectedState, r)
	if err != nil {
		http.Error(w, "Failed to get token", http.StatusInternalServerError)
		sendErr(errCh, fmt.Errorf("exchanging code for token: %w", err))
		return
	}

	w.Header().Set("Content-Type", "text/html")
	fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head><title>Authentication Successful</title></head>
<body>
<h1>Authentication Successful!</h1>
<p>You can close this window and return to the terminal.</p>
</body>
</html>`)

	select {
	case tokenCh <- token:
	default:
	}
}

func sendErr(errCh chan<- error, err error) {
	select {
	case errCh <- err:
	default:
	}
}

// generateState creates a random state string for OAuth.
func generateState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// Logout removes the cached token.
func (a *Authenticator) Logout() error {
	return a.cache.Delete()
}
