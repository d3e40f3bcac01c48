// Command spotify-listen-ingest copies the Spotify recently played feed
// into PostgreSQL. It is meant to run on a schedule (cron, systemd timer,
// Kubernetes CronJob); each invocation of "run" performs one ingestion pass.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/justestif/go-spotify-listen-ingest/internal/auth"
	"github.com/justestif/go-spotify-listen-ingest/internal/config"
	"github.com/justestif/go-spotify-listen-ingest/internal/db"
	"github.com/justestif/go-spotify-listen-ingest/internal/ingest"
	"github.com/justestif/go-spotify-listen-ingest/internal/logging"
	"github.com/justestif/go-spotify-listen-ingest/internal/metrics"
	"github.com/justestif/go-spotify-listen-ingest/internal/spotify"
)

const usage = `Usage: spotify-listen-ingest <command>

Commands:
  run       ingest recently played tracks once
  login     authorize with Spotify and cache the token
  logout    remove the cached token
  migrate   create or update the database schema
  status    show the last run and recent listens
`

// exitBusy is returned when another run holds the lock so schedulers can
// tell a skipped run from a failed one.
const exitBusy = 3

func main() {
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	if err := run(flag.Args()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if errors.Is(err, db.ErrRunInProgress) {
			os.Exit(exitBusy)
		}
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) != 1 {
		flag.Usage()
		return errors.New("expected exactly one command")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log, err := logging.New(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		return fmt.Errorf("configuring logging: %w", err)
	}

	switch args[0] {
	case "run":
		return runIngest(ctx, cfg, log)
	case "login":
		return login(ctx, cfg, log)
	case "logout":
		return logout(cfg, log)
	case "migrate":
		return migrate(ctx, cfg, log)
	case "status":
		return status(ctx, cfg)
	default:
		flag.Usage()
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func newAuthenticator(cfg *config.Config, log zerolog.Logger) (*auth.Authenticator, error) {
	if err := cfg.RequireSpotify(); err != nil {
		return nil, err
	}
	return auth.New(
		cfg.Spotify.ClientID,
		cfg.Spotify.ClientSecret,
		cfg.Spotify.RedirectURL,
		auth.NewTokenCache(cfg.Spotify.TokenPath),
		auth.WithLogger(log),
	)
}

func openDB(ctx context.Context, cfg *config.Config) (*db.DB, error) {
	if err := cfg.RequireDatabase(); err != nil {
		return nil, err
	}
	return db.New(ctx, cfg.Database.URL)
}

func runIngest(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	authenticator, err := newAuthenticator(cfg, log)
	if err != nil {
		return err
	}
	httpClient, err := authenticator.HTTPClient(ctx)
	if err != nil {
		if errors.Is(err, auth.ErrNotLoggedIn) {
			return fmt.Errorf("%w: run \"spotify-listen-ingest login\" first", err)
		}
		return err
	}

	database, err := openDB(ctx, cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	feed := spotify.New(httpClient,
		spotify.WithFetchTimeout(cfg.Ingest.FetchTimeout),
		spotify.WithRetryDelay(cfg.Ingest.RetryDelay),
	)

	recorder := metrics.NewRecorder()
	svc := ingest.New(feed, ingest.FromDB(database),
		ingest.WithLimit(cfg.Ingest.Limit),
		ingest.WithRunTimeout(cfg.Ingest.RunTimeout),
		ingest.WithLogger(log),
		ingest.WithMetrics(recorder),
	)

	_, runErr := svc.Run(ctx)

	if cfg.Metrics.PushgatewayURL != "" {
		// The run context may already be canceled.
		pushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := recorder.Push(pushCtx, cfg.Metrics.PushgatewayURL, cfg.Metrics.Job); err != nil {
			log.Warn().Err(err).Str("url", cfg.Metrics.PushgatewayURL).Msg("Failed to push metrics")
		}
	}

	return runErr
}

func login(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	authenticator, err := newAuthenticator(cfg, log)
	if err != nil {
		return err
	}
	if err := authenticator.Login(ctx, os.Stdout); err != nil {
		return fmt.Errorf("logging in: %w", err)
	}

	httpClient, err := authenticator.HTTPClient(ctx)
	if err != nil {
		return err
	}
	userID, err := spotify.New(httpClient).UserID(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Logged in as %s\n", userID)
	return nil
}

func logout(cfg *config.Config, log zerolog.Logger) error {
	authenticator, err := newAuthenticator(cfg, log)
	if err != nil {
		return err
	}
	if err := authenticator.Logout(); err != nil {
		return fmt.Errorf("removing cached token: %w", err)
	}
	fmt.Println("Logged out")
	return nil
}

func migrate(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	database, err := openDB(ctx, cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	if err := database.Migrate(ctx); err != nil {
		return err
	}
	log.Info().Msg("Database schema is up to date")
	return nil
}

func status(ctx context.Context, cfg *config.Config) error {
	database, err := openDB(ctx, cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	latest, err := database.Runs().Latest(ctx)
	if errors.Is(err, db.ErrNotFound) {
		fmt.Println("No runs recorded yet")
		return nil
	}
	if err != nil {
		return err
	}

	listens, err := database.Listens().Count(ctx)
	if err != nil {
		return err
	}
	now := time.Now()
	recent, err := database.Listens().Between(ctx, now.Add(-24*time.Hour), now)
	if err != nil {
		return err
	}

	fmt.Printf("Last run:   %s (%s)\n", latest.ID, latest.FinishedAt.Format(time.RFC3339))
	fmt.Printf("Inserted:   %d new, %d refreshed, %d dropped\n",
		latest.ListensInserted, latest.ListensRefreshed, latest.Dropped)
	if latest.WatermarkAfter != nil {
		fmt.Printf("Watermark:  %s\n", latest.WatermarkAfter.Format(time.RFC3339Nano))
	}
	fmt.Printf("Listens:    %d total, %d in the last 24h\n", listens, len(recent))
	return nil
}
