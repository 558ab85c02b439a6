// Sync runs a single sync pass against the portal and prints its report.
//
// It shares citadel's store file, so it's meant for cron or for seeding a
// fresh database before the server first starts.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"syscall"
	"time"

	"github.com/oklog/run"
	"github.com/sethvargo/go-envconfig"
	_ "golang.org/x/crypto/x509roots/fallback"

	"github.com/jdholdren/hatumimi/internal/blobstore"
	"github.com/jdholdren/hatumimi/internal/keiji"
	"github.com/jdholdren/hatumimi/internal/logger"
	"github.com/jdholdren/hatumimi/internal/metrics"
	"github.com/jdholdren/hatumimi/internal/portal"
	"github.com/jdholdren/hatumimi/internal/sqlite"
	ksync "github.com/jdholdren/hatumimi/internal/sync"
)

type config struct {
	Database string `env:"DATABASE, required"`

	PortalBaseURL   string        `env:"PORTAL_BASE_URL, required"`
	PortalUserAgent string        `env:"PORTAL_USER_AGENT, default=hatumimi/1.0"`
	PortalRate      float64       `env:"PORTAL_RATE, default=2"`
	PortalTimeout   time.Duration `env:"PORTAL_TIMEOUT, default=10s"`
	PortalRetries   uint64        `env:"PORTAL_RETRIES, default=2"`

	UserID        string `env:"SYNC_USER_ID, default=cli"`
	PortalSession string `env:"SYNC_PORTAL_SESSION, required"`

	SyncConcurrency int `env:"SYNC_CONCURRENCY, default=4"`
	// Skips the pass when the last one finished within the cooldown
	RespectCooldown bool          `env:"RESPECT_COOLDOWN, default=false"`
	SyncCooldown    time.Duration `env:"SYNC_COOLDOWN, default=1h"`

	LoggerFormat string `env:"LOGGER_FORMAT, default=text"`
}

func main() {
	// Parse the config
	var cfg config
	if err := envconfig.Process(context.Background(), &cfg); err != nil {
		log.Fatalf("error parsing config: %s", err)
	}

	// Logs go to stderr, the report to stdout
	slog.SetDefault(logger.New(os.Stderr, cfg.LoggerFormat, slog.LevelInfo))

	// The pass races the signal handler; whichever returns first stops the other
	var (
		rep         ksync.Report
		g           run.Group
		ctx, cancel = context.WithCancel(context.Background())
	)
	defer cancel()
	g.Add(func() error {
		var err error
		rep, err = runOnce(ctx, cfg)
		return err
	}, func(error) {
		cancel()
	})
	g.Add(run.SignalHandler(ctx, os.Interrupt, syscall.SIGTERM))

	err := g.Run()
	var sigErr run.SignalError
	if errors.As(err, &sigErr) {
		slog.Warn("interrupted", "signal", sigErr.Signal.String())
		os.Exit(130)
	}
	if err != nil {
		slog.Error("error syncing", "error", err)
		os.Exit(1)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(rep); err != nil {
		log.Fatalf("error writing report: %s", err)
	}
	if rep.Outcome != metrics.OutcomeComplete && rep.Outcome != metrics.OutcomeSkipped {
		os.Exit(2)
	}
}

func runOnce(ctx context.Context, cfg config) (ksync.Report, error) {
	blobs, err := blobstore.Open(cfg.Database)
	if err != nil {
		return ksync.Report{}, fmt.Errorf("error opening blob store: %s", err)
	}
	defer blobs.Close()

	store, err := sqlite.Open(ctx, blobs)
	if err != nil {
		return ksync.Report{}, fmt.Errorf("error opening notice store: %s", err)
	}
	defer store.Close()
	if err := store.SeedIfEmpty(ctx); err != nil {
		return ksync.Report{}, fmt.Errorf("error seeding notice store: %s", err)
	}

	client, err := portal.NewClient(portal.Config{
		BaseURL:   cfg.PortalBaseURL,
		UserAgent: cfg.PortalUserAgent,
		Timeout:   cfg.PortalTimeout,
		Rate:      cfg.PortalRate,
		Retries:   cfg.PortalRetries,
	})
	if err != nil {
		return ksync.Report{}, fmt.Errorf("error creating portal client: %s", err)
	}

	syncer := ksync.NewSyncer(store, blobs, client, portal.NewCookieActivator(client, portal.DefaultSessionCookie), nil, ksync.Config{
		Cooldown:    cfg.SyncCooldown,
		Concurrency: cfg.SyncConcurrency,
	})
	if cfg.RespectCooldown && syncer.ShouldSkipAutoSync(ctx) {
		slog.InfoContext(ctx, "last sync is within the cooldown, skipping")
		return ksync.Report{Outcome: metrics.OutcomeSkipped}, nil
	}

	rep, _ := syncer.RunSync(ctx, keiji.User{ID: cfg.UserID, PortalSession: cfg.PortalSession})
	return rep, nil
}
