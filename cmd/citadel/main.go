// Citadel serves the portal's notices ("keiji") from a local store and keeps
// that store in sync with the portal.
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/sethvargo/go-envconfig"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	_ "golang.org/x/crypto/x509roots/fallback"

	"github.com/jdholdren/hatumimi/internal/citadel"
	"github.com/jdholdren/hatumimi/internal/keiji"
	"github.com/jdholdren/hatumimi/internal/logger"
	"github.com/jdholdren/hatumimi/internal/portal"
	ksync "github.com/jdholdren/hatumimi/internal/sync"
)

type config struct {
	Port     int    `env:"PORT, default=4444"`
	Database string `env:"DATABASE, required"` // Blob store file

	PortalBaseURL   string        `env:"PORTAL_BASE_URL, required"`
	PortalUserAgent string        `env:"PORTAL_USER_AGENT, default=hatumimi/1.0"`
	PortalRate      float64       `env:"PORTAL_RATE, default=2"` // Requests per second
	PortalTimeout   time.Duration `env:"PORTAL_TIMEOUT, default=10s"`
	PortalRetries   uint64        `env:"PORTAL_RETRIES, default=2"`

	SyncCooldown     time.Duration `env:"SYNC_COOLDOWN, default=1h"`
	SyncConcurrency  int           `env:"SYNC_CONCURRENCY, default=4"`
	AutoSyncInterval time.Duration `env:"AUTO_SYNC_INTERVAL, default=0s"`
	// Whose portal session the auto-sync loop runs under
	AutoSyncUserID        string `env:"AUTO_SYNC_USER_ID"`
	AutoSyncPortalSession string `env:"AUTO_SYNC_PORTAL_SESSION"`

	HTTPSCookies   bool   `env:"HTTPS_COOKIES, default=false"`
	CookieHashKey  string `env:"COOKIE_HASH_KEY, required"`
	CookieBlockKey string `env:"COOKIE_BLOCK_KEY"`
	CorsOrigin     string `env:"CORS_ORIGIN"`

	DetailCacheSize int           `env:"DETAIL_CACHE_SIZE, default=128"`
	DetailCacheTTL  time.Duration `env:"DETAIL_CACHE_TTL, default=5m"`

	// Which format to use for logging: either text or json
	LoggerFormat string `env:"LOGGER_FORMAT, default=text"`
	Debug        bool   `env:"DEBUG, default=false"`
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	// Parse the config
	var cfg config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		log.Fatalf("error parsing config: %s", err)
	}

	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(logger.New(os.Stdout, cfg.LoggerFormat, level))

	// Runs until interrupted; start and stop failures exit non-zero
	newApp(ctx, cfg).Run()
}

func newApp(ctx context.Context, cfg config) *fx.App {
	return fx.New(
		fx.Supply(
			citadel.Config{
				Server: citadel.ServerConfig{
					Port:            cfg.Port,
					CookieHashKey:   []byte(cfg.CookieHashKey),
					CookieBlockKey:  []byte(cfg.CookieBlockKey),
					HttpsCookies:    cfg.HTTPSCookies,
					CorsOrigin:      cfg.CorsOrigin,
					DetailCacheSize: cfg.DetailCacheSize,
					DetailCacheTTL:  cfg.DetailCacheTTL,
				},
				Database: cfg.Database,
				Portal: portal.Config{
					BaseURL:   cfg.PortalBaseURL,
					UserAgent: cfg.PortalUserAgent,
					Timeout:   cfg.PortalTimeout,
					Rate:      cfg.PortalRate,
					Retries:   cfg.PortalRetries,
				},
				Sync: ksync.Config{
					Cooldown:    cfg.SyncCooldown,
					Concurrency: cfg.SyncConcurrency,
					Interval:    cfg.AutoSyncInterval,
				},
				AutoSync: keiji.User{ID: cfg.AutoSyncUserID, PortalSession: cfg.AutoSyncPortalSession},
			},
			fx.Annotate(ctx, fx.As(new(context.Context))),
		),
		fx.WithLogger(func() fxevent.Logger {
			return &fxevent.SlogLogger{Logger: slog.Default()}
		}),
		citadel.Module,
		fx.Invoke(func(*citadel.Server) {}), // Start the server
	)
}
