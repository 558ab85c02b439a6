package citadel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/fx"

	"github.com/jdholdren/hatumimi/internal/blobstore"
	"github.com/jdholdren/hatumimi/internal/keiji"
	"github.com/jdholdren/hatumimi/internal/metrics"
	"github.com/jdholdren/hatumimi/internal/portal"
	"github.com/jdholdren/hatumimi/internal/sqlite"
	ksync "github.com/jdholdren/hatumimi/internal/sync"
)

// Module wires the whole service: the blob store and the notice store on top
// of it, the portal client, the syncer and the HTTP server. It needs a [Config]
// and a context.Context supplied.
var Module = fx.Module("citadel",
	fx.Provide(
		newBlobStore,
		newStore,
		newPortalClient,
		newActivator,
		newRegistry,
		newCollector,
		newSyncer,
		newServer,
	),
	fx.Invoke(runAutoSync),
)

// Config is everything [Module] needs to start.
type Config struct {
	Server   ServerConfig
	Database string // Blob store file
	Portal   portal.Config
	Sync     ksync.Config
	// Whose portal session the auto-sync loop runs under. The loop is off
	// without one, or when Sync.Interval isn't positive.
	AutoSync keiji.User
}

func newBlobStore(lc fx.Lifecycle, cfg Config) (*blobstore.Store, error) {
	blobs, err := blobstore.Open(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("error opening blob store: %s", err)
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return blobs.Close()
		},
	})

	return blobs, nil
}

func newStore(lc fx.Lifecycle, ctx context.Context, blobs *blobstore.Store) (*sqlite.Repo, error) {
	store, err := sqlite.Open(ctx, blobs)
	if err != nil {
		return nil, fmt.Errorf("error opening notice store: %s", err)
	}
	if err := store.SeedIfEmpty(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("error seeding notice store: %s", err)
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return store.Close()
		},
	})

	return store, nil
}

func newPortalClient(cfg Config) (*portal.Client, error) {
	client, err := portal.NewClient(cfg.Portal)
	if err != nil {
		return nil, fmt.Errorf("error creating portal client: %s", err)
	}

	return client, nil
}

func newActivator(c *portal.Client) *portal.CookieActivator {
	return portal.NewCookieActivator(c, portal.DefaultSessionCookie)
}

func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return reg
}

func newCollector(reg *prometheus.Registry) *metrics.Collector {
	return metrics.NewCollector(reg)
}

type syncerParams struct {
	fx.In

	Config    Config
	Store     *sqlite.Repo
	Blobs     *blobstore.Store
	Client    *portal.Client
	Activator *portal.CookieActivator
	Collector *metrics.Collector
}

func newSyncer(p syncerParams) *ksync.Syncer {
	return ksync.NewSyncer(p.Store, p.Blobs, p.Client, p.Activator, p.Collector, p.Config.Sync)
}

// Params are the dependencies of the server [Module] provides.
type Params struct {
	fx.In

	Config    Config
	Store     *sqlite.Repo
	Client    *portal.Client
	Activator *portal.CookieActivator
	Syncer    *ksync.Syncer
	Collector *metrics.Collector
	Registry  *prometheus.Registry
}

func newServer(lc fx.Lifecycle, p Params) *Server {
	srvr := NewServer(p.Config.Server, Deps{
		Store:          p.Store,
		Scraper:        p.Client,
		Activator:      p.Activator,
		Syncer:         p.Syncer,
		Metrics:        p.Collector,
		MetricsHandler: metrics.Handler(p.Registry),
	})

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			// Bound here so a taken port fails startup instead of a goroutine
			ln, err := net.Listen("tcp", srvr.Addr)
			if err != nil {
				return fmt.Errorf("error listening on %s: %s", srvr.Addr, err)
			}
			go func() {
				if err := srvr.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					slog.Error("citadel server stopped", "error", err)
				}
			}()

			slog.Info("started citadel server", "addr", ln.Addr().String())

			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srvr.Shutdown(ctx)
		},
	})

	return srvr
}

// runAutoSync runs the syncer's loop for the configured user between start
// and stop.
func runAutoSync(lc fx.Lifecycle, cfg Config, syncer *ksync.Syncer) {
	if cfg.Sync.Interval <= 0 || cfg.AutoSync.PortalSession == "" {
		slog.Info("auto sync disabled", "interval", cfg.Sync.Interval)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				if err := syncer.Run(ctx, cfg.AutoSync); err != nil {
					slog.Error("auto sync stopped", "error", err)
				}
			}()

			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
				return nil
			case <-stopCtx.Done():
				return stopCtx.Err()
			}
		},
	})
}
