// Package citadel is the JSON API the portal UI talks to.
//
// Reads are served straight from the local store. Syncing and fetching a
// notice's detail go to the portal under the session carried in the caller's
// cookie.
package citadel

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/gorilla/securecookie"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/jdholdren/hatumimi/internal/keiji"
	"github.com/jdholdren/hatumimi/internal/metrics"
	ksync "github.com/jdholdren/hatumimi/internal/sync"
)

type (
	// Syncer is the part of the sync orchestrator the API drives.
	Syncer interface {
		Start(ctx context.Context, usr keiji.User) (string, bool)
		InFlight() bool
		LastReport() (ksync.Report, bool)
		LastSync(ctx context.Context) (time.Time, bool, error)
		ShouldSkipAutoSync(ctx context.Context) bool
	}

	Server struct {
		*http.Server

		store     keiji.Store
		scraper   keiji.Scraper
		activator keiji.Activator
		syncer    Syncer
		metrics   metrics.Recorder

		details      *expirable.LRU[keiji.NoticeKey, keiji.NoticeDetail]
		detailFlight singleflight.Group

		secureCookie *securecookie.SecureCookie
		httpsCookies bool // Whether or not HTTPS should be used for cookies
	}

	ServerConfig struct {
		Port           int
		CookieHashKey  []byte
		CookieBlockKey []byte
		HttpsCookies   bool
		CorsOrigin     string

		DetailCacheSize int
		DetailCacheTTL  time.Duration
	}

	Deps struct {
		Store     keiji.Store
		Scraper   keiji.Scraper
		Activator keiji.Activator
		Syncer    Syncer
		Metrics   metrics.Recorder
		// Served on /metrics when set.
		MetricsHandler http.Handler
	}
)

func NewServer(config ServerConfig, deps Deps) *Server {
	if config.DetailCacheSize <= 0 {
		config.DetailCacheSize = 128
	}
	if config.DetailCacheTTL <= 0 {
		config.DetailCacheTTL = 5 * time.Minute
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.Nop{}
	}

	r := errRouter{Router: mux.NewRouter()}
	srvr := Server{
		store:        deps.Store,
		scraper:      deps.Scraper,
		activator:    deps.Activator,
		syncer:       deps.Syncer,
		metrics:      deps.Metrics,
		details:      expirable.NewLRU[keiji.NoticeKey, keiji.NoticeDetail](config.DetailCacheSize, nil, config.DetailCacheTTL),
		secureCookie: securecookie.New(config.CookieHashKey, config.CookieBlockKey),
		httpsCookies: config.HttpsCookies,
	}

	var handler http.Handler = handlers.RecoveryHandler(
		handlers.RecoveryLogger(recoveryLogger{}),
	)(r)
	if config.CorsOrigin != "" {
		handler = handlers.CORS(
			handlers.AllowedOrigins([]string{config.CorsOrigin}),
			handlers.AllowCredentials(),
			handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions}),
			handlers.AllowedHeaders([]string{"content-type"}),
		)(handler)
	}
	srvr.Server = &http.Server{
		Addr:        fmt.Sprintf(":%d", config.Port),
		ReadTimeout: 5 * time.Second,
		// Detail fetches walk three portal pages
		WriteTimeout: 30 * time.Second,
		Handler:      handler,
	}

	r.Use(accessLogMiddleware) // Log everything
	r.handleFuncE("/api/session", srvr.postSession).Methods(http.MethodPost)
	r.handleFuncE("/api/session", srvr.deleteSession).Methods(http.MethodDelete)

	// Local reads
	r.handleFuncE("/api/genres", srvr.getGenres).Methods(http.MethodGet)
	r.handleFuncE("/api/notices", srvr.getNotices).Methods(http.MethodGet)
	r.handleFuncE("/api/notices/count", srvr.getNoticeCount).Methods(http.MethodGet)
	r.handleFuncE("/api/sync", srvr.getSync).Methods(http.MethodGet)

	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler).Methods(http.MethodGet)
	}

	// Anything that reaches the portal needs the user's portal session
	authed := errRouter{Router: r.NewRoute().Subrouter()}
	authed.Use(requireSessionMiddleware(srvr.secureCookie))
	authed.handleFuncE("/api/sync", srvr.postSync).Methods(http.MethodPost)
	authed.handleFuncE("/api/notices/{keijitype}/{genrecd}/{seqNo}/detail", srvr.getNoticeDetail).Methods(http.MethodGet)

	slog.Debug("configured citadel server", "port", config.Port)

	return &srvr
}
