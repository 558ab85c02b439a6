// Package sync runs sync passes: portal listings in, store upserts out.
package sync

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/jdholdren/hatumimi/internal/keiji"
	"github.com/jdholdren/hatumimi/internal/logger"
	"github.com/jdholdren/hatumimi/internal/metrics"
)

// LastSyncKey is the metadata key a fully successful pass records.
const LastSyncKey = "last_sync"

type (
	Config struct {
		// How long after a successful pass auto-sync stays quiet.
		Cooldown time.Duration
		// Genre listings fetched at once.
		Concurrency int
		// How often [Syncer.Run] considers a pass. Zero disables auto-sync.
		Interval time.Duration
	}

	// Syncer drives sync passes. At most one pass runs at a time; a pass asked
	// for while another runs is dropped, not queued.
	Syncer struct {
		store     keiji.Store
		meta      keiji.Persister
		scraper   keiji.Scraper
		activator keiji.Activator
		metrics   metrics.Recorder
		cfg       Config
		now       func() time.Time

		inFlight atomic.Bool
		last     atomic.Pointer[Report]
	}

	// Report is what happened during one pass.
	Report struct {
		ID           string    `json:"id"`
		UserID       string    `json:"user_id"`
		Outcome      string    `json:"outcome"`
		StartedAt    time.Time `json:"started_at"`
		FinishedAt   time.Time `json:"finished_at"`
		Expired      int       `json:"expired"`
		Genres       int       `json:"genres"`
		Upserted     int       `json:"upserted"`
		FailedGenres []string  `json:"failed_genres,omitempty"`
		Error        string    `json:"error,omitempty"`
	}
)

// Complete reports whether every step of the pass succeeded.
func (r Report) Complete() bool {
	return r.Outcome == metrics.OutcomeComplete
}

func NewSyncer(
	store keiji.Store,
	meta keiji.Persister,
	scraper keiji.Scraper,
	activator keiji.Activator,
	rec metrics.Recorder,
	cfg Config,
) *Syncer {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if rec == nil {
		rec = metrics.Nop{}
	}

	return &Syncer{
		store:     store,
		meta:      meta,
		scraper:   scraper,
		activator: activator,
		metrics:   rec,
		cfg:       cfg,
		now:       time.Now,
	}
}

// RunSync runs a pass for usr and waits for it.
//
// It returns false, without running anything, when a pass is already in
// flight. Failures never escape: they end up in the report and the logs.
func (s *Syncer) RunSync(ctx context.Context, usr keiji.User) (Report, bool) {
	if !s.inFlight.CompareAndSwap(false, true) {
		slog.InfoContext(ctx, "sync already in flight, dropping request", "user_id", usr.ID)
		return Report{}, false
	}
	defer s.inFlight.Store(false)

	return s.run(ctx, uuid.NewString(), usr), true
}

// Start kicks off a pass in the background and returns its id, or false when
// a pass is already in flight.
//
// The pass outlives ctx's cancellation: it only writes local state, so it is
// left to finish even when the request that started it goes away.
func (s *Syncer) Start(ctx context.Context, usr keiji.User) (string, bool) {
	if !s.inFlight.CompareAndSwap(false, true) {
		slog.InfoContext(ctx, "sync already in flight, dropping request", "user_id", usr.ID)
		return "", false
	}

	id := uuid.NewString()
	ctx = context.WithoutCancel(ctx)
	go func() {
		defer s.inFlight.Store(false)
		s.run(ctx, id, usr)
	}()

	return id, true
}

// InFlight reports whether a pass is running right now.
func (s *Syncer) InFlight() bool {
	return s.inFlight.Load()
}

// LastReport is the report of the most recently finished pass, if any.
func (s *Syncer) LastReport() (Report, bool) {
	r := s.last.Load()
	if r == nil {
		return Report{}, false
	}

	return *r, true
}

func (s *Syncer) run(ctx context.Context, id string, usr keiji.User) Report {
	ctx = logger.Ctx(ctx, slog.String("sync_id", id), slog.String("user_id", usr.ID))
	rep := Report{ID: id, UserID: usr.ID, StartedAt: s.now()}

	slog.InfoContext(ctx, "sync started")
	s.pass(ctx, usr, &rep)
	rep.FinishedAt = s.now()

	s.metrics.RecordSync(rep.Outcome, rep.FinishedAt.Sub(rep.StartedAt))
	s.last.Store(&rep)

	attrs := []any{
		"outcome", rep.Outcome,
		"expired", rep.Expired,
		"genres", rep.Genres,
		"upserted", rep.Upserted,
		"duration", rep.FinishedAt.Sub(rep.StartedAt),
	}
	switch rep.Outcome {
	case metrics.OutcomeComplete, metrics.OutcomeSkipped:
		slog.InfoContext(ctx, "sync finished", attrs...)
	default:
		attrs = append(attrs, "failed_genres", rep.FailedGenres, "error", rep.Error)
		slog.ErrorContext(ctx, "sync did not complete", attrs...)
	}

	return rep
}

// pass fills in rep as it goes; rep.Outcome is always set when it returns.
func (s *Syncer) pass(ctx context.Context, usr keiji.User, rep *Report) {
	active, err := s.activator.Activate(ctx, usr)
	if err != nil {
		rep.Outcome = metrics.OutcomeAborted
		rep.Error = fmt.Sprintf("error activating session: %s", err)
		return
	}
	if !active {
		rep.Outcome = metrics.OutcomeSkipped
		rep.Error = keiji.ErrSessionInactive.Error()
		return
	}
	defer func() {
		if err := s.activator.Deactivate(ctx); err != nil {
			slog.WarnContext(ctx, "error deactivating session", "error", err)
		}
	}()

	var problems []string

	expired, err := s.store.ExpireNotices(ctx, s.now())
	if err != nil {
		// Stale rows are not a reason to skip fetching fresh ones
		problems = append(problems, fmt.Sprintf("error expiring notices: %s", err))
	} else {
		rep.Expired = expired
		s.metrics.RecordNoticesExpired(expired)
		slog.InfoContext(ctx, "expired notices", "count", expired)
	}

	genres := s.store.Genres(ctx)
	if genres.Degraded() {
		rep.Outcome = metrics.OutcomeAborted
		rep.Error = fmt.Sprintf("genres unavailable: %s", genres.Reason)
		return
	}
	rep.Genres = len(genres.Data)

	flowKey, err := s.scraper.FlowKey(ctx)
	if err != nil {
		rep.Outcome = metrics.OutcomeAborted
		rep.Error = fmt.Sprintf("error getting flow key: %s", err)
		return
	}

	results := make([]genreResult, len(genres.Data))
	var g errgroup.Group
	g.SetLimit(s.cfg.Concurrency)
	for i, genre := range genres.Data {
		g.Go(func() error {
			results[i] = s.syncGenre(ctx, flowKey, genre)
			return nil
		})
	}
	_ = g.Wait() // Genre failures are collected in results, never returned

	for i, res := range results {
		rep.Upserted += res.upserted
		if res.err != nil {
			genre := genres.Data[i]
			rep.FailedGenres = append(rep.FailedGenres, fmt.Sprintf("%d/%d", genre.Kind, genre.Code))
			problems = append(problems, res.err.Error())
		}
	}

	if len(problems) == 0 {
		if err := s.meta.SaveMetadata(ctx, LastSyncKey, keiji.FormatTime(s.now())); err != nil {
			problems = append(problems, fmt.Sprintf("error recording sync time: %s", err))
		}
	}
	if len(problems) > 0 {
		rep.Outcome = metrics.OutcomePartial
		rep.Error = problems[0]
		return
	}

	rep.Outcome = metrics.OutcomeComplete
}

type genreResult struct {
	upserted int
	err      error
}

// syncGenre fetches and stores one genre. Its errors stay with the genre.
func (s *Syncer) syncGenre(ctx context.Context, flowKey string, genre keiji.Genre) genreResult {
	ctx = logger.Ctx(ctx, slog.Int("keijitype", genre.Kind), slog.Int("genrecd", genre.Code))

	notices, err := s.scraper.GenreNotices(ctx, flowKey, genre)
	s.metrics.RecordGenreFetch(err == nil)
	if err != nil {
		slog.ErrorContext(ctx, "failed to fetch genre", "error", err)
		return genreResult{err: fmt.Errorf("error fetching genre %d/%d: %w", genre.Kind, genre.Code, err)}
	}
	if len(notices) == 0 {
		slog.DebugContext(ctx, "genre has no notices")
		return genreResult{}
	}

	if err := s.store.UpsertNotices(ctx, notices); err != nil {
		slog.ErrorContext(ctx, "failed to store genre", "error", err)
		return genreResult{err: fmt.Errorf("error storing genre %d/%d: %w", genre.Kind, genre.Code, err)}
	}
	s.metrics.RecordNoticesUpserted(len(notices))
	slog.DebugContext(ctx, "stored genre", "count", len(notices))

	return genreResult{upserted: len(notices)}
}

// ShouldSkipAutoSync reports whether the last successful pass is recent
// enough that an automatic pass would only add load on the portal.
func (s *Syncer) ShouldSkipAutoSync(ctx context.Context) bool {
	md, err := s.meta.LoadMetadata(ctx, LastSyncKey)
	if err != nil {
		slog.WarnContext(ctx, "error loading last sync time", "error", err)
		return false
	}
	if md == nil {
		return false
	}

	return s.now().Sub(md.UpdatedAt) < s.cfg.Cooldown
}

// LastSync is when the last fully successful pass finished, if one ever did.
func (s *Syncer) LastSync(ctx context.Context) (time.Time, bool, error) {
	md, err := s.meta.LoadMetadata(ctx, LastSyncKey)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("error loading last sync time: %w", err)
	}
	if md == nil {
		return time.Time{}, false, nil
	}

	return md.UpdatedAt, true, nil
}

// Run checks every interval whether an automatic pass is due and runs it for
// usr. It blocks until ctx is done.
func (s *Syncer) Run(ctx context.Context, usr keiji.User) error {
	if s.cfg.Interval <= 0 {
		slog.InfoContext(ctx, "auto sync disabled")
		<-ctx.Done()
		return nil
	}

	tick := time.NewTicker(s.cfg.Interval)
	defer tick.Stop()

	for {
		s.autoSync(ctx, usr)

		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
		}
	}
}

func (s *Syncer) autoSync(ctx context.Context, usr keiji.User) {
	if ctx.Err() != nil {
		return
	}
	if s.ShouldSkipAutoSync(ctx) {
		slog.DebugContext(ctx, "last sync is within cooldown, skipping auto sync")
		return
	}

	s.RunSync(ctx, usr)
}
