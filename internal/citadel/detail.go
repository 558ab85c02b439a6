package citadel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	hmerrs "github.com/jdholdren/hatumimi/internal/errors"
	"github.com/jdholdren/hatumimi/internal/keiji"
)

// Bounds a detail fetch, including any wait for another session's sync pass to
// release the portal.
const detailTimeout = 45 * time.Second

// Fetches a notice's full detail from the portal.
//
// Concurrent requests for the same notice share one portal round trip, and
// the answer is cached briefly.
func (s *Server) getNoticeDetail(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()
	key, err := noticeKey(r)
	if err != nil {
		return err
	}

	notice, err := s.store.Notice(ctx, key)
	if err != nil {
		return fmt.Errorf("error loading notice %s: %w", key, err)
	}

	if detail, ok := s.details.Get(key); ok {
		s.metrics.RecordDetailFetch(true, true)
		return writeJSON(w, http.StatusOK, apiNoticeDetail(notice, detail))
	}

	usr := session(r, s.secureCookie).user()
	v, err, _ := s.detailFlight.Do(key.String(), func() (any, error) {
		// Detached so one caller hanging up doesn't fail the others waiting on it
		return s.fetchDetail(context.WithoutCancel(ctx), usr, key)
	})
	s.metrics.RecordDetailFetch(err == nil, false)
	if errors.Is(err, keiji.ErrSessionInactive) {
		return hmerrs.E(http.StatusUnauthorized, err)
	}
	if err != nil {
		slog.ErrorContext(ctx, "error fetching notice detail", "notice", key.String(), "error", err)
		return hmerrs.E(http.StatusBadGateway, "could not retrieve detail")
	}

	detail := v.(keiji.NoticeDetail)
	s.details.Add(key, detail)
	return writeJSON(w, http.StatusOK, apiNoticeDetail(notice, detail))
}

func (s *Server) fetchDetail(ctx context.Context, usr keiji.User, key keiji.NoticeKey) (keiji.NoticeDetail, error) {
	ctx, cancel := context.WithTimeout(ctx, detailTimeout)
	defer cancel()

	active, err := s.activator.Activate(ctx, usr)
	if err != nil {
		return keiji.NoticeDetail{}, fmt.Errorf("error activating session: %w", err)
	}
	if !active {
		return keiji.NoticeDetail{}, keiji.ErrSessionInactive
	}
	defer func() {
		if err := s.activator.Deactivate(ctx); err != nil {
			slog.WarnContext(ctx, "error deactivating session", "error", err)
		}
	}()

	return s.scraper.NoticeDetail(ctx, key)
}
