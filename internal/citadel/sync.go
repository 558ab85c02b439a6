package citadel

import (
	"log/slog"
	"net/http"

	v1 "github.com/jdholdren/hatumimi/api/citadel/v1"
	hmerrs "github.com/jdholdren/hatumimi/internal/errors"
	"github.com/jdholdren/hatumimi/internal/keiji"
)

// Starts a sync pass for the session's user. The pass runs on after the
// response is written; GET /api/sync reports how it went.
func (s *Server) postSync(w http.ResponseWriter, r *http.Request) error {
	usr := session(r, s.secureCookie).user()

	id, ok := s.syncer.Start(r.Context(), usr)
	if !ok {
		return hmerrs.E(http.StatusConflict, keiji.ErrSyncInFlight)
	}

	return writeJSON(w, http.StatusAccepted, v1.StartSyncResponse{SyncID: id})
}

func (s *Server) getSync(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()
	resp := v1.SyncStatus{
		InFlight:     s.syncer.InFlight(),
		SkipAutoSync: s.syncer.ShouldSkipAutoSync(ctx),
	}

	last, ok, err := s.syncer.LastSync(ctx)
	if err != nil {
		slog.WarnContext(ctx, "error loading last sync", "error", err)
	}
	if ok {
		resp.LastSync = &last
	}
	if rep, ok := s.syncer.LastReport(); ok {
		resp.LastReport = apiSyncReport(rep)
	}

	return writeJSON(w, http.StatusOK, resp)
}
