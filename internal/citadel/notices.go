package citadel

import (
	"net/http"

	v1 "github.com/jdholdren/hatumimi/api/citadel/v1"
)

func (s *Server) getGenres(w http.ResponseWriter, r *http.Request) error {
	res := s.store.Genres(r.Context())

	return writeJSON(w, http.StatusOK, v1.GenresResponse{
		Genres:   apiGenres(res.Data),
		Degraded: res.Reason,
	})
}

func (s *Server) getNotices(w http.ResponseWriter, r *http.Request) error {
	var (
		ctx    = r.Context()
		filter = parseFilter(r)
		page   = parsePage(r, 20, 100) // default=20, max=100
	)

	// Degraded reads still answer 200; the UI keeps rendering what it has
	notices := s.store.Notices(ctx, filter, page)
	total := s.store.CountNotices(ctx, filter)

	resp := v1.NoticesResponse{
		Notices: apiNotices(notices.Data),
		Limit:   page.Limit,
		Offset:  page.Offset,
		Total:   total.Data,
	}
	resp.HasMore = page.Offset+len(resp.Notices) < resp.Total
	switch {
	case notices.Degraded():
		resp.Degraded = notices.Reason
	case total.Degraded():
		resp.Degraded = total.Reason
	}

	return writeJSON(w, http.StatusOK, resp)
}

func (s *Server) getNoticeCount(w http.ResponseWriter, r *http.Request) error {
	res := s.store.CountNotices(r.Context(), parseFilter(r))

	return writeJSON(w, http.StatusOK, v1.CountResponse{
		Count:    res.Data,
		Degraded: res.Reason,
	})
}
