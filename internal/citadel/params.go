package citadel

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	hmerrs "github.com/jdholdren/hatumimi/internal/errors"
	"github.com/jdholdren/hatumimi/internal/keiji"
)

// parsePage reads ?offset=20&limit=10. A missing, non-positive or oversized
// limit falls back to defaultLimit; a negative offset to zero.
func parsePage(r *http.Request, defaultLimit, maxLimit int) keiji.Page {
	query := r.URL.Query()

	limit, _ := strconv.Atoi(query.Get("limit"))
	if limit <= 0 || limit > maxLimit {
		limit = defaultLimit
	}
	offset, _ := strconv.Atoi(query.Get("offset"))
	if offset < 0 {
		offset = 0
	}

	return keiji.Page{Offset: offset, Limit: limit}
}

// parseFilter reads ?title=&genre=. Both are optional.
func parseFilter(r *http.Request) keiji.Filter {
	query := r.URL.Query()
	return keiji.Filter{
		TitleContains: query.Get("title"),
		GenreName:     query.Get("genre"),
	}
}

// noticeKey reads the {keijitype}/{genrecd}/{seqNo} route variables.
func noticeKey(r *http.Request) (keiji.NoticeKey, error) {
	vars := mux.Vars(r)

	var details []hmerrs.Detail
	kind, err := strconv.Atoi(vars["keijitype"])
	if err != nil {
		details = append(details, hmerrs.Detail{Field: "keijitype", Error: "must be an integer"})
	}
	code, err := strconv.Atoi(vars["genrecd"])
	if err != nil {
		details = append(details, hmerrs.Detail{Field: "genrecd", Error: "must be an integer"})
	}
	if vars["seqNo"] == "" {
		details = append(details, hmerrs.Detail{Field: "seqNo", Error: "is required"})
	}
	if len(details) > 0 {
		return keiji.NoticeKey{}, hmerrs.E(http.StatusBadRequest, "invalid notice key", details)
	}

	return keiji.NoticeKey{Kind: kind, Code: code, SeqNo: vars["seqNo"]}, nil
}
