// Package v1 is the wire format of the citadel JSON API.
package v1

import (
	"net/http"
	"time"

	"github.com/jdholdren/hatumimi/api"
)

type (
	CreateSessionRequest struct {
		UserID        string `json:"user_id"`
		PortalSession string `json:"portal_session"`
	}

	Genre struct {
		Kind int    `json:"keijitype"`
		Code int    `json:"genrecd"`
		Name string `json:"genre_name"`
	}

	GenresResponse struct {
		Genres []Genre `json:"genres"`
		// Set when the store could not be read; Genres is then empty.
		Degraded string `json:"degraded,omitempty"`
	}

	Notice struct {
		ID           int64  `json:"id"`
		Kind         int    `json:"keijitype"`
		Code         int    `json:"genrecd"`
		SeqNo        string `json:"seq_no"`
		GenreName    string `json:"genre_name"`
		Title        string `json:"title"`
		PublishedAt  string `json:"published_at"`
		DisplayStart string `json:"display_start"`
		DisplayEnd   string `json:"display_end"`
		CreatedAt    string `json:"created_at"`
	}

	NoticesResponse struct {
		Notices  []Notice `json:"notices"`
		Limit    int      `json:"limit"`
		Offset   int      `json:"offset"`
		Total    int      `json:"total"`
		HasMore  bool     `json:"has_more"`
		Degraded string   `json:"degraded,omitempty"`
	}

	CountResponse struct {
		Count    int    `json:"count"`
		Degraded string `json:"degraded,omitempty"`
	}

	Attachment struct {
		Name        string `json:"name"`
		DownloadURL string `json:"download_url"`
	}

	Table struct {
		Title string     `json:"title,omitempty"`
		Rows  [][]string `json:"rows"`
	}

	URLTable struct {
		Title string   `json:"title,omitempty"`
		URLs  []string `json:"urls"`
	}

	NoticeDetailResponse struct {
		Notice      Notice       `json:"notice"`
		Content     string       `json:"content"`
		Attachments []Attachment `json:"attachments"`
		Tables      []Table      `json:"tables"`
		URLTables   []URLTable   `json:"url_tables"`
	}

	StartSyncResponse struct {
		SyncID string `json:"sync_id"`
	}

	SyncReport struct {
		ID           string    `json:"id"`
		Outcome      string    `json:"outcome"`
		StartedAt    time.Time `json:"started_at"`
		FinishedAt   time.Time `json:"finished_at"`
		Expired      int       `json:"expired"`
		Genres       int       `json:"genres"`
		Upserted     int       `json:"upserted"`
		FailedGenres []string  `json:"failed_genres,omitempty"`
		Error        string    `json:"error,omitempty"`
	}

	SyncStatus struct {
		InFlight     bool        `json:"in_flight"`
		LastSync     *time.Time  `json:"last_sync,omitempty"`
		SkipAutoSync bool        `json:"skip_auto_sync"`
		LastReport   *SyncReport `json:"last_report,omitempty"`
	}
)

func (c CreateSessionRequest) Validate() error {
	var errs []api.ErrorDetail
	if c.UserID == "" {
		errs = append(errs, api.ErrorDetail{Field: "user_id", Error: "is required"})
	}
	if c.PortalSession == "" {
		errs = append(errs, api.ErrorDetail{Field: "portal_session", Error: "is required"})
	}
	if len(errs) > 0 {
		return api.Error{Status: http.StatusBadRequest, Message: "invalid session", Details: errs}
	}

	return nil
}
