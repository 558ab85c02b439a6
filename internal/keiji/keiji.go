// Package keiji holds the domain types for the portal's bulletin board
// ("keiji") and the surfaces the rest of the app uses to read and write them.
package keiji

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound        = errors.New("resource not found")
	ErrNoFlowKey       = errors.New("portal did not hand out a flow execution key")
	ErrSessionInactive = errors.New("portal session could not be activated")
	ErrSyncInFlight    = errors.New("a sync pass is already running")
)

// TimeLayout is how every timestamp is kept in the store: local time, no zone.
//
// Lexical order of values in this layout is chronological order, which the
// expiry sweep and the listing order rely on.
const TimeLayout = "2006-01-02T15:04:05"

// FormatTime renders t in [TimeLayout].
func FormatTime(t time.Time) string {
	return t.Format(TimeLayout)
}

type (
	// Genre is a notice category known to the portal, keyed by (Kind, Code).
	Genre struct {
		Kind int    `db:"keijitype" json:"keijitype"`
		Code int    `db:"genrecd" json:"genrecd"`
		Name string `db:"genre_name" json:"genre_name"`
	}

	// NoticeKey is the portal's natural key for a notice.
	NoticeKey struct {
		Kind  int
		Code  int
		SeqNo string
	}

	// Notice is a single bulletin item.
	Notice struct {
		ID           int64  `db:"id" json:"id"`
		Kind         int    `db:"keijitype" json:"keijitype"`
		Code         int    `db:"genrecd" json:"genrecd"`
		SeqNo        string `db:"seq_no" json:"seq_no"`
		GenreName    string `db:"genre_name" json:"genre_name"`
		Title        string `db:"title" json:"title"`
		PublishedAt  string `db:"published_at" json:"published_at"`
		DisplayStart string `db:"display_start" json:"display_start"` // Empty means unbounded
		DisplayEnd   string `db:"display_end" json:"display_end"`     // Empty means unbounded
		CreatedAt    string `db:"created_at" json:"created_at"`
	}

	// NoticeDetail is fetched on demand and never persisted.
	NoticeDetail struct {
		Content     string       `json:"content"`
		Attachments []Attachment `json:"attachments"`
		Tables      []Table      `json:"tables"`
		URLTables   []URLTable   `json:"url_tables"`
	}

	// Attachment is a file linked from a notice, with its absolute download URL.
	Attachment struct {
		Name        string `json:"name"`
		DownloadURL string `json:"download_url"`
	}

	// Table is a generic key/value style table, one row per slice.
	Table struct {
		Title string     `json:"title,omitempty"`
		Rows  [][]string `json:"rows"`
	}

	// URLTable is a table whose cells are links, flattened to their absolute URLs.
	URLTable struct {
		Title string   `json:"title,omitempty"`
		URLs  []string `json:"urls"`
	}

	// Filter narrows a notice listing. Both fields are optional and ANDed.
	Filter struct {
		TitleContains string
		GenreName     string
	}

	// Page is an offset window. A non-positive Limit means "everything".
	Page struct {
		Offset int
		Limit  int
	}

	// SyncMetadata is a single key's value and when it was written.
	SyncMetadata struct {
		Value     string
		UpdatedAt time.Time
	}

	// User identifies whose portal session a sync or detail fetch runs under.
	User struct {
		ID            string `json:"user_id"`
		PortalSession string `json:"portal_session"`
	}
)

// Key returns the portal's natural key for n.
func (n Notice) Key() NoticeKey {
	return NoticeKey{Kind: n.Kind, Code: n.Code, SeqNo: n.SeqNo}
}

// String renders k as "kind/code/seqNo".
func (k NoticeKey) String() string {
	return fmt.Sprintf("%d/%d/%s", k.Kind, k.Code, k.SeqNo)
}

type (
	// Store is the embedded notice store.
	//
	// Reads degrade instead of failing; writes surface their errors.
	Store interface {
		Genres(ctx context.Context) Result[[]Genre]
		Notices(ctx context.Context, f Filter, p Page) Result[[]Notice]
		CountNotices(ctx context.Context, f Filter) Result[int]
		Notice(ctx context.Context, key NoticeKey) (Notice, error)
		UpsertNotices(ctx context.Context, notices []Notice) error
		ExpireNotices(ctx context.Context, now time.Time) (int, error)
		SeedIfEmpty(ctx context.Context) error
	}

	// Persister keeps the store's serialized image and a small metadata table.
	Persister interface {
		Save(ctx context.Context, image []byte) error
		Load(ctx context.Context) ([]byte, error)
		SaveMetadata(ctx context.Context, key, value string) error
		LoadMetadata(ctx context.Context, key string) (*SyncMetadata, error)
	}

	// Scraper is the remote portal.
	Scraper interface {
		FlowKey(ctx context.Context) (string, error)
		GenreNotices(ctx context.Context, flowKey string, g Genre) ([]Notice, error)
		NoticeDetail(ctx context.Context, key NoticeKey) (NoticeDetail, error)
	}

	// Activator brings a user's portal session up before any scraping.
	Activator interface {
		Activate(ctx context.Context, usr User) (bool, error)
		Deactivate(ctx context.Context) error
	}
)
