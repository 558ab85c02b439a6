package portal

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/jdholdren/hatumimi/internal/keiji"
)

// entryQuery opens the keiji menu and starts a new flow.
var entryQuery = url.Values{
	"_flowId": {"KJW0001100-flow"},
	"link":    {"menu-link-mf-135062"},
}

// FlowKey starts a new flow and returns its execution key, read from the URL
// the portal redirects to.
func (c *Client) FlowKey(ctx context.Context) (string, error) {
	resp, err := c.get(ctx, entryQuery)
	if err != nil {
		return "", fmt.Errorf("error opening keiji menu: %w", err)
	}

	return flowKeyFrom(resp)
}

func flowKeyFrom(resp response) (string, error) {
	key := resp.url.Query().Get(flowKeyParam)
	if key == "" {
		return "", keiji.ErrNoFlowKey
	}

	return key, nil
}

func genreQuery(flowKey string, kind, code int) url.Values {
	return url.Values{
		flowKeyParam: {flowKey},
		eventIDParam: {"dispKeijiListGenre"},
		"keijitype":  {strconv.Itoa(kind)},
		"genrecd":    {strconv.Itoa(code)},
	}
}

// GenreNotices lists the notices the portal currently shows for g.
//
// flowKey can be shared by any number of genre listings within one flow. A
// session the portal no longer accepts is reported as
// [keiji.ErrSessionInactive] rather than as an empty listing.
func (c *Client) GenreNotices(ctx context.Context, flowKey string, g keiji.Genre) ([]keiji.Notice, error) {
	resp, err := c.get(ctx, genreQuery(flowKey, g.Kind, g.Code))
	if err != nil {
		return nil, fmt.Errorf("error listing genre %d/%d: %w", g.Kind, g.Code, err)
	}
	// A listing always continues the flow; landing anywhere without a key
	// means the portal bounced us to its login page.
	if _, err := flowKeyFrom(resp); err != nil {
		return nil, fmt.Errorf("error listing genre %d/%d: %w", g.Kind, g.Code, keiji.ErrSessionInactive)
	}

	notices, err := ExtractNotices(g, bytes.NewReader(resp.body))
	if err != nil {
		return nil, fmt.Errorf("error extracting genre %d/%d: %w", g.Kind, g.Code, err)
	}

	return notices, nil
}

// ExtractNotices reads the rows of a genre listing page.
//
// The listing is the second tbody on the page. In every row the second cell
// links to the notice, the fifth holds when it was published and the sixth
// its display window. Rows that don't link anywhere useful are skipped; a page
// without a listing yields no notices.
func ExtractNotices(g keiji.Genre, r io.Reader) ([]keiji.Notice, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("error parsing listing html: %w", err)
	}

	notices := []keiji.Notice{}
	tbody := doc.Find("tbody").Eq(1)
	if tbody.Length() == 0 {
		slog.Debug("listing has no notice table", "keijitype", g.Kind, "genrecd", g.Code)
		return notices, nil
	}

	tbody.ChildrenFiltered("tr").Each(func(_ int, row *goquery.Selection) {
		n, err := extractRow(g, row)
		if err != nil {
			slog.Debug("skipping listing row", "keijitype", g.Kind, "genrecd", g.Code, "reason", err)
			return
		}
		notices = append(notices, n)
	})

	return notices, nil
}

var errNoAnchor = errors.New("row has no notice link")

func extractRow(g keiji.Genre, row *goquery.Selection) (keiji.Notice, error) {
	cells := row.ChildrenFiltered("td, th")
	anchor := cells.Eq(1).Children().First()
	href, ok := anchor.Attr("href")
	if !ok || href == "" {
		return keiji.Notice{}, errNoAnchor
	}
	title := strings.TrimSpace(anchor.Text())
	if title == "" {
		return keiji.Notice{}, errors.New("notice link has no title")
	}

	u, err := url.Parse(href)
	if err != nil {
		return keiji.Notice{}, fmt.Errorf("error parsing notice link: %s", err)
	}
	q := u.Query()
	kind, err := strconv.Atoi(q.Get("keijitype"))
	if err != nil {
		return keiji.Notice{}, fmt.Errorf("bad keijitype %q", q.Get("keijitype"))
	}
	code, err := strconv.Atoi(q.Get("genrecd"))
	if err != nil {
		return keiji.Notice{}, fmt.Errorf("bad genrecd %q", q.Get("genrecd"))
	}
	seqNo := q.Get("seqNo")
	if seqNo == "" {
		return keiji.Notice{}, errors.New("notice link has no seqNo")
	}

	n := keiji.Notice{
		Kind:      kind,
		Code:      code,
		SeqNo:     seqNo,
		GenreName: g.Name,
		Title:     title,
	}
	if published := strings.TrimSpace(cells.Eq(4).Text()); published != "" {
		n.PublishedAt = ParseDateTime(published)
	}
	if window := strings.TrimSpace(cells.Eq(5).Text()); window != "" {
		n.DisplayStart, n.DisplayEnd = ParseDateRange(window)
	}

	return n, nil
}
