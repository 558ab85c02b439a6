package portal

import (
	"bytes"
	"context"
	"fmt"
	"html"
	"io"
	"log/slog"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"
	"github.com/microcosm-cc/bluemonday"
	"github.com/sym01/htmlsanitizer"

	"github.com/jdholdren/hatumimi/internal/keiji"
)

const (
	// Holds the body text of a notice.
	contentSelector = ".keiji-naiyo"
	// Holds the tables (attachments, links, key/value facts) under the body.
	tablesSelector = ".keiji-detail"
)

// NoticeDetail walks a fresh flow to the notice's confirm page and reads it.
//
// The confirm step only accepts a key handed out by that notice's own genre
// listing, so the listing is requested first even though its rows are unused.
func (c *Client) NoticeDetail(ctx context.Context, key keiji.NoticeKey) (keiji.NoticeDetail, error) {
	entryKey, err := c.FlowKey(ctx)
	if err != nil {
		return keiji.NoticeDetail{}, err
	}

	listing, err := c.get(ctx, genreQuery(entryKey, key.Kind, key.Code))
	if err != nil {
		return keiji.NoticeDetail{}, fmt.Errorf("error listing genre for detail: %w", err)
	}
	listingKey, err := flowKeyFrom(listing)
	if err != nil {
		return keiji.NoticeDetail{}, fmt.Errorf("error reading listing flow key: %w", keiji.ErrSessionInactive)
	}

	confirm, err := c.get(ctx, url.Values{
		flowKeyParam: {listingKey},
		eventIDParam: {"confirm"},
		"keijitype":  {strconv.Itoa(key.Kind)},
		"genrecd":    {strconv.Itoa(key.Code)},
		"seqNo":      {key.SeqNo},
	})
	if err != nil {
		return keiji.NoticeDetail{}, fmt.Errorf("error confirming notice %s: %w", key, err)
	}

	return ExtractDetail(bytes.NewReader(confirm.body), confirm.url)
}

// ExtractDetail reads a notice's confirm page. base resolves relative links.
func ExtractDetail(r io.Reader, base *url.URL) (keiji.NoticeDetail, error) {
	if base == nil {
		base = &url.URL{}
	}
	byts, err := io.ReadAll(r)
	if err != nil {
		return keiji.NoticeDetail{}, fmt.Errorf("error reading detail html: %w", err)
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(byts))
	if err != nil {
		return keiji.NoticeDetail{}, fmt.Errorf("error parsing detail html: %w", err)
	}

	detail := keiji.NoticeDetail{
		Attachments: []keiji.Attachment{},
		Tables:      []keiji.Table{},
		URLTables:   []keiji.URLTable{},
	}

	if body := doc.Find(contentSelector).First(); body.Length() > 0 {
		detail.Content = plainText(body)
	} else {
		detail.Content = fallbackContent(byts, base)
	}

	var blocks []tableBlock
	container := doc.Find(tablesSelector)
	container.Find("table").Each(func(_ int, t *goquery.Selection) {
		// Only outermost tables; nested ones are read as part of their parent's cells
		if t.ParentsUntilSelection(container).Filter("table").Length() > 0 {
			return
		}
		b := classify(t, base)
		slog.Debug("classified detail table", "shape", b.shape, "title", b.title)
		blocks = append(blocks, b)
	})
	assemble(&detail, blocks)

	return detail, nil
}

var (
	brRe        = regexp.MustCompile(`(?i)<br\s*/?>`)
	stripPolicy = bluemonday.StrictPolicy()
)

// plainText renders a fragment as text: line breaks become newlines, all
// other markup goes, and entities (&nbsp; included) become plain characters.
func plainText(s *goquery.Selection) string {
	inner, err := s.Html()
	if err != nil {
		return strings.TrimSpace(s.Text())
	}

	text := brRe.ReplaceAllString(inner, "\n")
	text = stripPolicy.Sanitize(text)
	text = html.UnescapeString(text)
	text = strings.ReplaceAll(text, "\u00a0", " ")

	lines := strings.Split(text, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, " \t\r")
	}

	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// fallbackContent is used when a page lacks the usual body container:
// readability picks the main block, which is sanitized and then flattened
// like any other body.
func fallbackContent(page []byte, base *url.URL) string {
	parser := readability.NewParser()
	article, err := parser.Parse(bytes.NewReader(page), base)
	if err != nil {
		slog.Warn("detail page has no body container and readability failed", "error", err)
		return ""
	}

	cleaned, err := htmlsanitizer.NewHTMLSanitizer().SanitizeString(article.Content)
	if err != nil {
		slog.Warn("error sanitizing readability content", "error", err)
		return strings.TrimSpace(article.TextContent)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(cleaned))
	if err != nil {
		return strings.TrimSpace(article.TextContent)
	}

	return plainText(doc.Find("body"))
}

// cellText is [plainText] for a single cell, with runs of blank space inside a
// line collapsed.
func cellText(s *goquery.Selection) string {
	lines := strings.Split(plainText(s), "\n")
	for i, l := range lines {
		lines[i] = strings.Join(strings.Fields(l), " ")
	}

	return strings.Join(lines, "\n")
}
