package portal

import (
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/jdholdren/hatumimi/internal/keiji"
)

// tableShape is what a table block on a detail page turned out to be. It is
// decided once per block by [classify].
type tableShape int

const (
	// Rows that don't fit any other shape; kept cell for cell.
	shapeIrregular tableShape = iota
	// Every row is one header cell and one value cell.
	shapeKeyValueRows
	// Header-only rows alternating with value-only rows of the same width.
	shapeAlternatingPairs
	// Headed 添付ファイル / attachment; its links are downloads.
	shapeAttachmentList
	// Headed URL; its links are plain references.
	shapeURLList
)

func (s tableShape) String() string {
	switch s {
	case shapeKeyValueRows:
		return "key_value_rows"
	case shapeAlternatingPairs:
		return "alternating_pairs"
	case shapeAttachmentList:
		return "attachment_list"
	case shapeURLList:
		return "url_list"
	default:
		return "irregular"
	}
}

type tableBlock struct {
	shape       tableShape
	title       string
	rows        [][]string
	attachments []keiji.Attachment
	urls        []string
}

// tableRow is one tr split into its header and value cells.
type tableRow struct {
	headers []*goquery.Selection
	values  []*goquery.Selection
	all     []*goquery.Selection
}

func tableRows(t *goquery.Selection) []tableRow {
	var rows []tableRow
	trs := t.ChildrenFiltered("thead, tbody, tfoot").ChildrenFiltered("tr").AddSelection(t.ChildrenFiltered("tr"))
	trs.Each(func(_ int, tr *goquery.Selection) {
		var r tableRow
		tr.ChildrenFiltered("th, td").Each(func(_ int, cell *goquery.Selection) {
			if goquery.NodeName(cell) == "th" {
				r.headers = append(r.headers, cell)
			} else {
				r.values = append(r.values, cell)
			}
			r.all = append(r.all, cell)
		})
		if len(r.all) > 0 {
			rows = append(rows, r)
		}
	})

	return rows
}

func isAttachmentHeader(h string) bool {
	return strings.Contains(h, "添付ファイル") || strings.EqualFold(h, "attachment") || strings.EqualFold(h, "attachments")
}

func isURLHeader(h string) bool {
	return strings.EqualFold(h, "URL")
}

func classify(t *goquery.Selection, base *url.URL) tableBlock {
	var (
		rows  = tableRows(t)
		title = cellText(t.ChildrenFiltered("caption").First())
	)

	var header string
	for _, r := range rows {
		if len(r.headers) > 0 {
			header = cellText(r.headers[0])
			break
		}
	}

	switch {
	case isAttachmentHeader(header):
		b := tableBlock{shape: shapeAttachmentList, title: title}
		t.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
			href, _ := a.Attr("href")
			b.attachments = append(b.attachments, keiji.Attachment{
				Name:        cellText(a),
				DownloadURL: resolve(base, href),
			})
		})
		return b
	case isURLHeader(header):
		b := tableBlock{shape: shapeURLList, title: title}
		for _, r := range rows {
			for _, v := range r.values {
				links := v.Find("a[href]")
				if links.Length() == 0 {
					if text := cellText(v); text != "" {
						b.urls = append(b.urls, text)
					}
					continue
				}
				links.Each(func(_ int, a *goquery.Selection) {
					href, _ := a.Attr("href")
					b.urls = append(b.urls, resolve(base, href))
				})
			}
		}
		return b
	case isKeyValue(rows):
		b := tableBlock{shape: shapeKeyValueRows, title: title}
		for _, r := range rows {
			b.rows = append(b.rows, []string{cellText(r.headers[0]), cellText(r.values[0])})
		}
		return b
	case isAlternating(rows):
		b := tableBlock{shape: shapeAlternatingPairs, title: title}
		for i := 0; i < len(rows); i += 2 {
			for j := range rows[i].headers {
				b.rows = append(b.rows, []string{cellText(rows[i].headers[j]), cellText(rows[i+1].values[j])})
			}
		}
		return b
	default:
		b := tableBlock{shape: shapeIrregular, title: title}
		for _, r := range rows {
			cells := make([]string, 0, len(r.all))
			for _, c := range r.all {
				cells = append(cells, cellText(c))
			}
			b.rows = append(b.rows, cells)
		}
		return b
	}
}

func isKeyValue(rows []tableRow) bool {
	if len(rows) == 0 {
		return false
	}
	for _, r := range rows {
		if len(r.headers) != 1 || len(r.values) != 1 || goquery.NodeName(r.all[0]) != "th" {
			return false
		}
	}

	return true
}

func isAlternating(rows []tableRow) bool {
	if len(rows) == 0 || len(rows)%2 != 0 {
		return false
	}
	for i := 0; i < len(rows); i += 2 {
		head, value := rows[i], rows[i+1]
		if len(head.values) != 0 || len(value.headers) != 0 {
			return false
		}
		if len(head.headers) == 0 || len(head.headers) != len(value.values) {
			return false
		}
	}

	return true
}

// assemble turns classified blocks into the detail's lists.
//
// Consecutive key/value blocks are one logical table the portal happens to
// split up, so they are merged. Alternating-pair blocks are converted to the
// same header/value rows but always stand alone, even next to key/value
// blocks. Any other block also ends a run of key/value blocks.
func assemble(detail *keiji.NoticeDetail, blocks []tableBlock) {
	var run *keiji.Table
	flush := func() {
		if run != nil {
			detail.Tables = append(detail.Tables, *run)
			run = nil
		}
	}

	for _, b := range blocks {
		switch b.shape {
		case shapeKeyValueRows:
			if run == nil {
				run = &keiji.Table{Title: b.title}
			}
			run.Rows = append(run.Rows, b.rows...)
			continue
		case shapeAttachmentList:
			flush()
			detail.Attachments = append(detail.Attachments, b.attachments...)
		case shapeURLList:
			flush()
			detail.URLTables = append(detail.URLTables, keiji.URLTable{Title: b.title, URLs: b.urls})
		case shapeAlternatingPairs, shapeIrregular:
			flush()
			if len(b.rows) > 0 {
				detail.Tables = append(detail.Tables, keiji.Table{Title: b.title, Rows: b.rows})
			}
		}
	}
	flush()
}

func resolve(base *url.URL, href string) string {
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return href
	}

	return base.ResolveReference(ref).String()
}
