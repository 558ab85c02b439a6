package portal

import (
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/width"

	"github.com/jdholdren/hatumimi/internal/keiji"
)

var absoluteRe = regexp.MustCompile(`(\d{4})年(\d{1,2})月(\d{1,2})日\s*(\d{1,2})時(\d{1,2})分(\d{1,2})秒`)

// ParseDateTime turns "2025年9月30日 11時18分42秒" into "2025-09-30T11:18:42".
//
// Input it cannot make sense of is handed back unchanged, so callers can keep
// it as an opaque string.
func ParseDateTime(s string) string {
	t, ok := parseAbsolute(s)
	if !ok {
		slog.Warn("error parsing japanese datetime", "value", s)
		return s
	}

	return keiji.FormatTime(t)
}

// ParseDateRange turns "2025年9月10日 14時30分から2025年11月1日 0時0分まで" into
// its start and end. Neither side carries seconds on the portal, so each is
// read as if it ended in 0秒.
//
// Text without a から separator yields two empty bounds. A side that does not
// parse comes back as its raw text.
func ParseDateRange(s string) (start, end string) {
	parts := strings.Split(s, "から")
	if len(parts) != 2 {
		slog.Warn("error parsing japanese date range", "value", s)
		return "", ""
	}

	side := func(raw string) string {
		raw = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(raw), "まで"))
		if raw == "" {
			return ""
		}
		t, ok := parseAbsolute(raw + "0秒")
		if !ok {
			slog.Warn("error parsing japanese date range bound", "value", raw)
			return raw
		}

		return keiji.FormatTime(t)
	}

	return side(parts[0]), side(parts[1])
}

func parseAbsolute(s string) (time.Time, bool) {
	// Full width digits and spaces show up in hand-typed notices
	m := absoluteRe.FindStringSubmatch(width.Narrow.String(s))
	if m == nil {
		return time.Time{}, false
	}

	var n [6]int
	for i := range n {
		v, err := strconv.Atoi(m[i+1])
		if err != nil {
			return time.Time{}, false
		}
		n[i] = v
	}

	t := time.Date(n[0], time.Month(n[1]), n[2], n[3], n[4], n[5], 0, time.Local)
	// time.Date normalizes 2月30日 into March; the portal never means that
	if t.Year() != n[0] || int(t.Month()) != n[1] || t.Day() != n[2] ||
		t.Hour() != n[3] || t.Minute() != n[4] || t.Second() != n[5] {
		return time.Time{}, false
	}

	return t, true
}
