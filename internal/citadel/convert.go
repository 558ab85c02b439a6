package citadel

import (
	v1 "github.com/jdholdren/hatumimi/api/citadel/v1"
	"github.com/jdholdren/hatumimi/internal/keiji"
	ksync "github.com/jdholdren/hatumimi/internal/sync"
)

func apiGenres(genres []keiji.Genre) []v1.Genre {
	ret := make([]v1.Genre, 0, len(genres))
	for _, g := range genres {
		ret = append(ret, v1.Genre{Kind: g.Kind, Code: g.Code, Name: g.Name})
	}

	return ret
}

func apiNotice(n keiji.Notice) v1.Notice {
	return v1.Notice{
		ID:           n.ID,
		Kind:         n.Kind,
		Code:         n.Code,
		SeqNo:        n.SeqNo,
		GenreName:    n.GenreName,
		Title:        n.Title,
		PublishedAt:  n.PublishedAt,
		DisplayStart: n.DisplayStart,
		DisplayEnd:   n.DisplayEnd,
		CreatedAt:    n.CreatedAt,
	}
}

func apiNotices(notices []keiji.Notice) []v1.Notice {
	ret := make([]v1.Notice, 0, len(notices))
	for _, n := range notices {
		ret = append(ret, apiNotice(n))
	}

	return ret
}

func apiNoticeDetail(n keiji.Notice, d keiji.NoticeDetail) v1.NoticeDetailResponse {
	ret := v1.NoticeDetailResponse{
		Notice:      apiNotice(n),
		Content:     d.Content,
		Attachments: make([]v1.Attachment, 0, len(d.Attachments)),
		Tables:      make([]v1.Table, 0, len(d.Tables)),
		URLTables:   make([]v1.URLTable, 0, len(d.URLTables)),
	}
	for _, a := range d.Attachments {
		ret.Attachments = append(ret.Attachments, v1.Attachment{Name: a.Name, DownloadURL: a.DownloadURL})
	}
	for _, t := range d.Tables {
		ret.Tables = append(ret.Tables, v1.Table{Title: t.Title, Rows: t.Rows})
	}
	for _, t := range d.URLTables {
		ret.URLTables = append(ret.URLTables, v1.URLTable{Title: t.Title, URLs: t.URLs})
	}

	return ret
}

func apiSyncReport(r ksync.Report) *v1.SyncReport {
	return &v1.SyncReport{
		ID:           r.ID,
		Outcome:      r.Outcome,
		StartedAt:    r.StartedAt,
		FinishedAt:   r.FinishedAt,
		Expired:      r.Expired,
		Genres:       r.Genres,
		Upserted:     r.Upserted,
		FailedGenres: r.FailedGenres,
		Error:        r.Error,
	}
}
