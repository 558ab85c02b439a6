package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"

	"github.com/jdholdren/hatumimi/internal/keiji"
)

var noticeColumns = []string{
	"id", "keijitype", "genrecd", "seq_no", "genre_name", "title",
	"published_at", "display_start", "display_end", "created_at",
}

// filtered applies f to a query on keiji_data.
//
// The title match is a case sensitive substring match; instr is used rather
// than LIKE, which would fold ASCII case and treat % and _ as wildcards.
func filtered(q sq.SelectBuilder, f keiji.Filter) sq.SelectBuilder {
	if f.TitleContains != "" {
		q = q.Where(sq.Expr("instr(title, ?) > 0", f.TitleContains))
	}
	if f.GenreName != "" {
		q = q.Where(sq.Eq{"genre_name": f.GenreName})
	}

	return q
}

// Notices lists notices newest first. Ties on published_at are broken by the
// surrogate id so that paging through the list is stable.
func (r *Repo) Notices(ctx context.Context, f keiji.Filter, p keiji.Page) keiji.Result[[]keiji.Notice] {
	q := filtered(sq.Select(noticeColumns...).From("keiji_data"), f).
		OrderBy("published_at DESC", "id DESC")
	switch {
	case p.Limit > 0:
		q = q.Limit(uint64(p.Limit))
		if p.Offset > 0 {
			q = q.Offset(uint64(p.Offset))
		}
	case p.Offset > 0:
		// sqlite only accepts OFFSET after a LIMIT
		q = q.Suffix("LIMIT -1 OFFSET ?", p.Offset)
	}

	query, args, err := q.ToSql()
	if err != nil {
		slog.WarnContext(ctx, "error constructing notice query", "error", err)
		return keiji.Degraded[[]keiji.Notice]("error constructing sql: " + err.Error())
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	notices := []keiji.Notice{}
	if err := r.db.SelectContext(ctx, &notices, query, args...); err != nil {
		slog.WarnContext(ctx, "error selecting notices", "error", err)
		return keiji.Degraded[[]keiji.Notice]("error selecting notices: " + err.Error())
	}

	return keiji.Ok(notices)
}

// CountNotices counts what [Repo.Notices] would return for f without paging.
func (r *Repo) CountNotices(ctx context.Context, f keiji.Filter) keiji.Result[int] {
	query, args, err := filtered(sq.Select("COUNT(*)").From("keiji_data"), f).ToSql()
	if err != nil {
		slog.WarnContext(ctx, "error constructing count query", "error", err)
		return keiji.Degraded[int]("error constructing sql: " + err.Error())
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var count int
	if err := r.db.GetContext(ctx, &count, query, args...); err != nil {
		slog.WarnContext(ctx, "error counting notices", "error", err)
		return keiji.Degraded[int]("error counting notices: " + err.Error())
	}

	return keiji.Ok(count)
}

func (r *Repo) Notice(ctx context.Context, key keiji.NoticeKey) (keiji.Notice, error) {
	query, args, err := sq.Select(noticeColumns...).From("keiji_data").
		Where(sq.Eq{"keijitype": key.Kind, "genrecd": key.Code, "seq_no": key.SeqNo}).
		ToSql()
	if err != nil {
		return keiji.Notice{}, fmt.Errorf("error constructing sql: %s", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var n keiji.Notice
	err = r.db.GetContext(ctx, &n, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return keiji.Notice{}, keiji.ErrNotFound
	}
	if err != nil {
		return keiji.Notice{}, fmt.Errorf("error fetching notice: %s", err)
	}

	return n, nil
}

// UpsertNotices writes the batch keyed by (keijitype, genrecd, seq_no).
//
// A notice seen again keeps its id and created_at; everything the portal
// reports is overwritten.
func (r *Repo) UpsertNotices(ctx context.Context, notices []keiji.Notice) error {
	if len(notices) == 0 {
		return nil
	}

	const q = `INSERT INTO keiji_data (keijitype, genrecd, seq_no, genre_name, title, published_at, display_start, display_end, created_at)
	VALUES (:keijitype, :genrecd, :seq_no, :genre_name, :title, :published_at, :display_start, :display_end, :created_at)
	ON CONFLICT(keijitype, genrecd, seq_no) DO UPDATE SET
		genre_name = excluded.genre_name,
		title = excluded.title,
		published_at = excluded.published_at,
		display_start = excluded.display_start,
		display_end = excluded.display_end;`

	createdAt := keiji.FormatTime(r.now())
	return r.write(ctx, func(tx *sqlx.Tx) (bool, error) {
		stmt, err := tx.PrepareNamedContext(ctx, q)
		if err != nil {
			return false, fmt.Errorf("error preparing upsert: %s", err)
		}
		defer stmt.Close()

		for _, n := range notices {
			n.CreatedAt = createdAt
			if _, err := stmt.ExecContext(ctx, n); err != nil {
				return false, fmt.Errorf("error upserting notice %s: %w", n.Key(), err)
			}
		}

		return true, nil
	})
}

// ExpireNotices deletes notices whose display window closed before now.
//
// Only display_end values in the store's time layout take part; anything the
// date parser had to leave as raw portal text is kept.
func (r *Repo) ExpireNotices(ctx context.Context, now time.Time) (int, error) {
	const q = `DELETE FROM keiji_data
	WHERE display_end != ''
		AND display_end GLOB '[0-9][0-9][0-9][0-9]-[0-9][0-9]-[0-9][0-9]T*'
		AND display_end < ?;`

	var deleted int64
	err := r.write(ctx, func(tx *sqlx.Tx) (bool, error) {
		res, err := tx.ExecContext(ctx, q, keiji.FormatTime(now))
		if err != nil {
			return false, fmt.Errorf("error deleting expired notices: %w", err)
		}
		if deleted, err = res.RowsAffected(); err != nil {
			return false, fmt.Errorf("error counting expired notices: %s", err)
		}

		return deleted > 0, nil
	})
	if err != nil {
		return 0, err
	}

	return int(deleted), nil
}
