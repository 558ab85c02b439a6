package sqlite

import (
	"context"
	"log/slog"

	"github.com/jdholdren/hatumimi/internal/keiji"
)

// Genres returns every known genre in storage order.
func (r *Repo) Genres(ctx context.Context) keiji.Result[[]keiji.Genre] {
	const q = `SELECT keijitype, genrecd, genre_name FROM keiji_genres;`

	r.mu.Lock()
	defer r.mu.Unlock()

	genres := []keiji.Genre{}
	if err := r.db.SelectContext(ctx, &genres, q); err != nil {
		slog.WarnContext(ctx, "error selecting genres", "error", err)
		return keiji.Degraded[[]keiji.Genre]("error selecting genres: " + err.Error())
	}

	return keiji.Ok(genres)
}
