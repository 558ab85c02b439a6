package sqlite

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"

	"github.com/jmoiron/sqlx"
)

// The bundled starting point for a fresh store: genre rows, and optionally a
// snapshot of notices so a first visit has something to show before a sync.
//
//go:embed seed/*.sql
var seedFS embed.FS

// SeedIfEmpty loads the bundled seed files when the store has no genres yet.
func (r *Repo) SeedIfEmpty(ctx context.Context) error {
	return r.seedFrom(ctx, seedFS, "seed")
}

func (r *Repo) seedFrom(ctx context.Context, fsys fs.FS, dir string) error {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return fmt.Errorf("error reading seed files: %s", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	return r.write(ctx, func(tx *sqlx.Tx) (bool, error) {
		var count int
		if err := tx.GetContext(ctx, &count, `SELECT COUNT(*) FROM keiji_genres;`); err != nil {
			return false, fmt.Errorf("error counting genres: %s", err)
		}
		if count > 0 {
			return false, nil
		}

		slog.InfoContext(ctx, "keiji store is empty, seeding", "files", names)
		for _, name := range names {
			stmts, err := fs.ReadFile(fsys, dir+"/"+name)
			if err != nil {
				return false, fmt.Errorf("error reading seed file %s: %s", name, err)
			}
			if _, err := tx.ExecContext(ctx, string(stmts)); err != nil {
				return false, fmt.Errorf("error executing seed file %s: %w", name, err)
			}
		}

		return true, nil
	})
}
