// Package migrations embeds the schemas of the two sqlite databases the app
// keeps: the keiji image that lives in memory, and the on-disk blob store that
// persists it.
package migrations

import (
	"embed"

	"github.com/jmoiron/sqlx"

	"github.com/jdholdren/hatumimi/internal/database"
)

//go:embed keiji/*.sql
var keijiFS embed.FS

//go:embed blobs/*.sql
var blobsFS embed.FS

// Keiji brings the notice tables up to date.
func Keiji(dbx *sqlx.DB) (uint, error) {
	return database.RunMigrations(dbx, keijiFS, "keiji", "keiji")
}

// Blobs brings the blob store up to date. Every step is additive so an older
// container keeps its saved image across upgrades.
func Blobs(dbx *sqlx.DB) (uint, error) {
	return database.RunMigrations(dbx, blobsFS, "blobs", "blobs")
}
